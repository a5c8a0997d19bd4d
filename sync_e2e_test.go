package syncroom_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tkivisto/syncroom"
	"github.com/tkivisto/syncroom/internal/merger"
	"github.com/tkivisto/syncroom/internal/opqueue"
	"github.com/tkivisto/syncroom/internal/ws"
	"github.com/tkivisto/syncroom/pkg/api"
	"github.com/tkivisto/syncroom/pkg/client"
)

func startRoomServer(t *testing.T) (*syncroom.Server, string) {
	t.Helper()

	server := syncroom.NewInMemoryServer(syncroom.Options{
		Hub: ws.Config{Merger: merger.Config{Window: 10 * time.Millisecond}},
	})
	srv := httptest.NewServer(server.Hub)
	t.Cleanup(srv.Close)
	return server, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTwoClientsConvergeOnLastWrite(t *testing.T) {
	server, wsURL := startRoomServer(t)
	ctx := context.Background()

	require.NoError(t, server.Store.AddBlock(ctx, "wf1", syncroom.Block{
		ID:        "b1",
		Type:      "agent",
		Subblocks: map[string]any{"temperature": "0.2"},
	}))

	seenByA := make(chan api.SubblockUpdate, 16)
	clientA, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "alice"}, client.Options{
		Handlers: client.Handlers{
			OnSubblockUpdate: func(u api.SubblockUpdate) { seenByA <- u },
		},
	})
	require.NoError(t, err)
	defer clientA.Close()

	clientB, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "bob"}, client.Options{})
	require.NoError(t, err)
	defer clientB.Close()

	opA := clientA.EditSubblock("b1", "temperature", "0.7")
	require.NotEmpty(t, opA)
	require.Eventually(t, func() bool { return clientA.Pending() == 0 },
		2*time.Second, 5*time.Millisecond, "alice's edit never acknowledged")

	// Bob edits the same field afterwards; his wall clock is later, so his
	// value must win.
	opB := clientB.EditSubblock("b1", "temperature", "0.9")
	require.NotEmpty(t, opB)
	require.Eventually(t, func() bool { return clientB.Pending() == 0 },
		2*time.Second, 5*time.Millisecond, "bob's edit never acknowledged")

	require.Eventually(t, func() bool {
		block, err := server.Store.GetBlock(ctx, "wf1", "b1")
		return err == nil && block.Subblocks["temperature"] == "0.9"
	}, 2*time.Second, 5*time.Millisecond, "store never converged on bob's value")

	// Alice hears about bob's write through the room broadcast.
	require.Eventually(t, func() bool {
		for {
			select {
			case u := <-seenByA:
				if u.Value == "0.9" && u.UserID == "bob" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 5*time.Millisecond, "alice never saw bob's broadcast")
}

func TestLateDuplicateWithOldTimestampIsDiscarded(t *testing.T) {
	server, wsURL := startRoomServer(t)
	ctx := context.Background()

	require.NoError(t, server.Store.AddBlock(ctx, "wf1", syncroom.Block{
		ID:        "b1",
		Type:      "agent",
		Subblocks: map[string]any{"temperature": "0.2"},
	}))

	c, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "alice"}, client.Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NotEmpty(t, c.EditSubblock("b1", "temperature", "0.9"))
	require.Eventually(t, func() bool { return c.Pending() == 0 },
		2*time.Second, 5*time.Millisecond)

	// Replay an old frame directly, as a delayed network duplicate would
	// arrive: same field, far older client timestamp.
	raw, _, err := websocket.DefaultDialer.Dial(wsURL+"?workflow=wf1&userId=ghost", nil)
	require.NoError(t, err)
	defer raw.Close()

	frame, err := api.EncodeMessage(api.MessageSubblockUpdate, api.SubblockUpdate{
		BlockID:    "b1",
		SubblockID: "temperature",
		Value:      "0.1",
		Timestamp:  100,
	})
	require.NoError(t, err)
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, frame))

	time.Sleep(100 * time.Millisecond)
	block, err := server.Store.GetBlock(ctx, "wf1", "b1")
	require.NoError(t, err)
	require.Equal(t, "0.9", block.Subblocks["temperature"], "stale duplicate must not regress the store")
}

func TestStructuralOperationsPropagate(t *testing.T) {
	server, wsURL := startRoomServer(t)
	ctx := context.Background()

	opsSeenByB := make(chan api.WorkflowOperation, 16)
	clientA, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "alice"}, client.Options{})
	require.NoError(t, err)
	defer clientA.Close()

	clientB, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "bob"}, client.Options{
		Handlers: client.Handlers{
			OnWorkflowOperation: func(op api.WorkflowOperation) { opsSeenByB <- op },
		},
	})
	require.NoError(t, err)
	defer clientB.Close()

	require.NotEmpty(t, clientA.Apply(syncroom.OpAdd, syncroom.TargetBlock, map[string]any{
		"id":   "b2",
		"type": "function",
		"meta": map[string]any{"name": "Fn"},
	}))
	require.Eventually(t, func() bool { return clientA.Pending() == 0 },
		2*time.Second, 5*time.Millisecond)

	block, err := server.Store.GetBlock(ctx, "wf1", "b2")
	require.NoError(t, err)
	require.Equal(t, "function", block.Type)

	select {
	case op := <-opsSeenByB:
		require.Equal(t, syncroom.OpAdd, op.Operation)
		require.Equal(t, syncroom.TargetBlock, op.Target)
		require.Equal(t, "b2", op.Payload["id"])
		require.Empty(t, op.OperationID)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the structural operation")
	}

	require.NotEmpty(t, clientA.Apply(syncroom.OpAdd, syncroom.TargetEdge, map[string]any{
		"id": "e1", "source": "b2", "target": "b2",
	}))
	require.Eventually(t, func() bool {
		edges, err := server.Store.ListEdges(ctx, "wf1")
		return err == nil && len(edges) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPermanentRejectionSurfacesOnce(t *testing.T) {
	_, wsURL := startRoomServer(t)
	ctx := context.Background()

	failures := make(chan error, 4)
	c, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "alice"}, client.Options{
		Handlers: client.Handlers{
			OnPermanentFailure: func(op *api.QueuedOperation, err error) { failures <- err },
		},
	})
	require.NoError(t, err)
	defer c.Close()

	// Removing a block that never existed can never succeed.
	require.NotEmpty(t, c.Apply(syncroom.OpRemove, syncroom.TargetBlock, map[string]any{"id": "ghost"}))

	select {
	case err := <-failures:
		require.Contains(t, err.Error(), "not found")
	case <-time.After(2 * time.Second):
		t.Fatal("permanent failure never surfaced")
	}
	require.Equal(t, 0, c.Pending())
}

// unresponsiveRoom upgrades connections and swallows every frame without
// ever acknowledging, simulating a server that is reachable but stuck.
func unresponsiveRoom(t *testing.T) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRetryExhaustionEscalatesToOfflineMode(t *testing.T) {
	wsURL := unresponsiveRoom(t)
	ctx := context.Background()

	offline := syncroom.NewOfflineState(nil)
	c, err := client.Dial(ctx, wsURL, "wf1", syncroom.UserSession{UserID: "alice"}, client.Options{
		Offline: offline,
		Queue: opqueue.Config{
			OperationTimeout: 20 * time.Millisecond,
			BackoffBase:      10 * time.Millisecond,
			MaxRetries:       2,
		},
	})
	require.NoError(t, err)
	defer c.Close()

	require.NotEmpty(t, c.EditSubblock("b1", "temperature", "0.5"))

	require.Eventually(t, offline.Offline,
		2*time.Second, 5*time.Millisecond, "retry exhaustion never escalated to offline mode")
	require.NotEmpty(t, offline.Reason())
	require.Equal(t, 0, c.Pending(), "exhausted operation must be dropped")
}

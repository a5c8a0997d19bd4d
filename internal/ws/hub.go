// Package ws provides the websocket room server: one bidirectional channel
// per connected client, scoped to a single workflow room. Incoming field
// edits are routed to the coalescing mergers; structural graph operations
// are applied directly; accepted changes are rebroadcast to the rest of the
// room.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tkivisto/syncroom/internal/merger"
	"github.com/tkivisto/syncroom/internal/persistence"
	"github.com/tkivisto/syncroom/pkg/api"
)

// sendBufferSize bounds the per-connection outbound queue. A connection that
// cannot drain it has its messages dropped rather than stalling the room.
const sendBufferSize = 256

// Config controls hub behaviour. Zero values take defaults.
type Config struct {
	// Merger controls the coalescing window of both mergers.
	Merger merger.Config
}

// Hub owns all live connections of one server process, the two coalescing
// mergers, and the fan-out of acknowledgements and broadcasts.
type Hub struct {
	registry api.Registry
	store    persistence.EntityStore
	observer api.Observer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	subblocks *merger.Merger[merger.SubblockKey]
	variables *merger.Merger[merger.VariableKey]

	mu    sync.RWMutex
	conns map[string]*connection
}

type connection struct {
	id         string
	workflowID string
	session    api.UserSession
	ws         *websocket.Conn

	// sendMu guards send and closed so nothing writes to a closed channel
	// while a broadcast races a disconnect.
	sendMu    sync.Mutex
	send      chan []byte
	closed    bool
	closeOnce sync.Once
}

// trySend queues a message for the write pump. Messages for a closed or
// saturated connection are dropped.
func (c *connection) trySend(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// NewHub wires a Hub over the given store and registry. observer and logger
// may be nil.
func NewHub(store persistence.EntityStore, reg api.Registry, observer api.Observer, logger *slog.Logger, cfg Config) *Hub {
	if observer == nil {
		observer = api.NoopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		registry: reg,
		store:    store,
		observer: observer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[string]*connection),
	}

	h.subblocks = merger.New[merger.SubblockKey](
		merger.ApplierFunc[merger.SubblockKey](func(ctx context.Context, key merger.SubblockKey, value any) error {
			return store.UpdateSubblockValue(ctx, key.WorkflowID, key.BlockID, key.SubblockID, value)
		}),
		h,
		merger.BroadcastFunc[merger.SubblockKey](h.broadcastSubblock),
		observer,
		cfg.Merger,
	)
	h.variables = merger.New[merger.VariableKey](
		merger.ApplierFunc[merger.VariableKey](func(ctx context.Context, key merger.VariableKey, value any) error {
			return store.UpdateVariableField(ctx, key.WorkflowID, key.VariableID, key.Field, value)
		}),
		h,
		merger.BroadcastFunc[merger.VariableKey](h.broadcastVariable),
		observer,
		cfg.Merger,
	)

	return h
}

// Subblocks exposes the sub-block merger, mainly for tests and shutdown
// flushing.
func (h *Hub) Subblocks() *merger.Merger[merger.SubblockKey] { return h.subblocks }

// Variables exposes the variable merger.
func (h *Hub) Variables() *merger.Merger[merger.VariableKey] { return h.variables }

// ServeHTTP upgrades the request to a websocket connection and joins it to
// the workflow room named by the "workflow" query parameter. The user
// identity comes from the "userId"/"userName" parameters; session issuance
// itself is out of scope and expected to happen in front of this handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflow")
	if workflowID == "" {
		http.Error(w, "missing workflow parameter", http.StatusBadRequest)
		return
	}
	session := api.UserSession{
		UserID:   r.URL.Query().Get("userId"),
		UserName: r.URL.Query().Get("userName"),
	}
	h.HandleConnection(w, r, workflowID, session)
}

// HandleConnection upgrades the request and runs the connection until it
// drops. The caller supplies the resolved workflow room and user session.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, workflowID string, session api.UserSession) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	c := &connection{
		id:         uuid.NewString(),
		workflowID: workflowID,
		session:    session,
		ws:         ws,
		send:       make(chan []byte, sendBufferSize),
	}

	ctx := r.Context()
	if err := h.registry.RegisterConnection(ctx, c.id, workflowID, session); err != nil {
		h.logger.Error("room registration failed", "conn", c.id, "workflow", workflowID, "err", err)
		_ = ws.Close()
		return
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Info("connection joined",
		"conn", c.id, "workflow", workflowID, "user", session.UserID)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *connection) {
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *connection) {
	defer h.dropConnection(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		h.route(c, data)
	}
}

// dropConnection removes a connection from the room: registry cleanup, then
// cancellation of its pending merger buffers so no timers leak.
func (h *Hub) dropConnection(c *connection) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()

		ctx := context.Background()
		if err := h.registry.CleanupUserFromRoom(ctx, c.id, c.workflowID); err != nil {
			h.logger.Error("room cleanup failed", "conn", c.id, "err", err)
		}
		h.subblocks.CancelConnection(ctx, c.id)
		h.variables.CancelConnection(ctx, c.id)

		c.sendMu.Lock()
		c.closed = true
		close(c.send)
		c.sendMu.Unlock()
		_ = c.ws.Close()

		h.logger.Info("connection left", "conn", c.id, "workflow", c.workflowID)
	})
}

func (h *Hub) route(c *connection, data []byte) {
	ctx := context.Background()

	env, err := api.DecodeEnvelope(data)
	if err != nil {
		h.sendOperationError(c, api.OperationError{
			Type:    "malformed-message",
			Message: err.Error(),
		})
		return
	}

	switch env.Type {
	case api.MessageSubblockUpdate:
		h.handleSubblockUpdate(ctx, c, env.Payload)
	case api.MessageVariableUpdate:
		h.handleVariableUpdate(ctx, c, env.Payload)
	case api.MessageWorkflowOperation:
		h.handleWorkflowOperation(ctx, c, env.Payload)
	default:
		h.sendOperationError(c, api.OperationError{
			Type:    "unknown-message-type",
			Message: fmt.Sprintf("unknown message type: %s", env.Type),
		})
	}
}

func (h *Hub) handleSubblockUpdate(ctx context.Context, c *connection, payload json.RawMessage) {
	var msg api.SubblockUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.rejectMalformed(c, msg.OperationID, api.TargetSubblock, err)
		return
	}
	if msg.BlockID == "" || msg.SubblockID == "" {
		h.rejectMalformed(c, msg.OperationID, api.TargetSubblock,
			fmt.Errorf("%w: blockId and subblockId are required", api.ErrMalformedPayload))
		return
	}

	h.subblocks.HandleEdit(ctx, merger.Edit[merger.SubblockKey]{
		Key: merger.SubblockKey{
			WorkflowID: c.workflowID,
			BlockID:    msg.BlockID,
			SubblockID: msg.SubblockID,
		},
		Value:       msg.Value,
		Timestamp:   msg.Timestamp,
		ConnID:      c.id,
		UserID:      c.session.UserID,
		OperationID: msg.OperationID,
		Immediate:   msg.Immediate,
	})
}

func (h *Hub) handleVariableUpdate(ctx context.Context, c *connection, payload json.RawMessage) {
	var msg api.VariableUpdate
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.rejectMalformed(c, msg.OperationID, api.TargetVariable, err)
		return
	}
	if msg.VariableID == "" || msg.Field == "" {
		h.rejectMalformed(c, msg.OperationID, api.TargetVariable,
			fmt.Errorf("%w: variableId and field are required", api.ErrMalformedPayload))
		return
	}

	h.variables.HandleEdit(ctx, merger.Edit[merger.VariableKey]{
		Key: merger.VariableKey{
			WorkflowID: c.workflowID,
			VariableID: msg.VariableID,
			Field:      msg.Field,
		},
		Value:       msg.Value,
		Timestamp:   msg.Timestamp,
		ConnID:      c.id,
		UserID:      c.session.UserID,
		OperationID: msg.OperationID,
		Immediate:   msg.Immediate,
	})
}

// handleWorkflowOperation applies a structural graph mutation directly,
// without coalescing, then acknowledges the sender and rebroadcasts the
// operation to the rest of the room.
func (h *Hub) handleWorkflowOperation(ctx context.Context, c *connection, payload json.RawMessage) {
	var msg api.WorkflowOperation
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.rejectMalformed(c, msg.OperationID, "", err)
		return
	}

	if err := h.applyOperation(ctx, c.workflowID, msg); err != nil {
		if msg.OperationID != "" {
			h.Fail(c.id, msg.OperationID, err, api.Retryable(err))
		} else {
			h.sendOperationError(c, api.OperationError{
				Type:      "operation-rejected",
				Message:   err.Error(),
				Operation: msg.Operation,
				Target:    msg.Target,
			})
		}
		return
	}

	if msg.OperationID != "" {
		h.Confirm(c.id, msg.OperationID, time.Now().UnixMilli())
	}

	out := msg
	out.OperationID = ""
	out.SenderID = c.id
	out.UserID = c.session.UserID
	h.broadcastEnvelope(ctx, c.workflowID, c.id, api.MessageWorkflowOperation, out)
}

func (h *Hub) applyOperation(ctx context.Context, workflowID string, msg api.WorkflowOperation) error {
	id, _ := msg.Payload["id"].(string)
	if id == "" {
		return fmt.Errorf("%w: payload id is required", api.ErrMalformedPayload)
	}

	switch msg.Target {
	case api.TargetBlock:
		switch msg.Operation {
		case api.OpAdd:
			blockType, _ := msg.Payload["type"].(string)
			meta, _ := msg.Payload["meta"].(map[string]any)
			subblocks, _ := msg.Payload["subblocks"].(map[string]any)
			return h.store.AddBlock(ctx, workflowID, api.Block{
				ID:        id,
				Type:      blockType,
				Meta:      meta,
				Subblocks: subblocks,
			})
		case api.OpUpdate:
			meta, ok := msg.Payload["meta"].(map[string]any)
			if !ok {
				return fmt.Errorf("%w: block update requires a meta map", api.ErrMalformedPayload)
			}
			return h.store.UpdateBlockMeta(ctx, workflowID, id, meta)
		case api.OpRemove:
			return h.store.RemoveBlock(ctx, workflowID, id)
		}

	case api.TargetVariable:
		switch msg.Operation {
		case api.OpAdd:
			fields, _ := msg.Payload["fields"].(map[string]any)
			return h.store.AddVariable(ctx, workflowID, api.Variable{ID: id, Fields: fields})
		case api.OpUpdate:
			fields, ok := msg.Payload["fields"].(map[string]any)
			if !ok {
				return fmt.Errorf("%w: variable update requires a fields map", api.ErrMalformedPayload)
			}
			for field, value := range fields {
				if err := h.store.UpdateVariableField(ctx, workflowID, id, field, value); err != nil {
					return err
				}
			}
			return nil
		case api.OpRemove:
			return h.store.RemoveVariable(ctx, workflowID, id)
		}

	case api.TargetEdge:
		switch msg.Operation {
		case api.OpAdd:
			source, _ := msg.Payload["source"].(string)
			target, _ := msg.Payload["target"].(string)
			if source == "" || target == "" {
				return fmt.Errorf("%w: edge requires source and target", api.ErrMalformedPayload)
			}
			return h.store.AddEdge(ctx, workflowID, api.Edge{ID: id, Source: source, Target: target})
		case api.OpRemove:
			return h.store.RemoveEdge(ctx, workflowID, id)
		}
	}

	return fmt.Errorf("%w: unsupported operation %s on %s", api.ErrMalformedPayload, msg.Operation, msg.Target)
}

// Confirm implements merger.Acker.
func (h *Hub) Confirm(connID, operationID string, serverTimestamp int64) {
	h.sendTo(connID, api.MessageOperationConfirmed, api.OperationConfirmed{
		OperationID:     operationID,
		ServerTimestamp: serverTimestamp,
	})
}

// Fail implements merger.Acker.
func (h *Hub) Fail(connID, operationID string, err error, retryable bool) {
	h.sendTo(connID, api.MessageOperationFailed, api.OperationFailed{
		OperationID: operationID,
		Error:       err.Error(),
		Retryable:   retryable,
	})
}

func (h *Hub) broadcastSubblock(ctx context.Context, key merger.SubblockKey, value any, timestamp int64, senderConnID, userID string) {
	h.broadcastEnvelope(ctx, key.WorkflowID, senderConnID, api.MessageSubblockUpdate, api.SubblockUpdate{
		BlockID:    key.BlockID,
		SubblockID: key.SubblockID,
		Value:      value,
		Timestamp:  timestamp,
		SenderID:   senderConnID,
		UserID:     userID,
	})
}

func (h *Hub) broadcastVariable(ctx context.Context, key merger.VariableKey, value any, timestamp int64, senderConnID, userID string) {
	h.broadcastEnvelope(ctx, key.WorkflowID, senderConnID, api.MessageVariableUpdate, api.VariableUpdate{
		VariableID: key.VariableID,
		Field:      key.Field,
		Value:      value,
		Timestamp:  timestamp,
		SenderID:   senderConnID,
		UserID:     userID,
	})
}

// broadcastEnvelope sends a message to every connection in the room except
// the sender. Room membership comes from the registry, not from the local
// connection map, so the lookup stays correct when membership is shared.
func (h *Hub) broadcastEnvelope(ctx context.Context, workflowID, senderConnID string, t api.MessageType, payload any) {
	members, err := h.registry.GetWorkflowRoom(ctx, workflowID)
	if err != nil {
		h.logger.Error("room lookup failed", "workflow", workflowID, "err", err)
		return
	}

	msg, err := api.EncodeMessage(t, payload)
	if err != nil {
		h.logger.Error("broadcast encode failed", "type", string(t), "err", err)
		return
	}

	for _, connID := range members {
		if connID == senderConnID {
			continue
		}
		h.sendRaw(connID, msg)
	}
}

func (h *Hub) sendTo(connID string, t api.MessageType, payload any) {
	msg, err := api.EncodeMessage(t, payload)
	if err != nil {
		h.logger.Error("encode failed", "type", string(t), "err", err)
		return
	}
	h.sendRaw(connID, msg)
}

func (h *Hub) sendRaw(connID string, msg []byte) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	if !c.trySend(msg) {
		h.logger.Warn("dropping message for unreachable connection", "conn", connID)
	}
}

func (h *Hub) rejectMalformed(c *connection, operationID string, target api.Target, err error) {
	if operationID != "" {
		h.Fail(c.id, operationID, err, false)
		return
	}
	h.sendOperationError(c, api.OperationError{
		Type:    "malformed-payload",
		Message: err.Error(),
		Target:  target,
	})
}

func (h *Hub) sendOperationError(c *connection, msg api.OperationError) {
	h.sendTo(c.id, api.MessageOperationError, msg)
}

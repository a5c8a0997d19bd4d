// Package client implements the browser-equivalent protocol client: a
// websocket connection to one workflow room plus the per-workflow operation
// queue that serializes, retries, and deduplicates local edits.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tkivisto/syncroom/internal/opqueue"
	"github.com/tkivisto/syncroom/pkg/api"
)

// Handlers receives remote state changes and out-of-band errors. All
// callbacks run on the read loop goroutine; heavy work should be handed off.
type Handlers struct {
	OnSubblockUpdate    func(api.SubblockUpdate)
	OnVariableUpdate    func(api.VariableUpdate)
	OnWorkflowOperation func(api.WorkflowOperation)
	OnOperationError    func(api.OperationError)

	// OnPermanentFailure is invoked once per operation the server rejected
	// as non-retryable.
	OnPermanentFailure func(op *api.QueuedOperation, err error)
}

// Options configures a Client. Zero values take defaults.
type Options struct {
	Queue    opqueue.Config
	Observer api.Observer
	Logger   *slog.Logger
	Handlers Handlers

	// Offline receives the escalation when the retry budget is exhausted.
	// Defaults to a fresh api.OfflineState.
	Offline api.OfflineSignal
}

// Client is the protocol client for one open workflow.
type Client struct {
	workflowID string
	session    api.UserSession
	conn       *websocket.Conn
	queue      *opqueue.Queue
	offline    api.OfflineSignal
	logger     *slog.Logger
	handlers   Handlers

	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

// Ensure Client implements the queue's dispatch interface.
var _ opqueue.Sender = (*Client)(nil)

// Dial connects to a room server and returns a running Client. rawURL is the
// websocket endpoint (ws:// or wss://); the workflow and user identity are
// appended as query parameters the way the room server expects them.
func Dial(ctx context.Context, rawURL, workflowID string, session api.UserSession, opts Options) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("workflow", workflowID)
	q.Set("userId", session.UserID)
	if session.UserName != "" {
		q.Set("userName", session.UserName)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	offline := opts.Offline
	if offline == nil {
		offline = api.NewOfflineState(nil)
	}

	c := &Client{
		workflowID: workflowID,
		session:    session,
		conn:       conn,
		offline:    offline,
		logger:     logger,
		handlers:   opts.Handlers,
		done:       make(chan struct{}),
	}
	c.queue = opqueue.New(workflowID, session.UserID, c, opqueue.Options{
		Offline:            offline,
		Observer:           opts.Observer,
		OnPermanentFailure: opts.Handlers.OnPermanentFailure,
		Config:             opts.Queue,
	})

	go c.readLoop()
	return c, nil
}

// EditSubblock queues an update to one sub-block field and returns the
// operation id, or "" when the edit was suppressed as a duplicate of one
// still in flight.
func (c *Client) EditSubblock(blockID, subblockID string, value any) string {
	op := &api.QueuedOperation{
		ID:     uuid.NewString(),
		Op:     api.OpUpdate,
		Target: api.TargetSubblock,
		Payload: map[string]any{
			"blockId":    blockID,
			"subblockId": subblockID,
			"value":      value,
		},
		WorkflowID: c.workflowID,
		Timestamp:  time.Now().UnixMilli(),
		UserID:     c.session.UserID,
	}
	if !c.queue.Enqueue(op) {
		return ""
	}
	return op.ID
}

// EditVariable queues an update to one field of a workflow variable.
func (c *Client) EditVariable(variableID, field string, value any) string {
	op := &api.QueuedOperation{
		ID:     uuid.NewString(),
		Op:     api.OpUpdate,
		Target: api.TargetVariable,
		Payload: map[string]any{
			"variableId": variableID,
			"field":      field,
			"value":      value,
		},
		WorkflowID: c.workflowID,
		Timestamp:  time.Now().UnixMilli(),
		UserID:     c.session.UserID,
	}
	if !c.queue.Enqueue(op) {
		return ""
	}
	return op.ID
}

// Apply queues a structural graph operation (block/edge/variable add,
// update, remove).
func (c *Client) Apply(operation api.Op, target api.Target, payload map[string]any) string {
	op := &api.QueuedOperation{
		ID:         uuid.NewString(),
		Op:         operation,
		Target:     target,
		Payload:    payload,
		WorkflowID: c.workflowID,
		Timestamp:  time.Now().UnixMilli(),
		UserID:     c.session.UserID,
	}
	if !c.queue.Enqueue(op) {
		return ""
	}
	return op.ID
}

// CancelBlockOperations drops queued and in-flight operations referencing a
// block that was deleted locally.
func (c *Client) CancelBlockOperations(blockID string) int {
	return c.queue.CancelForBlock(blockID)
}

// CancelVariableOperations drops queued and in-flight operations referencing
// a deleted variable.
func (c *Client) CancelVariableOperations(variableID string) int {
	return c.queue.CancelForVariable(variableID)
}

// Offline returns the offline signal this client escalates to.
func (c *Client) Offline() api.OfflineSignal { return c.offline }

// Pending returns the number of operations queued or in flight.
func (c *Client) Pending() int { return c.queue.Len() }

// Done is closed when the connection drops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down the connection and the queue.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.queue.Close()
		close(c.done)
	})
	return c.conn.Close()
}

// Send implements opqueue.Sender by mapping a queued operation to its wire
// message. Sub-block and variable field updates use their dedicated message
// types so the server can coalesce them; everything else travels as a
// generic workflow operation.
func (c *Client) Send(op *api.QueuedOperation) error {
	switch {
	case op.Target == api.TargetSubblock && op.Op == api.OpUpdate:
		blockID, _ := op.Payload["blockId"].(string)
		subblockID, _ := op.Payload["subblockId"].(string)
		return c.writeMessage(api.MessageSubblockUpdate, api.SubblockUpdate{
			BlockID:     blockID,
			SubblockID:  subblockID,
			Value:       op.Payload["value"],
			Timestamp:   op.Timestamp,
			OperationID: op.ID,
			Immediate:   op.Immediate,
		})

	case op.Target == api.TargetVariable && op.Op == api.OpUpdate && hasStringKey(op.Payload, "field"):
		variableID, _ := op.Payload["variableId"].(string)
		field, _ := op.Payload["field"].(string)
		return c.writeMessage(api.MessageVariableUpdate, api.VariableUpdate{
			VariableID:  variableID,
			Field:       field,
			Value:       op.Payload["value"],
			Timestamp:   op.Timestamp,
			OperationID: op.ID,
			Immediate:   op.Immediate,
		})

	default:
		return c.writeMessage(api.MessageWorkflowOperation, api.WorkflowOperation{
			Operation:   op.Op,
			Target:      op.Target,
			Payload:     op.Payload,
			Timestamp:   op.Timestamp,
			OperationID: op.ID,
		})
	}
}

func (c *Client) writeMessage(t api.MessageType, payload any) error {
	msg, err := api.EncodeMessage(t, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		c.queue.Close()
		close(c.done)
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	env, err := api.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("dropping malformed server message", "err", err)
		return
	}

	switch env.Type {
	case api.MessageOperationConfirmed:
		var msg api.OperationConfirmed
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		c.queue.Confirm(msg.OperationID)

	case api.MessageOperationFailed:
		var msg api.OperationFailed
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		c.queue.Fail(msg.OperationID, errors.New(msg.Error), msg.Retryable)

	case api.MessageSubblockUpdate:
		var msg api.SubblockUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if c.handlers.OnSubblockUpdate != nil {
			c.handlers.OnSubblockUpdate(msg)
		}

	case api.MessageVariableUpdate:
		var msg api.VariableUpdate
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if c.handlers.OnVariableUpdate != nil {
			c.handlers.OnVariableUpdate(msg)
		}

	case api.MessageWorkflowOperation:
		var msg api.WorkflowOperation
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if c.handlers.OnWorkflowOperation != nil {
			c.handlers.OnWorkflowOperation(msg)
		}

	case api.MessageOperationError:
		var msg api.OperationError
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return
		}
		if c.handlers.OnOperationError != nil {
			c.handlers.OnOperationError(msg)
		}

	default:
		c.logger.Warn("unknown server message type", "type", string(env.Type))
	}
}

func hasStringKey(p map[string]any, key string) bool {
	s, ok := p[key].(string)
	return ok && s != ""
}

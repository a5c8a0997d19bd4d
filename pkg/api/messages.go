package api

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates wire messages on the room channel.
type MessageType string

const (
	MessageSubblockUpdate     MessageType = "subblock-update"
	MessageVariableUpdate     MessageType = "variable-update"
	MessageWorkflowOperation  MessageType = "workflow-operation"
	MessageOperationConfirmed MessageType = "operation-confirmed"
	MessageOperationFailed    MessageType = "operation-failed"
	MessageOperationError     MessageType = "operation-error"
)

// Envelope is the outer frame of every channel message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubblockUpdate carries one edit to a named field of a block.
//
// Client to server it includes OperationID so the sender can be acknowledged.
// Server to other room members it omits OperationID and adds SenderID (the
// originating connection) and UserID instead.
type SubblockUpdate struct {
	BlockID     string `json:"blockId"`
	SubblockID  string `json:"subblockId"`
	Value       any    `json:"value"`
	Timestamp   int64  `json:"timestamp"`
	OperationID string `json:"operationId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Immediate   bool   `json:"immediate,omitempty"`
}

// VariableUpdate carries one edit to a field of a named workflow variable.
// Same direction conventions as SubblockUpdate.
type VariableUpdate struct {
	VariableID  string `json:"variableId"`
	Field       string `json:"field"`
	Value       any    `json:"value"`
	Timestamp   int64  `json:"timestamp"`
	OperationID string `json:"operationId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Immediate   bool   `json:"immediate,omitempty"`
}

// WorkflowOperation carries a structural graph mutation (block / edge /
// variable add, update, remove). These are applied directly, without
// coalescing.
type WorkflowOperation struct {
	Operation   Op             `json:"operation"`
	Target      Target         `json:"target"`
	Payload     map[string]any `json:"payload"`
	Timestamp   int64          `json:"timestamp"`
	OperationID string         `json:"operationId,omitempty"`
	SenderID    string         `json:"senderId,omitempty"`
	UserID      string         `json:"userId,omitempty"`
}

// OperationConfirmed is a positive acknowledgement for one operation id.
type OperationConfirmed struct {
	OperationID     string `json:"operationId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// OperationFailed is a negative acknowledgement. Retryable tells the client
// whether its retry policy applies or the operation should be dropped.
type OperationFailed struct {
	OperationID string `json:"operationId"`
	Error       string `json:"error"`
	Retryable   bool   `json:"retryable"`
}

// OperationError is an out-of-band diagnostic for messages that could not be
// correlated with an operation id (for example malformed frames).
type OperationError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Operation Op     `json:"operation,omitempty"`
	Target    Target `json:"target,omitempty"`
}

// EncodeMessage wraps a payload in an Envelope and marshals it.
func EncodeMessage(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// DecodeEnvelope parses the outer frame of a channel message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing message type", ErrMalformedPayload)
	}
	return env, nil
}

package api

// OperationStatus represents the lifecycle state of a queued operation on
// the client side.
type OperationStatus string

const (
	StatusPending    OperationStatus = "PENDING"
	StatusProcessing OperationStatus = "PROCESSING"
	StatusConfirmed  OperationStatus = "CONFIRMED"
	StatusFailed     OperationStatus = "FAILED"
)

// Op is the verb of a workflow mutation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpRemove Op = "remove"
)

// Target identifies the kind of entity a mutation applies to.
type Target string

const (
	TargetBlock    Target = "block"
	TargetSubblock Target = "subblock"
	TargetVariable Target = "variable"
	TargetEdge     Target = "edge"
)

// QueuedOperation is a client-side intent to mutate workflow state.
//
// ID is a client-generated token used for deduplication and for correlating
// server acknowledgements. Timestamp is the client's wall clock in Unix
// milliseconds at creation time; the server uses it for last-writer-wins
// ordering per field.
type QueuedOperation struct {
	ID         string
	Op         Op
	Target     Target
	Payload    map[string]any
	WorkflowID string
	Timestamp  int64
	RetryCount int
	Status     OperationStatus
	UserID     string

	// Immediate bypasses server-side coalescing for this operation.
	Immediate bool
}

// DedupKey returns the identity used to suppress duplicate submissions of
// the same logical mutation while an earlier one is still pending or
// processing. Operations whose payload carries no identifying key return ""
// and are never deduplicated by payload.
func (o *QueuedOperation) DedupKey() string {
	id := payloadString(o.Payload, "id")
	switch o.Target {
	case TargetSubblock:
		blockID := payloadString(o.Payload, "blockId")
		subblockID := payloadString(o.Payload, "subblockId")
		if blockID == "" || subblockID == "" {
			return ""
		}
		return string(o.Target) + ":" + blockID + "/" + subblockID
	case TargetVariable:
		if id == "" {
			id = payloadString(o.Payload, "variableId")
		}
	}
	if id == "" {
		return ""
	}
	return string(o.Target) + ":" + id
}

// References reports whether the operation touches the given block id,
// either directly or through a sub-block or edge payload.
func (o *QueuedOperation) ReferencesBlock(blockID string) bool {
	switch o.Target {
	case TargetBlock:
		return payloadString(o.Payload, "id") == blockID
	case TargetSubblock:
		return payloadString(o.Payload, "blockId") == blockID
	case TargetEdge:
		return payloadString(o.Payload, "source") == blockID ||
			payloadString(o.Payload, "target") == blockID
	}
	return false
}

// ReferencesVariable reports whether the operation touches the given
// variable id.
func (o *QueuedOperation) ReferencesVariable(variableID string) bool {
	if o.Target != TargetVariable {
		return false
	}
	if payloadString(o.Payload, "id") == variableID {
		return true
	}
	return payloadString(o.Payload, "variableId") == variableID
}

func payloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

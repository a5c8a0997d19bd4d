package persistence

import (
	"context"

	"github.com/tkivisto/syncroom/pkg/api"
)

// EntityStore is the authoritative transactional store for workflow graph
// entities. Every write to one entity's field map goes through a
// read-merge-write step that touches only the single field that changed, so
// concurrent edits to different fields of the same entity never clobber
// each other.
//
// Implementations return api.ErrBlockNotFound / api.ErrVariableNotFound /
// api.ErrEdgeNotFound for missing entities; callers use api.Retryable to
// classify everything else as transient.
type EntityStore interface {
	AddBlock(ctx context.Context, workflowID string, block api.Block) error
	GetBlock(ctx context.Context, workflowID, blockID string) (api.Block, error)
	UpdateBlockMeta(ctx context.Context, workflowID, blockID string, fields map[string]any) error
	RemoveBlock(ctx context.Context, workflowID, blockID string) error

	// UpdateSubblockValue merges a single sub-block value into a block's
	// field map inside a transaction. It fails with api.ErrBlockNotFound if
	// the parent block no longer exists.
	UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value any) error

	AddVariable(ctx context.Context, workflowID string, v api.Variable) error
	GetVariable(ctx context.Context, workflowID, variableID string) (api.Variable, error)
	RemoveVariable(ctx context.Context, workflowID, variableID string) error

	// UpdateVariableField merges a single field into a variable's field map
	// inside a transaction. It fails with api.ErrVariableNotFound if the
	// variable no longer exists.
	UpdateVariableField(ctx context.Context, workflowID, variableID, field string, value any) error

	AddEdge(ctx context.Context, workflowID string, e api.Edge) error
	RemoveEdge(ctx context.Context, workflowID, edgeID string) error
	ListEdges(ctx context.Context, workflowID string) ([]api.Edge, error)
}

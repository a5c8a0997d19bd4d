package persistence

import (
	"context"
	"sync"

	"github.com/tkivisto/syncroom/pkg/api"
)

// InMemoryStore is a goroutine-safe EntityStore backed by maps. It is
// non-durable and intended for tests and single-process development.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*workflowState
}

type workflowState struct {
	blocks    map[string]api.Block
	variables map[string]api.Variable
	edges     map[string]api.Edge
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]*workflowState),
	}
}

// Ensure InMemoryStore implements EntityStore.
var _ EntityStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) state(workflowID string) *workflowState {
	ws, ok := s.workflows[workflowID]
	if !ok {
		ws = &workflowState{
			blocks:    make(map[string]api.Block),
			variables: make(map[string]api.Variable),
			edges:     make(map[string]api.Edge),
		}
		s.workflows[workflowID] = ws
	}
	return ws
}

func (s *InMemoryStore) AddBlock(ctx context.Context, workflowID string, block api.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(workflowID).blocks[block.ID] = cloneBlock(block)
	return nil
}

func (s *InMemoryStore) GetBlock(ctx context.Context, workflowID, blockID string) (api.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.Block{}, api.ErrBlockNotFound
	}
	b, ok := ws.blocks[blockID]
	if !ok {
		return api.Block{}, api.ErrBlockNotFound
	}
	return cloneBlock(b), nil
}

func (s *InMemoryStore) UpdateBlockMeta(ctx context.Context, workflowID, blockID string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrBlockNotFound
	}
	b, ok := ws.blocks[blockID]
	if !ok {
		return api.ErrBlockNotFound
	}
	if b.Meta == nil {
		b.Meta = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		b.Meta[k] = v
	}
	ws.blocks[blockID] = b
	return nil
}

func (s *InMemoryStore) RemoveBlock(ctx context.Context, workflowID, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrBlockNotFound
	}
	if _, ok := ws.blocks[blockID]; !ok {
		return api.ErrBlockNotFound
	}
	delete(ws.blocks, blockID)
	return nil
}

func (s *InMemoryStore) UpdateSubblockValue(ctx context.Context, workflowID, blockID, subblockID string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrBlockNotFound
	}
	b, ok := ws.blocks[blockID]
	if !ok {
		return api.ErrBlockNotFound
	}
	if b.Subblocks == nil {
		b.Subblocks = make(map[string]any)
	}
	b.Subblocks[subblockID] = value
	ws.blocks[blockID] = b
	return nil
}

func (s *InMemoryStore) AddVariable(ctx context.Context, workflowID string, v api.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(workflowID).variables[v.ID] = cloneVariable(v)
	return nil
}

func (s *InMemoryStore) GetVariable(ctx context.Context, workflowID, variableID string) (api.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.Variable{}, api.ErrVariableNotFound
	}
	v, ok := ws.variables[variableID]
	if !ok {
		return api.Variable{}, api.ErrVariableNotFound
	}
	return cloneVariable(v), nil
}

func (s *InMemoryStore) RemoveVariable(ctx context.Context, workflowID, variableID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrVariableNotFound
	}
	if _, ok := ws.variables[variableID]; !ok {
		return api.ErrVariableNotFound
	}
	delete(ws.variables, variableID)
	return nil
}

func (s *InMemoryStore) UpdateVariableField(ctx context.Context, workflowID, variableID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrVariableNotFound
	}
	v, ok := ws.variables[variableID]
	if !ok {
		return api.ErrVariableNotFound
	}
	if v.Fields == nil {
		v.Fields = make(map[string]any)
	}
	v.Fields[field] = value
	ws.variables[variableID] = v
	return nil
}

func (s *InMemoryStore) AddEdge(ctx context.Context, workflowID string, e api.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state(workflowID).edges[e.ID] = e
	return nil
}

func (s *InMemoryStore) RemoveEdge(ctx context.Context, workflowID, edgeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return api.ErrEdgeNotFound
	}
	if _, ok := ws.edges[edgeID]; !ok {
		return api.ErrEdgeNotFound
	}
	delete(ws.edges, edgeID)
	return nil
}

func (s *InMemoryStore) ListEdges(ctx context.Context, workflowID string) ([]api.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws, ok := s.workflows[workflowID]
	if !ok {
		return nil, nil
	}
	edges := make([]api.Edge, 0, len(ws.edges))
	for _, e := range ws.edges {
		edges = append(edges, e)
	}
	return edges, nil
}

// Stored maps are cloned on the way in and out so callers cannot mutate
// state behind the lock.

func cloneBlock(b api.Block) api.Block {
	b.Meta = cloneMap(b.Meta)
	b.Subblocks = cloneMap(b.Subblocks)
	return b
}

func cloneVariable(v api.Variable) api.Variable {
	v.Fields = cloneMap(v.Fields)
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

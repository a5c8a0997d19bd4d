// Package registry provides room/session registry implementations. The sync
// core only consumes the api.Registry interface; these implementations exist
// so a single-process server (in-memory) or a multi-process deployment
// (Redis) has something real to plug in.
package registry

import (
	"context"
	"sync"

	"github.com/tkivisto/syncroom/pkg/api"
)

// InMemoryRegistry is a goroutine-safe Registry backed by maps.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]connEntry
	rooms map[string]map[string]struct{}
}

type connEntry struct {
	workflowID string
	session    api.UserSession
}

// NewInMemoryRegistry creates a new InMemoryRegistry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		conns: make(map[string]connEntry),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Ensure InMemoryRegistry implements Registry.
var _ api.Registry = (*InMemoryRegistry)(nil)

func (r *InMemoryRegistry) RegisterConnection(ctx context.Context, connID, workflowID string, session api.UserSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[connID] = connEntry{workflowID: workflowID, session: session}
	room, ok := r.rooms[workflowID]
	if !ok {
		room = make(map[string]struct{})
		r.rooms[workflowID] = room
	}
	room[connID] = struct{}{}
	return nil
}

func (r *InMemoryRegistry) GetWorkflowIDForSocket(ctx context.Context, connID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return "", api.ErrConnectionNotFound
	}
	return entry.workflowID, nil
}

func (r *InMemoryRegistry) GetUserSession(ctx context.Context, connID string) (api.UserSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok {
		return api.UserSession{}, api.ErrConnectionNotFound
	}
	return entry.session, nil
}

func (r *InMemoryRegistry) GetWorkflowRoom(ctx context.Context, workflowID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[workflowID]
	conns := make([]string, 0, len(room))
	for connID := range room {
		conns = append(conns, connID)
	}
	return conns, nil
}

func (r *InMemoryRegistry) CleanupUserFromRoom(ctx context.Context, connID, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
	if room, ok := r.rooms[workflowID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, workflowID)
		}
	}
	return nil
}

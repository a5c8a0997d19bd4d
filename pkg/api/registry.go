package api

import (
	"context"
	"errors"
)

// ErrConnectionNotFound is returned by Registry lookups for unknown
// connection ids.
var ErrConnectionNotFound = errors.New("connection not found")

// Registry tracks which connection belongs to which workflow room and who
// the user behind a connection is. The sync core consumes it as a lookup
// service; in production it is typically backed by a shared store such as
// Redis so several server processes agree on room membership.
type Registry interface {
	// RegisterConnection adds a connection to a workflow room.
	RegisterConnection(ctx context.Context, connID, workflowID string, session UserSession) error

	// GetWorkflowIDForSocket returns the workflow room a connection is in.
	GetWorkflowIDForSocket(ctx context.Context, connID string) (string, error)

	// GetUserSession returns the user session behind a connection.
	GetUserSession(ctx context.Context, connID string) (UserSession, error)

	// GetWorkflowRoom returns the connection ids currently in a room.
	GetWorkflowRoom(ctx context.Context, workflowID string) ([]string, error)

	// CleanupUserFromRoom removes a connection from a room and drops its
	// session. It is idempotent.
	CleanupUserFromRoom(ctx context.Context, connID, workflowID string) error
}

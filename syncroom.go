package syncroom

import (
	"database/sql"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/tkivisto/syncroom/internal/merger"
	"github.com/tkivisto/syncroom/internal/persistence"
	"github.com/tkivisto/syncroom/internal/registry"
	"github.com/tkivisto/syncroom/internal/ws"
	"github.com/tkivisto/syncroom/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	QueuedOperation      = api.QueuedOperation
	OperationStatus      = api.OperationStatus
	Op                   = api.Op
	Target               = api.Target
	Block                = api.Block
	Variable             = api.Variable
	Edge                 = api.Edge
	UserSession          = api.UserSession
	Registry             = api.Registry
	OfflineSignal        = api.OfflineSignal
	OfflineState         = api.OfflineState
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewOfflineState      = api.NewOfflineState
)

// Re-export operation vocabulary for convenience.

const (
	StatusPending    = api.StatusPending
	StatusProcessing = api.StatusProcessing
	StatusConfirmed  = api.StatusConfirmed
	StatusFailed     = api.StatusFailed

	OpAdd    = api.OpAdd
	OpUpdate = api.OpUpdate
	OpRemove = api.OpRemove

	TargetBlock    = api.TargetBlock
	TargetSubblock = api.TargetSubblock
	TargetVariable = api.TargetVariable
	TargetEdge     = api.TargetEdge
)

// Server bundles an entity store, a room registry, and the websocket hub
// with its two coalescing mergers. The Hub doubles as the http.Handler for
// the websocket endpoint.
type Server struct {
	Store    persistence.EntityStore
	Registry api.Registry
	Hub      *ws.Hub
}

// Options configures optional Server collaborators. Zero values take
// defaults: an in-memory registry, a noop observer, slog.Default().
type Options struct {
	Registry api.Registry
	Observer api.Observer
	Logger   *slog.Logger
	Hub      ws.Config
}

func newServer(store persistence.EntityStore, opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = registry.NewInMemoryRegistry()
	}
	return &Server{
		Store:    store,
		Registry: reg,
		Hub:      ws.NewHub(store, reg, opts.Observer, opts.Logger, opts.Hub),
	}
}

// NewInMemoryServer returns a Server backed entirely by in-memory state.
// Nothing survives a restart; intended for tests and development.
func NewInMemoryServer(opts Options) *Server {
	return newServer(persistence.NewInMemoryStore(), opts)
}

// NewSQLiteServer returns a Server that persists workflow entities in a
// SQLite database. The caller imports the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
func NewSQLiteServer(db *sql.DB, opts Options) (*Server, error) {
	store, err := persistence.NewSQLiteEntityStore(db)
	if err != nil {
		return nil, err
	}
	return newServer(store, opts), nil
}

// NewPostgresServer returns a Server that persists workflow entities in
// PostgreSQL.
func NewPostgresServer(db *sql.DB, opts Options) (*Server, error) {
	store, err := persistence.NewPostgresEntityStore(db)
	if err != nil {
		return nil, err
	}
	return newServer(store, opts), nil
}

// NewMongoServer returns a Server that persists workflow entities in
// MongoDB. dbName defaults to "syncroom".
func NewMongoServer(client *mongo.Client, dbName string, opts Options) *Server {
	return newServer(persistence.NewMongoEntityStore(client, dbName), opts)
}

// NewInMemoryRegistry returns a single-process room registry.
func NewInMemoryRegistry() api.Registry {
	return registry.NewInMemoryRegistry()
}

// NewRedisRegistry returns a room registry backed by Redis, for deployments
// where several server processes share room membership. prefix is optional
// but recommended (e.g. "syncroom:").
func NewRedisRegistry(client *redis.Client, prefix string) api.Registry {
	return registry.NewRedisRegistry(client, prefix)
}

// Default timing constants of the protocol, re-exported for callers that
// build their own configuration.
const (
	DefaultCoalescingWindow = merger.DefaultWindow
)

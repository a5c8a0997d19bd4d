package registry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tkivisto/syncroom/pkg/api"
)

// RedisRegistry is a Registry backed by Redis, for deployments where several
// server processes share room membership. It uses a simple key structure:
//
//	<prefix>conn:<connID>   => HASH {workflow, user_id, user_name}
//	<prefix>room:<workflow> => SET of connection IDs
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// Ensure RedisRegistry implements Registry.
var _ api.Registry = (*RedisRegistry)(nil)

// NewRedisRegistry creates a RedisRegistry.
// prefix is optional but recommended (e.g. "syncroom:").
func NewRedisRegistry(client *redis.Client, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "syncroom:"
	}
	return &RedisRegistry{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisRegistry) keyConn(connID string) string {
	return r.prefix + "conn:" + connID
}

func (r *RedisRegistry) keyRoom(workflowID string) string {
	return r.prefix + "room:" + workflowID
}

func (r *RedisRegistry) RegisterConnection(ctx context.Context, connID, workflowID string, session api.UserSession) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.keyConn(connID), map[string]any{
		"workflow":  workflowID,
		"user_id":   session.UserID,
		"user_name": session.UserName,
	})
	pipe.SAdd(ctx, r.keyRoom(workflowID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register connection %s: %w", connID, err)
	}
	return nil
}

func (r *RedisRegistry) GetWorkflowIDForSocket(ctx context.Context, connID string) (string, error) {
	workflowID, err := r.client.HGet(ctx, r.keyConn(connID), "workflow").Result()
	if err != nil {
		if err == redis.Nil {
			return "", api.ErrConnectionNotFound
		}
		return "", err
	}
	return workflowID, nil
}

func (r *RedisRegistry) GetUserSession(ctx context.Context, connID string) (api.UserSession, error) {
	fields, err := r.client.HGetAll(ctx, r.keyConn(connID)).Result()
	if err != nil {
		return api.UserSession{}, err
	}
	if len(fields) == 0 {
		return api.UserSession{}, api.ErrConnectionNotFound
	}
	return api.UserSession{
		UserID:   fields["user_id"],
		UserName: fields["user_name"],
	}, nil
}

func (r *RedisRegistry) GetWorkflowRoom(ctx context.Context, workflowID string) ([]string, error) {
	return r.client.SMembers(ctx, r.keyRoom(workflowID)).Result()
}

func (r *RedisRegistry) CleanupUserFromRoom(ctx context.Context, connID, workflowID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.keyConn(connID))
	pipe.SRem(ctx, r.keyRoom(workflowID), connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cleanup connection %s: %w", connID, err)
	}
	return nil
}

package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRegistry stores each connection as a hash under conn:{id} with the
// 24h retention window enforced by EXPIRE, plus a per-user set of
// connection ids for the fanout lookup. The set may lag behind expiry;
// ListByUser repairs it as it reads.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(addr, password string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, ttl: ConnectionTTL}
}

func (r *RedisRegistry) Close() error { return r.client.Close() }

func (r *RedisRegistry) Register(ctx context.Context, conn models.Connection) error {
	// Overwrite semantics: a re-used connection id replaces the prior hash.
	// If the id previously belonged to another user, unhook it first.
	if prev, err := r.Get(ctx, conn.ID); err == nil && prev.UserID != conn.UserID {
		_ = r.client.SRem(ctx, userKey(prev.UserID), conn.ID).Err()
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, connKey(conn.ID), map[string]interface{}{
		"user_id":        conn.UserID,
		"user_type":      string(conn.UserType),
		"platform":       conn.Device.Platform,
		"version":        conn.Device.Version,
		"connected_at":   conn.ConnectedAt.Format(time.RFC3339Nano),
		"last_active_at": conn.LastActiveAt.Format(time.RFC3339Nano),
		"expires_at":     conn.ExpiresAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, connKey(conn.ID), r.ttl)
	pipe.SAdd(ctx, userKey(conn.UserID), conn.ID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Unregister(ctx context.Context, connectionID string) error {
	conn, err := r.Get(ctx, connectionID)
	if err != nil {
		if err == ErrConnectionNotFound {
			return nil
		}
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, connKey(connectionID))
	pipe.SRem(ctx, userKey(conn.UserID), connectionID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	m, err := r.client.HGetAll(ctx, connKey(connectionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrConnectionNotFound
	}
	conn, err := connFromHash(connectionID, m)
	if err != nil {
		return nil, err
	}
	if conn.Expired(time.Now()) {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

func (r *RedisRegistry) ListByUser(ctx context.Context, userID string) ([]models.Connection, error) {
	ids, err := r.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(ids))
	for _, id := range ids {
		conn, err := r.Get(ctx, id)
		if err == ErrConnectionNotFound {
			// hash expired under the set entry; repair the index
			_ = r.client.SRem(ctx, userKey(userID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, nil
}

func (r *RedisRegistry) Touch(ctx context.Context, connectionID string) error {
	n, err := r.client.Exists(ctx, connKey(connectionID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return r.client.HSet(ctx, connKey(connectionID), "last_active_at", time.Now().Format(time.RFC3339Nano)).Err()
}

func connFromHash(id string, m map[string]string) (*models.Connection, error) {
	conn := models.Connection{
		ID:       id,
		UserID:   m["user_id"],
		UserType: models.UserType(m["user_type"]),
		Device:   models.DeviceInfo{Platform: m["platform"], Version: m["version"]},
	}
	for field, dst := range map[string]*time.Time{
		"connected_at":   &conn.ConnectedAt,
		"last_active_at": &conn.LastActiveAt,
		"expires_at":     &conn.ExpiresAt,
	} {
		if v := m[field]; v != "" {
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("connection %s: bad %s: %w", id, field, err)
			}
			*dst = t
		}
	}
	return &conn, nil
}

func connKey(id string) string     { return "conn:" + id }
func userKey(userID string) string { return "user:conns:" + userID }

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smg/model-gateway/internal/gwerrors"
)

// ToolSession tracks the MCP servers bound to one conversation/response, so
// a subsequent turn reuses the same server connections and approval state
// instead of renegotiating them (SPEC_FULL.md §12 supplemented feature,
// adapted from the control plane's conversation-session registry to the
// per-turn MCP binding set).
type ToolSession struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id"`
	ServerKeys  []string          `json:"server_keys"`
	ApprovalSet map[string]bool   `json:"approval_set"` // Qualified.String() -> approved
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// SessionStore persists ToolSessions. RedisSessionStore is its only
// implementation; app.New does not construct one. miniredis backs it in
// tests.
type SessionStore interface {
	Create(ctx context.Context, s *ToolSession) error
	Get(ctx context.Context, id string) (*ToolSession, error)
	Update(ctx context.Context, s *ToolSession) error
	Delete(ctx context.Context, id string) error
}

const sessionKeyPrefix = "smg:mcp:session:"

// RedisSessionStore stores ToolSessions as JSON blobs in Redis with a TTL,
// so abandoned tool sessions age out instead of accumulating forever.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (r *RedisSessionStore) key(id string) string { return sessionKeyPrefix + id }

func (r *RedisSessionStore) Create(ctx context.Context, s *ToolSession) error {
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	ok, err := r.client.SetNX(ctx, r.key(s.ID), marshalSession(s), r.ttl).Result()
	if err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "mcp_session_store_failed", "failed creating MCP tool session", err)
	}
	if !ok {
		return gwerrors.New(gwerrors.FailedPrecondition, "mcp_session_exists", fmt.Sprintf("session %s already exists", s.ID))
	}
	return nil
}

func (r *RedisSessionStore) Get(ctx context.Context, id string) (*ToolSession, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return nil, gwerrors.New(gwerrors.NotFound, "mcp_session_not_found", fmt.Sprintf("session %s not found", id))
	}
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "mcp_session_read_failed", "failed reading MCP tool session", err)
	}
	var s ToolSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, gwerrors.Wrap(gwerrors.Internal, "mcp_session_decode_failed", "failed decoding MCP tool session", err)
	}
	return &s, nil
}

func (r *RedisSessionStore) Update(ctx context.Context, s *ToolSession) error {
	s.UpdatedAt = time.Now().UTC()
	if err := r.client.Set(ctx, r.key(s.ID), marshalSession(s), r.ttl).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "mcp_session_store_failed", "failed updating MCP tool session", err)
	}
	return nil
}

func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return gwerrors.Wrap(gwerrors.Internal, "mcp_session_delete_failed", "failed deleting MCP tool session", err)
	}
	return nil
}

func marshalSession(s *ToolSession) []byte {
	b, _ := json.Marshal(s)
	return b
}

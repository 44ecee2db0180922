package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresStore implements Store using PostgreSQL, mirroring the teacher's
// pgvector adapter shape: a pool, a migrate-on-construct DDL batch, and one
// table per concern.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to connURL and creates the gateway's storage
// tables if they don't already exist.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("storage connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage migrate: %w", err)
	}

	log.Info().Str("url", connURL).Msg("gateway storage initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS gw_conversations (
			id         TEXT PRIMARY KEY,
			metadata   JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS gw_conversation_items (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES gw_conversations(id),
			kind            TEXT NOT NULL,
			payload         JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_gw_items_conv ON gw_conversation_items (conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS gw_responses (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			payload         JSONB NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_gw_responses_conv ON gw_responses (conversation_id, created_at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Ping checks that the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

// InsertConversation persists c, upserting metadata on conflict.
func (s *PostgresStore) InsertConversation(ctx context.Context, c Conversation) error {
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	createdAt := c.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gw_conversations (id, metadata, created_at)
		VALUES ($1, $2, to_timestamp($3))
		ON CONFLICT (id) DO UPDATE SET metadata = EXCLUDED.metadata`,
		c.ID, metadata, createdAt)
	return err
}

// InsertItem persists item, upserting its payload on conflict.
func (s *PostgresStore) InsertItem(ctx context.Context, item ConversationItem) error {
	createdAt := item.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gw_conversation_items (id, conversation_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5))
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`,
		item.ID, item.ConversationID, item.Kind, json.RawMessage(item.Payload), createdAt)
	return err
}

// InsertResponse persists r, but only ever called when the originating
// request set store=true.
func (s *PostgresStore) InsertResponse(ctx context.Context, r Response) error {
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gw_responses (id, conversation_id, status, payload, created_at)
		VALUES ($1, $2, $3, $4, to_timestamp($5))
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		r.ID, r.ConversationID, r.Status, json.RawMessage(r.Payload), createdAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var metadata map[string]string
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, metadata, created_at FROM gw_conversations WHERE id = $1`, id).
		Scan(&c.ID, &metadata, &createdAt)
	if err != nil {
		return Conversation{}, &ErrNotFound{Entity: "conversation", ID: id}
	}
	c.Metadata = metadata
	c.CreatedAt = createdAt.Unix()
	return c, nil
}

// ListConversations returns up to limit conversations, most recent first.
func (s *PostgresStore) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, metadata, created_at FROM gw_conversations ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var metadata map[string]string
		var createdAt time.Time
		if err := rows.Scan(&c.ID, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("storage scan conversation: %w", err)
		}
		c.Metadata = metadata
		c.CreatedAt = createdAt.Unix()
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetItem retrieves a conversation item by ID.
func (s *PostgresStore) GetItem(ctx context.Context, id string) (ConversationItem, error) {
	var item ConversationItem
	var payload []byte
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, conversation_id, kind, payload, created_at FROM gw_conversation_items WHERE id = $1`, id).
		Scan(&item.ID, &item.ConversationID, &item.Kind, &payload, &createdAt)
	if err != nil {
		return ConversationItem{}, &ErrNotFound{Entity: "conversation_item", ID: id}
	}
	item.Payload = payload
	item.CreatedAt = createdAt.Unix()
	return item, nil
}

// ListItems returns up to limit items for a conversation, oldest first.
func (s *PostgresStore) ListItems(ctx context.Context, conversationID string, limit int) ([]ConversationItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, conversation_id, kind, payload, created_at
		FROM gw_conversation_items WHERE conversation_id = $1 ORDER BY created_at ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage list items: %w", err)
	}
	defer rows.Close()

	var out []ConversationItem
	for rows.Next() {
		var item ConversationItem
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.Kind, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("storage scan item: %w", err)
		}
		item.Payload = payload
		item.CreatedAt = createdAt.Unix()
		out = append(out, item)
	}
	return out, rows.Err()
}

// GetResponse retrieves a response by ID.
func (s *PostgresStore) GetResponse(ctx context.Context, id string) (Response, error) {
	var r Response
	var payload []byte
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT id, conversation_id, status, payload, created_at FROM gw_responses WHERE id = $1`, id).
		Scan(&r.ID, &r.ConversationID, &r.Status, &payload, &createdAt)
	if err != nil {
		return Response{}, &ErrNotFound{Entity: "response", ID: id}
	}
	r.Payload = payload
	r.CreatedAt = createdAt.Unix()
	return r, nil
}

// ListResponses returns up to limit responses for a conversation, most
// recent first.
func (s *PostgresStore) ListResponses(ctx context.Context, conversationID string, limit int) ([]Response, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, conversation_id, status, payload, created_at
		FROM gw_responses WHERE conversation_id = $1 ORDER BY created_at DESC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage list responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		var payload []byte
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Status, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("storage scan response: %w", err)
		}
		r.Payload = payload
		r.CreatedAt = createdAt.Unix()
		out = append(out, r)
	}
	return out, rows.Err()
}

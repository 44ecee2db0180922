// Package storage defines the conversation/item/response persistence
// contracts SPEC_FULL.md §6 references but leaves undefined, and a
// Postgres-backed implementation of them (grounded on the teacher's
// internal/vectorstore pgvector adapter: pgxpool + migrate-on-construct +
// one table per concern). The gateway persists a response iff the inbound
// request carries store=true; everything upstream of this package only
// ever sees the interfaces, never pgx directly.
package storage

import "context"

// Conversation is the opaque top-level container a Responses-API request
// may be associated with.
type Conversation struct {
	ID        string
	Metadata  map[string]string
	CreatedAt int64
}

// ConversationItem is one message/tool-call/tool-result entry belonging to
// a Conversation, stored as an opaque JSON payload per SPEC_FULL.md §6
// (the gateway does not interpret item contents, only persists them).
type ConversationItem struct {
	ID             string
	ConversationID string
	Kind           string // "message", "function_call", "function_call_output", etc.
	Payload        []byte // raw JSON, as received/emitted on the wire
	CreatedAt      int64
}

// Response is a persisted Responses-API result, stored only when the
// originating request set store=true.
type Response struct {
	ID             string
	ConversationID string
	Status         string // "completed", "incomplete", "failed"
	Payload        []byte
	CreatedAt      int64
}

// ConversationStorage persists and retrieves Conversations.
type ConversationStorage interface {
	InsertConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, id string) (Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]Conversation, error)
}

// ConversationItemStorage persists and retrieves ConversationItems,
// ordered by insertion within a conversation.
type ConversationItemStorage interface {
	InsertItem(ctx context.Context, item ConversationItem) error
	GetItem(ctx context.Context, id string) (ConversationItem, error)
	ListItems(ctx context.Context, conversationID string, limit int) ([]ConversationItem, error)
}

// ResponseStorage persists and retrieves Responses.
type ResponseStorage interface {
	InsertResponse(ctx context.Context, r Response) error
	GetResponse(ctx context.Context, id string) (Response, error)
	ListResponses(ctx context.Context, conversationID string, limit int) ([]Response, error)
}

// Store bundles the three storage contracts the API layer depends on.
type Store interface {
	ConversationStorage
	ConversationItemStorage
	ResponseStorage

	Ping(ctx context.Context) error
	Close()
}

// ErrNotFound is returned when a requested entity does not exist, styled
// after the teacher's store.ErrNotFound.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.ID
}

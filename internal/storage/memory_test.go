package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/smg/model-gateway/internal/storage"
)

func TestMemoryStoreConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	conv := storage.Conversation{ID: "conv-1", Metadata: map[string]string{"tenant": "acme"}, CreatedAt: 100}
	if err := s.InsertConversation(ctx, conv); err != nil {
		t.Fatalf("InsertConversation() error = %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if got.Metadata["tenant"] != "acme" {
		t.Fatalf("Metadata = %+v", got.Metadata)
	}
}

func TestMemoryStoreGetConversationNotFound(t *testing.T) {
	s := storage.NewMemoryStore()
	_, err := s.GetConversation(context.Background(), "missing")
	var notFound *storage.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want *ErrNotFound", err)
	}
}

func TestMemoryStoreListItemsFiltersByConversationAndPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	s.InsertItem(ctx, storage.ConversationItem{ID: "i1", ConversationID: "conv-1", Kind: "message", Payload: []byte(`{}`)})
	s.InsertItem(ctx, storage.ConversationItem{ID: "i2", ConversationID: "conv-2", Kind: "message", Payload: []byte(`{}`)})
	s.InsertItem(ctx, storage.ConversationItem{ID: "i3", ConversationID: "conv-1", Kind: "function_call", Payload: []byte(`{}`)})

	items, err := s.ListItems(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if len(items) != 2 || items[0].ID != "i1" || items[1].ID != "i3" {
		t.Fatalf("items = %+v", items)
	}
}

func TestMemoryStoreListResponsesMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()

	s.InsertResponse(ctx, storage.Response{ID: "r1", ConversationID: "conv-1", Status: "completed", CreatedAt: 1})
	s.InsertResponse(ctx, storage.Response{ID: "r2", ConversationID: "conv-1", Status: "completed", CreatedAt: 2})

	responses, err := s.ListResponses(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListResponses() error = %v", err)
	}
	if len(responses) != 2 || responses[0].ID != "r2" || responses[1].ID != "r1" {
		t.Fatalf("responses = %+v, want [r2, r1]", responses)
	}
}

func TestMemoryStoreListRespectsLimit(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	for i := 0; i < 5; i++ {
		s.InsertConversation(ctx, storage.Conversation{ID: string(rune('a' + i)), CreatedAt: int64(i)})
	}
	out, err := s.ListConversations(ctx, 2)
	if err != nil {
		t.Fatalf("ListConversations() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
}

package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memStore struct {
	entries  []Entry
	failWith error
}

func (s *memStore) Append(_ context.Context, entry *Entry) error {
	if s.failWith != nil {
		return s.failWith
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	store := &memStore{}
	fixed := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	r := NewRecorder(store, WithClock(func() time.Time { return fixed }))

	r.Record(context.Background(), Entry{
		UserID: "u1", TenantID: "t1", Resource: "tickets",
		Action: "read", Granted: true, Reason: "direct_permission",
	})

	if len(store.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(store.entries))
	}
	got := store.entries[0]
	if got.ID == "" {
		t.Fatal("entry id must be assigned")
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Fatalf("unexpected timestamp %v", got.CreatedAt)
	}
}

func TestRecordPreservesExplicitFields(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store)
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	r.Record(context.Background(), Entry{ID: "fixed-id", CreatedAt: at, UserID: "u1"})

	if store.entries[0].ID != "fixed-id" || !store.entries[0].CreatedAt.Equal(at) {
		t.Fatalf("explicit fields overwritten: %+v", store.entries[0])
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := &memStore{failWith: errors.New("append failed")}
	r := NewRecorder(store)

	// Must not panic or propagate; degraded logging is the only side effect.
	r.Record(context.Background(), Entry{UserID: "u1", TenantID: "t1"})
}

func TestRecordWithoutStore(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(context.Background(), Entry{UserID: "u1"})
}

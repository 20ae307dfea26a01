package audit

import (
	"context"
	"time"

	"github.com/nmatss/servicedesk-core/internal/ids"
	"github.com/nmatss/servicedesk-core/internal/obs"
)

// Entry is one append-only record of a permission decision or token
// lifecycle event. Entries are never updated or deleted by application code.
type Entry struct {
	ID         string
	UserID     string
	TenantID   string
	Resource   string
	ResourceID string
	Action     string
	Granted    bool
	Reason     string
	Context    map[string]string
	CreatedAt  time.Time
}

// Store appends entries durably.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Sink is the write side consumed by the authorization and token components.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// Recorder writes audit entries through the store. A failed append is logged
// and swallowed: availability of the authorization path takes priority over
// completeness of the trail.
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a Recorder over the given store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Sink = (*Recorder)(nil)

// Record appends one entry. Store failure degrades to a structured log line.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	if r.store == nil {
		r.logFallback(entry, "audit store not configured")
		return
	}
	if err := r.store.Append(ctx, &entry); err != nil {
		r.logFallback(entry, err.Error())
	}
}

func (r *Recorder) logFallback(entry Entry, cause string) {
	obs.Log(map[string]any{
		"ts":          entry.CreatedAt.Format(time.RFC3339Nano),
		"type":        "audit_fallback",
		"cause":       cause,
		"user_id":     entry.UserID,
		"tenant_id":   entry.TenantID,
		"resource":    entry.Resource,
		"resource_id": entry.ResourceID,
		"action":      entry.Action,
		"granted":     entry.Granted,
		"reason":      entry.Reason,
	})
}

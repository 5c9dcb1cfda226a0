// Package progress records the latest observable state of workflow runs,
// keyed by session id.
package progress

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"scriptforge/backend/pkg/models"
)

const (
	DefaultCapacity  = 10000
	DefaultRetention = 30 * time.Minute
)

// Tracker stores one progress record per session. An absent record is a
// normal state (found == false), not an error.
type Tracker interface {
	Set(ctx context.Context, record models.ProgressRecord) error
	Get(ctx context.Context, sessionID string) (models.ProgressRecord, bool, error)
}

// MemoryTracker is a bounded, TTL-evicting Tracker. Each write restarts the
// record's retention window, so a terminal record stays readable for the
// full window after the run ends. When capacity is reached the least
// recently used session is dropped.
type MemoryTracker struct {
	cache *expirable.LRU[string, models.ProgressRecord]
	now   func() time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates a MemoryTracker. Non-positive arguments fall back
// to the defaults.
func NewMemoryTracker(capacity int, retention time.Duration) *MemoryTracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryTracker{
		cache: expirable.NewLRU[string, models.ProgressRecord](capacity, nil, retention),
		now:   time.Now,
	}
}

// Set upserts the record for record.SessionID.
func (t *MemoryTracker) Set(ctx context.Context, record models.ProgressRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = t.now().UTC()
	}
	// Add renews the expiry of an existing key
	t.cache.Add(record.SessionID, record)
	return nil
}

// Get returns the latest record for sessionID.
func (t *MemoryTracker) Get(ctx context.Context, sessionID string) (models.ProgressRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ProgressRecord{}, false, err
	}
	record, ok := t.cache.Get(sessionID)
	return record, ok, nil
}

// Len reports the number of live records.
func (t *MemoryTracker) Len() int {
	return t.cache.Len()
}

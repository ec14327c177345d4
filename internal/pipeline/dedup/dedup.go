// Package dedup answers "have I seen this message id" on top of a TTL'd
// key/value store, giving the consumer loop idempotent redelivery handling.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/reflow/internal/pipeline/kvstore"
)

// DefaultTTL bounds how long processed message ids are remembered.
const DefaultTTL = 24 * time.Hour

// Store records successfully handled message ids.
type Store struct {
	kv  kvstore.Store
	ttl time.Duration
}

// New creates a dedup store over kv. A non-positive ttl falls back to
// DefaultTTL.
func New(kv kvstore.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl}
}

// Seen reports whether id has been successfully processed within the TTL.
func (s *Store) Seen(ctx context.Context, id string) (bool, error) {
	_, ok, err := s.kv.Get(ctx, key(id))
	if err != nil {
		return false, fmt.Errorf("dedup lookup %q: %w", id, err)
	}
	return ok, nil
}

// MarkSeen records id as processed. Called only after the handler succeeded,
// so a crash between handling and marking re-delivers (at-least-once) rather
// than drops.
func (s *Store) MarkSeen(ctx context.Context, id string, seenAt time.Time) error {
	if err := s.kv.Set(ctx, key(id), seenAt.UTC().Format(time.RFC3339Nano), s.ttl); err != nil {
		return fmt.Errorf("dedup mark %q: %w", id, err)
	}
	return nil
}

// TTL returns the configured retention for dedup entries.
func (s *Store) TTL() time.Duration { return s.ttl }

func key(id string) string {
	return "dedup:" + id
}

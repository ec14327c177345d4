package dedup

import (
	"context"
	"testing"
	"time"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
	"github.com/drblury/reflow/internal/pipeline/kvstore"
)

func TestSeenAfterMark(t *testing.T) {
	t.Parallel()

	kv := kvstore.NewMemory(nil)
	defer kv.Close()
	store := New(kv, time.Hour)
	ctx := context.Background()

	seen, err := store.Seen(ctx, "m1")
	if err != nil || seen {
		t.Fatalf("fresh id should be unseen, got (%v, %v)", seen, err)
	}

	if err := store.MarkSeen(ctx, "m1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}

	seen, err = store.Seen(ctx, "m1")
	if err != nil || !seen {
		t.Fatalf("marked id should be seen, got (%v, %v)", seen, err)
	}
}

func TestEntriesExpire(t *testing.T) {
	t.Parallel()

	clk := clockpkg.NewManual(time.Unix(0, 0))
	kv := kvstore.NewMemory(clk)
	defer kv.Close()
	store := New(kv, time.Minute)
	ctx := context.Background()

	_ = store.MarkSeen(ctx, "m1", clk.Now())
	clk.Advance(2 * time.Minute)

	seen, err := store.Seen(ctx, "m1")
	if err != nil || seen {
		t.Fatalf("expired id should be unseen, got (%v, %v)", seen, err)
	}
}

func TestDefaultTTL(t *testing.T) {
	t.Parallel()

	store := New(kvstore.NewMemory(nil), 0)
	if store.TTL() != DefaultTTL {
		t.Fatalf("expected default TTL, got %v", store.TTL())
	}
}

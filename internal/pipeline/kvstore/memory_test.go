package kvstore

import (
	"context"
	"testing"
	"time"

	clockpkg "github.com/drblury/reflow/internal/pipeline/clock"
)

func TestMemorySetGet(t *testing.T) {
	t.Parallel()

	store := NewMemory(nil)
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || value != "1" {
		t.Fatalf("get = (%q, %v, %v)", value, ok, err)
	}

	_, ok, err = store.Get(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()

	clk := clockpkg.NewManual(time.Unix(0, 0))
	store := NewMemory(clk)
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "seen", "yes", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, ok, _ := store.Get(ctx, "seen"); !ok {
		t.Fatal("entry should be live before TTL")
	}

	clk.Advance(2 * time.Minute)

	if _, ok, _ := store.Get(ctx, "seen"); ok {
		t.Fatal("entry should have expired")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d entries", store.Len())
	}
}

func TestMemoryLastWriteWins(t *testing.T) {
	t.Parallel()

	clk := clockpkg.NewManual(time.Unix(0, 0))
	store := NewMemory(clk)
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "k", "old", time.Second)
	_ = store.Set(ctx, "k", "new", time.Hour)

	clk.Advance(2 * time.Second)

	value, ok, _ := store.Get(ctx, "k")
	if !ok || value != "new" {
		t.Fatalf("expected rewritten entry to survive, got (%q, %v)", value, ok)
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()

	store := NewMemory(nil)
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "k", "v", 0)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("entry should be gone")
	}
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("double delete should be a no-op, got %v", err)
	}
}

func TestMemoryJanitorSweeps(t *testing.T) {
	t.Parallel()

	clk := clockpkg.NewManual(time.Unix(0, 0))
	store := NewMemory(clk)
	defer store.Close()
	ctx := context.Background()

	_ = store.Set(ctx, "k", "v", time.Second)
	clk.Advance(janitorInterval + time.Second)

	// The sweep runs on the janitor goroutine; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if store.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if store.Len() != 0 {
		t.Fatal("janitor did not sweep expired entry")
	}
}

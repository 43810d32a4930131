package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ume-tora/replyhub/internal/storage"
)

type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time { return f.current }

func (f *fakeClock) advance(d time.Duration) { f.current = f.current.Add(d) }

func newTestCache(t *testing.T) (*ContextCache, *fakeClock, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	clock := &fakeClock{current: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := New(store, WithTTL(time.Hour), WithClock(clock.now))
	return c, clock, store
}

func TestContextCache_SetGet(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	value := json.RawMessage(`{"summary":"lunch plans"}`)
	if err := c.Set(ctx, "gmail", "thread-1", value); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := c.Get(ctx, "gmail", "thread-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected a hit")
	}
	if string(got) != string(value) {
		t.Errorf("expected %s, got %s", value, got)
	}
}

func TestContextCache_MissOnUnknownThread(t *testing.T) {
	c, _, _ := newTestCache(t)

	_, ok, err := c.Get(context.Background(), "gmail", "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expected a miss")
	}
}

func TestContextCache_ExpiredEntryNeverReturned(t *testing.T) {
	c, clock, store := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "chatwork", "t1", json.RawMessage(`"ctx"`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.advance(2 * time.Hour)

	_, ok, err := c.Get(ctx, "chatwork", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Error("expired entry must be a miss")
	}

	// The read also removes the expired entry.
	if _, err := store.Get(ctx, Key("chatwork", "t1")); err != storage.ErrNotFound {
		t.Errorf("expected expired entry removed, got %v", err)
	}
}

func TestContextCache_FutureEntryUnchanged(t *testing.T) {
	c, clock, _ := newTestCache(t)
	ctx := context.Background()

	value := json.RawMessage(`{"turns":3}`)
	if err := c.Set(ctx, "line", "t2", value); err != nil {
		t.Fatalf("set: %v", err)
	}
	clock.advance(30 * time.Minute)

	got, ok, err := c.Get(ctx, "line", "t2")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if string(got) != string(value) {
		t.Errorf("entry mutated: %s", got)
	}
}

func TestContextCache_Evict(t *testing.T) {
	c, clock, store := newTestCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "gmail", "old", json.RawMessage(`"a"`)); err != nil {
		t.Fatal(err)
	}
	clock.advance(45 * time.Minute)
	if err := c.Set(ctx, "gmail", "fresh", json.RawMessage(`"b"`)); err != nil {
		t.Fatal(err)
	}
	// Non-cache keys must be untouched by eviction.
	if err := store.Set(ctx, "credential", []byte("AIzaX")); err != nil {
		t.Fatal(err)
	}

	clock.advance(30 * time.Minute) // "old" expired, "fresh" not

	removed, err := c.Evict(ctx)
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, ok, _ := c.Get(ctx, "gmail", "fresh"); !ok {
		t.Error("fresh entry should survive eviction")
	}
	if _, err := store.Get(ctx, "credential"); err != nil {
		t.Errorf("non-cache key must survive eviction: %v", err)
	}
}

func TestContextCache_Clear(t *testing.T) {
	c, _, store := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "gmail", "a", json.RawMessage(`"1"`))
	_ = c.Set(ctx, "line", "b", json.RawMessage(`"2"`))
	_ = store.Set(ctx, "credential", []byte("AIzaX"))

	removed, err := c.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}
	if _, err := store.Get(ctx, "credential"); err != nil {
		t.Errorf("credential must survive clear: %v", err)
	}
}

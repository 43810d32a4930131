package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ume-tora/replyhub/internal/alarm"
	"github.com/ume-tora/replyhub/internal/cache"
	"github.com/ume-tora/replyhub/internal/storage"
)

// flakyStore fails every call while tripped, to stand in for an unreachable
// store.
type flakyStore struct {
	storage.Store
	tripped bool
}

func (f *flakyStore) Keys(ctx context.Context) ([]string, error) {
	if f.tripped {
		return nil, errors.New("store unreachable")
	}
	return f.Store.Keys(ctx)
}

func newEvictorUnderTest(t *testing.T, period time.Duration) (*Evictor, *alarm.ManualScheduler, *flakyStore, *cache.ContextCache) {
	t.Helper()
	store := &flakyStore{Store: storage.NewMemoryStore()}
	contextCache := cache.New(store, cache.WithTTL(time.Minute))
	scheduler := alarm.NewManualScheduler()
	evictor := New(contextCache, scheduler, nil, WithPeriod(period))
	if err := evictor.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return evictor, scheduler, store, contextCache
}

func TestEvictor_RegistersAlarm(t *testing.T) {
	_, scheduler, _, _ := newEvictorUnderTest(t, time.Hour)

	entry, ok := scheduler.Entry(AlarmName)
	if !ok {
		t.Fatal("expected alarm registered")
	}
	if entry.Period != time.Hour {
		t.Errorf("expected hourly period, got %v", entry.Period)
	}
}

func TestEvictor_RemovesExpiredEntries(t *testing.T) {
	_, scheduler, _, contextCache := newEvictorUnderTest(t, time.Hour)
	ctx := context.Background()

	if err := contextCache.Set(ctx, "gmail", "t1", json.RawMessage(`"ctx"`)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)

	// Not yet expired: firing must keep the entry.
	scheduler.Fire(ctx, AlarmName)
	if _, ok, _ := contextCache.Get(ctx, "gmail", "t1"); !ok {
		t.Error("unexpired entry must survive the pass")
	}
}

func TestEvictor_BacksOffAfterConsecutiveFailures(t *testing.T) {
	_, scheduler, store, _ := newEvictorUnderTest(t, time.Hour)
	ctx := context.Background()

	store.tripped = true
	for i := 0; i < 3; i++ {
		scheduler.Fire(ctx, AlarmName)
	}

	entry, ok := scheduler.Entry(AlarmName)
	if !ok {
		t.Fatal("alarm must stay registered")
	}
	if entry.Period <= time.Hour {
		t.Errorf("expected lengthened period, got %v", entry.Period)
	}
	if entry.Period != 4*time.Hour {
		t.Errorf("expected 4h period, got %v", entry.Period)
	}
}

func TestEvictor_SuccessResetsFailureCounter(t *testing.T) {
	_, scheduler, store, _ := newEvictorUnderTest(t, time.Hour)
	ctx := context.Background()

	// Two failures, then a success, then two more failures: the period
	// must not lengthen because the counter reset in between.
	store.tripped = true
	scheduler.Fire(ctx, AlarmName)
	scheduler.Fire(ctx, AlarmName)
	store.tripped = false
	scheduler.Fire(ctx, AlarmName)
	store.tripped = true
	scheduler.Fire(ctx, AlarmName)
	scheduler.Fire(ctx, AlarmName)

	entry, _ := scheduler.Entry(AlarmName)
	if entry.Period != time.Hour {
		t.Errorf("expected original period, got %v", entry.Period)
	}
}

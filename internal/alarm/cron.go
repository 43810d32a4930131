package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ume-tora/replyhub/internal/storage"
)

const entryKeyPrefix = "alarm:"

// storedEntry is the persisted form of an Entry. Durations are stored as
// milliseconds.
type storedEntry struct {
	Name           string `json:"name"`
	InitialDelayMs int64  `json:"initialDelayMs"`
	PeriodMs       int64  `json:"periodMs"`
}

// delayedEvery fires once after the initial delay, then every period.
type delayedEvery struct {
	first  time.Time
	period time.Duration
}

func (s delayedEvery) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.period)
}

// CronScheduler is the production Scheduler, driven by a cron runner with
// registrations persisted in the store.
type CronScheduler struct {
	cron   *cron.Cron
	store  storage.Store
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	entries  map[string]cron.EntryID
}

// NewCronScheduler creates a scheduler over the given store. Call Handle for
// each alarm name before Register or Restore, then Start.
func NewCronScheduler(store storage.Store, logger *slog.Logger) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{
		cron:     cron.New(),
		store:    store,
		logger:   logger,
		handlers: make(map[string]Handler),
		entries:  make(map[string]cron.EntryID),
	}
}

// Handle binds the handler invoked when the named alarm fires.
func (s *CronScheduler) Handle(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

// Start begins firing registered alarms.
func (s *CronScheduler) Start() { s.cron.Start() }

// Stop halts firing; running handlers finish.
func (s *CronScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *CronScheduler) Register(ctx context.Context, entry Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("alarm: name is required")
	}
	if entry.Period <= 0 {
		return fmt.Errorf("alarm %q: period must be positive", entry.Name)
	}

	data, err := json.Marshal(storedEntry{
		Name:           entry.Name,
		InitialDelayMs: entry.InitialDelay.Milliseconds(),
		PeriodMs:       entry.Period.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("alarm %q: encode: %w", entry.Name, err)
	}
	if err := s.store.Set(ctx, entryKeyPrefix+entry.Name, data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[entry.Name]; ok {
		s.cron.Remove(id)
	}
	schedule := delayedEvery{
		first:  time.Now().Add(entry.InitialDelay),
		period: entry.Period,
	}
	name := entry.Name
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.fire(name)
	}))
	return nil
}

func (s *CronScheduler) Cancel(ctx context.Context, name string) error {
	if err := s.store.Remove(ctx, entryKeyPrefix+name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
	return nil
}

// Restore re-registers every persisted alarm. Missing handlers are logged
// and skipped, not fatal: the owning component may register later with a
// fresh schedule.
func (s *CronScheduler) Restore(ctx context.Context) error {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, entryKeyPrefix) {
			continue
		}
		data, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}
		var stored storedEntry
		if err := json.Unmarshal(data, &stored); err != nil {
			s.logger.Warn("dropping corrupt alarm entry", "key", key, "error", err)
			_ = s.store.Remove(ctx, key)
			continue
		}
		entry := Entry{
			Name:         stored.Name,
			InitialDelay: time.Duration(stored.InitialDelayMs) * time.Millisecond,
			Period:       time.Duration(stored.PeriodMs) * time.Millisecond,
		}
		if err := s.Register(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *CronScheduler) fire(name string) {
	s.mu.Lock()
	handler := s.handlers[name]
	s.mu.Unlock()
	if handler == nil {
		s.logger.Warn("alarm fired with no handler", "alarm", name)
		return
	}
	handler(context.Background(), name)
}

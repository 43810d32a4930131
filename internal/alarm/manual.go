package alarm

import (
	"context"
	"sync"
)

// ManualScheduler is a Scheduler whose alarms fire only when Fire is called.
// It backs tests and embedded setups that drive maintenance themselves.
type ManualScheduler struct {
	mu       sync.Mutex
	handlers map[string]Handler
	registry map[string]Entry
}

// NewManualScheduler creates an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		handlers: make(map[string]Handler),
		registry: make(map[string]Entry),
	}
}

// Handle binds the handler for a named alarm.
func (s *ManualScheduler) Handle(name string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
}

func (s *ManualScheduler) Register(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[entry.Name] = entry
	return nil
}

func (s *ManualScheduler) Cancel(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registry, name)
	return nil
}

// Entry returns the current registration for name.
func (s *ManualScheduler) Entry(name string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.registry[name]
	return entry, ok
}

// Fire invokes the handler for name, as the host would on schedule.
func (s *ManualScheduler) Fire(ctx context.Context, name string) {
	s.mu.Lock()
	handler := s.handlers[name]
	_, registered := s.registry[name]
	s.mu.Unlock()
	if handler == nil || !registered {
		return
	}
	handler(ctx, name)
}

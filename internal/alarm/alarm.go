// Package alarm provides the persistent scheduling primitive the coordinator
// uses for periodic maintenance. Registrations are written to the key-value
// store and restored on startup, so a schedule survives process restarts the
// way a host-managed alarm would. An in-process timer alone does not: the
// coordinator may be stopped long before a local timer fires.
package alarm

import (
	"context"
	"time"
)

// Entry describes one named periodic alarm.
type Entry struct {
	// Name identifies the alarm; registering the same name again replaces
	// the previous schedule.
	Name string
	// InitialDelay is the wait before the first firing.
	InitialDelay time.Duration
	// Period is the interval between subsequent firings.
	Period time.Duration
}

// Handler is invoked each time a named alarm fires.
type Handler func(ctx context.Context, name string)

// Scheduler registers, cancels, and fires named alarms.
type Scheduler interface {
	// Register schedules the entry and persists it. Registering an
	// existing name replaces its schedule.
	Register(ctx context.Context, entry Entry) error
	// Cancel removes the named alarm and its persisted record.
	Cancel(ctx context.Context, name string) error
}

// Facility is a Scheduler that also binds handlers to alarm names. Both the
// cron-backed and manual schedulers implement it.
type Facility interface {
	Scheduler
	Handle(name string, handler Handler)
}

package store

import (
	"context"
	"time"
)

// Abandonment is a target the harvester gave up on.
type Abandonment struct {
	Target      string
	Reason      string
	LastOutcome string
	AbandonedAt time.Time
}

// AbandonLedger remembers abandoned targets across campaign runs.
type AbandonLedger interface {
	// RecordAbandon stores or replaces the entry for a.Target.
	RecordAbandon(ctx context.Context, a Abandonment) error
	// Lookup returns the entry for target. ok is false when none exists.
	Lookup(ctx context.Context, target string) (a Abandonment, ok bool, err error)
	// Clear forgets target, typically after it resolved again.
	Clear(ctx context.Context, target string) error
}

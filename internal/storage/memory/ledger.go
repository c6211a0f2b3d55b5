package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// Ledger is an in-memory store.AbandonLedger.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]store.Abandonment
}

var _ store.AbandonLedger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string]store.Abandonment)}
}

// RecordAbandon stores or replaces the entry for a.Target.
func (l *Ledger) RecordAbandon(_ context.Context, a store.Abandonment) error {
	l.mu.Lock()
	l.entries[a.Target] = a
	l.mu.Unlock()
	return nil
}

// Lookup returns the entry for target.
func (l *Ledger) Lookup(_ context.Context, target string) (store.Abandonment, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.entries[target]
	return a, ok, nil
}

// Clear forgets target.
func (l *Ledger) Clear(_ context.Context, target string) error {
	l.mu.Lock()
	delete(l.entries, target)
	l.mu.Unlock()
	return nil
}

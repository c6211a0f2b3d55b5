package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// RecordStore keeps records keyed by fingerprint in arrival order.
type RecordStore struct {
	mu     sync.RWMutex
	order  []string
	byFP   map[string]scrape.Record
	closed bool
}

var _ scrape.RecordSink = (*RecordStore)(nil)

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{byFP: make(map[string]scrape.Record)}
}

// Write stores records not seen before.
func (s *RecordStore) Write(_ context.Context, records []scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("record store closed")
	}
	for _, rec := range records {
		if _, ok := s.byFP[rec.Fingerprint]; ok {
			continue
		}
		s.byFP[rec.Fingerprint] = rec
		s.order = append(s.order, rec.Fingerprint)
	}
	return nil
}

// Records returns a copy of the stored records.
func (s *RecordStore) Records() []scrape.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Record, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, s.byFP[fp])
	}
	return out
}

// Len reports how many unique records are stored.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Close rejects further writes.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

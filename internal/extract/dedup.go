package extract

import (
	"iter"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Deduper remembers fingerprints for the lifetime of a campaign. It is safe
// for concurrent use by every worker.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Add records fp and reports whether it was new.
func (d *Deduper) Add(fp string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return false
	}
	d.seen[fp] = struct{}{}
	return true
}

// Filter yields only records whose fingerprint has not been seen. Feeding
// the same records through again yields nothing.
func (d *Deduper) Filter(records iter.Seq[scrape.Record]) iter.Seq[scrape.Record] {
	return func(yield func(scrape.Record) bool) {
		for rec := range records {
			if !d.Add(rec.Fingerprint) {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Len returns the number of distinct fingerprints seen.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

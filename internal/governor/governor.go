// Package governor bounds request pressure on targets. Each target owns a
// token bucket whose refill interval is re-drawn at random after every
// admission, and every admission also takes a slot from one global semaphore,
// which is the only count of in-flight attempts.
package governor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Bucket configures one target's token bucket.
type Bucket struct {
	Capacity int
	MinDelay time.Duration
	MaxDelay time.Duration
}

// Config holds governor configuration.
type Config struct {
	MaxConcurrent int
	Default       Bucket
	Targets       map[string]Bucket
}

// RateBudget is a point-in-time view of one target's bucket.
type RateBudget struct {
	Capacity        int
	RefillRate      float64
	TokensAvailable float64
	HeldUntil       time.Time
}

// Governor admits attempts. It never drops work: Admit either returns a
// permit or the caller's context error.
type Governor struct {
	cfg      Config
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	logger   *zap.Logger
	draw     func(lo, hi time.Duration) time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	capacity int
	minDelay time.Duration
	maxDelay time.Duration

	mu        sync.Mutex
	holdUntil time.Time
}

// New creates a Governor.
func New(cfg Config, logger *zap.Logger) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  logger,
		draw:    uniformDelay,
		buckets: make(map[string]*bucket),
	}
}

// Admit blocks until target has a token and a global slot is free. The token
// is taken first so a target waiting on its own spacing does not pin a slot
// other targets could use.
func (g *Governor) Admit(ctx context.Context, target scrape.Target) (*Permit, error) {
	start := time.Now()
	key := target.Key()
	b := g.bucketFor(key)

	if err := b.waitHold(ctx); err != nil {
		return nil, fmt.Errorf("await hold on %s: %w", key, err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("await rate token for %s: %w", key, err)
	}
	b.rejitter(g.draw)

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("await concurrency slot: %w", err)
	}
	metrics.SetInFlight(g.inFlight.Add(1))

	waited := time.Since(start)
	metrics.ObserveAdmissionWait(key, waited)
	if waited > time.Second {
		g.logger.Debug("admission delayed", zap.String("target", key), zap.Duration("waited", waited))
	}
	return &Permit{gov: g, target: key}, nil
}

// Hold stops admissions for target until d has elapsed. Overlapping holds
// keep the later deadline.
func (g *Governor) Hold(target scrape.Target, d time.Duration) {
	if d <= 0 {
		return
	}
	key := target.Key()
	b := g.bucketFor(key)
	until := time.Now().Add(d)
	b.mu.Lock()
	if until.After(b.holdUntil) {
		b.holdUntil = until
	}
	b.mu.Unlock()
	g.logger.Info("target held", zap.String("target", key), zap.Duration("hold", d))
}

// Budget reports the current bucket state for target.
func (g *Governor) Budget(target scrape.Target) RateBudget {
	b := g.bucketFor(target.Key())
	b.mu.Lock()
	held := b.holdUntil
	b.mu.Unlock()
	return RateBudget{
		Capacity:        b.capacity,
		RefillRate:      float64(b.limiter.Limit()),
		TokensAvailable: b.limiter.Tokens(),
		HeldUntil:       held,
	}
}

// InFlight returns the number of outstanding permits.
func (g *Governor) InFlight() int {
	return int(g.inFlight.Load())
}

// MaxConcurrent returns the global ceiling.
func (g *Governor) MaxConcurrent() int {
	return g.cfg.MaxConcurrent
}

func (g *Governor) release() {
	g.sem.Release(1)
	metrics.SetInFlight(g.inFlight.Add(-1))
}

func (g *Governor) bucketFor(key string) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.buckets[key]; ok {
		return b
	}
	spec := g.cfg.Default
	if override, ok := g.cfg.Targets[key]; ok {
		spec = override
	}
	b := newBucket(spec, g.draw)
	g.buckets[key] = b
	return b
}

func newBucket(spec Bucket, draw func(lo, hi time.Duration) time.Duration) *bucket {
	capacity := spec.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	if spec.MaxDelay < spec.MinDelay {
		spec.MaxDelay = spec.MinDelay
	}
	b := &bucket{
		limiter:  rate.NewLimiter(rate.Inf, capacity),
		capacity: capacity,
		minDelay: spec.MinDelay,
		maxDelay: spec.MaxDelay,
	}
	b.rejitter(draw)
	return b
}

// rejitter draws the next refill interval.
func (b *bucket) rejitter(draw func(lo, hi time.Duration) time.Duration) {
	if b.maxDelay <= 0 {
		b.limiter.SetLimit(rate.Inf)
		return
	}
	interval := draw(b.minDelay, b.maxDelay)
	if interval <= 0 {
		b.limiter.SetLimit(rate.Inf)
		return
	}
	b.limiter.SetLimit(rate.Every(interval))
}

func (b *bucket) waitHold(ctx context.Context) error {
	for {
		b.mu.Lock()
		remaining := time.Until(b.holdUntil)
		b.mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func uniformDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}

// Permit is one admitted attempt's claim on a concurrency slot.
type Permit struct {
	gov    *Governor
	target string
	once   sync.Once
}

// Release returns the slot. Calling it more than once is harmless.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.gov.release)
}

// Target is the key of the target the permit was issued for.
func (p *Permit) Target() string {
	return p.target
}

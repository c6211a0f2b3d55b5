// Package identity owns the header-profile × proxy identities the engine
// presents to targets, their per-target ban scores, and quarantine.
package identity

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config tunes scoring and quarantine.
type Config struct {
	Rotation          bool
	BanWeight         float64
	SuccessDecay      float64
	HalfLife          time.Duration
	BlockThreshold    int
	CooldownBase      time.Duration
	CooldownMax       time.Duration
	QuarantineOnScore float64
}

// DefaultConfig mirrors the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		Rotation:       true,
		BanWeight:      1,
		SuccessDecay:   0.5,
		HalfLife:       30 * time.Minute,
		BlockThreshold: 3,
		CooldownBase:   5 * time.Minute,
		CooldownMax:    2 * time.Hour,
	}
}

// ProxySource supplies proxy endpoints and hears about bad ones.
type ProxySource interface {
	Endpoints(ctx context.Context) ([]string, error)
	MarkBad(ctx context.Context, endpoint string)
}

// Identity is one presentable client. ID, Profile and ProxyEndpoint never
// change; everything else is guarded by the owning pool.
type Identity struct {
	ID            string
	Profile       scrape.HeaderProfile
	ProxyEndpoint string

	attached  bool
	perTarget map[string]*targetState
}

type targetState struct {
	banScore         float64
	scoredAt         time.Time
	consecutive      int
	quarantines      int
	quarantinedUntil time.Time
	lastUsed         time.Time
}

// AcquireOptions narrows selection.
type AcquireOptions struct {
	RequireProxy bool
}

// Snapshot is a copy of one identity's state for one target.
type Snapshot struct {
	ID               string
	Profile          string
	ProxyEndpoint    string
	Target           string
	Attached         bool
	BanScore         float64
	Consecutive      int
	Quarantines      int
	QuarantinedUntil time.Time
	LastUsed         time.Time
}

// Pool hands out identities. All state is behind one mutex.
type Pool struct {
	cfg     Config
	clock   scrape.Clock
	proxies ProxySource
	logger  *zap.Logger

	mu          sync.Mutex
	identities  []*Identity
	lastProfile map[string]string
}

// NewPool builds identities as profiles × (direct + each proxy endpoint).
func NewPool(ctx context.Context, cfg Config, profiles []scrape.HeaderProfile, proxies ProxySource, clock scrape.Clock, logger *zap.Logger) (*Pool, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("identity pool needs at least one header profile")
	}
	if cfg.BlockThreshold <= 0 {
		cfg.BlockThreshold = 3
	}
	if cfg.SuccessDecay < 0 || cfg.SuccessDecay > 1 {
		return nil, fmt.Errorf("success decay must be within [0,1], got %v", cfg.SuccessDecay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoints := []string{""}
	if proxies != nil {
		supplied, err := proxies.Endpoints(ctx)
		if err != nil {
			return nil, fmt.Errorf("load proxy endpoints: %w", err)
		}
		endpoints = append(endpoints, supplied...)
	}

	p := &Pool{
		cfg:         cfg,
		clock:       clock,
		proxies:     proxies,
		logger:      logger,
		lastProfile: make(map[string]string),
	}
	for _, profile := range profiles {
		for _, endpoint := range endpoints {
			id := profile.Name
			if endpoint != "" {
				id += "@" + endpoint
			}
			p.identities = append(p.identities, &Identity{
				ID:            id,
				Profile:       profile,
				ProxyEndpoint: endpoint,
				perTarget:     make(map[string]*targetState),
			})
		}
	}
	return p, nil
}

// Len returns the number of identities.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// HasProxies reports whether any identity routes through a proxy.
func (p *Pool) HasProxies() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ident := range p.identities {
		if ident.ProxyEndpoint != "" {
			return true
		}
	}
	return false
}

// Acquire attaches a free identity to the caller. Quarantined and attached
// identities are skipped; among the rest the least recently used for target
// wins, ties going to the lower ban score. With rotation on, the profile
// used immediately before on target is excluded.
func (p *Pool) Acquire(target scrape.Target, opts AcquireOptions) (*Identity, error) {
	key := target.Key()
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	type candidate struct {
		ident *Identity
		state *targetState
	}
	candidates := make([]candidate, 0, len(p.identities))
	for _, ident := range p.identities {
		if ident.attached {
			continue
		}
		if opts.RequireProxy != (ident.ProxyEndpoint != "") {
			continue
		}
		st := ident.state(key)
		p.decay(st, now)
		if now.Before(st.quarantinedUntil) {
			continue
		}
		if p.cfg.Rotation && ident.Profile.Name == p.lastProfile[key] && p.distinctProfiles() > 1 {
			continue
		}
		candidates = append(candidates, candidate{ident: ident, state: st})
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("acquire identity for %s: %w", key, scrape.ErrPoolExhausted)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].state, candidates[j].state
		if !a.lastUsed.Equal(b.lastUsed) {
			return a.lastUsed.Before(b.lastUsed)
		}
		return a.banScore < b.banScore
	})
	chosen := candidates[0]
	chosen.ident.attached = true
	chosen.state.lastUsed = now
	p.lastProfile[key] = chosen.ident.Profile.Name
	return chosen.ident, nil
}

// Report applies an outcome without detaching the identity.
func (p *Pool) Report(ident *Identity, target scrape.Target, outcome scrape.Outcome) {
	if ident == nil {
		return
	}
	p.mu.Lock()
	quarantined := p.apply(ident, target.Key(), outcome)
	p.mu.Unlock()
	p.afterQuarantine(ident, target, quarantined)
}

// Release applies the outcome and returns the identity to the free set.
// OutcomeUnknown releases without scoring.
func (p *Pool) Release(ident *Identity, target scrape.Target, outcome scrape.Outcome) {
	if ident == nil {
		return
	}
	p.mu.Lock()
	quarantined := p.apply(ident, target.Key(), outcome)
	ident.attached = false
	p.mu.Unlock()
	p.afterQuarantine(ident, target, quarantined)
}

// Snapshot copies the state of every identity for target.
func (p *Pool) Snapshot(target scrape.Target) []Snapshot {
	key := target.Key()
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.identities))
	for _, ident := range p.identities {
		st := ident.state(key)
		p.decay(st, now)
		out = append(out, Snapshot{
			ID:               ident.ID,
			Profile:          ident.Profile.Name,
			ProxyEndpoint:    ident.ProxyEndpoint,
			Target:           key,
			Attached:         ident.attached,
			BanScore:         st.banScore,
			Consecutive:      st.consecutive,
			Quarantines:      st.quarantines,
			QuarantinedUntil: st.quarantinedUntil,
			LastUsed:         st.lastUsed,
		})
	}
	return out
}

// apply mutates score state and reports whether this outcome started a
// quarantine. Caller holds p.mu.
func (p *Pool) apply(ident *Identity, key string, outcome scrape.Outcome) bool {
	st := ident.state(key)
	now := p.clock.Now()
	p.decay(st, now)

	switch outcome.Kind {
	case scrape.OutcomeUnknown:
		return false
	case scrape.OutcomeBlocked:
		st.banScore += p.cfg.BanWeight
		st.consecutive++
		overScore := p.cfg.QuarantineOnScore > 0 && st.banScore >= p.cfg.QuarantineOnScore
		if st.consecutive < p.cfg.BlockThreshold && !overScore {
			return false
		}
		st.quarantinedUntil = now.Add(p.cooldown(st.quarantines))
		st.quarantines++
		st.consecutive = 0
		return true
	case scrape.OutcomeSuccess:
		st.banScore *= p.cfg.SuccessDecay
		st.consecutive = 0
	default:
		st.consecutive = 0
	}
	return false
}

func (p *Pool) afterQuarantine(ident *Identity, target scrape.Target, quarantined bool) {
	if !quarantined {
		return
	}
	metrics.ObserveQuarantine(target.Key())
	p.logger.Warn("identity quarantined",
		zap.String("identity_id", ident.ID),
		zap.String("target", target.Key()),
	)
	if ident.ProxyEndpoint != "" && p.proxies != nil {
		p.proxies.MarkBad(context.Background(), ident.ProxyEndpoint)
	}
}

func (p *Pool) cooldown(previous int) time.Duration {
	d := p.cfg.CooldownBase
	for range previous {
		d *= 2
		if p.cfg.CooldownMax > 0 && d >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	if p.cfg.CooldownMax > 0 && d > p.cfg.CooldownMax {
		return p.cfg.CooldownMax
	}
	return d
}

// decay applies half-life decay since the last scoring. Caller holds p.mu.
func (p *Pool) decay(st *targetState, now time.Time) {
	if st.scoredAt.IsZero() || p.cfg.HalfLife <= 0 {
		st.scoredAt = now
		return
	}
	elapsed := now.Sub(st.scoredAt)
	if elapsed <= 0 {
		return
	}
	st.banScore *= math.Pow(0.5, float64(elapsed)/float64(p.cfg.HalfLife))
	st.scoredAt = now
}

func (p *Pool) distinctProfiles() int {
	seen := make(map[string]struct{})
	for _, ident := range p.identities {
		seen[ident.Profile.Name] = struct{}{}
	}
	return len(seen)
}

func (i *Identity) state(key string) *targetState {
	st, ok := i.perTarget[key]
	if !ok {
		st = &targetState{}
		i.perTarget[key] = st
	}
	return st
}

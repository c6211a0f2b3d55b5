// Package session keeps an arena of per-target sessions. A session binds one
// identity and one cookie jar to one target and is used by at most one
// attempt at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/JakeFAU/listing-harvester/internal/identity"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Config bounds session reuse.
type Config struct {
	MaxPerTarget int
	MaxUses      int
	TTL          time.Duration
	MaxAge       time.Duration
}

// Requirements describe what the caller's strategy needs from a session.
type Requirements struct {
	Proxy bool
}

// Identities is the slice of the identity pool the manager uses.
type Identities interface {
	Acquire(target scrape.Target, opts identity.AcquireOptions) (*identity.Identity, error)
	Release(ident *identity.Identity, target scrape.Target, outcome scrape.Outcome)
}

// Session is one identity's conversation with one target.
type Session struct {
	ID        string
	Target    scrape.Target
	Identity  *identity.Identity
	Jar       http.CookieJar
	CreatedAt time.Time

	mu         sync.Mutex
	lastUsedAt time.Time
	useCount   int
	warmedUp   bool

	// guarded by Manager.mu
	busy bool
}

// UseCount returns how many attempts the session has carried.
func (s *Session) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useCount
}

// WarmedUp reports whether a warm-up attempt succeeded on this session.
func (s *Session) WarmedUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warmedUp
}

// LastUsedAt returns the time of the last attempt, or CreatedAt.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastUsedAt.IsZero() {
		return s.CreatedAt
	}
	return s.lastUsedAt
}

func (s *Session) hasProxy() bool {
	return s.Identity != nil && s.Identity.ProxyEndpoint != ""
}

// Warmer runs a warm-up attempt on a session.
type Warmer interface {
	WarmUp(ctx context.Context, s *Session) scrape.Outcome
}

// Manager owns every session. Sessions are handed out exclusively and must
// come back through Release or Invalidate.
type Manager struct {
	cfg        Config
	identities Identities
	clock      scrape.Clock
	ids        scrape.IDGenerator
	logger     *zap.Logger

	mu      sync.Mutex
	arenas  map[string][]*Session
	changed chan struct{}
}

// NewManager creates a Manager.
func NewManager(cfg Config, identities Identities, clock scrape.Clock, ids scrape.IDGenerator, logger *zap.Logger) *Manager {
	if cfg.MaxPerTarget <= 0 {
		cfg.MaxPerTarget = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		identities: identities,
		clock:      clock,
		ids:        ids,
		logger:     logger,
		arenas:     make(map[string][]*Session),
		changed:    make(chan struct{}),
	}
}

// GetOrCreate hands out a free, unexpired session for target that meets req,
// creating one while the target is under its cap. Creation may reclaim idle
// sessions of other targets to free an identity. At the cap, or while every
// matching identity is busy elsewhere, it waits for a session to come back,
// honoring ctx.
func (m *Manager) GetOrCreate(ctx context.Context, target scrape.Target, req Requirements) (*Session, error) {
	key := target.Key()
	for {
		m.mu.Lock()
		m.releaseIdentities(m.evictExpiredLocked(key))

		if s := m.claimLocked(key, req); s != nil {
			m.mu.Unlock()
			return s, nil
		}

		if len(m.arenas[key]) >= m.cfg.MaxPerTarget {
			if victim := m.evictIdleLocked(key); victim != nil {
				m.releaseIdentities([]*Session{victim})
			}
		}
		if len(m.arenas[key]) < m.cfg.MaxPerTarget {
			s, err := m.createLocked(target, req)
			if !errors.Is(err, scrape.ErrPoolExhausted) || !m.inFlightLocked(req) {
				m.mu.Unlock()
				return s, err
			}
		}

		wait := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("await session for %s: %w", key, ctx.Err())
		case <-wait:
		}
	}
}

// Release returns a session to the free set.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	s.busy = false
	m.broadcastLocked()
	m.mu.Unlock()
}

// Invalidate discards a session and releases its identity with outcome.
func (m *Manager) Invalidate(s *Session, outcome scrape.Outcome) {
	if s == nil {
		return
	}
	m.mu.Lock()
	removed := m.removeLocked(s)
	m.broadcastLocked()
	m.mu.Unlock()
	if removed {
		m.identities.Release(s.Identity, s.Target, outcome)
		m.logger.Debug("session invalidated",
			zap.String("session_id", s.ID),
			zap.String("target", s.Target.Key()),
			zap.Stringer("outcome", outcome.Kind),
		)
	}
}

// MarkUsed counts one attempt against the session.
func (m *Manager) MarkUsed(s *Session) {
	now := m.clock.Now()
	s.mu.Lock()
	s.useCount++
	s.lastUsedAt = now
	s.mu.Unlock()
}

// Usable reports whether the session may carry another attempt.
func (m *Manager) Usable(s *Session) bool {
	return !m.expired(s, m.clock.Now())
}

// Warm runs w on s. Only a successful warm-up marks the session warm.
func (m *Manager) Warm(ctx context.Context, s *Session, w Warmer) scrape.Outcome {
	outcome := w.WarmUp(ctx, s)
	if outcome.Kind == scrape.OutcomeSuccess {
		s.mu.Lock()
		s.warmedUp = true
		s.mu.Unlock()
	}
	return outcome
}

// Count returns the number of live sessions for target.
func (m *Manager) Count(target scrape.Target) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.arenas[target.Key()])
}

// Close discards every idle session. Busy sessions are left to their holders.
func (m *Manager) Close() {
	m.mu.Lock()
	var idle []*Session
	for key, arena := range m.arenas {
		kept := arena[:0]
		for _, s := range arena {
			if s.busy {
				kept = append(kept, s)
				continue
			}
			idle = append(idle, s)
		}
		m.arenas[key] = kept
	}
	m.broadcastLocked()
	m.mu.Unlock()
	m.releaseIdentities(idle)
}

func (m *Manager) claimLocked(key string, req Requirements) *Session {
	for _, s := range m.arenas[key] {
		if s.busy || s.hasProxy() != req.Proxy {
			continue
		}
		s.busy = true
		return s
	}
	return nil
}

func (m *Manager) createLocked(target scrape.Target, req Requirements) (*Session, error) {
	opts := identity.AcquireOptions{RequireProxy: req.Proxy}
	ident, err := m.identities.Acquire(target, opts)
	for errors.Is(err, scrape.ErrPoolExhausted) {
		victim := m.reclaimIdleLocked(req)
		if victim == nil {
			break
		}
		m.releaseIdentities([]*Session{victim})
		m.logger.Debug("session reclaimed",
			zap.String("session_id", victim.ID),
			zap.String("target", victim.Target.Key()),
			zap.String("for_target", target.Key()),
		)
		ident, err = m.identities.Acquire(target, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", target.Key(), err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		m.identities.Release(ident, target, scrape.Outcome{})
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	id, err := m.ids.NewID()
	if err != nil {
		m.identities.Release(ident, target, scrape.Outcome{})
		return nil, fmt.Errorf("create session id: %w", err)
	}
	s := &Session{
		ID:        id,
		Target:    target,
		Identity:  ident,
		Jar:       jar,
		CreatedAt: m.clock.Now(),
		busy:      true,
	}
	key := target.Key()
	m.arenas[key] = append(m.arenas[key], s)
	m.logger.Debug("session created",
		zap.String("session_id", s.ID),
		zap.String("target", key),
		zap.String("identity_id", ident.ID),
	)
	return s, nil
}

func (m *Manager) evictExpiredLocked(key string) []*Session {
	now := m.clock.Now()
	var expired []*Session
	arena := m.arenas[key]
	kept := arena[:0]
	for _, s := range arena {
		if !s.busy && m.expired(s, now) {
			expired = append(expired, s)
			continue
		}
		kept = append(kept, s)
	}
	m.arenas[key] = kept
	return expired
}

// evictIdleLocked frees room at the cap by dropping one idle session that
// did not match the caller's requirements.
func (m *Manager) evictIdleLocked(key string) *Session {
	for _, s := range m.arenas[key] {
		if !s.busy {
			m.removeLocked(s)
			return s
		}
	}
	return nil
}

// reclaimIdleLocked drops the least recently used idle session of any
// target whose identity could serve req.
func (m *Manager) reclaimIdleLocked(req Requirements) *Session {
	var (
		victim *Session
		oldest time.Time
	)
	for _, arena := range m.arenas {
		for _, s := range arena {
			if s.busy || s.hasProxy() != req.Proxy {
				continue
			}
			if last := s.LastUsedAt(); victim == nil || last.Before(oldest) {
				victim, oldest = s, last
			}
		}
	}
	if victim != nil {
		m.removeLocked(victim)
	}
	return victim
}

// inFlightLocked reports whether a busy session holds an identity that
// could serve req once it comes back.
func (m *Manager) inFlightLocked(req Requirements) bool {
	for _, arena := range m.arenas {
		for _, s := range arena {
			if s.busy && s.hasProxy() == req.Proxy {
				return true
			}
		}
	}
	return false
}

func (m *Manager) removeLocked(s *Session) bool {
	key := s.Target.Key()
	arena := m.arenas[key]
	for i, candidate := range arena {
		if candidate == s {
			m.arenas[key] = append(arena[:i], arena[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) expired(s *Session, now time.Time) bool {
	s.mu.Lock()
	uses := s.useCount
	last := s.lastUsedAt
	s.mu.Unlock()
	if last.IsZero() {
		last = s.CreatedAt
	}
	if m.cfg.MaxUses > 0 && uses >= m.cfg.MaxUses {
		return true
	}
	if m.cfg.TTL > 0 && now.Sub(last) > m.cfg.TTL {
		return true
	}
	if m.cfg.MaxAge > 0 && now.Sub(s.CreatedAt) > m.cfg.MaxAge {
		return true
	}
	return false
}

// releaseIdentities returns the identities of discarded sessions unscored.
func (m *Manager) releaseIdentities(sessions []*Session) {
	for _, s := range sessions {
		m.identities.Release(s.Identity, s.Target, scrape.Outcome{})
	}
}

func (m *Manager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

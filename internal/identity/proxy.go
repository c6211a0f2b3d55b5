package identity

import (
	"context"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// StaticProxies serves a fixed endpoint list and remembers which were marked
// bad. Bad endpoints stay in the pool; their identities are already
// quarantined by the time MarkBad is called.
type StaticProxies struct {
	endpoints []string
	logger    *zap.Logger

	mu  sync.Mutex
	bad map[string]int
}

// NewStaticProxies creates a StaticProxies.
func NewStaticProxies(endpoints []string, logger *zap.Logger) *StaticProxies {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticProxies{
		endpoints: slices.Clone(endpoints),
		logger:    logger,
		bad:       make(map[string]int),
	}
}

// Endpoints returns the configured endpoints.
func (s *StaticProxies) Endpoints(context.Context) ([]string, error) {
	return slices.Clone(s.endpoints), nil
}

// MarkBad records a strike against endpoint.
func (s *StaticProxies) MarkBad(_ context.Context, endpoint string) {
	s.mu.Lock()
	s.bad[endpoint]++
	strikes := s.bad[endpoint]
	s.mu.Unlock()
	s.logger.Warn("proxy marked bad", zap.String("proxy", endpoint), zap.Int("strikes", strikes))
}

// Strikes returns how often endpoint was marked bad.
func (s *StaticProxies) Strikes(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bad[endpoint]
}

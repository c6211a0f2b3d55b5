package campaign

import (
	"context"
	"iter"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/clock/manual"
	"github.com/JakeFAU/listing-harvester/internal/engine"
	"github.com/JakeFAU/listing-harvester/internal/executor"
	"github.com/JakeFAU/listing-harvester/internal/governor"
	"github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/identity"
	"github.com/JakeFAU/listing-harvester/internal/retry"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/session"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/strategy"
)

// tierExecutor blocks the plain tier and succeeds on every other tier.
type tierExecutor struct {
	mu    sync.Mutex
	tiers []scrape.Tier
}

func (e *tierExecutor) Execute(_ context.Context, spec executor.Spec) scrape.Attempt {
	e.mu.Lock()
	e.tiers = append(e.tiers, spec.Strategy.Tier)
	e.mu.Unlock()
	outcome := scrape.Success(&scrape.Payload{StatusCode: 200})
	if spec.Strategy.Tier == scrape.TierPlainRequest {
		outcome = scrape.Blocked("403 forbidden")
	}
	return scrape.Attempt{Strategy: spec.Strategy, SessionID: spec.Session.ID, Outcome: outcome}
}

func (e *tierExecutor) Warmer(scrape.Strategy, scrape.Query) session.Warmer { return nil }

type fiveRecords struct{}

func (fiveRecords) Parse(_ *scrape.Payload, _ scrape.Target, q scrape.Query) (iter.Seq[scrape.Record], error) {
	recs := make([]scrape.Record, 0, 5)
	for _, fp := range []string{"a", "b", "c", "d", "e"} {
		recs = append(recs, scrape.Record{Fingerprint: fp, Query: q.Terms})
	}
	return slices.Values(recs), nil
}

func TestCampaignEscalatesPastBlockedTier(t *testing.T) {
	t.Parallel()

	clk := manual.New(t0)
	pool, err := identity.NewPool(context.Background(), identity.DefaultConfig(),
		[]scrape.HeaderProfile{{Name: "chrome", UserAgent: "Chrome"}, {Name: "firefox", UserAgent: "Firefox"}},
		nil, clk, nil)
	require.NoError(t, err)
	sessions := session.NewManager(session.Config{MaxPerTarget: 2, MaxUses: 50}, pool, clk, uuid.New(), nil)
	defer sessions.Close()
	gov := governor.New(governor.Config{MaxConcurrent: 2, Default: governor.Bucket{Capacity: 100}}, nil)
	ladder, err := strategy.NewLadder([]scrape.Tier{scrape.TierPlainRequest, scrape.TierHeaderSpoof}, strategy.Availability{})
	require.NoError(t, err)

	exec := &tierExecutor{}
	eng := engine.New(engine.Config{Policy: retry.DefaultPolicy()}, ladder, gov, sessions, pool, exec, fiveRecords{}, nil)

	sink := memory.NewRecordStore()
	c := newCoordinator(t, Config{Workers: gov.MaxConcurrent()}, eng, sink, nil, nil)

	summary, err := c.Run(context.Background(), work("jobs.test", "golang"))
	require.NoError(t, err)

	ts, ok := summary.Target("jobs.test")
	require.True(t, ok)
	require.Equal(t, 1, ts.Resolved)
	require.Equal(t, 1, ts.Escalations)
	require.Equal(t, 2, ts.Attempts)
	require.Equal(t, 5, ts.Records)
	require.Equal(t, 5, sink.Len())
	require.Equal(t, []scrape.Tier{scrape.TierPlainRequest, scrape.TierHeaderSpoof}, exec.tiers)
}

func TestCampaignSharesSingleIdentityAcrossTargets(t *testing.T) {
	t.Parallel()

	clk := manual.New(t0)
	pool, err := identity.NewPool(context.Background(), identity.DefaultConfig(),
		[]scrape.HeaderProfile{{Name: "default", UserAgent: "Harvester"}}, nil, clk, nil)
	require.NoError(t, err)
	sessions := session.NewManager(session.Config{MaxPerTarget: 1, MaxUses: 50}, pool, clk, uuid.New(), nil)
	defer sessions.Close()
	gov := governor.New(governor.Config{MaxConcurrent: 2, Default: governor.Bucket{Capacity: 100}}, nil)
	ladder, err := strategy.NewLadder([]scrape.Tier{scrape.TierHeaderSpoof}, strategy.Availability{})
	require.NoError(t, err)

	exec := &tierExecutor{}
	eng := engine.New(engine.Config{Policy: retry.DefaultPolicy()}, ladder, gov, sessions, pool, exec, fiveRecords{}, nil)
	ledger := memory.NewLedger()
	c := newCoordinator(t, Config{Workers: gov.MaxConcurrent(), AbandonCooldown: 24 * time.Hour}, eng, memory.NewRecordStore(), ledger, nil)

	var items []scrape.WorkItem
	for _, domain := range []string{"a.test", "b.test", "c.test"} {
		items = append(items, work(domain, "go", "rust")...)
	}
	summary, err := c.Run(context.Background(), items)
	require.NoError(t, err)

	for _, domain := range []string{"a.test", "b.test", "c.test"} {
		ts, ok := summary.Target(domain)
		require.True(t, ok, domain)
		require.Equal(t, 2, ts.Resolved, domain)
		require.Zero(t, ts.Abandoned, domain)
		_, ledgered, err := ledger.Lookup(context.Background(), domain)
		require.NoError(t, err)
		require.False(t, ledgered, domain)
	}
	require.Len(t, exec.tiers, 6)
}

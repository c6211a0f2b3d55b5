package campaign

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/clock/manual"
	"github.com/JakeFAU/listing-harvester/internal/engine"
	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/strategy"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func work(domain string, terms ...string) []scrape.WorkItem {
	target := scrape.NewTarget(domain, "https://"+domain, "/search", "q", nil)
	out := make([]scrape.WorkItem, 0, len(terms))
	for _, term := range terms {
		out = append(out, scrape.WorkItem{Target: target, Query: scrape.Query{Terms: term}})
	}
	return out
}

func resolved(records ...string) engine.Result {
	recs := make([]scrape.Record, 0, len(records))
	for _, fp := range records {
		recs = append(recs, scrape.Record{Fingerprint: fp})
	}
	return engine.Result{
		State:    strategy.State{Tier: scrape.TierHeaderSpoof, Phase: strategy.PhaseResolved},
		Attempts: 1,
		Last:     scrape.Success(&scrape.Payload{}),
		Records:  slices.Values(recs),
	}
}

func abandoned(target, reason string) engine.Result {
	return engine.Result{
		State:    strategy.State{Tier: scrape.TierFullAutomation, Phase: strategy.PhaseAbandoned},
		Attempts: 3,
		Last:     scrape.Blocked("403"),
		Err:      &scrape.AbandonError{Target: target, Reason: reason, Last: scrape.OutcomeBlocked},
	}
}

// fakeRunner answers by "target/terms".
type fakeRunner struct {
	mu      sync.Mutex
	results map[string]engine.Result
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, item scrape.WorkItem) engine.Result {
	key := item.Target.Key() + "/" + item.Query.Terms
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	res, ok := f.results[key]
	if !ok {
		return resolved()
	}
	res.Item = item
	return res
}

func (f *fakeRunner) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

func (c *captureEmitter) stages() []progress.Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Stage, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.Stage)
	}
	return out
}

type failingSink struct{}

func (failingSink) Write(context.Context, []scrape.Record) error { return errors.New("disk full") }
func (failingSink) Close() error                                 { return nil }

func newCoordinator(t *testing.T, cfg Config, runner Runner, sink scrape.RecordSink, ledger store.AbandonLedger, em progress.Emitter) *Coordinator {
	t.Helper()
	c, err := New(cfg, runner, sink, ledger, em, manual.New(t0), nil)
	require.NoError(t, err)
	return c
}

func TestRunStreamsDeduplicatedRecords(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: map[string]engine.Result{
		"a.test/go":   resolved("r1", "r2", "r3"),
		"a.test/rust": resolved("r3", "r4"),
		"b.test/go":   resolved("r5"),
	}}
	sink := memory.NewRecordStore()
	em := &captureEmitter{}
	c := newCoordinator(t, Config{Workers: 2, RecordBatchSize: 2}, runner, sink, nil, em)

	items := append(work("a.test", "go", "rust"), work("b.test", "go")...)
	summary, err := c.Run(context.Background(), items)
	require.NoError(t, err)

	require.Equal(t, store.RunSuccess, summary.Status)
	require.Equal(t, 3, summary.Items)
	require.Equal(t, 3, summary.Resolved)
	require.Equal(t, 5, summary.Records)
	require.Equal(t, 5, sink.Len())
	require.NotEmpty(t, summary.CampaignID)

	a, ok := summary.Target("a.test")
	require.True(t, ok)
	require.Equal(t, 2, a.Queries)
	require.Equal(t, 2, a.Resolved)
	require.Equal(t, 4, a.Records)
	require.Equal(t, "success", a.LastOutcome)
	require.Equal(t, []string{"a.test", "b.test"}, []string{summary.Targets[0].Target, summary.Targets[1].Target})

	stages := em.stages()
	require.Equal(t, progress.StageCampaignStart, stages[0])
	require.Equal(t, progress.StageCampaignDone, stages[len(stages)-1])
	require.Len(t, stages, 5)

	last, ok := c.Last()
	require.True(t, ok)
	require.Equal(t, summary.CampaignID, last.CampaignID)
}

func TestAbandonedTargetIsNotRetriedWithinCampaign(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: map[string]engine.Result{
		"a.test/go": abandoned("a.test", "blocked at top tier"),
		"b.test/go": resolved("r1"),
	}}
	ledger := memory.NewLedger()
	c := newCoordinator(t, Config{Workers: 1}, runner, memory.NewRecordStore(), ledger, nil)

	items := append(work("a.test", "go", "rust", "java"), work("b.test", "go")...)
	summary, err := c.Run(context.Background(), items)
	require.NoError(t, err)

	require.Equal(t, []string{"a.test/go", "b.test/go"}, runner.called())
	a, _ := summary.Target("a.test")
	require.Equal(t, 1, a.Abandoned)
	require.Equal(t, 2, a.Skipped)
	require.Zero(t, a.Canceled)
	require.Contains(t, a.AbandonReason, "blocked at top tier")
	require.Equal(t, 3, a.Attempts)

	b, _ := summary.Target("b.test")
	require.Equal(t, 1, b.Resolved)
	require.Equal(t, store.RunSuccess, summary.Status)

	entry, ok, err := ledger.Lookup(context.Background(), "a.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "blocked at top tier", entry.Reason)
	require.Equal(t, "blocked", entry.LastOutcome)
}

func TestPoolExhaustionDoesNotMarkTargetDead(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("create session for a.test: %w", scrape.ErrPoolExhausted)
	starved := engine.Result{
		State: strategy.State{Tier: scrape.TierHeaderSpoof, Phase: strategy.PhaseAbandoned},
		Err:   &scrape.AbandonError{Target: "a.test", Reason: cause.Error(), Err: cause},
	}
	runner := &fakeRunner{results: map[string]engine.Result{"a.test/go": starved}}
	ledger := memory.NewLedger()
	c := newCoordinator(t, Config{Workers: 1, AbandonCooldown: 24 * time.Hour}, runner, memory.NewRecordStore(), ledger, nil)

	summary, err := c.Run(context.Background(), work("a.test", "go", "rust"))
	require.NoError(t, err)

	require.Equal(t, []string{"a.test/go", "a.test/rust"}, runner.called())
	a, _ := summary.Target("a.test")
	require.Equal(t, 1, a.Abandoned)
	require.Equal(t, 1, a.Resolved)
	require.Zero(t, a.Skipped)

	_, ok, err := ledger.Lookup(context.Background(), "a.test")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLedgerCooldownSkipsRecentAbandonments(t *testing.T) {
	t.Parallel()

	ledger := memory.NewLedger()
	ctx := context.Background()
	require.NoError(t, ledger.RecordAbandon(ctx, store.Abandonment{Target: "recent.test", Reason: "captcha", AbandonedAt: t0.Add(-time.Hour)}))
	require.NoError(t, ledger.RecordAbandon(ctx, store.Abandonment{Target: "stale.test", Reason: "captcha", AbandonedAt: t0.Add(-48 * time.Hour)}))

	runner := &fakeRunner{results: map[string]engine.Result{"stale.test/go": resolved("r1")}}
	c := newCoordinator(t, Config{Workers: 1, AbandonCooldown: 24 * time.Hour}, runner, memory.NewRecordStore(), ledger, nil)

	items := append(work("recent.test", "go"), work("stale.test", "go")...)
	summary, err := c.Run(ctx, items)
	require.NoError(t, err)

	require.Equal(t, []string{"stale.test/go"}, runner.called())
	recent, _ := summary.Target("recent.test")
	require.Equal(t, 1, recent.Skipped)
	require.Contains(t, recent.AbandonReason, "cooling down")

	_, ok, err := ledger.Lookup(ctx, "stale.test")
	require.NoError(t, err)
	require.False(t, ok, "a resolved target leaves the ledger")
}

// blockingRunner parks every chain until its context ends.
type blockingRunner struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingRunner) Run(ctx context.Context, item scrape.WorkItem) engine.Result {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return engine.Result{Item: item, Err: ctx.Err()}
}

func TestCancelStopsAdmission(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{started: make(chan struct{})}
	em := &captureEmitter{}
	c := newCoordinator(t, Config{Workers: 1}, runner, memory.NewRecordStore(), nil, em)

	ctx, cancel := context.WithCancel(context.Background())
	type out struct {
		s   Summary
		err error
	}
	done := make(chan out, 1)
	go func() {
		s, err := c.Run(ctx, work("a.test", "go", "rust", "java", "c"))
		done <- out{s, err}
	}()

	<-runner.started
	require.True(t, c.Running())
	cancel()

	var res out
	require.Eventually(t, func() bool {
		select {
		case res = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	require.ErrorIs(t, res.err, context.Canceled)
	require.Equal(t, store.RunCanceled, res.s.Status)
	require.Equal(t, 4, res.s.Canceled)
	require.Zero(t, res.s.Resolved)
	require.False(t, c.Running())

	em.mu.Lock()
	final := em.events[len(em.events)-1]
	em.mu.Unlock()
	require.Equal(t, progress.StageCampaignDone, final.Stage)
	require.Equal(t, "canceled", final.Outcome)
}

func TestSinkFailureIsCountedNotFatal(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{results: map[string]engine.Result{"a.test/go": resolved("r1", "r2")}}
	c := newCoordinator(t, Config{Workers: 1}, runner, failingSink{}, nil, nil)

	summary, err := c.Run(context.Background(), work("a.test", "go"))
	require.NoError(t, err)
	a, _ := summary.Target("a.test")
	require.Equal(t, 1, a.Resolved)
	require.Zero(t, a.Records)
	require.Equal(t, 1, a.SinkErrors)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	clk := manual.New(t0)
	sink := memory.NewRecordStore()
	_, err := New(Config{Workers: 1}, nil, sink, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = New(Config{Workers: 1}, &fakeRunner{}, nil, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = New(Config{}, &fakeRunner{}, sink, nil, nil, clk, nil)
	require.Error(t, err)
	_, err = New(Config{Workers: 1}, &fakeRunner{}, sink, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestLastIsEmptyBeforeFirstRun(t *testing.T) {
	t.Parallel()

	c := newCoordinator(t, Config{Workers: 1}, &fakeRunner{}, memory.NewRecordStore(), nil, nil)
	_, ok := c.Last()
	require.False(t, ok)
}

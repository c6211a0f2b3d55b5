// Package campaign fans work items across a bounded worker pool, collects
// per-target terminal state and streams deduplicated records to a sink.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-harvester/internal/engine"
	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/queue/memory"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// Runner drives a single chain.
type Runner interface {
	Run(ctx context.Context, item scrape.WorkItem) engine.Result
}

// Config controls the coordinator.
type Config struct {
	// Workers bounds concurrent chains. Callers usually pass the
	// governor's max_concurrent.
	Workers int
	// RecordBatchSize caps the records handed to the sink per write.
	RecordBatchSize int
	// AbandonCooldown skips targets the ledger saw abandoned more
	// recently than this. Zero disables the ledger check.
	AbandonCooldown time.Duration
	// SinkTimeout bounds every sink write.
	SinkTimeout time.Duration
}

const (
	defaultRecordBatchSize = 100
	defaultSinkTimeout     = 30 * time.Second
)

// Coordinator runs campaigns. Runs may not overlap.
type Coordinator struct {
	cfg     Config
	runner  Runner
	sink    scrape.RecordSink
	ledger  store.AbandonLedger
	emitter progress.Emitter
	clock   scrape.Clock
	logger  *zap.Logger

	running atomic.Bool
	last    atomic.Pointer[Summary]
}

// New builds a Coordinator. ledger and emitter may be nil.
func New(
	cfg Config,
	runner Runner,
	sink scrape.RecordSink,
	ledger store.AbandonLedger,
	emitter progress.Emitter,
	clock scrape.Clock,
	logger *zap.Logger,
) (*Coordinator, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if sink == nil {
		return nil, errors.New("record sink is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.RecordBatchSize <= 0 {
		cfg.RecordBatchSize = defaultRecordBatchSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		cfg:     cfg,
		runner:  runner,
		sink:    sink,
		ledger:  ledger,
		emitter: emitter,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Last returns the summary of the most recent finished campaign.
func (c *Coordinator) Last() (Summary, bool) {
	s := c.last.Load()
	if s == nil {
		return Summary{}, false
	}
	return *s, true
}

// Running reports whether a campaign is in progress.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// Run executes items under a fresh campaign id.
func (c *Coordinator) Run(ctx context.Context, items []scrape.WorkItem) (Summary, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Summary{}, fmt.Errorf("campaign id: %w", err)
	}
	return c.RunCampaign(ctx, id, items)
}

// RunCampaign executes items under id. Canceling ctx stops admission of
// queued items; chains already running stop at their next suspension point.
// The summary is returned even when the campaign was canceled, together with
// the context error.
func (c *Coordinator) RunCampaign(ctx context.Context, id uuid.UUID, items []scrape.WorkItem) (Summary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Summary{}, errors.New("a campaign is already running")
	}
	defer c.running.Store(false)

	r := &run{
		c:       c,
		id:      id,
		idBytes: progress.UUIDToBytes(id),
		dedup:   extract.NewDeduper(),
		tally:   newTally(),
		dead:    make(map[string]string),
		logger:  c.logger.With(zap.String("campaign_id", id.String())),
	}
	for _, item := range items {
		r.tally.get(item.Target.Key()).Queries++
	}

	started := c.clock.Now()
	r.emit(progress.Event{Stage: progress.StageCampaignStart, TS: started})
	r.logger.Info("campaign started", zap.Int("items", len(items)), zap.Int("workers", c.cfg.Workers))

	q := memory.NewQueue(c.cfg.Workers)
	var g errgroup.Group
	g.Go(func() error {
		defer q.Close()
		for _, item := range items {
			if err := q.Enqueue(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	for range c.cfg.Workers {
		g.Go(func() error {
			r.work(ctx, q)
			return nil
		})
	}
	waitErr := g.Wait()

	summary := Summary{
		CampaignID: id.String(),
		Status:     store.RunSuccess,
		StartedAt:  started,
		FinishedAt: c.clock.Now(),
	}
	r.mu.Lock()
	r.tally.finish(&summary)
	r.mu.Unlock()

	var runErr error
	if err := ctx.Err(); err != nil {
		runErr = err
	} else if waitErr != nil {
		runErr = waitErr
	}
	done := progress.Event{
		Stage:   progress.StageCampaignDone,
		TS:      summary.FinishedAt,
		Records: int64(summary.Records),
		Dur:     summary.FinishedAt.Sub(started),
	}
	if runErr != nil {
		summary.Status = store.RunCanceled
		done.Outcome = string(store.RunCanceled)
		done.Note = runErr.Error()
	}
	r.emit(done)
	c.last.Store(&summary)

	r.logger.Info("campaign finished",
		zap.String("status", string(summary.Status)),
		zap.Int("resolved", summary.Resolved),
		zap.Int("abandoned", summary.Abandoned),
		zap.Int("skipped", summary.Skipped),
		zap.Int("canceled", summary.Canceled),
		zap.Int("records", summary.Records),
		zap.Duration("elapsed", summary.FinishedAt.Sub(started)),
	)
	return summary, runErr
}

// run is the state of one campaign.
type run struct {
	c       *Coordinator
	id      uuid.UUID
	idBytes [16]byte
	dedup   *extract.Deduper
	logger  *zap.Logger

	mu    sync.Mutex
	tally *tally
	// dead holds targets abandoned in this campaign with their reason.
	dead map[string]string
}

func (r *run) work(ctx context.Context, q *memory.Queue) {
	for {
		item, err := q.Dequeue(ctx)
		if err != nil || ctx.Err() != nil {
			return
		}
		metrics.IncActiveWorkers()
		r.process(ctx, item)
		metrics.DecActiveWorkers()
	}
}

func (r *run) process(ctx context.Context, item scrape.WorkItem) {
	key := item.Target.Key()
	if reason, ok := r.skipReason(ctx, key); ok {
		r.mu.Lock()
		ts := r.tally.get(key)
		ts.Skipped++
		ts.AbandonReason = reason
		r.mu.Unlock()
		metrics.ObserveChain("skipped")
		r.emit(progress.Event{Stage: progress.StageChainDone, TS: r.c.clock.Now(), Target: key, Outcome: "skipped", Note: reason})
		r.logger.Debug("work item skipped", zap.String("target", key), zap.String("query", item.Query.Key()), zap.String("reason", reason))
		return
	}

	start := r.c.clock.Now()
	res := r.c.runner.Run(ctx, item)

	var (
		written   int
		sinkFails int
	)
	if res.Resolved() && res.Records != nil {
		written, sinkFails = r.deliver(ctx, key, res)
	}

	// A target abandoned for lack of identities says nothing about the
	// target itself, so later items still run and the ledger is untouched.
	starved := errors.Is(res.Err, scrape.ErrPoolExhausted)
	status := "canceled"
	switch {
	case res.Resolved():
		status = "resolved"
		r.clearLedger(ctx, key)
	case engine.IsAbandoned(res.Err):
		status = "abandoned"
		if !starved {
			r.recordAbandon(ctx, key, res)
		}
	}

	r.mu.Lock()
	ts := r.tally.get(key)
	ts.Attempts += res.Attempts
	ts.Escalations += res.Escalations
	ts.Records += written
	ts.SinkErrors += sinkFails
	if res.Last.Kind != scrape.OutcomeUnknown {
		ts.LastOutcome = res.Last.Kind.String()
	}
	switch status {
	case "resolved":
		ts.Resolved++
	case "abandoned":
		ts.Abandoned++
		ts.AbandonReason = abandonReason(res.Err)
		if !starved {
			r.dead[key] = ts.AbandonReason
		}
	}
	r.mu.Unlock()

	metrics.ObserveChain(status)
	metrics.ObserveRecords(key, written)
	end := r.c.clock.Now()
	evt := progress.Event{
		Stage:   progress.StageChainDone,
		TS:      end,
		Target:  key,
		Tier:    res.State.Tier.String(),
		Outcome: status,
		Records: int64(written),
		Dur:     max(end.Sub(start), 0),
	}
	if status == "abandoned" {
		evt.Note = abandonReason(res.Err)
	}
	r.emit(evt)
}

// skipReason reports whether key must not be attempted: it was abandoned
// earlier in this campaign, or the ledger holds a recent abandonment.
func (r *run) skipReason(ctx context.Context, key string) (string, bool) {
	r.mu.Lock()
	reason, dead := r.dead[key]
	r.mu.Unlock()
	if dead {
		return "abandoned earlier in campaign: " + reason, true
	}
	if r.c.ledger == nil || r.c.cfg.AbandonCooldown <= 0 {
		return "", false
	}
	entry, ok, err := r.c.ledger.Lookup(ctx, key)
	if err != nil {
		r.logger.Warn("abandon ledger lookup failed", zap.String("target", key), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}
	if age := r.c.clock.Now().Sub(entry.AbandonedAt); age < r.c.cfg.AbandonCooldown {
		return fmt.Sprintf("cooling down after abandonment %s ago: %s", age.Truncate(time.Second), entry.Reason), true
	}
	return "", false
}

func (r *run) recordAbandon(ctx context.Context, key string, res engine.Result) {
	if r.c.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.SinkTimeout)
	defer cancel()
	err := r.c.ledger.RecordAbandon(ctx, store.Abandonment{
		Target:      key,
		Reason:      abandonReason(res.Err),
		LastOutcome: res.Last.Kind.String(),
		AbandonedAt: r.c.clock.Now(),
	})
	if err != nil {
		r.logger.Warn("abandon ledger write failed", zap.String("target", key), zap.Error(err))
	}
}

func (r *run) clearLedger(ctx context.Context, key string) {
	if r.c.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.SinkTimeout)
	defer cancel()
	if err := r.c.ledger.Clear(ctx, key); err != nil {
		r.logger.Warn("abandon ledger clear failed", zap.String("target", key), zap.Error(err))
	}
}

// deliver streams new records to the sink in batches. Records were already
// fetched, so writes are not tied to campaign cancellation.
func (r *run) deliver(ctx context.Context, key string, res engine.Result) (written, failures int) {
	batch := make([]scrape.Record, 0, r.c.cfg.RecordBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.SinkTimeout)
		err := r.c.sink.Write(wctx, batch)
		cancel()
		if err != nil {
			failures++
			r.logger.Error("record sink write failed", zap.String("target", key), zap.Int("records", len(batch)), zap.Error(err))
		} else {
			written += len(batch)
		}
		batch = batch[:0]
	}
	for rec := range r.dedup.Filter(res.Records) {
		batch = append(batch, rec)
		if len(batch) >= r.c.cfg.RecordBatchSize {
			flush()
		}
	}
	flush()
	return written, failures
}

func (r *run) emit(evt progress.Event) {
	if r.c.emitter == nil {
		return
	}
	evt.CampaignID = r.idBytes
	r.c.emitter.Emit(evt)
}

func abandonReason(err error) string {
	var ae *scrape.AbandonError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

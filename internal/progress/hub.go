package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatchEvents: flush once this many events queue (default 500).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 500
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats reports hub throughput since start.
type Stats struct {
	Emitted int64
	Dropped int64
	Flushes int64
}

// Hub aggregates Event streams and fans them out to registered sinks. It is
// safe for concurrent use and never blocks callers.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	emitted     atomic.Int64
	dropped     atomic.Int64
	unreported  atomic.Int64
	flushes     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub feeding sinks. It is ready to accept events at once.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go h.run()
	return h
}

// Emit enqueues evt. When the buffer is full the event is dropped and a
// rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.emitted.Add(1)
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.warnDropped(time.Now())
	}
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{Emitted: h.emitted.Load(), Dropped: h.dropped.Load(), Flushes: h.flushes.Load()}
}

// Close drains queued events, flushes and closes sinks, and waits for the
// background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	b := &batcher{hub: h, batch: make([]Event, 0, h.cfg.MaxBatchEvents)}
	defer b.timerOff()

	for {
		select {
		case evt := <-h.events:
			b.add(evt)
		case <-b.timerC():
			b.armed = false
			b.flush()
		case <-h.stop:
			b.drain()
			h.closeSinks()
			return
		}
	}
}

// batcher is owned by the run goroutine.
type batcher struct {
	hub   *Hub
	batch []Event
	timer *time.Timer
	armed bool
}

func (b *batcher) add(evt Event) {
	b.batch = append(b.batch, evt)
	if len(b.batch) >= b.hub.cfg.MaxBatchEvents {
		b.flush()
		b.timerOff()
		return
	}
	if !b.armed {
		b.timerOn()
	}
}

func (b *batcher) drain() {
	b.timerOff()
	for {
		select {
		case evt := <-b.hub.events:
			b.batch = append(b.batch, evt)
			if len(b.batch) >= b.hub.cfg.MaxBatchEvents {
				b.flush()
			}
		default:
			b.flush()
			return
		}
	}
}

func (b *batcher) flush() {
	if len(b.batch) == 0 {
		return
	}
	b.hub.deliver(append([]Event(nil), b.batch...))
	b.batch = b.batch[:0]
}

// timerC returns nil while the timer is disarmed so the select skips it.
func (b *batcher) timerC() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

func (b *batcher) timerOn() {
	if b.timer == nil {
		b.timer = time.NewTimer(b.hub.cfg.MaxBatchWait)
	} else {
		b.timer.Reset(b.hub.cfg.MaxBatchWait)
	}
	b.armed = true
}

func (b *batcher) timerOff() {
	if b.timer != nil && b.armed {
		b.timer.Stop()
	}
	b.armed = false
}

func (h *Hub) deliver(batch []Event) {
	h.flushes.Add(1)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err), zap.Int("events", len(batch)))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) warnDropped(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.unreported.Swap(0)))
}

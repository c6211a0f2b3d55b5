package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageCampaignStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageAttempt))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)

	hub.Emit(sampleEvent(StageAttempt))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 2
	}, time.Second, 5*time.Millisecond, "timer re-arms after a flush")
}

func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageCampaignStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(1), hub.Stats().Dropped)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Stage: StageAttempt})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
	require.Zero(t, hub.Stats().Emitted)
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(sampleEvent(StageCampaignStart))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(sampleEvent(StageCampaignDone))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1, "events after close are ignored")
}

func TestHubSurvivesFailingSink(t *testing.T) {
	t.Parallel()

	good := newStubSink()
	bad := sinkFunc(func(context.Context, []Event) error { return errors.New("down") })
	hub := NewHub(Config{MaxBatchEvents: 1}, bad, good)

	hub.Emit(sampleEvent(StageAttempt))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, good.Batches(), 1)
}

func TestRecorderEmitsAttemptEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	id := uuid.New()
	rec := NewRecorder(id, hub)

	started := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	rec.RecordAttempt(context.Background(), scrape.Attempt{
		Target:       scrape.NewTarget("Jobs.Test", "https://jobs.test", "/search", "", nil),
		Strategy:     scrape.StrategyFor(scrape.TierHeaderSpoof),
		SessionID:    "s-1",
		IdentityID:   "chrome",
		StartedAt:    started,
		Latency:      300 * time.Millisecond,
		ResponseSize: 2048,
		StatusCode:   403,
		Outcome:      scrape.Blocked("403 forbidden"),
	})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	evt := batches[0][0]
	require.Equal(t, id, evt.CampaignUUID())
	require.Equal(t, StageAttempt, evt.Stage)
	require.Equal(t, "jobs.test", evt.Target)
	require.Equal(t, "header_spoof", evt.Tier)
	require.Equal(t, "blocked", evt.Outcome)
	require.Equal(t, Status4xx, evt.StatusClass)
	require.Equal(t, int64(2048), evt.Bytes)
	require.Equal(t, started.Add(300*time.Millisecond), evt.TS)
	require.Equal(t, "403 forbidden", evt.Note)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(200))
	require.Equal(t, Status3xx, ClassifyStatus(302))
	require.Equal(t, Status4xx, ClassifyStatus(429))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		CampaignID: UUIDToBytes(uuid.New()),
		TS:         time.Now(),
		Stage:      stage,
	}
	if stage == StageAttempt || stage == StageChainDone {
		evt.Target = "jobs.test"
		evt.Outcome = "success"
		evt.StatusClass = Status2xx
	}
	return evt
}

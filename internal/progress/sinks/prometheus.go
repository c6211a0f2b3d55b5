package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/listing-harvester/internal/progress"
)

// PrometheusSink exports campaign progress via Prometheus. It owns the
// campaign, chain and attempt collectors.
type PrometheusSink struct {
	campaignsStarted   prometheus.Counter
	campaignsCompleted *prometheus.CounterVec
	campaignsRunning   prometheus.Gauge
	campaignRuntime    *prometheus.HistogramVec

	attempts        *prometheus.CounterVec
	attemptBytes    *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	chains          *prometheus.CounterVec

	tracker *campaignTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		campaignsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_campaigns_started_total",
			Help: "Total campaigns that have started.",
		}),
		campaignsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_campaigns_completed_total",
			Help: "Total campaigns completed partitioned by result.",
		}, []string{"result"}),
		campaignsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_campaigns_running",
			Help: "Current number of running campaigns.",
		}),
		campaignRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_campaign_runtime_seconds",
			Help:    "Wall time per completed campaign.",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_attempts_total",
			Help: "Attempts partitioned by target, tier and outcome.",
		}, []string{"target", "tier", "outcome"}),
		attemptBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_attempt_bytes_total",
			Help: "Response bytes received per target.",
		}, []string{"target"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_attempt_duration_seconds",
			Help:    "Attempt latency partitioned by target and tier.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"target", "tier"}),
		chains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_chain_results_total",
			Help: "Finished chains partitioned by target and result.",
		}, []string{"target", "result"}),
		tracker: newCampaignTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.campaignsStarted,
		s.campaignsCompleted,
		s.campaignsRunning,
		s.campaignRuntime,
		s.attempts,
		s.attemptBytes,
		s.attemptDuration,
		s.chains,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageCampaignStart, progress.StageCampaignDone, progress.StageCampaignError:
			s.handleCampaignEvent(evt)
		case progress.StageAttempt:
			s.handleAttempt(evt)
		case progress.StageChainDone:
			s.chains.WithLabelValues(evt.Target, evt.Outcome).Inc()
		}
	}
	return nil
}

func (s *PrometheusSink) handleCampaignEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageCampaignStart:
		s.campaignsStarted.Inc()
		if s.tracker.start(evt.CampaignID) {
			s.campaignsRunning.Inc()
		}
		return
	case progress.StageCampaignDone:
		s.finishCampaign(evt, "success")
	case progress.StageCampaignError:
		s.finishCampaign(evt, "error")
	}
	if s.tracker.complete(evt.CampaignID) {
		s.campaignsRunning.Dec()
	}
}

func (s *PrometheusSink) finishCampaign(evt progress.Event, result string) {
	s.campaignsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.campaignRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleAttempt(evt progress.Event) {
	tier := evt.Tier
	if evt.Warmup {
		tier += "_warmup"
	}
	s.attempts.WithLabelValues(evt.Target, tier, evt.Outcome).Inc()
	if evt.Bytes > 0 {
		s.attemptBytes.WithLabelValues(evt.Target).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.attemptDuration.WithLabelValues(evt.Target, tier).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type campaignTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newCampaignTracker() *campaignTracker {
	return &campaignTracker{running: make(map[[16]byte]struct{})}
}

func (t *campaignTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *campaignTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	campaignID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{CampaignID: campaignID, TS: now, Stage: progress.StageCampaignStart},
		{
			CampaignID:  campaignID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageAttempt,
			Target:      "jobs.test",
			Tier:        "header_spoof",
			Outcome:     "success",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{
			CampaignID: campaignID,
			TS:         now.Add(time.Second),
			Stage:      progress.StageAttempt,
			Target:     "jobs.test",
			Tier:       "session_simulation",
			Outcome:    "success",
			Warmup:     true,
		},
		{CampaignID: campaignID, TS: now.Add(2 * time.Second), Stage: progress.StageChainDone, Target: "jobs.test", Outcome: "resolved"},
		{CampaignID: campaignID, TS: now.Add(3 * time.Second), Stage: progress.StageCampaignDone, Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.campaignsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.campaignsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.campaignsRunning))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("jobs.test", "header_spoof", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.attempts.WithLabelValues("jobs.test", "session_simulation_warmup", "success")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.attemptBytes.WithLabelValues("jobs.test")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.attemptDuration, "harvester_attempt_duration_seconds"))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.chains.WithLabelValues("jobs.test", "resolved")))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

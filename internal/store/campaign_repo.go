// Package store declares interfaces for persisting campaign progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("campaign record not found")

// RunStatus mirrors the campaign_runs status column.
type RunStatus string

// Campaign run statuses persisted in campaign_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunCanceled RunStatus = "canceled"
	RunError    RunStatus = "error"
)

// CampaignRun models the campaign_runs table.
type CampaignRun struct {
	ID        uuid.UUID
	StartedAt time.Time
	// FinishedAt is nil until the run leaves the running state.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// TargetStats aggregates attempts per (campaign, target).
type TargetStats struct {
	CampaignID  uuid.UUID
	Target      string
	LastUpdate  time.Time
	Attempts    int64
	BytesTotal  int64
	Successes   int64
	Blocked     int64
	RateLimited int64
	NetErrors   int64
	ParseErrors int64
	Challenges  int64
}

// Add applies one attempt with outcome to the counters.
func (s *TargetStats) Add(outcome string, attempts, bytes int64) {
	s.Attempts += attempts
	s.BytesTotal += bytes
	switch outcome {
	case "success":
		s.Successes += attempts
	case "blocked":
		s.Blocked += attempts
	case "rate_limited":
		s.RateLimited += attempts
	case "network_error":
		s.NetErrors += attempts
	case "parse_error":
		s.ParseErrors += attempts
	case "challenge_required":
		s.Challenges += attempts
	}
}

// CampaignRepository persists incremental campaign progress.
type CampaignRepository interface {
	// UpsertCampaignStart inserts (or idempotently updates) the run row.
	UpsertCampaignStart(ctx context.Context, campaignID uuid.UUID, startedAt time.Time) error
	// CompleteCampaign marks the run finished with status and optional error.
	CompleteCampaign(ctx context.Context, campaignID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertTargetStats applies attempt/byte deltas per (campaign, target, outcome).
	UpsertTargetStats(
		ctx context.Context,
		campaignID uuid.UUID,
		target string,
		outcome string,
		deltaAttempts int64,
		deltaBytes int64,
		at time.Time,
	) error
	GetCampaign(ctx context.Context, campaignID uuid.UUID) (CampaignRun, error)
	// ListCampaigns returns runs newest first, optionally filtered by status.
	ListCampaigns(ctx context.Context, status *RunStatus, limit, offset int) ([]CampaignRun, error)
	ListCampaignTargets(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]TargetStats, error)
}

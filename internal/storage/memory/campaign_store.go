package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// CampaignStore is an in-memory store.CampaignRepository.
type CampaignStore struct {
	mu      sync.RWMutex
	runs    map[uuid.UUID]store.CampaignRun
	targets map[uuid.UUID]map[string]*store.TargetStats
}

var _ store.CampaignRepository = (*CampaignStore)(nil)

// NewCampaignStore creates an empty store.
func NewCampaignStore() *CampaignStore {
	return &CampaignStore{
		runs:    make(map[uuid.UUID]store.CampaignRun),
		targets: make(map[uuid.UUID]map[string]*store.TargetStats),
	}
}

// UpsertCampaignStart records a running campaign, keeping the earliest start.
func (s *CampaignStore) UpsertCampaignStart(_ context.Context, id uuid.UUID, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if ok && !startedAt.Before(run.StartedAt) {
		return nil
	}
	if !ok {
		run = store.CampaignRun{ID: id, Status: store.RunRunning}
	}
	run.StartedAt = startedAt
	s.runs[id] = run
	return nil
}

// CompleteCampaign marks a run finished.
func (s *CampaignStore) CompleteCampaign(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[id] = run
	return nil
}

// UpsertTargetStats adds deltas to the (campaign, target) counters.
func (s *CampaignStore) UpsertTargetStats(
	_ context.Context,
	id uuid.UUID,
	target string,
	outcome string,
	deltaAttempts int64,
	deltaBytes int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTarget, ok := s.targets[id]
	if !ok {
		byTarget = make(map[string]*store.TargetStats)
		s.targets[id] = byTarget
	}
	ts, ok := byTarget[target]
	if !ok {
		ts = &store.TargetStats{CampaignID: id, Target: target}
		byTarget[target] = ts
	}
	ts.Add(outcome, deltaAttempts, deltaBytes)
	if at.After(ts.LastUpdate) {
		ts.LastUpdate = at
	}
	return nil
}

// GetCampaign returns a run by id.
func (s *CampaignStore) GetCampaign(_ context.Context, id uuid.UUID) (store.CampaignRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.CampaignRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListCampaigns returns runs newest first.
func (s *CampaignStore) ListCampaigns(
	_ context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.CampaignRun, error) {
	s.mu.RLock()
	runs := make([]store.CampaignRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()
	slices.SortFunc(runs, func(a, b store.CampaignRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return page(runs, limit, offset), nil
}

// ListCampaignTargets returns per-target counters ordered by target.
func (s *CampaignStore) ListCampaignTargets(
	_ context.Context,
	id uuid.UUID,
	limit, offset int,
) ([]store.TargetStats, error) {
	s.mu.RLock()
	out := make([]store.TargetStats, 0, len(s.targets[id]))
	for _, ts := range s.targets[id] {
		out = append(out, *ts)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b store.TargetStats) int {
		return strings.Compare(a.Target, b.Target)
	})
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

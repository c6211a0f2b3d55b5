package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// CampaignStore persists campaign runs and per-target counters.
type CampaignStore struct {
	pool querier
}

var _ store.CampaignRepository = (*CampaignStore)(nil)

// NewCampaignStore builds a store over pool.
func NewCampaignStore(pool querier) (*CampaignStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &CampaignStore{pool: pool}, nil
}

const upsertCampaignStartSQL = `
INSERT INTO campaign_runs (id, started_at, status)
VALUES ($1, $2, 'running')
ON CONFLICT (id) DO UPDATE SET started_at = LEAST(campaign_runs.started_at, EXCLUDED.started_at)`

// UpsertCampaignStart inserts the run row or keeps the earliest start.
func (s *CampaignStore) UpsertCampaignStart(ctx context.Context, campaignID uuid.UUID, startedAt time.Time) error {
	if _, err := s.pool.Exec(ctx, upsertCampaignStartSQL, campaignID, startedAt); err != nil {
		return fmt.Errorf("upsert campaign start: %w", err)
	}
	return nil
}

const completeCampaignSQL = `
UPDATE campaign_runs
SET finished_at = $2, status = $3, error_message = $4
WHERE id = $1`

// CompleteCampaign records the terminal state of a run.
func (s *CampaignStore) CompleteCampaign(
	ctx context.Context,
	campaignID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	tag, err := s.pool.Exec(ctx, completeCampaignSQL, campaignID, finishedAt, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const upsertTargetStatsSQL = `
INSERT INTO campaign_targets (
	campaign_id, target, last_update, attempts, bytes_total,
	successes, blocked, rate_limited, net_errors, parse_errors, challenges
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (campaign_id, target) DO UPDATE SET
	last_update  = GREATEST(campaign_targets.last_update, EXCLUDED.last_update),
	attempts     = campaign_targets.attempts + EXCLUDED.attempts,
	bytes_total  = campaign_targets.bytes_total + EXCLUDED.bytes_total,
	successes    = campaign_targets.successes + EXCLUDED.successes,
	blocked      = campaign_targets.blocked + EXCLUDED.blocked,
	rate_limited = campaign_targets.rate_limited + EXCLUDED.rate_limited,
	net_errors   = campaign_targets.net_errors + EXCLUDED.net_errors,
	parse_errors = campaign_targets.parse_errors + EXCLUDED.parse_errors,
	challenges   = campaign_targets.challenges + EXCLUDED.challenges`

// UpsertTargetStats adds the deltas for one outcome to the target row.
func (s *CampaignStore) UpsertTargetStats(
	ctx context.Context,
	campaignID uuid.UUID,
	target string,
	outcome string,
	deltaAttempts int64,
	deltaBytes int64,
	at time.Time,
) error {
	var d store.TargetStats
	d.Add(outcome, deltaAttempts, deltaBytes)
	_, err := s.pool.Exec(ctx, upsertTargetStatsSQL,
		campaignID, target, at,
		d.Attempts, d.BytesTotal,
		d.Successes, d.Blocked, d.RateLimited, d.NetErrors, d.ParseErrors, d.Challenges,
	)
	if err != nil {
		return fmt.Errorf("upsert target stats: %w", err)
	}
	return nil
}

const selectCampaignSQL = `
SELECT id, started_at, finished_at, status, error_message
FROM campaign_runs`

// GetCampaign loads one run.
func (s *CampaignStore) GetCampaign(ctx context.Context, campaignID uuid.UUID) (store.CampaignRun, error) {
	row := s.pool.QueryRow(ctx, selectCampaignSQL+" WHERE id = $1", campaignID)
	run, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.CampaignRun{}, store.ErrNotFound
	}
	if err != nil {
		return store.CampaignRun{}, fmt.Errorf("get campaign: %w", err)
	}
	return run, nil
}

// ListCampaigns returns runs newest first.
func (s *CampaignStore) ListCampaigns(
	ctx context.Context,
	status *store.RunStatus,
	limit, offset int,
) ([]store.CampaignRun, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status != nil {
		rows, err = s.pool.Query(ctx,
			selectCampaignSQL+" WHERE status = $1 ORDER BY started_at DESC LIMIT $2 OFFSET $3",
			string(*status), limit, offset)
	} else {
		rows, err = s.pool.Query(ctx,
			selectCampaignSQL+" ORDER BY started_at DESC LIMIT $1 OFFSET $2",
			limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []store.CampaignRun
	for rows.Next() {
		run, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	return out, nil
}

const listTargetsSQL = `
SELECT campaign_id, target, last_update, attempts, bytes_total,
	successes, blocked, rate_limited, net_errors, parse_errors, challenges
FROM campaign_targets
WHERE campaign_id = $1
ORDER BY target
LIMIT $2 OFFSET $3`

// ListCampaignTargets returns the per-target counters of a run.
func (s *CampaignStore) ListCampaignTargets(
	ctx context.Context,
	campaignID uuid.UUID,
	limit, offset int,
) ([]store.TargetStats, error) {
	rows, err := s.pool.Query(ctx, listTargetsSQL, campaignID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list campaign targets: %w", err)
	}
	defer rows.Close()

	var out []store.TargetStats
	for rows.Next() {
		var ts store.TargetStats
		if err := rows.Scan(
			&ts.CampaignID, &ts.Target, &ts.LastUpdate, &ts.Attempts, &ts.BytesTotal,
			&ts.Successes, &ts.Blocked, &ts.RateLimited, &ts.NetErrors, &ts.ParseErrors, &ts.Challenges,
		); err != nil {
			return nil, fmt.Errorf("scan campaign target: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list campaign targets: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *CampaignStore) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func scanCampaign(row pgx.Row) (store.CampaignRun, error) {
	var (
		run    store.CampaignRun
		status string
	)
	if err := row.Scan(&run.ID, &run.StartedAt, &run.FinishedAt, &status, &run.ErrorMessage); err != nil {
		return store.CampaignRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

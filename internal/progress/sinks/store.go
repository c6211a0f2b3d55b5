package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/progress"
	"github.com/JakeFAU/listing-harvester/internal/store"
)

// StoreSink persists campaign progress through a store.CampaignRepository.
// Attempts are collapsed per (campaign, target, outcome) before writing.
type StoreSink struct {
	repo   store.CampaignRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.CampaignRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes campaign transitions and the collapsed attempt deltas.
// Repository errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[deltaKey]*delta)
	var order []deltaKey

	for _, evt := range batch {
		campaignID := evt.CampaignUUID()
		switch evt.Stage {
		case progress.StageCampaignStart:
			if err := s.repo.UpsertCampaignStart(ctx, campaignID, evt.TS); err != nil {
				return fmt.Errorf("upsert campaign start: %w", err)
			}
		case progress.StageCampaignDone, progress.StageCampaignError:
			if err := s.completeCampaign(ctx, campaignID, evt); err != nil {
				return err
			}
		case progress.StageAttempt:
			key := deltaKey{campaignID: campaignID, target: evt.Target, outcome: evt.Outcome}
			d, ok := deltas[key]
			if !ok {
				d = &delta{}
				deltas[key] = d
				order = append(order, key)
			}
			d.attempts++
			d.bytes += evt.Bytes
			if evt.TS.After(d.at) {
				d.at = evt.TS
			}
		}
	}

	for _, key := range order {
		d := deltas[key]
		if err := s.repo.UpsertTargetStats(ctx, key.campaignID, key.target, key.outcome, d.attempts, d.bytes, d.at); err != nil {
			return fmt.Errorf("upsert target stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) completeCampaign(ctx context.Context, campaignID uuid.UUID, evt progress.Event) error {
	status := store.RunStatus(evt.Outcome)
	if status == "" {
		status = store.RunSuccess
		if evt.Stage == progress.StageCampaignError {
			status = store.RunError
		}
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.CompleteCampaign(ctx, campaignID, evt.TS, status, note); err != nil {
		return fmt.Errorf("complete campaign: %w", err)
	}
	return nil
}

// Close implements progress.Sink.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type deltaKey struct {
	campaignID uuid.UUID
	target     string
	outcome    string
}

type delta struct {
	attempts int64
	bytes    int64
	at       time.Time
}

// Package progress defines the event structures emitted during a campaign.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageCampaignStart Stage = "CAMPAIGN_START"
	StageCampaignDone  Stage = "CAMPAIGN_DONE"
	StageCampaignError Stage = "CAMPAIGN_ERROR"
	StageAttempt       Stage = "ATTEMPT"
	StageChainDone     Stage = "CHAIN_DONE"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for attempts.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of campaign progress.
type Event struct {
	// CampaignID identifies the campaign run using the 16-byte UUID form.
	CampaignID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Target is the target key for attempt and chain events.
	Target string
	Tier   string
	// Outcome is the attempt outcome, or "resolved"/"abandoned" for chains.
	Outcome     string
	Warmup      bool
	SessionID   string
	IdentityID  string
	StatusClass StatusClass
	Bytes       int64
	// Records counts records a resolved chain delivered.
	Records int64
	Dur     time.Duration
	// Note carries low-volume context such as an abandon reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.CampaignID == [16]byte{} {
		return errors.New("campaign id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageCampaignStart, StageCampaignDone, StageCampaignError:
	case StageAttempt:
		if e.Target == "" {
			return errors.New("attempt requires target")
		}
		if e.Outcome == "" {
			return errors.New("attempt requires outcome")
		}
	case StageChainDone:
		if e.Target == "" {
			return errors.New("chain done requires target")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// CampaignUUID converts the binary campaign ID to uuid.UUID for repositories.
func (e Event) CampaignUUID() uuid.UUID {
	return uuid.UUID(e.CampaignID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}

// AttemptEvent converts an executor attempt into an event.
func AttemptEvent(campaignID [16]byte, a scrape.Attempt) Event {
	return Event{
		CampaignID:  campaignID,
		TS:          a.StartedAt.Add(a.Latency).UTC(),
		Stage:       StageAttempt,
		Target:      a.Target.Key(),
		Tier:        a.Strategy.Name(),
		Outcome:     a.Outcome.Kind.String(),
		Warmup:      a.Warmup,
		SessionID:   a.SessionID,
		IdentityID:  a.IdentityID,
		StatusClass: ClassifyStatus(a.StatusCode),
		Bytes:       int64(a.ResponseSize),
		Dur:         a.Latency,
		Note:        a.Outcome.Reason,
	}
}

// Recorder adapts an Emitter to scrape.AttemptRecorder for one campaign.
type Recorder struct {
	campaignID [16]byte
	emitter    Emitter
}

var _ scrape.AttemptRecorder = (*Recorder)(nil)

// NewRecorder binds emitter to campaignID.
func NewRecorder(campaignID uuid.UUID, emitter Emitter) *Recorder {
	return &Recorder{campaignID: UUIDToBytes(campaignID), emitter: emitter}
}

// RecordAttempt emits the attempt. It never blocks.
func (r *Recorder) RecordAttempt(_ context.Context, a scrape.Attempt) {
	if r == nil || r.emitter == nil {
		return
	}
	r.emitter.Emit(AttemptEvent(r.campaignID, a))
}

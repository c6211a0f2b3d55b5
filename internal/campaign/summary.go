package campaign

import (
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/store"
)

// TargetSummary is the terminal state of every work item for one target.
type TargetSummary struct {
	Target      string `json:"target"`
	Queries     int    `json:"queries"`
	Resolved    int    `json:"resolved"`
	Abandoned   int    `json:"abandoned"`
	Skipped     int    `json:"skipped"`
	Canceled    int    `json:"canceled"`
	Attempts    int    `json:"attempts"`
	Escalations int    `json:"escalations"`
	Records     int    `json:"records"`
	SinkErrors  int    `json:"sink_errors,omitempty"`
	// AbandonReason is the reason of the latest abandoned or skipped chain.
	AbandonReason string `json:"abandon_reason,omitempty"`
	LastOutcome   string `json:"last_outcome,omitempty"`
}

// Summary reports a finished campaign.
type Summary struct {
	CampaignID string          `json:"campaign_id"`
	Status     store.RunStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Items      int             `json:"items"`
	Resolved   int             `json:"resolved"`
	Abandoned  int             `json:"abandoned"`
	Skipped    int             `json:"skipped"`
	Canceled   int             `json:"canceled"`
	Attempts   int             `json:"attempts"`
	Records    int             `json:"records"`
	Targets    []TargetSummary `json:"targets"`
}

// Target returns the entry for key.
func (s Summary) Target(key string) (TargetSummary, bool) {
	for _, t := range s.Targets {
		if t.Target == key {
			return t, true
		}
	}
	return TargetSummary{}, false
}

type tally struct {
	order   []string
	targets map[string]*TargetSummary
}

func newTally() *tally {
	return &tally{targets: make(map[string]*TargetSummary)}
}

func (t *tally) get(key string) *TargetSummary {
	ts, ok := t.targets[key]
	if !ok {
		ts = &TargetSummary{Target: key}
		t.targets[key] = ts
		t.order = append(t.order, key)
	}
	return ts
}

// finish derives canceled counts and totals. Items that never reached a
// terminal state count as canceled.
func (t *tally) finish(s *Summary) {
	s.Targets = make([]TargetSummary, 0, len(t.order))
	for _, key := range t.order {
		ts := *t.targets[key]
		ts.Canceled = ts.Queries - ts.Resolved - ts.Abandoned - ts.Skipped
		s.Items += ts.Queries
		s.Resolved += ts.Resolved
		s.Abandoned += ts.Abandoned
		s.Skipped += ts.Skipped
		s.Canceled += ts.Canceled
		s.Attempts += ts.Attempts
		s.Records += ts.Records
		s.Targets = append(s.Targets, ts)
	}
	slices.SortFunc(s.Targets, func(a, b TargetSummary) int {
		return strings.Compare(a.Target, b.Target)
	})
}

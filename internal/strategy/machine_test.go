package strategy

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

func allTiers() []scrape.Tier {
	return []scrape.Tier{
		scrape.TierChallengeSolving, scrape.TierPlainRequest, scrape.TierHeaderSpoof,
		scrape.TierSessionSimulation, scrape.TierFullAutomation, scrape.TierProxyAutomation,
		scrape.TierHeaderSpoof,
	}
}

func TestNewLadderFiltersUnavailableBackends(t *testing.T) {
	t.Parallel()

	ladder, err := NewLadder(allTiers(), Availability{})
	require.NoError(t, err)
	require.Equal(t, []scrape.Tier{scrape.TierPlainRequest, scrape.TierHeaderSpoof, scrape.TierSessionSimulation}, ladder.Tiers())

	full, err := NewLadder(allTiers(), Availability{Automation: true, Proxies: true, ChallengeSolver: true})
	require.NoError(t, err)
	require.Equal(t, 6, full.Len())
	require.Equal(t, scrape.TierChallengeSolving, full.Top())

	_, err = NewLadder([]scrape.Tier{scrape.TierFullAutomation}, Availability{})
	require.Error(t, err)
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	ladder, err := NewLadder([]scrape.Tier{scrape.TierPlainRequest, scrape.TierHeaderSpoof}, Availability{})
	require.NoError(t, err)
	start := Initial(ladder)

	tests := []struct {
		name  string
		from  State
		event Event
		want  State
	}{
		{"stay keeps tier", start, EventStay, start},
		{"escalate climbs", start, EventEscalate, State{Tier: scrape.TierHeaderSpoof, Phase: PhaseActive, Escalations: 1, Reason: "r"}},
		{"escalate at top abandons", State{Tier: scrape.TierHeaderSpoof, Phase: PhaseActive, Escalations: 1}, EventEscalate, State{Tier: scrape.TierHeaderSpoof, Phase: PhaseAbandoned, Escalations: 1, Reason: "r"}},
		{"resolve", start, EventResolve, State{Tier: scrape.TierPlainRequest, Phase: PhaseResolved}},
		{"abandon", start, EventAbandon, State{Tier: scrape.TierPlainRequest, Phase: PhaseAbandoned, Reason: "r"}},
		{"terminal absorbs", State{Tier: scrape.TierPlainRequest, Phase: PhaseResolved}, EventEscalate, State{Tier: scrape.TierPlainRequest, Phase: PhaseResolved}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Transition(ladder, tc.from, tc.event, "r"))
		})
	}
}

func TestTierNeverRegressesWithinChain(t *testing.T) {
	t.Parallel()

	ladder, err := NewLadder(allTiers(), Availability{Automation: true, Proxies: true, ChallengeSolver: true})
	require.NoError(t, err)
	events := []Event{EventStay, EventEscalate, EventStay, EventStay, EventEscalate}

	for seed := range uint64(50) {
		rng := rand.New(rand.NewPCG(seed, seed*7+1))
		m := NewMachine(ladder)
		prev := m.State().Tier
		for range 40 {
			state := m.Fire(events[rng.IntN(len(events))], "x")
			require.GreaterOrEqual(t, state.Tier, prev)
			prev = state.Tier
			if state.Terminal() {
				break
			}
		}
		for i := 1; i < len(m.History()); i++ {
			require.GreaterOrEqual(t, m.History()[i].Tier, m.History()[i-1].Tier)
		}
	}
}

func TestMachineTracksStrategy(t *testing.T) {
	t.Parallel()

	ladder, err := NewLadder([]scrape.Tier{scrape.TierPlainRequest, scrape.TierSessionSimulation}, Availability{})
	require.NoError(t, err)
	m := NewMachine(ladder)
	require.False(t, m.AtTop())
	require.Equal(t, scrape.TierPlainRequest, m.Strategy().Tier)

	m.Fire(EventEscalate, "blocked")
	require.True(t, m.AtTop())
	require.True(t, m.Strategy().Capabilities.Has(scrape.CapWarmSession))
	require.Len(t, m.History(), 2)
}

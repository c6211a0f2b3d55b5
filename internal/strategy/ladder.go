// Package strategy holds the escalation ladder and the pure transition
// function that walks a query chain up it.
package strategy

import (
	"fmt"
	"slices"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Ladder is the ordered set of enabled tiers, cheapest first.
type Ladder struct {
	tiers []scrape.Tier
}

// Availability describes which optional backends are wired.
type Availability struct {
	Automation      bool
	Proxies         bool
	ChallengeSolver bool
}

// NewLadder sorts and de-duplicates tiers, dropping the ones whose backend
// is not available.
func NewLadder(enabled []scrape.Tier, avail Availability) (Ladder, error) {
	tiers := make([]scrape.Tier, 0, len(enabled))
	for _, tier := range enabled {
		if tier < scrape.TierPlainRequest || tier > scrape.TierChallengeSolving {
			return Ladder{}, fmt.Errorf("unknown tier %d", tier)
		}
		caps := scrape.StrategyFor(tier).Capabilities
		if caps.Has(scrape.CapBrowser) && !avail.Automation {
			continue
		}
		if caps.Has(scrape.CapProxy) && !avail.Proxies {
			continue
		}
		if caps.Has(scrape.CapChallengeSolver) && !avail.ChallengeSolver {
			continue
		}
		tiers = append(tiers, tier)
	}
	slices.Sort(tiers)
	tiers = slices.Compact(tiers)
	if len(tiers) == 0 {
		return Ladder{}, fmt.Errorf("no strategy tier is enabled and available")
	}
	return Ladder{tiers: tiers}, nil
}

// Cheapest returns the first rung.
func (l Ladder) Cheapest() scrape.Tier {
	return l.tiers[0]
}

// Top returns the last rung.
func (l Ladder) Top() scrape.Tier {
	return l.tiers[len(l.tiers)-1]
}

// Next returns the rung above tier, or false at the top.
func (l Ladder) Next(tier scrape.Tier) (scrape.Tier, bool) {
	for _, candidate := range l.tiers {
		if candidate > tier {
			return candidate, true
		}
	}
	return 0, false
}

// IsTop reports whether tier has nothing above it.
func (l Ladder) IsTop(tier scrape.Tier) bool {
	_, ok := l.Next(tier)
	return !ok
}

// Tiers returns a copy of the rungs.
func (l Ladder) Tiers() []scrape.Tier {
	return slices.Clone(l.tiers)
}

// Len returns the number of rungs.
func (l Ladder) Len() int {
	return len(l.tiers)
}

package scrape

import (
	"fmt"
	"strings"
)

// Tier orders strategies by cost. Higher is more expensive.
type Tier int

const (
	TierPlainRequest Tier = iota + 1
	TierHeaderSpoof
	TierSessionSimulation
	TierFullAutomation
	TierProxyAutomation
	TierChallengeSolving
)

var tierNames = map[Tier]string{
	TierPlainRequest:      "plain_request",
	TierHeaderSpoof:       "header_spoof",
	TierSessionSimulation: "session_simulation",
	TierFullAutomation:    "full_automation",
	TierProxyAutomation:   "proxy_automation",
	TierChallengeSolving:  "challenge_solving",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseTier accepts the String form of a tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Capability is a bit set of what a strategy does on top of a plain request.
type Capability uint8

const (
	CapSpoofHeaders Capability = 1 << iota
	CapWarmSession
	CapBrowser
	CapProxy
	CapChallengeSolver
)

// Has reports whether all bits in c are set.
func (c Capability) Has(flag Capability) bool {
	return c&flag == flag
}

// Strategy is a named access method at a tier.
type Strategy struct {
	Tier         Tier
	Capabilities Capability
}

// Name is the tier name.
func (s Strategy) Name() string {
	return s.Tier.String()
}

// StrategyFor returns the strategy with the default capabilities of tier.
func StrategyFor(tier Tier) Strategy {
	var caps Capability
	switch tier {
	case TierPlainRequest:
	case TierHeaderSpoof:
		caps = CapSpoofHeaders
	case TierSessionSimulation:
		caps = CapSpoofHeaders | CapWarmSession
	case TierFullAutomation:
		caps = CapSpoofHeaders | CapWarmSession | CapBrowser
	case TierProxyAutomation:
		caps = CapSpoofHeaders | CapWarmSession | CapBrowser | CapProxy
	case TierChallengeSolving:
		caps = CapSpoofHeaders | CapWarmSession | CapBrowser | CapChallengeSolver
	}
	return Strategy{Tier: tier, Capabilities: caps}
}

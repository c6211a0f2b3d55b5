// Package retry maps attempt outcomes to the next step of a chain. Decide is
// pure: it reads the policy, the chain counters and the outcome, and returns
// the action together with the updated counters.
package retry

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/JakeFAU/listing-harvester/internal/scrape"
)

// Action is what the chain does next.
type Action int

const (
	ActionSucceed Action = iota + 1
	ActionRetry
	ActionWait
	ActionEscalate
	ActionAbandon
)

func (a Action) String() string {
	switch a {
	case ActionSucceed:
		return "succeed"
	case ActionRetry:
		return "retry"
	case ActionWait:
		return "wait"
	case ActionEscalate:
		return "escalate"
	case ActionAbandon:
		return "abandon"
	default:
		return "unknown"
	}
}

// ParseAction accepts the override names used in configuration.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "retry":
		return ActionRetry, nil
	case "wait":
		return ActionWait, nil
	case "escalate":
		return ActionEscalate, nil
	case "abandon":
		return ActionAbandon, nil
	default:
		return 0, fmt.Errorf("unknown retry action %q", s)
	}
}

// Policy configures the controller.
type Policy struct {
	MaxRetries          int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	Jitter              bool
	ParseRetries        int
	// MaxRateLimitedWaits abandons a chain that keeps being throttled.
	// Zero waits forever. Throttling never changes tier.
	MaxRateLimitedWaits int
	Overrides           map[scrape.OutcomeKind]Action
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          2,
		BaseDelay:           500 * time.Millisecond,
		MaxDelay:            30 * time.Second,
		Jitter:              true,
		ParseRetries:        1,
		MaxRateLimitedWaits: 20,
	}
}

// ChainState holds the counters of one chain.
type ChainState struct {
	// Retries counts retries at the current tier. Escalation resets it.
	Retries          int
	ConsecutiveParse int
	RateLimitedWaits int
	Attempts         int
}

// Decision is the controller's answer.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
	State  ChainState
}

func defaultAction(kind scrape.OutcomeKind) Action {
	switch kind {
	case scrape.OutcomeSuccess:
		return ActionSucceed
	case scrape.OutcomeNetworkError, scrape.OutcomeParseError:
		return ActionRetry
	case scrape.OutcomeRateLimited:
		return ActionWait
	case scrape.OutcomeBlocked, scrape.OutcomeChallengeRequired:
		return ActionEscalate
	default:
		return ActionAbandon
	}
}

// Decide returns the next action for outcome. atTop tells the controller
// that no higher tier exists, turning escalations into abandonment.
func Decide(p Policy, st ChainState, outcome scrape.Outcome, atTop bool) Decision {
	st.Attempts++
	kind := outcome.Kind
	if kind != scrape.OutcomeParseError {
		st.ConsecutiveParse = 0
	}

	if outcome.Terminal() {
		return Decision{Action: ActionAbandon, Reason: outcome.String(), State: st}
	}

	action := defaultAction(kind)
	if override, ok := p.Overrides[kind]; ok && kind != scrape.OutcomeSuccess {
		action = override
	}

	switch action {
	case ActionSucceed:
		st.Retries = 0
		return Decision{Action: ActionSucceed, State: st}
	case ActionRetry:
		if kind == scrape.OutcomeParseError {
			st.ConsecutiveParse++
			if st.ConsecutiveParse <= p.ParseRetries {
				return Decision{Action: ActionRetry, Delay: Backoff(p, 0), Reason: outcome.String(), State: st}
			}
			return escalate(st, atTop, "repeated parse errors: "+outcome.Reason)
		}
		if st.Retries < p.MaxRetries {
			delay := Backoff(p, st.Retries)
			st.Retries++
			return Decision{Action: ActionRetry, Delay: delay, Reason: outcome.String(), State: st}
		}
		return escalate(st, atTop, fmt.Sprintf("max retries (%d) exceeded: %s", p.MaxRetries, outcome))
	case ActionWait:
		if p.MaxRateLimitedWaits > 0 && st.RateLimitedWaits >= p.MaxRateLimitedWaits {
			return Decision{
				Action: ActionAbandon,
				Reason: fmt.Sprintf("rate limited %d times", st.RateLimitedWaits),
				State:  st,
			}
		}
		st.RateLimitedWaits++
		delay := outcome.RetryAfter
		if delay <= 0 && kind != scrape.OutcomeRateLimited {
			delay = Backoff(p, 0)
		}
		return Decision{Action: ActionWait, Delay: delay, Reason: outcome.String(), State: st}
	case ActionEscalate:
		return escalate(st, atTop, outcome.String())
	default:
		return Decision{Action: ActionAbandon, Reason: outcome.String(), State: st}
	}
}

func escalate(st ChainState, atTop bool, reason string) Decision {
	if atTop {
		return Decision{Action: ActionAbandon, Reason: reason, State: st}
	}
	st.Retries = 0
	st.ConsecutiveParse = 0
	return Decision{Action: ActionEscalate, Reason: reason, State: st}
}

// Backoff returns base × 2^attempt capped at MaxDelay.
func Backoff(p Policy, attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Jittered spreads d over [d/2, d) when the policy asks for jitter.
func Jittered(p Policy, d time.Duration) time.Duration {
	if !p.Jitter || d <= 1 {
		return d
	}
	half := d / 2
	return half + randomJitter(d-half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

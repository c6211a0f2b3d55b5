package scrape

import (
	"errors"
	"fmt"
	"time"
)

// OutcomeKind classifies the result of one attempt.
type OutcomeKind int

const (
	// OutcomeUnknown is the zero value; it never reaches the controller.
	OutcomeUnknown OutcomeKind = iota
	OutcomeSuccess
	OutcomeBlocked
	OutcomeRateLimited
	OutcomeNetworkError
	OutcomeParseError
	OutcomeChallengeRequired
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeChallengeRequired:
		return "challenge_required"
	default:
		return "unknown"
	}
}

// ParseOutcomeKind maps the String form back to a kind.
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	for k := OutcomeSuccess; k <= OutcomeChallengeRequired; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return OutcomeUnknown, fmt.Errorf("unknown outcome %q", s)
}

// Outcome is the classified result of an attempt.
type Outcome struct {
	Kind       OutcomeKind
	Reason     string
	Payload    *Payload
	RetryAfter time.Duration
	Err        error
}

// Success wraps a payload.
func Success(p *Payload) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: p}
}

// Blocked records a refusal with its reason.
func Blocked(reason string) Outcome {
	return Outcome{Kind: OutcomeBlocked, Reason: reason}
}

// RateLimited records a throttle signal; retryAfter may be zero.
func RateLimited(reason string, retryAfter time.Duration) Outcome {
	return Outcome{Kind: OutcomeRateLimited, Reason: reason, RetryAfter: retryAfter}
}

// NetworkError wraps a transport failure.
func NetworkError(err error) Outcome {
	reason := "network error"
	if err != nil {
		reason = err.Error()
	}
	return Outcome{Kind: OutcomeNetworkError, Reason: reason, Err: err}
}

// Refused records a request that cannot succeed at any tier. It reports as
// a network error in statistics but ends the chain.
func Refused(reason string, err error) Outcome {
	if err == nil {
		err = ErrNotRetryable
	} else if !errors.Is(err, ErrNotRetryable) {
		err = fmt.Errorf("%w: %w", ErrNotRetryable, err)
	}
	return Outcome{Kind: OutcomeNetworkError, Reason: reason, Err: err}
}

// Terminal reports whether no retry or escalation can change the outcome.
func (o Outcome) Terminal() bool {
	return o.Err != nil && errors.Is(o.Err, ErrNotRetryable)
}

// ParseError records a structurally unrecognized response.
func ParseError(reason string) Outcome {
	return Outcome{Kind: OutcomeParseError, Reason: reason, Err: ErrParse}
}

// ChallengeRequired records an interactive challenge.
func ChallengeRequired(reason string) Outcome {
	return Outcome{Kind: OutcomeChallengeRequired, Reason: reason}
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

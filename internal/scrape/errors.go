package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted means no identity satisfies the acquisition constraints.
	ErrPoolExhausted = errors.New("identity pool exhausted")
	// ErrAbandoned marks a chain that ran out of strategies or retries.
	ErrAbandoned = errors.New("chain abandoned")
	// ErrLocalRateLimited is returned by transports that refuse to send
	// because a local budget is spent.
	ErrLocalRateLimited = errors.New("local rate budget exhausted")
	// ErrParse marks a response whose structure was not recognized.
	ErrParse = errors.New("unrecognized response structure")
	// ErrNotRetryable marks a request no retry or tier can fix, such as a
	// robots.txt disallow or a query page that does not exist.
	ErrNotRetryable = errors.New("request cannot succeed")
)

// AbandonError carries the terminal reason of an abandoned chain. Err holds
// the cause when the chain never produced an outcome, e.g. ErrPoolExhausted.
type AbandonError struct {
	Target string
	Reason string
	Last   OutcomeKind
	Err    error
}

func (e *AbandonError) Error() string {
	if e.Last == OutcomeUnknown && e.Err != nil {
		return fmt.Sprintf("target %s abandoned: %s", e.Target, e.Reason)
	}
	return fmt.Sprintf("target %s abandoned after %s: %s", e.Target, e.Last, e.Reason)
}

// Unwrap lets errors.Is match ErrAbandoned and the cause.
func (e *AbandonError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrAbandoned}
	}
	return []error{ErrAbandoned, e.Err}
}

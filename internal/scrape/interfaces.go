package scrape

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes one HTTP request issued by a transport tier.
type FetchRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
	Proxy     string
	Jar       http.CookieJar
}

// Fetcher performs plain HTTP requests.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*Payload, error)
}

// FormStep fills and submits a form before the page is captured.
type FormStep struct {
	Fields map[string]string
	Submit string
}

// AutomationRequest describes one browser-driven navigation.
type AutomationRequest struct {
	URL       string
	UserAgent string
	Headers   http.Header
	Proxy     string
	Cookies   []*http.Cookie
	Form      *FormStep
	WaitFor   string
}

// AutomationResult is the captured page plus the cookies the browser ended with.
type AutomationResult struct {
	Payload *Payload
	Cookies []*http.Cookie
}

// Automation drives a real browser.
type Automation interface {
	Navigate(ctx context.Context, req AutomationRequest) (*AutomationResult, error)
}

// ChallengeSolver obtains clearance for an interactive challenge page shown
// to req's identity. It returns cookies that let a replayed navigation
// through.
type ChallengeSolver interface {
	Solve(ctx context.Context, req AutomationRequest, page *Payload) ([]*http.Cookie, error)
}

// RecordSink receives extracted records.
type RecordSink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// AttemptRecorder receives every attempt the executor runs.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a Attempt)
}

// AttemptRecorderFunc adapts a function to AttemptRecorder.
type AttemptRecorderFunc func(ctx context.Context, a Attempt)

// RecordAttempt calls f.
func (f AttemptRecorderFunc) RecordAttempt(ctx context.Context, a Attempt) {
	f(ctx, a)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Hasher produces content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator mints unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

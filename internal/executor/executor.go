// Package executor runs one attempt of one strategy and classifies what came
// back into an outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/detector"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/session"
)

// Config bounds and shapes attempts.
type Config struct {
	// AttemptTimeout is the hard limit on one network call, applied even when
	// the campaign context is canceled mid-flight.
	AttemptTimeout time.Duration
	// Form is filled and submitted by browser tiers before capture.
	Form *scrape.FormStep
	// WaitFor is a selector browser tiers wait for before capture.
	WaitFor string
}

// Backends are the transports the executor dispatches to. Automation and
// Solver are optional.
type Backends struct {
	Fetcher    scrape.Fetcher
	Automation scrape.Automation
	Solver     scrape.ChallengeSolver
}

// Inspector classifies block and challenge pages.
type Inspector interface {
	Inspect(payload *scrape.Payload, rendered bool) detector.Result
}

// Validator reports whether a payload has a recognized results shape.
type Validator interface {
	Validate(payload *scrape.Payload) error
}

// Spec is everything one attempt needs.
type Spec struct {
	Target   scrape.Target
	Query    scrape.Query
	Strategy scrape.Strategy
	Session  *session.Session
}

// Executor runs attempts. It is safe for concurrent use.
type Executor struct {
	cfg       Config
	backends  Backends
	inspector Inspector
	validator Validator
	recorder  scrape.AttemptRecorder
	clock     scrape.Clock
	ids       scrape.IDGenerator
	logger    *zap.Logger
}

// New constructs an Executor.
func New(
	cfg Config,
	backends Backends,
	inspector Inspector,
	validator Validator,
	recorder scrape.AttemptRecorder,
	clock scrape.Clock,
	ids scrape.IDGenerator,
	logger *zap.Logger,
) *Executor {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 45 * time.Second
	}
	if recorder == nil {
		recorder = scrape.AttemptRecorderFunc(func(context.Context, scrape.Attempt) {})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:       cfg,
		backends:  backends,
		inspector: inspector,
		validator: validator,
		recorder:  recorder,
		clock:     clock,
		ids:       ids,
		logger:    logger,
	}
}

// Execute runs spec's strategy against the query URL and records the attempt.
func (e *Executor) Execute(ctx context.Context, spec Spec) scrape.Attempt {
	return e.run(ctx, spec, spec.Target.QueryURL(spec.Query), false)
}

// Warmer returns a session.Warmer that warms sessions with strategy.
func (e *Executor) Warmer(strategy scrape.Strategy, query scrape.Query) session.Warmer {
	return warmer{exec: e, strategy: strategy, query: query}
}

type warmer struct {
	exec     *Executor
	strategy scrape.Strategy
	query    scrape.Query
}

// WarmUp fetches the target's landing page on s.
func (w warmer) WarmUp(ctx context.Context, s *session.Session) scrape.Outcome {
	spec := Spec{Target: s.Target, Query: w.query, Strategy: w.strategy, Session: s}
	return w.exec.run(ctx, spec, s.Target.LandingURL(), true).Outcome
}

func (e *Executor) run(ctx context.Context, spec Spec, rawURL string, warmup bool) scrape.Attempt {
	id, err := e.ids.NewID()
	if err != nil {
		e.logger.Warn("attempt id generation failed", zap.Error(err))
	}
	attempt := scrape.Attempt{
		ID:        id,
		Target:    spec.Target,
		Query:     spec.Query,
		Strategy:  spec.Strategy,
		SessionID: spec.Session.ID,
		Warmup:    warmup,
		StartedAt: e.clock.Now(),
	}
	if spec.Session.Identity != nil {
		attempt.IdentityID = spec.Session.Identity.ID
	}

	// The call outlives campaign cancellation so the session and identity
	// are never left mid-conversation, but never outlives the hard timeout.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AttemptTimeout)
	defer cancel()

	payload, outcome := e.dispatch(callCtx, spec, rawURL, warmup)

	attempt.Latency = e.clock.Now().Sub(attempt.StartedAt)
	attempt.Outcome = outcome
	if payload != nil {
		attempt.StatusCode = payload.StatusCode
		attempt.ResponseSize = len(payload.Body)
	}
	e.recorder.RecordAttempt(context.WithoutCancel(ctx), attempt)
	e.logger.Debug("attempt finished",
		zap.String("attempt", attempt.ID),
		zap.String("target", spec.Target.Key()),
		zap.Stringer("tier", spec.Strategy.Tier),
		zap.Stringer("outcome", outcome.Kind),
		zap.String("reason", outcome.Reason),
		zap.String("session_id", attempt.SessionID),
		zap.String("identity_id", attempt.IdentityID),
		zap.Bool("warmup", warmup),
		zap.Int("status", attempt.StatusCode),
		zap.Duration("latency", attempt.Latency),
	)
	return attempt
}

func (e *Executor) dispatch(ctx context.Context, spec Spec, rawURL string, warmup bool) (*scrape.Payload, scrape.Outcome) {
	caps := spec.Strategy.Capabilities
	if !caps.Has(scrape.CapBrowser) {
		payload, err := e.backends.Fetcher.Fetch(ctx, e.fetchRequest(spec, rawURL))
		return payload, e.classify(payload, err, false, warmup)
	}
	if e.backends.Automation == nil {
		return nil, scrape.NetworkError(fmt.Errorf("tier %s needs an automation backend", spec.Strategy.Tier))
	}

	req := e.automationRequest(spec, rawURL, warmup)
	payload, err := e.navigate(ctx, spec.Session, req)
	outcome := e.classify(payload, err, true, warmup)
	if outcome.Kind != scrape.OutcomeChallengeRequired || !caps.Has(scrape.CapChallengeSolver) || e.backends.Solver == nil {
		return payload, outcome
	}

	cookies, err := e.backends.Solver.Solve(ctx, req, payload)
	if err != nil {
		return payload, scrape.ChallengeRequired(fmt.Sprintf("%s; clearance failed: %v", outcome.Reason, err))
	}
	storeCookies(spec.Session.Jar, rawURL, cookies)
	req.Cookies = jarCookies(spec.Session.Jar, rawURL)
	payload, err = e.navigate(ctx, spec.Session, req)
	return payload, e.classify(payload, err, true, warmup)
}

func (e *Executor) navigate(ctx context.Context, s *session.Session, req scrape.AutomationRequest) (*scrape.Payload, error) {
	result, err := e.backends.Automation.Navigate(ctx, req)
	if err != nil {
		return nil, err
	}
	storeCookies(s.Jar, req.URL, result.Cookies)
	return result.Payload, nil
}

func (e *Executor) fetchRequest(spec Spec, rawURL string) scrape.FetchRequest {
	req := scrape.FetchRequest{URL: rawURL, Jar: spec.Session.Jar}
	ident := spec.Session.Identity
	if ident == nil {
		return req
	}
	if spec.Strategy.Capabilities.Has(scrape.CapSpoofHeaders) {
		req.UserAgent = ident.Profile.UserAgent
		req.Headers = ident.Profile.Headers.Clone()
	}
	if spec.Strategy.Capabilities.Has(scrape.CapProxy) {
		req.Proxy = ident.ProxyEndpoint
	}
	return req
}

func (e *Executor) automationRequest(spec Spec, rawURL string, warmup bool) scrape.AutomationRequest {
	fetch := e.fetchRequest(spec, rawURL)
	req := scrape.AutomationRequest{
		URL:       rawURL,
		UserAgent: fetch.UserAgent,
		Headers:   fetch.Headers,
		Proxy:     fetch.Proxy,
		Cookies:   jarCookies(spec.Session.Jar, rawURL),
	}
	if !warmup {
		req.Form = e.cfg.Form
		req.WaitFor = e.cfg.WaitFor
	}
	return req
}

// classify maps a transport result onto an outcome. Challenge markers win
// over status codes because challenge pages are often served as 403 or 503.
func (e *Executor) classify(payload *scrape.Payload, err error, rendered, warmup bool) scrape.Outcome {
	if err != nil {
		if errors.Is(err, scrape.ErrLocalRateLimited) {
			return scrape.RateLimited(err.Error(), 0)
		}
		if errors.Is(err, scrape.ErrNotRetryable) {
			return scrape.Refused(err.Error(), err)
		}
		return scrape.NetworkError(err)
	}
	if payload == nil {
		return scrape.NetworkError(errors.New("empty response"))
	}

	// Landing pages carry no listings, so the script-shell check only
	// applies to query pages.
	verdict := e.inspector.Inspect(payload, rendered || warmup)
	if verdict.Verdict == detector.VerdictChallenge {
		return scrape.ChallengeRequired(verdict.Reason)
	}

	status := payload.StatusCode
	switch {
	case status == http.StatusTooManyRequests:
		if wait, ok := e.retryAfter(payload.Headers); ok {
			return scrape.RateLimited("429 with Retry-After", wait)
		}
		return scrape.Blocked("429 without Retry-After")
	case status == http.StatusForbidden:
		return scrape.Blocked("403 forbidden")
	case verdict.Verdict == detector.VerdictBlocked:
		return scrape.Blocked(verdict.Reason)
	case status >= 500:
		return scrape.NetworkError(fmt.Errorf("server returned %d", status))
	case status == http.StatusNotFound || status == http.StatusGone:
		return scrape.Refused(fmt.Sprintf("server returned %d", status), nil)
	case status >= 400:
		return scrape.NetworkError(fmt.Errorf("server returned %d", status))
	}

	if !warmup && e.validator != nil {
		if err := e.validator.Validate(payload); err != nil {
			return scrape.ParseError(err.Error())
		}
	}
	return scrape.Success(payload)
}

// retryAfter reads a Retry-After header in either delta-seconds or HTTP-date
// form.
func (e *Executor) retryAfter(h http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	when, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	wait := when.Sub(e.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

func jarCookies(jar http.CookieJar, rawURL string) []*http.Cookie {
	if jar == nil {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return jar.Cookies(u)
}

func storeCookies(jar http.CookieJar, rawURL string, cookies []*http.Cookie) {
	if jar == nil || len(cookies) == 0 {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	jar.SetCookies(u, cookies)
}

// Package engine drives one (target, query) chain from admission to a
// terminal state: governor, session, strategy, executor, retry controller,
// extraction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/executor"
	"github.com/JakeFAU/listing-harvester/internal/governor"
	"github.com/JakeFAU/listing-harvester/internal/identity"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/retry"
	"github.com/JakeFAU/listing-harvester/internal/scrape"
	"github.com/JakeFAU/listing-harvester/internal/session"
	"github.com/JakeFAU/listing-harvester/internal/strategy"
)

// Admitter is the governor surface the engine uses.
type Admitter interface {
	Admit(ctx context.Context, target scrape.Target) (*governor.Permit, error)
	Hold(target scrape.Target, d time.Duration)
}

// Sessions is the session manager surface the engine uses.
type Sessions interface {
	GetOrCreate(ctx context.Context, target scrape.Target, req session.Requirements) (*session.Session, error)
	Release(s *session.Session)
	Invalidate(s *session.Session, outcome scrape.Outcome)
	MarkUsed(s *session.Session)
	Warm(ctx context.Context, s *session.Session, w session.Warmer) scrape.Outcome
}

// Reporter scores an identity without detaching it from its session.
type Reporter interface {
	Report(ident *identity.Identity, target scrape.Target, outcome scrape.Outcome)
}

// Executor runs attempts.
type Executor interface {
	Execute(ctx context.Context, spec executor.Spec) scrape.Attempt
	Warmer(strategy scrape.Strategy, query scrape.Query) session.Warmer
}

// Parser turns a successful payload into records.
type Parser interface {
	Parse(payload *scrape.Payload, target scrape.Target, query scrape.Query) (iter.Seq[scrape.Record], error)
}

// Config tunes chains.
type Config struct {
	Policy retry.Policy
	// MaxAttemptsPerChain abandons a chain after this many attempts. Zero
	// means no limit.
	MaxAttemptsPerChain int
}

// Result is the terminal report of one chain.
type Result struct {
	Item        scrape.WorkItem
	State       strategy.State
	Attempts    int
	Escalations int
	Last        scrape.Outcome
	// Records is set on resolved chains. It is lazy and may be empty.
	Records iter.Seq[scrape.Record]
	// Err is an *scrape.AbandonError for abandoned chains or the context
	// error when the chain was canceled.
	Err error
}

// Resolved reports whether the chain ended in success.
func (r Result) Resolved() bool {
	return r.State.Phase == strategy.PhaseResolved
}

// Engine runs chains. It holds no per-chain state and is safe for
// concurrent use.
type Engine struct {
	cfg        Config
	ladder     strategy.Ladder
	governor   Admitter
	sessions   Sessions
	identities Reporter
	exec       Executor
	parser     Parser
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// New constructs an Engine.
func New(
	cfg Config,
	ladder strategy.Ladder,
	gov Admitter,
	sessions Sessions,
	identities Reporter,
	exec Executor,
	parser Parser,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		ladder:     ladder,
		governor:   gov,
		sessions:   sessions,
		identities: identities,
		exec:       exec,
		parser:     parser,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Run drives item's chain until it resolves, is abandoned, or ctx ends.
func (e *Engine) Run(ctx context.Context, item scrape.WorkItem) Result {
	machine := strategy.NewMachine(e.ladder)
	result := Result{Item: item}
	key := item.Target.Key()
	var (
		st        retry.ChainState
		poolWaits int
	)

	finish := func() Result {
		result.State = machine.State()
		return result
	}
	abandon := func(reason string, cause error) Result {
		machine.Fire(strategy.EventAbandon, reason)
		result.Err = &scrape.AbandonError{Target: key, Reason: reason, Last: result.Last.Kind, Err: cause}
		e.logger.Warn("chain abandoned",
			zap.String("target", key),
			zap.String("query", item.Query.Key()),
			zap.Stringer("tier", machine.State().Tier),
			zap.String("reason", reason),
			zap.Int("attempts", result.Attempts),
		)
		return finish()
	}

	for {
		if err := ctx.Err(); err != nil {
			result.Err = err
			return finish()
		}
		if e.cfg.MaxAttemptsPerChain > 0 && result.Attempts >= e.cfg.MaxAttemptsPerChain {
			return abandon(fmt.Sprintf("attempt limit %d reached", e.cfg.MaxAttemptsPerChain), nil)
		}

		strat := machine.Strategy()
		outcome, attempts, err := e.attempt(ctx, item, strat)
		result.Attempts += attempts
		if err != nil {
			if ctx.Err() != nil {
				result.Err = ctx.Err()
				return finish()
			}
			// No session could be built, usually because every identity
			// is quarantined for this target. Back off and try again a few
			// times before giving the target up.
			if poolWaits >= e.cfg.Policy.MaxRetries {
				return abandon(err.Error(), err)
			}
			delay := retry.Jittered(e.cfg.Policy, retry.Backoff(e.cfg.Policy, poolWaits))
			poolWaits++
			e.logger.Debug("no session available", zap.String("target", key), zap.Error(err), zap.Duration("delay", delay))
			if err := e.sleep(ctx, delay); err != nil {
				result.Err = err
				return finish()
			}
			continue
		}
		poolWaits = 0

		if outcome.Kind == scrape.OutcomeSuccess {
			records, err := e.parser.Parse(outcome.Payload, item.Target, item.Query)
			if err != nil {
				outcome = scrape.ParseError(err.Error())
			} else {
				result.Records = records
			}
		}
		result.Last = outcome

		decision := retry.Decide(e.cfg.Policy, st, outcome, machine.AtTop())
		st = decision.State
		switch decision.Action {
		case retry.ActionSucceed:
			machine.Fire(strategy.EventResolve, "")
			e.logger.Info("chain resolved",
				zap.String("target", key),
				zap.String("query", item.Query.Key()),
				zap.Stringer("tier", strat.Tier),
				zap.Int("attempts", result.Attempts),
			)
			return finish()
		case retry.ActionRetry:
			if err := e.sleep(ctx, retry.Jittered(e.cfg.Policy, decision.Delay)); err != nil {
				result.Err = err
				return finish()
			}
		case retry.ActionWait:
			e.governor.Hold(item.Target, decision.Delay)
		case retry.ActionEscalate:
			next := machine.Fire(strategy.EventEscalate, decision.Reason)
			if next.Terminal() {
				return abandon(decision.Reason, nil)
			}
			result.Escalations++
			metrics.ObserveEscalation(key, next.Tier.String())
			e.logger.Info("strategy escalated",
				zap.String("target", key),
				zap.Stringer("from", strat.Tier),
				zap.Stringer("tier", next.Tier),
				zap.String("reason", decision.Reason),
			)
		case retry.ActionAbandon:
			return abandon(decision.Reason, nil)
		}
	}
}

// attempt runs one attempt, warming the session first when the strategy
// needs it. The session is taken before any permit and every request to the
// target carries its own permit, so a warm-up and its query are admitted
// separately and no permit is held while waiting for a session.
func (e *Engine) attempt(ctx context.Context, item scrape.WorkItem, strat scrape.Strategy) (scrape.Outcome, int, error) {
	req := session.Requirements{Proxy: strat.Capabilities.Has(scrape.CapProxy)}
	sess, err := e.sessions.GetOrCreate(ctx, item.Target, req)
	if err != nil {
		return scrape.Outcome{}, 0, err
	}

	attempts := 0
	if strat.Capabilities.Has(scrape.CapWarmSession) && !sess.WarmedUp() {
		var warm scrape.Outcome
		err = e.admitted(ctx, item.Target, func() {
			attempts++
			warm = e.sessions.Warm(ctx, sess, e.exec.Warmer(strat, item.Query))
		})
		if err != nil {
			e.sessions.Release(sess)
			return scrape.Outcome{}, attempts, err
		}
		if warm.Kind != scrape.OutcomeSuccess {
			e.dispose(sess, item.Target, warm)
			return warm, attempts, nil
		}
	}

	var attempt scrape.Attempt
	err = e.admitted(ctx, item.Target, func() {
		attempts++
		attempt = e.exec.Execute(ctx, executor.Spec{
			Target:   item.Target,
			Query:    item.Query,
			Strategy: strat,
			Session:  sess,
		})
	})
	if err != nil {
		e.sessions.Release(sess)
		return scrape.Outcome{}, attempts, err
	}
	e.sessions.MarkUsed(sess)
	e.dispose(sess, item.Target, attempt.Outcome)
	return attempt.Outcome, attempts, nil
}

// admitted runs one request under its own governor permit.
func (e *Engine) admitted(ctx context.Context, target scrape.Target, request func()) error {
	permit, err := e.governor.Admit(ctx, target)
	if err != nil {
		return err
	}
	defer permit.Release()
	request()
	return nil
}

// dispose returns the session after an attempt. Blocks and challenges burn
// the session and score the identity; anything else keeps both.
func (e *Engine) dispose(sess *session.Session, target scrape.Target, outcome scrape.Outcome) {
	switch outcome.Kind {
	case scrape.OutcomeBlocked, scrape.OutcomeChallengeRequired:
		e.sessions.Invalidate(sess, outcome)
	default:
		if sess.Identity != nil {
			e.identities.Report(sess.Identity, target, outcome)
		}
		e.sessions.Release(sess)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAbandoned reports whether err marks an abandoned chain.
func IsAbandoned(err error) bool {
	return errors.Is(err, scrape.ErrAbandoned)
}

package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"entitycore/pkg/domain"
)

// Propagation decides whether Run joins the current unit of work.
type Propagation int

const (
	// PropagationRequired joins the current unit of work or opens a new one.
	PropagationRequired Propagation = iota
	// PropagationMandatory requires a current unit of work.
	PropagationMandatory
	// PropagationRequiresNew always opens a new unit of work, pausing the current one.
	PropagationRequiresNew
)

// RunOption configures Factory.Run.
type RunOption func(*runConfig)

type runConfig struct {
	usecase      Usecase
	propagation  Propagation
	retries      int
	initialDelay time.Duration
	delayFactor  time.Duration
	discardOn    func(error) bool
	clock        clock.Clock
}

// WithUsecase names the unit of work opened by Run.
func WithUsecase(u Usecase) RunOption {
	return func(c *runConfig) { c.usecase = u }
}

// WithPropagation selects the propagation mode.
func WithPropagation(p Propagation) RunOption {
	return func(c *runConfig) { c.propagation = p }
}

// WithRetries retries up to n times on concurrent modification, waiting
// initialDelay + attempt*delayFactor between attempts.
func WithRetries(n int, initialDelay, delayFactor time.Duration) RunOption {
	return func(c *runConfig) {
		c.retries = n
		c.initialDelay = initialDelay
		c.delayFactor = delayFactor
	}
}

// WithDiscardOn selects which errors returned by the work function discard
// the unit of work. Errors not matched still complete it. By default every
// error discards.
func WithDiscardOn(fn func(error) bool) RunOption {
	return func(c *runConfig) { c.discardOn = fn }
}

// WithRetryClock replaces the wall clock used between retries.
func WithRetryClock(clk clock.Clock) RunOption {
	return func(c *runConfig) { c.clock = clk }
}

// Run executes fn inside a unit of work chosen by the propagation mode and
// completes it when fn succeeds. A joined unit of work is left for its owner
// to complete. The session in ctx is used, or a new one is attached.
func (f *Factory) Run(ctx context.Context, fn func(ctx context.Context, uow *UnitOfWork) error, opts ...RunOption) error {
	cfg := runConfig{
		usecase:      DefaultUsecase,
		initialDelay: 10 * time.Millisecond,
		clock:        clock.WallClock,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	session, ok := SessionFromContext(ctx)
	if !ok {
		session = f.NewSession()
		ctx = ContextWithSession(ctx, session)
	}
	current, hasCurrent := session.Current()
	switch cfg.propagation {
	case PropagationMandatory:
		if !hasCurrent {
			return fmt.Errorf("%w: usecase %s requires a current unit of work", domain.ErrIllegalState, cfg.usecase.Name)
		}
		return fn(ctx, current)
	case PropagationRequired:
		if hasCurrent {
			return fn(ctx, current)
		}
	}

	attempt := func() error {
		uow := session.Begin(cfg.usecase)
		workErr := fn(ctx, uow)
		if workErr != nil && (cfg.discardOn == nil || cfg.discardOn(workErr)) {
			uow.Discard()
			return workErr
		}
		if err := uow.Complete(ctx); err != nil {
			uow.Discard()
			if workErr == nil {
				return err
			}
			return errors.Join(workErr, err)
		}
		return workErr
	}
	if cfg.retries <= 0 {
		return attempt()
	}
	delay := cfg.initialDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	err := retry.Call(retry.CallArgs{
		Func: attempt,
		IsFatalError: func(err error) bool {
			return !errors.Is(err, domain.ErrConcurrentModification)
		},
		NotifyFunc: func(err error, attempt int) {
			f.logger.Warn("retrying unit of work", "usecase", cfg.usecase.Name, "attempt", attempt, "error", err)
		},
		Attempts: cfg.retries + 1,
		Delay:    delay,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return delay + time.Duration(attempt)*cfg.delayFactor
		},
		Clock: cfg.clock,
		Stop:  ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		return retry.LastError(err)
	}
	return err
}

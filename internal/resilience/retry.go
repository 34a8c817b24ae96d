package resilience

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Attempt describes one call of a retried function.
type Attempt struct {
	// Number is the 1-based attempt number.
	Number int
	// Err is nil when the attempt succeeded.
	Err      error
	Category ErrorCategory
	// Delay is the backoff slept before the next attempt. Zero when no
	// further attempt follows.
	Delay time.Duration
	// Retrying is true when another attempt will be made.
	Retrying bool
}

// Retrier runs functions under a retry Policy.
type Retrier struct {
	policy    *Policy
	sleep     SleepFunc
	onAttempt func(Attempt)
	logger    zerolog.Logger
}

// RetrierOption configures a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the backoff sleep. Tests use it to avoid real delays.
func WithSleep(fn SleepFunc) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithObserver registers a hook called after every attempt.
func WithObserver(fn func(Attempt)) RetrierOption {
	return func(r *Retrier) { r.onAttempt = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(logger zerolog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger.With().Str("component", "retrier").Logger() }
}

// NewRetrier creates a Retrier. A nil policy means DefaultPolicy.
func NewRetrier(policy *Policy, opts ...RetrierOption) *Retrier {
	if policy == nil {
		policy = DefaultPolicy()
	}
	r := &Retrier{
		policy: policy,
		sleep:  sleepContext,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the retrier's policy.
func (r *Retrier) Policy() *Policy {
	return r.policy
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

type callOptions[T any] struct {
	maxRetries *int
	handler    func(error) T
	onAttempt  func(Attempt)
}

// Option customises a single Do call.
type Option[T any] func(*callOptions[T])

// WithMaxRetries overrides the retry count of the selected strategy. It
// never makes a permanent or no-retry error retryable.
func WithMaxRetries[T any](n int) Option[T] {
	return func(o *callOptions[T]) { o.maxRetries = &n }
}

// WithErrorHandler absorbs the final error once retries are exhausted. The
// handler's return value becomes the result of Do.
func WithErrorHandler[T any](fn func(error) T) Option[T] {
	return func(o *callOptions[T]) { o.handler = fn }
}

// WithAttemptHook registers a per-call hook called after every attempt, in
// addition to the retrier's observer.
func WithAttemptHook[T any](fn func(Attempt)) Option[T] {
	return func(o *callOptions[T]) { o.onAttempt = fn }
}

// Do calls fn until it succeeds or the strategy for its latest error stops
// allowing retries. The strategy is re-evaluated for every error, so a task
// whose failure mode changes follows the schedule of its latest error.
// Cancellation of ctx ends the loop with the context error.
func Do[T any](ctx context.Context, r *Retrier, fn func(ctx context.Context) (T, error), opts ...Option[T]) (T, error) {
	var co callOptions[T]
	for _, opt := range opts {
		opt(&co)
	}

	retries := 0
	for {
		result, err := fn(ctx)
		if err == nil {
			r.observe(co.onAttempt, Attempt{Number: retries + 1})
			return result, nil
		}

		category := r.policy.CategoryFor(err)
		strategy := r.policy.StrategyFor(err)
		if _, noRetry := CategoryOf(err); co.maxRetries != nil && !noRetry && category != Permanent {
			strategy.MaxRetries = *co.maxRetries
		}

		if ctx.Err() != nil || !strategy.ShouldRetry(retries) {
			r.observe(co.onAttempt, Attempt{Number: retries + 1, Err: err, Category: category})
			r.logger.Warn().
				Err(err).
				Int("attempts", retries+1).
				Str("category", category.String()).
				Msg("retries exhausted")

			if co.handler != nil {
				return co.handler(err), nil
			}
			var zero T
			return zero, err
		}

		delay := strategy.Delay(retries)
		r.observe(co.onAttempt, Attempt{Number: retries + 1, Err: err, Category: category, Delay: delay, Retrying: true})
		r.logger.Debug().
			Err(err).
			Int("attempt", retries+1).
			Int("max_retries", strategy.MaxRetries).
			Str("category", category.String()).
			Dur("backoff", delay).
			Msg("retrying after backoff")

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			var zero T
			return zero, sleepErr
		}
		retries++
	}
}

func (r *Retrier) observe(hook func(Attempt), a Attempt) {
	if r.onAttempt != nil {
		r.onAttempt(a)
	}
	if hook != nil {
		hook(a)
	}
}

// RetryContext runs a function with retries and records how it ended.
// Unless propagation is enabled, Run never returns the final error; callers
// inspect Failed and Err instead.
type RetryContext struct {
	Failed   bool
	Err      error
	Attempts int

	retrier    *Retrier
	maxRetries *int
	onFailure  func(error)
	propagate  bool
}

// RetryContextOption configures a RetryContext.
type RetryContextOption func(*RetryContext)

// Propagate makes Run return the final error after recording it.
func Propagate() RetryContextOption {
	return func(rc *RetryContext) { rc.propagate = true }
}

// WithContextMaxRetries overrides the strategy retry count.
func WithContextMaxRetries(n int) RetryContextOption {
	return func(rc *RetryContext) { rc.maxRetries = &n }
}

// OnFailure registers a handler called with the final error.
func OnFailure(fn func(error)) RetryContextOption {
	return func(rc *RetryContext) { rc.onFailure = fn }
}

// NewRetryContext creates a RetryContext bound to r.
func NewRetryContext(r *Retrier, opts ...RetryContextOption) *RetryContext {
	rc := &RetryContext{retrier: r}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Run executes fn with retries. The outcome is recorded on rc.
func (rc *RetryContext) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	opts := []Option[struct{}]{
		WithAttemptHook[struct{}](func(a Attempt) { rc.Attempts = a.Number }),
	}
	if rc.maxRetries != nil {
		opts = append(opts, WithMaxRetries[struct{}](*rc.maxRetries))
	}

	_, err := Do(ctx, rc.retrier, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)

	rc.Failed = err != nil
	rc.Err = err
	if err == nil {
		return nil
	}
	if rc.onFailure != nil {
		rc.onFailure(err)
	}
	if rc.propagate {
		return err
	}
	return nil
}

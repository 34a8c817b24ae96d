package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy is a retry schedule. Delays grow exponentially from InitialDelay
// by BackoffFactor per attempt, get multiplicative noise of up to ±Jitter,
// and are capped at MaxDelay.
type Strategy struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	InitialDelay  time.Duration `mapstructure:"initial_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	Jitter        float64       `mapstructure:"jitter"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// NoRetryStrategy never retries.
var NoRetryStrategy = Strategy{}

// DefaultStrategy is applied to errors without a category.
var DefaultStrategy = Strategy{
	MaxRetries:    2,
	InitialDelay:  5 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        0.1,
	MaxDelay:      60 * time.Second,
}

// DefaultStrategies returns the built-in strategy for each category.
func DefaultStrategies() map[ErrorCategory]Strategy {
	return map[ErrorCategory]Strategy{
		Transient: {
			MaxRetries:    5,
			InitialDelay:  1 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        0.1,
			MaxDelay:      60 * time.Second,
		},
		Dependency: {
			MaxRetries:    8,
			InitialDelay:  5 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        0.2,
			MaxDelay:      300 * time.Second,
		},
		DataRelated: {
			MaxRetries:    2,
			InitialDelay:  2 * time.Second,
			BackoffFactor: 1.5,
			Jitter:        0.1,
			MaxDelay:      30 * time.Second,
		},
		System: {
			MaxRetries:    3,
			InitialDelay:  10 * time.Second,
			BackoffFactor: 2.0,
			Jitter:        0.1,
			MaxDelay:      120 * time.Second,
		},
		Permanent: NoRetryStrategy,
	}
}

// ShouldRetry reports whether another attempt is allowed after attempts
// retries have already been made.
func (s Strategy) ShouldRetry(attempts int) bool {
	return attempts < s.MaxRetries
}

// Delay returns the sleep before retry number attempt (zero based).
func (s Strategy) Delay(attempt int) time.Duration {
	return s.delay(attempt, rand.Float64())
}

// delay computes the backoff for attempt with u in [0, 1) as the noise
// source. u=0.5 yields the un-jittered value.
func (s Strategy) delay(attempt int, u float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := s.BackoffFactor
	if factor <= 0 {
		factor = 1
	}

	base := float64(s.InitialDelay) * math.Pow(factor, float64(attempt))
	if s.Jitter > 0 {
		base *= 1 + s.Jitter*(2*u-1)
	}

	if s.MaxDelay > 0 && base > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	if base < 0 {
		return 0
	}
	return time.Duration(base)
}

// Policy maps errors to strategies.
type Policy struct {
	Strategies map[ErrorCategory]Strategy
	Default    Strategy

	// InferCategories enables message and sentinel based classification of
	// errors that carry no explicit category.
	InferCategories bool
}

// DefaultPolicy returns a policy with the built-in strategies and inference
// disabled.
func DefaultPolicy() *Policy {
	return &Policy{
		Strategies: DefaultStrategies(),
		Default:    DefaultStrategy,
	}
}

// StrategyFor returns the retry strategy for err. Permanent and no-retry
// errors always yield NoRetryStrategy.
func (p *Policy) StrategyFor(err error) Strategy {
	category, noRetry := CategoryOf(err)
	if noRetry || category == Permanent {
		return NoRetryStrategy
	}
	if category == Unclassified && p.InferCategories {
		category = Classify(err)
		if category == Permanent {
			return NoRetryStrategy
		}
	}
	if category == Unclassified {
		return p.Default
	}
	if s, ok := p.Strategies[category]; ok {
		return s
	}
	return p.Default
}

// CategoryFor returns the category used for err under this policy.
func (p *Policy) CategoryFor(err error) ErrorCategory {
	category, _ := CategoryOf(err)
	if category == Unclassified && p.InferCategories {
		return Classify(err)
	}
	return category
}

// Package backoff describes how long to wait between attempts of a retried operation.
// Strategies are adapted to retry-go options so callers keep a single retry loop.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/configuration"
)

// Strategy gives the total attempt budget and the wait after each failed attempt.
// attempt is zero-based: Delay(0) is the wait between the first and the second attempt.
type Strategy interface {
	Attempts() uint
	Delay(attempt uint) time.Duration
}

// Fixed waits Delays[attempt]; attempts past the end of the schedule reuse its last entry.
type Fixed struct {
	Delays      []time.Duration
	MaxAttempts uint
}

func (f Fixed) Attempts() uint { return f.MaxAttempts }

func (f Fixed) Delay(attempt uint) time.Duration {
	if len(f.Delays) == 0 {
		return 0
	}
	if int(attempt) >= len(f.Delays) {
		return f.Delays[len(f.Delays)-1]
	}
	return f.Delays[attempt]
}

// Exponential waits Base * 2^attempt, capped at Max when Max is positive.
type Exponential struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts uint
}

func (e Exponential) Attempts() uint { return e.MaxAttempts }

func (e Exponential) Delay(attempt uint) time.Duration {
	// guard against overflow for large attempt numbers
	if attempt > 62 {
		attempt = 62
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt)))
	if d < 0 || (e.Max > 0 && d > e.Max) {
		return e.Max
	}
	return d
}

// Jittered adds a uniformly random [0, MaxJitter) to the delay of Inner.
type Jittered struct {
	Inner     Strategy
	MaxJitter time.Duration

	// Shared by concurrent retry loops; nil falls back to the global source.
	rnd *rand.Rand
}

func NewJittered(inner Strategy, maxJitter time.Duration, seed int64) *Jittered {
	return &Jittered{Inner: inner, MaxJitter: maxJitter, rnd: util.NewThreadsafeRand(seed)}
}

func (j *Jittered) Attempts() uint { return j.Inner.Attempts() }

func (j *Jittered) Delay(attempt uint) time.Duration {
	d := j.Inner.Delay(attempt)
	if j.MaxJitter <= 0 {
		return d
	}
	if j.rnd == nil {
		return d + time.Duration(rand.Int63n(int64(j.MaxJitter)))
	}
	return d + time.Duration(j.rnd.Int63n(int64(j.MaxJitter)))
}

// FromConfig builds the strategy described by cfg.
func FromConfig(cfg configuration.BackoffConfig) (Strategy, error) {
	if cfg.MaxAttempts == 0 {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "maxAttempts",
			Value:   cfg.MaxAttempts,
			Message: "at least one attempt is required",
		})
	}
	switch cfg.Strategy {
	case "", "fixed":
		return Fixed{Delays: cfg.Delays, MaxAttempts: cfg.MaxAttempts}, nil
	case "exponential":
		return Exponential{Base: cfg.BaseDelay, Max: cfg.MaxDelay, MaxAttempts: cfg.MaxAttempts}, nil
	case "jittered":
		return NewJittered(Fixed{Delays: cfg.Delays, MaxAttempts: cfg.MaxAttempts}, cfg.MaxJitter, time.Now().UnixNano()), nil
	default:
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "strategy",
			Value:   cfg.Strategy,
			Message: "must be one of fixed, exponential, jittered",
		})
	}
}

// RetryOptions adapts s to retry-go. Only the last error is returned, and the loop stops as soon as
// ctx is cancelled or an error wrapped with retry.Unrecoverable is returned.
func RetryOptions(ctx context.Context, s Strategy) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(s.Attempts()),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return s.Delay(n)
		}),
		retry.LastErrorOnly(true),
	}
}

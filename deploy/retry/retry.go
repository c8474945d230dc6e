// Package retry runs deploy steps with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
)

type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Retryable reports whether a failed attempt should be retried. Errors
	// wrapped with Permanent are never retried.
	Retryable func(error) bool

	Logger *zap.Logger
}

// AttemptsError is returned once an operation has given up.
type AttemptsError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

type Executor struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(DefaultMaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{cfg: cfg, log: log}
}

// Run calls op until it succeeds, fails permanently or runs out of attempts,
// sleeping between attempts. The delay starts at InitialDelay and is
// multiplied after every failure up to MaxDelay.
func (e *Executor) Run(ctx context.Context, label string, op func(ctx context.Context) error) error {
	_, err := Do(ctx, e, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, label string, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialDelay
	b.MaxInterval = e.cfg.MaxDelay
	b.Multiplier = e.cfg.Multiplier
	b.RandomizationFactor = 0

	attempts := 0
	v, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && e.cfg.Retryable != nil && !e.cfg.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.log.Warn("attempt failed",
				zap.String("op", label),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return v, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return v, &AttemptsError{Label: label, Attempts: attempts, Err: err}
}

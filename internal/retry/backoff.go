// Package retry implements exponential backoff for transient remote failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/numberforty/cc-codex-crawler/internal/model"
)

// Policy is the retry schedule of one operation
type Policy struct {
	MaxAttempts  int           // Total attempts including the first
	InitialDelay time.Duration // Delay before the second attempt
	MaxDelay     time.Duration // Cap on any single delay
	Multiplier   float64       // Growth factor between delays
	Jitter       bool          // Spread delays by up to 25% either way
}

// DefaultPolicy returns the standard schedule for remote reads
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// FromConfig converts the configured retry section
func FromConfig(c model.RetryConfig) Policy {
	p := Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the un-jittered delay after the given failed attempt
// (1-based): InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Start returns fresh backoff state for one operation
func (p Policy) Start() *Backoff {
	return &Backoff{policy: p, random: rand.Float64}
}

// Backoff is the retry state of a single operation. It is owned by
// one goroutine.
type Backoff struct {
	policy   Policy
	attempts int
	random   func() float64
}

// Attempts returns the number of failed attempts recorded so far
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Next records a failed attempt. It returns the delay to wait before
// trying again, or false once the attempt budget is spent.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempts++
	if b.attempts >= b.policy.MaxAttempts {
		return 0, false
	}

	delay := float64(b.policy.Delay(b.attempts))
	if b.policy.Jitter {
		delay += (b.random()*2 - 1) * delay * 0.25
	}
	if delay < float64(b.policy.InitialDelay) {
		delay = float64(b.policy.InitialDelay)
	}
	if b.policy.MaxDelay > 0 && delay > float64(b.policy.MaxDelay) {
		delay = float64(b.policy.MaxDelay)
	}
	return time.Duration(delay), true
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryableError marks an error as transient
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err so Do will try again
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err was marked transient
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Do runs op until it succeeds, fails permanently, or the policy's attempts
// are spent. op receives the 1-based attempt number. The last error is
// returned with any RetryableError wrapper removed.
func Do(ctx context.Context, p Policy, sleep SleepFunc, op func(attempt int) error) error {
	if sleep == nil {
		sleep = Sleep
	}
	b := p.Start()
	for {
		err := op(b.Attempts() + 1)
		if err == nil {
			return nil
		}

		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}

		delay, ok := b.Next()
		if !ok {
			return re.Err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return fmt.Errorf("retry canceled after %d attempts: %w", b.Attempts(), serr)
		}
	}
}

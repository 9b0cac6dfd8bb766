package retry

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/task-scheduler/internal/errval"
)

// Policy computes retry limits and exponential delays. It holds no mutable state.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Retryable classifies errors; nil means IsRetryable.
	Retryable func(error) bool
}

// NewPolicy normalises its inputs so NextDelay is non-decreasing and never
// below InitialDelay: a multiplier under 1 becomes 1, and MaxDelay is raised
// to InitialDelay when smaller.
func NewPolicy(maxAttempts int, initialDelay time.Duration, multiplier float64, maxDelay time.Duration) Policy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	if initialDelay < 0 {
		initialDelay = 0
	}
	if multiplier < 1 || math.IsNaN(multiplier) {
		multiplier = 1
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}

	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		Multiplier:   multiplier,
		MaxDelay:     maxDelay,
	}
}

func DefaultPolicy() Policy {
	return NewPolicy(5, time.Second, 2, 5*time.Minute)
}

// IsRetryable refuses errors marked with backoff.Permanent and handler panics.
func IsRetryable(err error) bool {
	if errors.Is(err, errval.ErrTaskPanicked) {
		return false
	}

	var permanent *backoff.PermanentError
	return !errors.As(err, &permanent)
}

// ShouldRetry reports whether the zero-indexed attempt may be retried after err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt < 0 || attempt >= p.MaxAttempts {
		return false
	}

	classify := p.Retryable
	if classify == nil {
		classify = IsRetryable
	}

	return err == nil || classify(err)
}

// NextDelay returns min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(p.MaxDelay) {
		return p.maxDelay()
	}
	if delay < float64(p.InitialDelay) {
		return p.InitialDelay
	}

	return time.Duration(delay)
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay < p.InitialDelay {
		return p.InitialDelay
	}

	return p.MaxDelay
}

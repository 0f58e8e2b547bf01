package client

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/KevoDB/persist/pkg/common/status"
)

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

var (
	// ErrNotConnected indicates the client is not connected to the server
	ErrNotConnected = errors.New("not connected to server")

	// ErrInvalidOptions indicates invalid client options
	ErrInvalidOptions = errors.New("invalid client options")
)

// IsRetryableError reports whether err is transient. Device failures and
// unreachable servers both surface as I/O errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, status.ErrIO)
}

// RetryPolicy controls RetryWithBackoff.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         float64
}

// RetryWithBackoff executes fn with exponential backoff and jitter until it
// succeeds, fails permanently or runs out of attempts.
func RetryWithBackoff(ctx context.Context, policy RetryPolicy, fn RetryableFunc) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryableError(err) || attempt >= policy.MaxRetries {
			return err
		}

		sleep := backoff
		if policy.Jitter > 0 {
			sleep += time.Duration(rand.Float64() * float64(backoff) * policy.Jitter)
		}
		if sleep > policy.MaxBackoff {
			sleep = policy.MaxBackoff
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * policy.BackoffFactor)
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return err
}

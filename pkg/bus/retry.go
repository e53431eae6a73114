// Copyright 2026 Quantweave
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package bus

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is a reusable exponential-backoff retry value. Bus
// publishers and sandbox infra callers share it instead of scattering
// ad-hoc retry loops.
type RetryPolicy struct {
	// MaxAttempts bounds the number of tries; 0 means bounded only by
	// Budget.
	MaxAttempts int

	// BaseBackoff is the initial sleep between attempts.
	BaseBackoff time.Duration

	// Multiplier grows the backoff each attempt.
	Multiplier float64

	// MaxBackoff caps a single sleep.
	MaxBackoff time.Duration

	// Budget bounds total elapsed time across attempts; 0 means no budget.
	Budget time.Duration
}

// DefaultPublishRetry is the bus publish policy: 50ms doubling to a 5s
// cap, for up to 30s total.
func DefaultPublishRetry() RetryPolicy {
	return RetryPolicy{
		BaseBackoff: 50 * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Second,
		Budget:      30 * time.Second,
	}
}

// LinearRetry returns a fixed-interval policy with a bounded attempt
// count, used by sandbox infra calls.
func LinearRetry(attempts int, interval time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseBackoff: interval,
		Multiplier:  1.0,
		MaxBackoff:  interval,
	}
}

// permanentError wraps an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// The last error is returned, unwrapped from any Permanent marker.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	deadline := time.Time{}
	if p.Budget > 0 {
		deadline = time.Now().Add(p.Budget)
	}

	backoff := p.BaseBackoff
	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return lastErr
		}
		if !deadline.IsZero() && time.Now().Add(backoff).After(deadline) {
			return lastErr
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}

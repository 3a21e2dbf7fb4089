// Package retry is the single retry/backoff policy shared by discovery
// pagination and the websocket redial path.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy retries an operation with exponential backoff. Classify decides
// whether an error is worth another attempt; a nil Classify retries
// everything.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Factor      float64
	Classify    func(error) bool
}

// Default matches the ledger pacing used across the engine: 3 attempts,
// doubling from one second.
func Default() Policy {
	return Policy{MaxAttempts: 3, Initial: time.Second, Factor: 2}
}

// Do runs fn until it succeeds, the error classifies as fatal, attempts are
// exhausted, or ctx is cancelled. The delay before attempt n is
// Initial·Factor^(n-1).
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	var err error
	delay := p.Initial
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * factor)
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Classify != nil && !p.Classify(err) {
			return err
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
}

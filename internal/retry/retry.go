// Package retry runs an operation with exponential backoff and jitter.
// The notification emitter uses it so transient store errors do not drop
// user notifications.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError marks an error as not worth retrying.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so Do returns it immediately instead of retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do runs fn up to maxAttempts times. It returns as soon as fn succeeds,
// fn returns a permanent error (unwrapped), or ctx is done. Between
// attempts it sleeps the current delay with ±25% jitter, doubling the
// delay each round.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	delay := baseDelay
	var err error

	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if attempt >= maxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
}

// jittered spreads delay over [0.75d, 1.25d] so synchronized retriers
// do not hammer a recovering dependency in lockstep.
func jittered(delay time.Duration) time.Duration {
	spread := delay / 2
	if spread <= 0 {
		return delay
	}
	return delay - spread/2 + time.Duration(randInt64n(int64(spread)+1))
}

// randInt64n returns a random int64 in [0, n) from crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:])>>1) % n
}

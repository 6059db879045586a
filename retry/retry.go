// Package retry expresses the exponential-backoff policies used by the
// aggregate coordinator's auto-resequence loop and the saga/process-manager
// dispatch loop as plain configuration structs, wrapping
// github.com/cenkalti/backoff/v4 rather than driving retries through
// exception-style control flow.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures one retry loop.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// AutoResequence is the §4.1 auto_resequence policy: base 10ms, cap 5s,
// jittered, at most 5 retries (6 attempts in all).
var AutoResequence = Policy{Base: 10 * time.Millisecond, Cap: 5 * time.Second, MaxRetries: 5}

// SagaDispatch is the §4.2 command-dispatch retry policy: base 50ms, cap 5s,
// jittered, default 5 retries (6 attempts in all).
var SagaDispatch = Policy{Base: 50 * time.Millisecond, Cap: 5 * time.Second, MaxRetries: 5}

func (p Policy) backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.MaxInterval = p.Cap
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
}

// giveUp is the wrapper GiveUp produces; fn returns it (wrapped or not) to
// stop retrying immediately, distinct from the policy's attempt budget being
// exhausted.
type giveUp struct{ err error }

func (g *giveUp) Error() string { return g.err.Error() }
func (g *giveUp) Unwrap() error { return g.err }

// GiveUp marks err as non-retryable so Do returns immediately.
func GiveUp(err error) error {
	if err == nil {
		return nil
	}
	return &giveUp{err: err}
}

// Do runs fn under the policy, retrying on error until fn succeeds, fn
// returns a GiveUp-wrapped error, the attempt budget is exhausted, or ctx is
// canceled. It returns the number of attempts made and the final error (nil
// on success).
func Do(ctx context.Context, p Policy, fn func(attempt int) error) (attempts int, err error) {
	b := backoff.WithContext(p.backoff(), ctx)
	attempt := 0
	opErr := backoff.Retry(func() error {
		attempt++
		e := fn(attempt)
		if e == nil {
			return nil
		}
		var gu *giveUp
		if as(e, &gu) {
			return backoff.Permanent(gu.err)
		}
		return e
	}, b)
	return attempt, unwrapPermanent(opErr)
}

func as(err error, target **giveUp) bool {
	for err != nil {
		if g, ok := err.(*giveUp); ok {
			*target = g
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

// Jitter returns d scaled by a random factor in [0.5, 1.5), for a one-off
// jittered sleep outside the Do loop.
func Jitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}

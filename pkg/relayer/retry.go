package relayer

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
)

// RetryPolicy schedules the next attempt of a pending batch whose NumTimesRetried has already
// been incremented.
type RetryPolicy interface {
	Next(rec common.PendingRecord, now time.Time) time.Time
}

const (
	RetryPolicyExponential = "exponential"
	RetryPolicyNone        = "none"
)

// ExponentialRetry doubles the wait after every unsuccessful round, without jitter, up to Max.
type ExponentialRetry struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultExponentialRetry() ExponentialRetry {
	return ExponentialRetry{Initial: 3 * time.Second, Multiplier: 2, Max: 5 * time.Minute}
}

func (p ExponentialRetry) Delay(numTimesRetried uint32) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := uint32(1); i < numTimesRetried; i++ {
		d = b.NextBackOff()
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

func (p ExponentialRetry) Next(rec common.PendingRecord, now time.Time) time.Time {
	return now.Add(p.Delay(rec.NumTimesRetried))
}

// NoRetryDelay keeps every pending batch due on every round.
type NoRetryDelay struct{}

func (NoRetryDelay) Next(rec common.PendingRecord, _ time.Time) time.Time {
	return rec.StartTime
}

func NewRetryPolicy(name string, exp ExponentialRetry) (RetryPolicy, error) {
	switch name {
	case RetryPolicyExponential, "":
		return exp, nil
	case RetryPolicyNone:
		return NoRetryDelay{}, nil
	default:
		return nil, fmt.Errorf("unknown retry policy %q", name)
	}
}

package common

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScissorsErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_scissor_errors_caught",
			Help: "Total number of unhandled errors caught",
		})
)

// Runnable is a long running component of the relayer.
type Runnable func(ctx context.Context) error

// WrapWithScissors returns a runnable that reports a panic as its error.
func WrapWithScissors(runnable Runnable, name string) Runnable {
	return func(ctx context.Context) (result error) {
		defer func() {
			if r := recover(); r != nil {
				result = recoveredError(name, r)
				ScissorsErrors.Inc()
			}
		}()
		return runnable(ctx)
	}
}

func recoveredError(name string, r interface{}) error {
	switch x := r.(type) {
	case error:
		return fmt.Errorf("%s: %w", name, x)
	default:
		return fmt.Errorf("%s: %v", name, x)
	}
}

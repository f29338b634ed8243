// Package engine hosts the relayer: it owns the event channel fed by the spy listener and the
// reconciliation worker, hands every event to the consumer and executes the resulting workflows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/relayer"
)

var (
	workflowsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayer_workflows_total",
			Help: "Total number of workflows, by outcome",
		}, []string{"outcome"})
	eventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayer_event_queue_depth",
			Help: "Number of events waiting to be dispatched",
		})
)

// Consumer turns an observed VAA into a workflow once its batch is complete.
type Consumer interface {
	OnVAA(ctx context.Context, v *vaa.VAA, raw []byte) (*common.WorkflowPayload, error)
}

// Executor carries out a workflow.
type Executor interface {
	Execute(ctx context.Context, payload *common.WorkflowPayload) error
}

type Config struct {
	QueueSize           int
	MaxConcurrentEvents int
	// DedupeCacheSize is the number of executed triggers remembered to suppress duplicates.
	DedupeCacheSize int
}

func DefaultConfig() Config {
	return Config{QueueSize: 1024, MaxConcurrentEvents: 8, DedupeCacheSize: 10000}
}

type Engine struct {
	logger   *zap.Logger
	consumer Consumer
	executor Executor
	events   chan []byte
	sem      chan struct{}
	executed *lru.Cache
	inflight sync.WaitGroup
}

func New(logger *zap.Logger, consumer Consumer, executor Executor, cfg Config) (*Engine, error) {
	if cfg.MaxConcurrentEvents <= 0 {
		return nil, fmt.Errorf("MaxConcurrentEvents must be positive, got %d", cfg.MaxConcurrentEvents)
	}
	executed, err := lru.New(cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	return &Engine{
		logger:   logger.Named("engine"),
		consumer: consumer,
		executor: executor,
		events:   make(chan []byte, cfg.QueueSize),
		sem:      make(chan struct{}, cfg.MaxConcurrentEvents),
		executed: executed,
	}, nil
}

// Inject queues raw VAA bytes for dispatch.
func (e *Engine) Inject(ctx context.Context, raw []byte) error {
	select {
	case e.events <- raw:
		eventQueueDepth.Set(float64(len(e.events)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run dispatches events until ctx is cancelled, then waits for in-flight events.
func (e *Engine) Run(ctx context.Context) error {
	defer e.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-e.events:
			eventQueueDepth.Set(float64(len(e.events)))
			select {
			case e.sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			e.inflight.Add(1)
			go func() {
				defer func() {
					<-e.sem
					e.inflight.Done()
				}()
				e.handle(ctx, raw)
			}()
		}
	}
}

func (e *Engine) handle(ctx context.Context, raw []byte) {
	v, err := vaa.Unmarshal(raw)
	if err != nil {
		e.logger.Warn("dropping unparseable vaa", zap.Error(err))
		return
	}
	logger := e.logger.With(zap.String("msgID", v.MessageID()))

	wf, err := e.consumer.OnVAA(ctx, v, raw)
	if err != nil {
		if errors.Is(err, relayer.ErrUnsupportedEmitter) {
			logger.Debug("ignoring vaa", zap.Error(err))
			return
		}
		logger.Error("failed to consume vaa", zap.Error(err))
		return
	}
	if wf == nil {
		return
	}

	hash, err := common.ContentHash(raw)
	if err != nil {
		logger.Error("failed to hash vaa", zap.Error(err))
		return
	}
	if seen, _ := e.executed.ContainsOrAdd(hash, struct{}{}); seen {
		workflowsExecuted.WithLabelValues("duplicate").Inc()
		logger.Info("workflow already executed, skipping", zap.String("hash", hash))
		return
	}

	workflowID := uuid.New().String()
	logger = logger.With(zap.String("workflowID", workflowID), zap.String("hash", hash))
	logger.Info("executing workflow",
		zap.Stringer("kind", wf.Kind),
		zap.Int("messages", len(wf.Messages)),
		zap.Int("triggerIndex", wf.TriggerIndex))

	if err := e.executor.Execute(ctx, wf); err != nil {
		// Allow a later event for the same trigger to retry.
		e.executed.Remove(hash)
		workflowsExecuted.WithLabelValues("failed").Inc()
		logger.Error("workflow failed", zap.Error(err))
		return
	}
	workflowsExecuted.WithLabelValues("ok").Inc()
	logger.Info("workflow completed")
}

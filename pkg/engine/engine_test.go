package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/common"
	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/relayer"
)

type stubConsumer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubConsumer) OnVAA(ctx context.Context, v *vaa.VAA, raw []byte) (*common.WorkflowPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &common.WorkflowPayload{Kind: common.PayloadDelivery, Messages: []string{"eA=="}}, nil
}

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	fail  int
	done  chan struct{}
}

func (s *stubExecutor) Execute(ctx context.Context, payload *common.WorkflowPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.done <- struct{}{}
	if s.fail > 0 {
		s.fail--
		return errors.New("boom")
	}
	return nil
}

func rawVAA(t *testing.T, seq uint64) []byte {
	t.Helper()
	v := &vaa.VAA{
		Version:        vaa.SupportedVAAVersion,
		Timestamp:      time.Unix(1700000000, 0),
		Sequence:       seq,
		EmitterChain:   vaa.ChainIDEthereum,
		EmitterAddress: vaa.Address{1},
		Payload:        []byte{1},
	}
	b, err := v.Marshal()
	require.NoError(t, err)
	return b
}

func runEngine(t *testing.T, e *Engine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, c chan struct{}) {
	t.Helper()
	select {
	case <-c:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
}

func TestEngineDedupesExecutedWorkflows(t *testing.T) {
	consumer := &stubConsumer{}
	executor := &stubExecutor{done: make(chan struct{}, 4)}
	cfg := DefaultConfig()
	cfg.MaxConcurrentEvents = 1
	e, err := New(zap.NewNop(), consumer, executor, cfg)
	require.NoError(t, err)
	runEngine(t, e)

	raw := rawVAA(t, 1)
	require.NoError(t, e.Inject(context.Background(), raw))
	waitFor(t, executor.done)
	require.NoError(t, e.Inject(context.Background(), raw))
	require.NoError(t, e.Inject(context.Background(), rawVAA(t, 2)))
	waitFor(t, executor.done)

	time.Sleep(50 * time.Millisecond)
	executor.mu.Lock()
	defer executor.mu.Unlock()
	assert.Equal(t, 2, executor.calls)
}

func TestEngineRetriesFailedWorkflow(t *testing.T) {
	consumer := &stubConsumer{}
	executor := &stubExecutor{done: make(chan struct{}, 4), fail: 1}
	cfg := DefaultConfig()
	cfg.MaxConcurrentEvents = 1
	e, err := New(zap.NewNop(), consumer, executor, cfg)
	require.NoError(t, err)
	runEngine(t, e)

	raw := rawVAA(t, 1)
	require.NoError(t, e.Inject(context.Background(), raw))
	waitFor(t, executor.done)
	// With a single slot the failed trigger is forgotten before the next event is handled.
	require.NoError(t, e.Inject(context.Background(), raw))
	waitFor(t, executor.done)
}

func TestEngineIgnoresConsumerErrors(t *testing.T) {
	consumer := &stubConsumer{err: relayer.ErrUnsupportedEmitter}
	executor := &stubExecutor{done: make(chan struct{}, 1)}
	e, err := New(zap.NewNop(), consumer, executor, DefaultConfig())
	require.NoError(t, err)
	runEngine(t, e)

	require.NoError(t, e.Inject(context.Background(), rawVAA(t, 1)))
	require.NoError(t, e.Inject(context.Background(), []byte{0xff}))
	time.Sleep(50 * time.Millisecond)

	consumer.mu.Lock()
	assert.Equal(t, 1, consumer.calls)
	consumer.mu.Unlock()
	executor.mu.Lock()
	assert.Zero(t, executor.calls)
	executor.mu.Unlock()
}

func TestNewRejectsZeroConcurrency(t *testing.T) {
	_, err := New(zap.NewNop(), &stubConsumer{}, &stubExecutor{}, Config{DedupeCacheSize: 1})
	assert.Error(t, err)
}

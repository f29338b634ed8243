// Package listener subscribes to signed VAAs from a spy and forwards the ones emitted by the
// configured core relayers.
package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	publicrpcv1 "github.com/certusone/wormhole/node/pkg/proto/publicrpc/v1"
	spyv1 "github.com/certusone/wormhole/node/pkg/proto/spy/v1"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wormhole-foundation/wormhole/relayer/generic/pkg/readiness"
)

const Component readiness.Component = "spyListener"

var (
	vaasReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_spy_vaas_received_total",
			Help: "Total number of signed VAAs received from the spy",
		})
	subscriptionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayer_spy_subscription_errors_total",
			Help: "Total number of spy subscriptions that ended with an error",
		})
)

// Sink receives raw signed VAA bytes.
type Sink interface {
	Inject(ctx context.Context, raw []byte) error
}

// Emitter identifies a core relayer contract on one chain.
type Emitter struct {
	Chain   vaa.ChainID
	Address vaa.Address
}

type Listener struct {
	logger     *zap.Logger
	client     spyv1.SpyRPCServiceClient
	conn       *grpc.ClientConn
	emitters   []Emitter
	sink       Sink
	readiness  *readiness.Registry
	maxBackoff time.Duration
}

// Dial creates a listener connected to the spy at addr.
func Dial(logger *zap.Logger, addr string, emitters []Emitter, sink Sink, registry *readiness.Registry) (*Listener, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to spy: %w", err)
	}
	l := New(logger, spyv1.NewSpyRPCServiceClient(conn), emitters, sink, registry)
	l.conn = conn
	return l, nil
}

func New(logger *zap.Logger, client spyv1.SpyRPCServiceClient, emitters []Emitter, sink Sink, registry *readiness.Registry) *Listener {
	return &Listener{
		logger:     logger.Named("spylistener"),
		client:     client,
		emitters:   emitters,
		sink:       sink,
		readiness:  registry,
		maxBackoff: time.Minute,
	}
}

// Filters returns one emitter filter per configured core relayer.
func (l *Listener) Filters() []*spyv1.FilterEntry {
	out := make([]*spyv1.FilterEntry, 0, len(l.emitters))
	for _, e := range l.emitters {
		out = append(out, &spyv1.FilterEntry{
			Filter: &spyv1.FilterEntry_EmitterFilter{
				EmitterFilter: &spyv1.EmitterFilter{
					ChainId:        publicrpcv1.ChainID(e.Chain),
					EmitterAddress: e.Address.String(),
				},
			},
		})
	}
	return out
}

// Run keeps a subscription open until ctx is cancelled, reconnecting with exponential backoff.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = l.maxBackoff
	b.MaxElapsedTime = 0

	for {
		received, err := l.subscribe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		subscriptionErrors.Inc()
		if received > 0 {
			b.Reset()
		}
		wait := b.NextBackOff()
		l.logger.Warn("spy subscription ended, reconnecting",
			zap.Error(err),
			zap.Int("received", received),
			zap.Duration("backoff", wait))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) subscribe(ctx context.Context) (int, error) {
	stream, err := l.client.SubscribeSignedVAA(ctx, &spyv1.SubscribeSignedVAARequest{Filters: l.Filters()})
	if err != nil {
		return 0, fmt.Errorf("subscribe failed: %w", err)
	}
	l.logger.Info("subscribed to spy", zap.Int("filters", len(l.emitters)))
	if l.readiness != nil {
		l.readiness.SetReady(Component)
	}

	received := 0
	for {
		resp, err := stream.Recv()
		if err != nil {
			return received, err
		}
		received++
		vaasReceived.Inc()
		if len(resp.VaaBytes) == 0 {
			continue
		}
		if err := l.sink.Inject(ctx, resp.VaaBytes); err != nil {
			if errors.Is(err, context.Canceled) {
				return received, err
			}
			l.logger.Error("failed to forward vaa", zap.Error(err))
		}
	}
}

func (l *Listener) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

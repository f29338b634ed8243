// Package fetcher retrieves signed VAAs from a guardian public RPC endpoint and fills in the
// missing messages of staged batches.
package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	publicrpcv1 "github.com/certusone/wormhole/node/pkg/proto/publicrpc/v1"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

var ErrVAANotFound = errors.New("requested VAA not found")

// VAAFetcher returns the signed bytes of a single VAA.
type VAAFetcher interface {
	FetchSignedVAA(ctx context.Context, chain vaa.ChainID, emitter vaa.Address, sequence uint64) ([]byte, error)
}

type ClientOptions struct {
	Insecure    bool
	CallTimeout time.Duration
	// RateLimit is the sustained number of requests per second, Burst the bucket size.
	RateLimit float64
	Burst     int
}

// GuardianClient is a VAAFetcher backed by the PublicRPCService of a guardian.
type GuardianClient struct {
	logger  *zap.Logger
	conn    *grpc.ClientConn
	client  publicrpcv1.PublicRPCServiceClient
	limiter *rate.Limiter
	timeout time.Duration
}

func NewGuardianClient(logger *zap.Logger, addr string, opts ClientOptions) (*GuardianClient, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if opts.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(creds),
		grpc.WithUnaryInterceptor(grpc_prometheus.UnaryClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guardian rpc client: %w", err)
	}
	return newGuardianClient(logger, conn, publicrpcv1.NewPublicRPCServiceClient(conn), opts), nil
}

func newGuardianClient(logger *zap.Logger, conn *grpc.ClientConn, client publicrpcv1.PublicRPCServiceClient, opts ClientOptions) *GuardianClient {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &GuardianClient{
		logger:  logger.Named("guardianrpc"),
		conn:    conn,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		timeout: opts.CallTimeout,
	}
}

func (c *GuardianClient) FetchSignedVAA(ctx context.Context, chain vaa.ChainID, emitter vaa.Address, sequence uint64) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.GetSignedVAA(ctx, &publicrpcv1.GetSignedVAARequest{
		MessageId: &publicrpcv1.MessageID{
			EmitterChain:   publicrpcv1.ChainID(chain),
			EmitterAddress: emitter.String(),
			Sequence:       sequence,
		},
	})
	fetchRequests.WithLabelValues(status.Code(err).String()).Inc()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %d/%s/%d", ErrVAANotFound, chain, emitter, sequence)
		}
		return nil, fmt.Errorf("GetSignedVAA failed: %w", err)
	}
	if len(resp.VaaBytes) == 0 {
		return nil, fmt.Errorf("%w: empty response for %d/%s/%d", ErrVAANotFound, chain, emitter, sequence)
	}
	return resp.VaaBytes, nil
}

func (c *GuardianClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/shopdesk/internal/domain"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("fallback service not serving")
)

// FallbackConfig configures the natural-language fallback client.
type FallbackConfig struct {
	Address          string
	Method           string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultFallbackConfig returns default timeouts for addr.
func DefaultFallbackConfig(addr, method string) FallbackConfig {
	return FallbackConfig{
		Address:          addr,
		Method:           method,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// FallbackClient asks a remote service for replies over a schema-less unary
// gRPC call. Request and response are google.protobuf.Struct messages:
//
//	request:  {correspondent_id, text, kind, display_name}
//	response: {replies: [string]} or {reply: string}
type FallbackClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    FallbackConfig
	logger *slog.Logger
}

// DialFallback connects to the fallback service and waits until it is ready.
func DialFallback(ctx context.Context, cfg FallbackConfig, logger *slog.Logger) (*FallbackClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallback client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("fallback at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to fallback service", "address", cfg.Address, "method", cfg.Method)
	return &FallbackClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Reply implements Responder.
func (c *FallbackClient) Reply(ctx context.Context, msg domain.InboundMessage) ([]string, error) {
	req, err := structpb.NewStruct(map[string]any{
		"correspondent_id": msg.CorrespondentID,
		"text":             msg.Text,
		"kind":             string(msg.Kind),
		"display_name":     msg.DisplayName,
	})
	if err != nil {
		return nil, fmt.Errorf("build fallback request: %w", err)
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.cfg.Method, req, resp); err != nil {
		return nil, fmt.Errorf("fallback request failed: %w", err)
	}
	return repliesFrom(resp), nil
}

func repliesFrom(resp *structpb.Struct) []string {
	fields := resp.GetFields()
	if list := fields["replies"].GetListValue(); list != nil {
		out := make([]string, 0, len(list.GetValues()))
		for _, v := range list.GetValues() {
			if s := v.GetStringValue(); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := fields["reply"].GetStringValue(); s != "" {
		return []string{s}
	}
	return nil
}

// Check reports whether the fallback service is serving.
func (c *FallbackClient) Check(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (c *FallbackClient) Close() {
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

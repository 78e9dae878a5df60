package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the speech sidecar's gRPC service.
const ServiceName = "tutor.voice.v1.Voice"

const (
	methodOpen  = "/" + ServiceName + "/Open"
	methodSay   = "/" + ServiceName + "/Say"
	methodClose = "/" + ServiceName + "/Close"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errSidecarResponse          = errors.New("voice sidecar returned error")
)

var openStreamDesc = &grpc.StreamDesc{StreamName: "Open", ServerStreams: true}

// GrpcClientConfig holds configuration for the sidecar client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   30 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient talks to the speech sidecar. Messages are generic
// protobuf Structs so the sidecar can evolve its fields freely.
type GrpcClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	cfg    GrpcClientConfig
	logger *slog.Logger
}

// NewGrpcClient connects to the sidecar and waits until the connection is
// ready or cfg.ConnectTimeout elapses.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger, opts ...grpc.DialOption) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create voice client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("voice sidecar at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("connected to voice sidecar", "address", cfg.Address)
	return &GrpcClient{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		cfg:    cfg,
		logger: logger.With("component", "voice"),
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

// Close closes the connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health reports the sidecar's serving status.
func (c *GrpcClient) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("voice health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

// Ready returns nil when the sidecar reports SERVING.
func (c *GrpcClient) Ready(ctx context.Context) error {
	st, err := c.Health(ctx)
	if err != nil {
		return err
	}
	if st != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("voice sidecar status %s", st)
	}
	return nil
}

// Open implements Pipeline. The returned stream receives turns until ctx
// is cancelled or Close is called.
func (c *GrpcClient) Open(ctx context.Context, spec SessionSpec) (Stream, error) {
	req, err := structpb.NewStruct(map[string]any{
		"session_id":     spec.SessionID,
		"room":           spec.Room,
		"mode":           spec.Mode.String(),
		"agent_identity": spec.AgentIdentity,
	})
	if err != nil {
		return nil, fmt.Errorf("build open request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(streamCtx, openStreamDesc, methodOpen)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open voice stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("send open request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("close open request: %w", err)
	}

	c.logger.Info("voice stream opened", "session_id", spec.SessionID, "room", spec.Room)
	return &grpcStream{
		client:    c,
		sessionID: spec.SessionID,
		stream:    stream,
		cancel:    cancel,
	}, nil
}

type grpcStream struct {
	client    *GrpcClient
	sessionID string
	stream    grpc.ClientStream
	cancel    context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *grpcStream) Turns(ctx context.Context) iter.Seq2[Turn, error] {
	return func(yield func(Turn, error) bool) {
		for {
			if ctx.Err() != nil {
				return
			}
			msg := &structpb.Struct{}
			err := s.stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if s.isClosed() {
					return
				}
				yield(Turn{}, fmt.Errorf("voice stream error: %w", err))
				return
			}

			fields := msg.GetFields()
			switch fields["type"].GetStringValue() {
			case "user_turn":
				turn := Turn{
					Text:        fields["text"].GetStringValue(),
					Participant: fields["participant"].GetStringValue(),
					EndedAt:     time.Now(),
				}
				if !yield(turn, nil) {
					return
				}
			case "error":
				errMsg := fields["message"].GetStringValue()
				if errMsg == "" {
					yield(Turn{}, errSidecarResponse)
					return
				}
				yield(Turn{}, fmt.Errorf("%w: %s", errSidecarResponse, errMsg))
				return
			default:
				s.client.logger.Debug("ignoring voice event", "type", fields["type"].GetStringValue())
			}
		}
	}
}

func (s *grpcStream) Say(ctx context.Context, text string, allowInterruptions bool) error {
	if s.isClosed() {
		return ErrStreamClosed
	}
	req, err := structpb.NewStruct(map[string]any{
		"session_id":          s.sessionID,
		"text":                text,
		"allow_interruptions": allowInterruptions,
	})
	if err != nil {
		return fmt.Errorf("build say request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.client.cfg.RequestTimeout)
	defer cancel()
	resp := &structpb.Struct{}
	if err := s.client.conn.Invoke(ctx, methodSay, req, resp); err != nil {
		return fmt.Errorf("say: %w", err)
	}
	if ok := resp.GetFields()["ok"]; ok != nil && !ok.GetBoolValue() {
		return fmt.Errorf("say: %w: %s", errSidecarResponse, resp.GetFields()["status"].GetStringValue())
	}
	return nil
}

func (s *grpcStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		req, buildErr := structpb.NewStruct(map[string]any{"session_id": s.sessionID})
		if buildErr == nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.client.cfg.RequestTimeout)
			if invokeErr := s.client.conn.Invoke(ctx, methodClose, req, &structpb.Struct{}); invokeErr != nil {
				err = fmt.Errorf("close voice session: %w", invokeErr)
			}
			cancel()
		}
		s.cancel()
	})
	return err
}

func (s *grpcStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

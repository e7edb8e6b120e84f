// Package grpctransport provides a gRPC transport.
package grpctransport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

// Services are the collaborators served over gRPC.
type Services struct {
	Detections    core.DetectionService
	Notifications core.NotificationService
	Subscribers   core.SubscriberRegistry
	Limiter       core.AdmissionController
	Queue         core.QueueStatusSource
}

// Config configures the gRPC transport.
type Config struct {
	EnableAuth     bool
	Tokens         *core.TokenResolver
	KeepAlive      time.Duration
	RequestTimeout time.Duration
	Metrics        observability.Metrics
	Logger         observability.Logger
	Tracer         observability.Tracer
	Sampler        observability.Sampler
}

// GRPCTransport serves the pipeline service over gRPC.
type GRPCTransport struct {
	addr     string
	lis      net.Listener
	srv      *grpc.Server
	services Services
	ready    func() bool
	mode     func() core.OperatingMode
	cfg      Config
	closing  chan struct{}
	once     sync.Once
	mu       sync.Mutex
}

// NewGRPCTransport constructs a transport bound to an address.
func NewGRPCTransport(addr string, ready func() bool, mode func() core.OperatingMode, cfg Config) *GRPCTransport {
	if addr == "" {
		addr = ":9090"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	if mode == nil {
		mode = func() core.OperatingMode { return core.ModeNormal }
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.Tokens == nil {
		cfg.Tokens = core.NewTokenResolver("", nil, cfg.EnableAuth)
	}
	return &GRPCTransport{addr: addr, ready: ready, mode: mode, cfg: cfg, closing: make(chan struct{})}
}

// UseListener serves on lis instead of listening on the configured address.
func (t *GRPCTransport) UseListener(lis net.Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lis = lis
}

// Serve registers the pipeline services.
func (t *GRPCTransport) Serve(services Services) error {
	if services.Detections == nil || services.Subscribers == nil || services.Queue == nil {
		return errors.New("detection, subscriber and queue services are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = services
	return nil
}

// Start begins serving gRPC requests.
func (t *GRPCTransport) Start() error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	if t.services.Detections == nil {
		t.mu.Unlock()
		return errors.New("services must be registered before starting")
	}
	select {
	case <-t.closing:
		t.mu.Unlock()
		return nil
	default:
	}
	listener := t.lis
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.lis = listener
	}
	if t.srv == nil {
		opts := []grpc.ServerOption{
			grpc.ForceServerCodec(JSONCodec{}),
			grpc.ChainUnaryInterceptor(
				grpcRequestLogInterceptor(t.cfg.Logger),
				grpcAuthInterceptor(t.cfg.EnableAuth, t.cfg.Tokens, t.services.Limiter),
				grpcTracingMetricsInterceptor(t.cfg.Tracer, t.cfg.Sampler, t.cfg.Metrics),
			),
			grpc.ChainStreamInterceptor(
				grpcStreamLogInterceptor(t.cfg.Logger),
				grpcStreamMetricsInterceptor(t.cfg.Metrics),
			),
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: t.cfg.KeepAlive}),
		}
		t.srv = grpc.NewServer(opts...)
		RegisterPipelineServer(t.srv, &pipelineServer{transport: t})
	}
	srv := t.srv
	t.mu.Unlock()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown ends open event streams and stops the gRPC server.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	t.once.Do(func() { close(t.closing) })
	srv := t.srv
	listener := t.lis
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		if listener != nil {
			_ = listener.Close()
		}
		return ctx.Err()
	}
	if listener != nil {
		_ = listener.Close()
	}
	return nil
}

type pipelineServer struct {
	transport *GRPCTransport
}

func (s *pipelineServer) Infer(ctx context.Context, req *InferRequest) (*core.FrameOutcome, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if timeout := s.transport.cfg.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	outcome, err := s.transport.services.Detections.HandleFrame(ctx, core.FrameInput{
		CameraID: req.CameraID,
		Location: req.Location,
		Payload:  req.Image,
	})
	if err != nil {
		return nil, grpcError(err)
	}
	return outcome, nil
}

func (s *pipelineServer) Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
	t := s.transport
	resp := &StatusResponse{
		Queue: t.services.Queue.Status(),
		Hub:   t.services.Subscribers.Stats(),
		Mode:  t.mode().String(),
		Ready: t.ready(),
	}
	if t.services.Notifications != nil {
		resp.Provider = t.services.Notifications.Provider()
	}
	return resp, nil
}

func (s *pipelineServer) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	t := s.transport
	hub := t.services.Subscribers
	var identity *core.Identity
	if req.Token != "" || req.UserID != "" {
		resolved, err := t.cfg.Tokens.Resolve(req.Token, core.Identity{UserID: req.UserID, Role: req.Role})
		if err != nil {
			return grpcError(err)
		}
		identity = &resolved
	}

	sink := core.NewChannelSink(0)
	id, err := hub.Connect(sink)
	if err != nil {
		return grpcError(err)
	}
	defer hub.Disconnect(id)
	if identity != nil {
		if err := hub.Authenticate(id, *identity); err != nil {
			return grpcError(err)
		}
	}
	for _, channel := range req.Channels {
		if err := hub.Join(id, channel); err != nil {
			return grpcError(err)
		}
	}

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.closing:
			return status.Error(codes.Unavailable, "server shutting down")
		case event := <-sink.Events():
			if err := stream.SendMsg(&event); err != nil {
				return err
			}
		}
	}
}

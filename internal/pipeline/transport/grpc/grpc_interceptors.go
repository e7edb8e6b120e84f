// Package grpctransport provides gRPC interceptors.
package grpctransport

import (
	"context"
	"net"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"lprpipeline/internal/pipeline/core"
	"lprpipeline/internal/pipeline/observability"
)

func grpcRequestLogInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := uuid.NewString()
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, requestID, start, err)
		return resp, err
	}
}

func grpcStreamLogInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		requestID := uuid.NewString()
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, requestID, start, err)
		return err
	}
}

func logCall(logger observability.Logger, method, requestID string, start time.Time, err error) {
	if logger == nil {
		return
	}
	fields := map[string]any{
		"method":      method,
		"request_id":  requestID,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err
		logger.Error("grpc request error", fields)
		return
	}
	logger.Info("grpc request", fields)
}

// grpcAuthInterceptor guards Infer with the admin token. Failed attempts
// consume the auth policy keyed by peer address.
func grpcAuthInterceptor(enableAuth bool, tokens *core.TokenResolver, limiter core.AdmissionController) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !enableAuth || info.FullMethod != MethodInfer {
			return handler(ctx, req)
		}
		key := "ip:" + peerHost(ctx)
		if limiter != nil {
			if _, blocked := limiter.Blocked(core.PolicyAuth, key); blocked {
				return nil, status.Error(codes.ResourceExhausted, "too many failed authentication attempts")
			}
		}
		if tokens.IsAdmin(bearerToken(ctx)) {
			return handler(ctx, req)
		}
		if limiter != nil {
			decision, err := limiter.Consume(ctx, core.PolicyAuth, key)
			if err == nil && !decision.Allowed {
				return nil, status.Error(codes.ResourceExhausted, "too many failed authentication attempts")
			}
		}
		return nil, status.Error(codes.Unauthenticated, "unauthorized")
	}
}

type requestIDKey struct{}

func grpcTracingMetricsInterceptor(tracer observability.Tracer, sampler observability.Sampler, metrics observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method := path.Base(info.FullMethod)
		requestID, _ := ctx.Value(requestIDKey{}).(string)
		var span observability.Span
		if tracer != nil && sampler != nil && sampler.Sampled(requestID) {
			ctx, span = tracer.StartSpan(ctx, method)
			span.SetAttribute("method", method)
			span.SetAttribute("request_id", requestID)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		if span != nil {
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}
		observeCall(metrics, info.FullMethod, start, err)
		return resp, err
	}
}

func grpcStreamMetricsInterceptor(metrics observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observeCall(metrics, info.FullMethod, start, err)
		return err
	}
}

func observeCall(metrics observability.Metrics, fullMethod string, start time.Time, err error) {
	if metrics == nil {
		return
	}
	method := path.Base(fullMethod)
	metrics.IncRequest("grpc", method, status.Code(err).String())
	metrics.ObserveLatency("grpc_"+method, time.Since(start))
}

func bearerToken(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	return strings.TrimPrefix(values[0], "Bearer ")
}

func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

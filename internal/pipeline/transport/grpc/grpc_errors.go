// Package grpctransport provides gRPC error helpers.
package grpctransport

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"lprpipeline/internal/pipeline/core"
)

func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	grpcCode := codes.Internal
	switch core.CodeOf(err) {
	case core.CodeInvalidInput:
		grpcCode = codes.InvalidArgument
	case core.CodeNotFound:
		grpcCode = codes.NotFound
	case core.CodeUnauthorized:
		grpcCode = codes.Unauthenticated
	case core.CodeForbidden:
		grpcCode = codes.PermissionDenied
	case core.CodeThrottled:
		grpcCode = codes.ResourceExhausted
	case core.CodeTimeout:
		grpcCode = codes.DeadlineExceeded
	case core.CodeBackendUnavailable, core.CodeQueueClosed, core.CodeUnavailable:
		grpcCode = codes.Unavailable
	}
	return status.Error(grpcCode, err.Error())
}

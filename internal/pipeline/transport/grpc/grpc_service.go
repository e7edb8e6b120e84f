// Package grpctransport defines the lprpipeline.v1.Pipeline service and its client.
package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"lprpipeline/internal/pipeline/core"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lprpipeline.v1.Pipeline"

// Full method names.
const (
	MethodInfer     = "/" + ServiceName + "/Infer"
	MethodStatus    = "/" + ServiceName + "/Status"
	MethodSubscribe = "/" + ServiceName + "/Subscribe"
)

// InferRequest carries one frame for inference.
type InferRequest struct {
	CameraID string `json:"cameraId"`
	Location string `json:"location,omitempty"`
	Image    []byte `json:"image"`
}

// StatusRequest asks for the pipeline status.
type StatusRequest struct{}

// StatusResponse reports queue, hub and mode state.
type StatusResponse struct {
	Queue    core.QueueStatus `json:"queue"`
	Hub      core.HubStats    `json:"hub"`
	Mode     string           `json:"mode"`
	Ready    bool             `json:"ready"`
	Provider string           `json:"provider,omitempty"`
}

// SubscribeRequest opens an event stream. Token resolves the identity used
// for privileged channels; UserID and Role are honoured only when tokens are
// optional.
type SubscribeRequest struct {
	Token    string   `json:"token,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	Role     string   `json:"role,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// PipelineServer is implemented by the transport.
type PipelineServer interface {
	Infer(ctx context.Context, req *InferRequest) (*core.FrameOutcome, error)
	Status(ctx context.Context, req *StatusRequest) (*StatusResponse, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

var pipelineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PipelineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
		{MethodName: "Status", Handler: statusHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "lprpipeline/v1/pipeline",
}

// RegisterPipelineServer registers srv on s.
func RegisterPipelineServer(s grpc.ServiceRegistrar, srv PipelineServer) {
	s.RegisterService(&pipelineServiceDesc, srv)
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodInfer}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServer).Infer(ctx, req.(*InferRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PipelineServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PipelineServer).Status(ctx, req.(*StatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PipelineServer).Subscribe(in, stream)
}

// Client calls the pipeline service with the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Infer submits a frame.
func (c *Client) Infer(ctx context.Context, req *InferRequest, opts ...grpc.CallOption) (*core.FrameOutcome, error) {
	out := new(core.FrameOutcome)
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	if err := c.cc.Invoke(ctx, MethodInfer, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the pipeline status.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*StatusResponse, error) {
	out := new(StatusResponse)
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	if err := c.cc.Invoke(ctx, MethodStatus, &StatusRequest{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// EventStream receives hub events.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*WireEvent, error) {
	out := new(WireEvent)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WireEvent is an event as decoded by clients.
type WireEvent struct {
	ID      string         `json:"id"`
	Name    string         `json:"event"`
	Channel string         `json:"channel"`
	Payload map[string]any `json:"payload"`
}

// Subscribe opens an event stream.
func (c *Client) Subscribe(ctx context.Context, req *SubscribeRequest, opts ...grpc.CallOption) (*EventStream, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(JSONCodec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &pipelineServiceDesc.Streams[0], MethodSubscribe, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

// Package control exposes the game loop's control channel over gRPC.
//
// The service uses well-known protobuf types only, so its descriptor is
// written by hand rather than generated.
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gamecore.control.v1.Control"

const (
	methodLoad   = "/" + ServiceName + "/Load"
	methodPlay   = "/" + ServiceName + "/Play"
	methodReset  = "/" + ServiceName + "/Reset"
	methodStatus = "/" + ServiceName + "/Status"
)

// ControlServer is the server API for the control service.
type ControlServer interface {
	// Load asks an idle server to start loading a match.
	Load(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// Play asks a loading server to start the match.
	Play(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// Reset returns the server to idle.
	Reset(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	// Status reports the game loop status.
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterControlServer registers srv with s.
//
// Precondition: s and srv must be non-nil.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// unary builds a method handler that decodes an Empty request and runs call,
// honouring any server interceptor.
func unary(fullMethod string, call func(ControlServer, context.Context, *emptypb.Empty) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the control service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Load",
			Handler: unary(methodLoad, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Load(ctx, in)
			}),
		},
		{
			MethodName: "Play",
			Handler: unary(methodPlay, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Play(ctx, in)
			}),
		},
		{
			MethodName: "Reset",
			Handler: unary(methodReset, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Reset(ctx, in)
			}),
		},
		{
			MethodName: "Status",
			Handler: unary(methodStatus, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.Status(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gamecore/control/v1/control.proto",
}

// Client calls the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Load sends the load command.
func (c *Client) Load(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodLoad, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Play sends the play command.
func (c *Client) Play(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodPlay, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Reset sends the reset command.
func (c *Client) Reset(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, methodReset, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}

// Status fetches the game loop status.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

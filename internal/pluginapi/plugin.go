// Package pluginapi defines the gRPC plugin service shared by the server and
// the client. Messages are protobuf well-known types, so the service needs
// no generated code.
package pluginapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "optipress.plugin.v1.PluginService"

	OptimizeFullMethodName = "/" + ServiceName + "/Optimize"
	CreditsFullMethodName  = "/" + ServiceName + "/Credits"
)

// PluginServiceServer is the server API for the plugin service.
//
// Optimize takes the image bytes (empty when a staged path is sent in
// metadata) and returns the optimized bytes, or empty bytes plus a location
// header when the result was stored.
type PluginServiceServer interface {
	Optimize(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Credits(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// UnimplementedPluginServiceServer can be embedded for forward compatibility.
type UnimplementedPluginServiceServer struct{}

func (UnimplementedPluginServiceServer) Optimize(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method Optimize not implemented")
}

func (UnimplementedPluginServiceServer) Credits(context.Context, *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return nil, status.Error(codes.Unimplemented, "method Credits not implemented")
}

func RegisterPluginServiceServer(s grpc.ServiceRegistrar, srv PluginServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func optimizeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PluginServiceServer).Optimize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: OptimizeFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PluginServiceServer).Optimize(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func creditsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PluginServiceServer).Credits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CreditsFullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PluginServiceServer).Credits(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes the plugin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PluginServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Optimize", Handler: optimizeHandler},
		{MethodName: "Credits", Handler: creditsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "optipress/plugin/v1/plugin.proto",
}

// PluginServiceClient is the client API for the plugin service.
type PluginServiceClient interface {
	Optimize(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Credits(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.Int64Value, error)
}

type pluginServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPluginServiceClient(cc grpc.ClientConnInterface) PluginServiceClient {
	return &pluginServiceClient{cc: cc}
}

func (c *pluginServiceClient) Optimize(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, OptimizeFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pluginServiceClient) Credits(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.Int64Value, error) {
	out := new(wrapperspb.Int64Value)
	if err := c.cc.Invoke(ctx, CreditsFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

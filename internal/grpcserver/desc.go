package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "creditgate.v1.Gateway"

const (
	methodGenerate          = "Generate"
	methodGetBalance        = "GetBalance"
	methodGetQuota          = "GetQuota"
	methodListEntries       = "ListEntries"
	methodGetEndpointHealth = "GetEndpointHealth"
	methodSettlePayment     = "SettlePayment"
)

// GatewayServiceServer is the server side of creditgate.v1.Gateway. Messages are structpb.Struct.
type GatewayServiceServer interface {
	Generate(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetQuota(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ListEntries(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	GetEndpointHealth(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SettlePayment(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(server GatewayServiceServer, ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodHandler {
	fullMethod := "/" + serviceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(structpb.Struct)
		if err := dec(request); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServiceServer), ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GatewayServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, request, info, handler)
	}
}

// ServiceDesc describes creditgate.v1.Gateway for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGenerate, Handler: unaryHandler(methodGenerate, GatewayServiceServer.Generate)},
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, GatewayServiceServer.GetBalance)},
		{MethodName: methodGetQuota, Handler: unaryHandler(methodGetQuota, GatewayServiceServer.GetQuota)},
		{MethodName: methodListEntries, Handler: unaryHandler(methodListEntries, GatewayServiceServer.ListEntries)},
		{MethodName: methodGetEndpointHealth, Handler: unaryHandler(methodGetEndpointHealth, GatewayServiceServer.GetEndpointHealth)},
		{MethodName: methodSettlePayment, Handler: unaryHandler(methodSettlePayment, GatewayServiceServer.SettlePayment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "creditgate/v1/gateway.proto",
}

// RegisterGatewayServiceServer registers server on registrar.
func RegisterGatewayServiceServer(registrar grpc.ServiceRegistrar, server GatewayServiceServer) {
	registrar.RegisterService(&ServiceDesc, server)
}

// Client calls creditgate.v1.Gateway.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, "/"+serviceName+"/"+method, request, response, options...); err != nil {
		return nil, err
	}
	return response, nil
}

func (client *Client) Generate(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGenerate, request, options...)
}

func (client *Client) GetBalance(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetBalance, request, options...)
}

func (client *Client) GetQuota(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetQuota, request, options...)
}

func (client *Client) ListEntries(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodListEntries, request, options...)
}

func (client *Client) GetEndpointHealth(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodGetEndpointHealth, request, options...)
}

func (client *Client) SettlePayment(ctx context.Context, request *structpb.Struct, options ...grpc.CallOption) (*structpb.Struct, error) {
	return client.invoke(ctx, methodSettlePayment, request, options...)
}

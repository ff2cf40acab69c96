package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ApprovalsServiceName is the fully qualified gRPC service name.
const ApprovalsServiceName = "mirador.remediator.v1.Approvals"

const (
	listPendingMethod = "/" + ApprovalsServiceName + "/ListPending"
	resolveMethod     = "/" + ApprovalsServiceName + "/Resolve"
	getReportMethod   = "/" + ApprovalsServiceName + "/GetReport"
)

// ApprovalsServer is the contract an external approver talks to. Messages are protobuf
// well-known types so the service needs no generated stubs.
type ApprovalsServer interface {
	ListPending(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Resolve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReport(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterApprovalsServer attaches srv to a gRPC server.
func RegisterApprovalsServer(s grpc.ServiceRegistrar, srv ApprovalsServer) {
	s.RegisterService(&ApprovalsServiceDesc, srv)
}

// ApprovalsServiceDesc describes the Approvals service for grpc.ServiceRegistrar.
// No .proto descriptor backs it, so server reflection lists the service but cannot
// describe its methods.
var ApprovalsServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalsServiceName,
	HandlerType: (*ApprovalsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListPending", Handler: listPendingHandler},
		{MethodName: "Resolve", Handler: resolveHandler},
		{MethodName: "GetReport", Handler: getReportHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func listPendingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApprovalsServer).ListPending(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listPendingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ApprovalsServer).ListPending(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApprovalsServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: resolveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ApprovalsServer).Resolve(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getReportHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ApprovalsServer).GetReport(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getReportMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ApprovalsServer).GetReport(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ApprovalsClient calls the Approvals service.
type ApprovalsClient struct {
	cc grpc.ClientConnInterface
}

// NewApprovalsClient wraps an established connection.
func NewApprovalsClient(cc grpc.ClientConnInterface) *ApprovalsClient {
	return &ApprovalsClient{cc: cc}
}

func (c *ApprovalsClient) ListPending(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listPendingMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ApprovalsClient) Resolve(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, resolveMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ApprovalsClient) GetReport(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getReportMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ============================================================================
// escrow.v1.EscrowService 服務描述
// 每個 RPC 的請求與回應都是 google.protobuf.Struct
// ============================================================================

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "escrow.v1.EscrowService"

// CallerMetadataKey carries the authenticated caller address. Authentication
// happens upstream; the service trusts this value.
const CallerMetadataKey = "x-escrow-caller"

// RPC method names.
const (
	MethodCreateInstance    = "CreateInstance"
	MethodCreateAndFund     = "CreateAndFund"
	MethodFund              = "Fund"
	MethodSubmitMilestone   = "SubmitMilestone"
	MethodApproveMilestone  = "ApproveMilestone"
	MethodClaimAfterTimeout = "ClaimAfterTimeout"
	MethodCancel            = "Cancel"
	MethodCredit            = "Credit"
	MethodGetInstance       = "GetInstance"
	MethodListInstances     = "ListInstances"
	MethodGetBalance        = "GetBalance"
	MethodListClaimable     = "ListClaimable"
	MethodGetStatus         = "GetStatus"
)

// EscrowServiceServer is the server API for escrow.v1.EscrowService.
type EscrowServiceServer interface {
	CreateInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateAndFund(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fund(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitMilestone(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveMilestone(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClaimAfterTimeout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Credit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetInstance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInstances(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListClaimable(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(EscrowServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// ServiceDesc is the grpc.ServiceDesc for escrow.v1.EscrowService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EscrowServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		method(MethodCreateInstance, EscrowServiceServer.CreateInstance),
		method(MethodCreateAndFund, EscrowServiceServer.CreateAndFund),
		method(MethodFund, EscrowServiceServer.Fund),
		method(MethodSubmitMilestone, EscrowServiceServer.SubmitMilestone),
		method(MethodApproveMilestone, EscrowServiceServer.ApproveMilestone),
		method(MethodClaimAfterTimeout, EscrowServiceServer.ClaimAfterTimeout),
		method(MethodCancel, EscrowServiceServer.Cancel),
		method(MethodCredit, EscrowServiceServer.Credit),
		method(MethodGetInstance, EscrowServiceServer.GetInstance),
		method(MethodListInstances, EscrowServiceServer.ListInstances),
		method(MethodGetBalance, EscrowServiceServer.GetBalance),
		method(MethodListClaimable, EscrowServiceServer.ListClaimable),
		method(MethodGetStatus, EscrowServiceServer.GetStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "escrow/v1/escrow.proto",
}

// RegisterEscrowServiceServer registers srv on s.
func RegisterEscrowServiceServer(s grpc.ServiceRegistrar, srv EscrowServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// FullMethod returns the wire path of an RPC.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func method(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(EscrowServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(EscrowServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Package banktransfer integrates the bank-transfer provider, a separate
// process reached over gRPC.
//
// Messages are google.protobuf.Struct values so the contract needs no
// generated code: the service descriptor below is written by hand and the
// default proto codec marshals the structs.
package banktransfer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "payments.banktransfer.v1.BankTransferProvider"

// Method names of the service.
const (
	MethodCreateTransfer    = "CreateTransfer"
	MethodAuthorizeTransfer = "AuthorizeTransfer"
	MethodCaptureTransfer   = "CaptureTransfer"
	MethodRefundTransfer    = "RefundTransfer"
	MethodCancelTransfer    = "CancelTransfer"
	MethodDeleteTransfer    = "DeleteTransfer"
	MethodGetTransfer       = "GetTransfer"
)

// Server is the server side of the provider contract. Every method receives
// a request struct and answers with the transfer as a struct.
type Server interface {
	CreateTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AuthorizeTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CaptureTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RefundTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetTransfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterServer registers srv on s.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryHandler adapts one Server method to a grpc.MethodDesc handler.
func unaryHandler(name string, call func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(Server), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the bank-transfer service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(MethodCreateTransfer, Server.CreateTransfer),
		unaryHandler(MethodAuthorizeTransfer, Server.AuthorizeTransfer),
		unaryHandler(MethodCaptureTransfer, Server.CaptureTransfer),
		unaryHandler(MethodRefundTransfer, Server.RefundTransfer),
		unaryHandler(MethodCancelTransfer, Server.CancelTransfer),
		unaryHandler(MethodDeleteTransfer, Server.DeleteTransfer),
		unaryHandler(MethodGetTransfer, Server.GetTransfer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "payments/banktransfer/v1/banktransfer.proto",
}

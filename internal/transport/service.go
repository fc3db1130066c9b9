package transport

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name of the ring protocol.
const ServiceName = "chordring.v1.RingService"

// RingServiceServer is the server API of the ring protocol.
type RingServiceServer interface {
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	FindSuccessor(context.Context, *FindSuccessorRequest) (*FindSuccessorResponse, error)
	FindSuccessorWithPath(context.Context, *FindSuccessorRequest) (*FindSuccessorWithPathResponse, error)
	Notify(context.Context, *NotifyRequest) (*NotifyResponse, error)
	GetInfo(context.Context, *GetInfoRequest) (*GetInfoResponse, error)
	SetPredecessor(context.Context, *SetNodeRequest) (*Ack, error)
	SetSuccessor(context.Context, *SetNodeRequest) (*Ack, error)
	Stabilize(context.Context, *StabilizeRequest) (*Ack, error)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unaryHandler adapts a typed server method to a grpc method handler.
func unaryHandler[Req, Resp any](name string, call func(RingServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(name),
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RingServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var ringServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: unaryHandler("Ping", RingServiceServer.Ping)},
		{MethodName: "FindSuccessor", Handler: unaryHandler("FindSuccessor", RingServiceServer.FindSuccessor)},
		{MethodName: "FindSuccessorWithPath", Handler: unaryHandler("FindSuccessorWithPath", RingServiceServer.FindSuccessorWithPath)},
		{MethodName: "Notify", Handler: unaryHandler("Notify", RingServiceServer.Notify)},
		{MethodName: "GetInfo", Handler: unaryHandler("GetInfo", RingServiceServer.GetInfo)},
		{MethodName: "SetPredecessor", Handler: unaryHandler("SetPredecessor", RingServiceServer.SetPredecessor)},
		{MethodName: "SetSuccessor", Handler: unaryHandler("SetSuccessor", RingServiceServer.SetSuccessor)},
		{MethodName: "Stabilize", Handler: unaryHandler("Stabilize", RingServiceServer.Stabilize)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chordring/v1/ring.proto",
}

// RegisterRingServiceServer registers srv on s.
func RegisterRingServiceServer(s grpc.ServiceRegistrar, srv RingServiceServer) {
	s.RegisterService(&ringServiceDesc, srv)
}

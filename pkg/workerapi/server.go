package workerapi

import (
	"context"

	"google.golang.org/grpc"
)

// HeartbeatSink receives periodic worker heartbeats on the control plane
type HeartbeatSink interface {
	ReportHeartbeat(ctx context.Context, hb *Heartbeat) error
}

const controlPlaneService = "foreman.ControlPlane"

// RegisterControlPlaneServer exposes the control-plane-side RPC surface
// (currently just the heartbeat sink) on a gRPC server.
func RegisterControlPlaneServer(s *grpc.Server, sink HeartbeatSink) {
	s.RegisterService(&controlPlaneServiceDesc, sink)
}

var controlPlaneServiceDesc = grpc.ServiceDesc{
	ServiceName: controlPlaneService,
	HandlerType: (*HeartbeatSink)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReportHeartbeat",
			Handler:    heartbeatHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "workerapi",
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Heartbeat)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		if err := srv.(HeartbeatSink).ReportHeartbeat(ctx, req.(*Heartbeat)); err != nil {
			return nil, err
		}
		return &HeartbeatAck{}, nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + controlPlaneService + "/ReportHeartbeat",
	}
	return interceptor(ctx, in, info, handle)
}

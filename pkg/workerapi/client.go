package workerapi

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EventStream is a receive-only view of the worker event stream
type EventStream interface {
	// Recv blocks for the next event; io.EOF or a status error ends the
	// stream.
	Recv() (*Event, error)
	// Close tears the stream down
	Close() error
}

// Client is the control plane's view of the worker fleet RPC surface.
// Implementations must make DispatchJob idempotent by run id.
type Client interface {
	DispatchJob(ctx context.Context, req *DispatchRequest) (*DispatchResult, error)
	CancelJob(ctx context.Context, runID string) error
	SubscribeEvents(ctx context.Context) (EventStream, error)
	KillContainer(ctx context.Context, runID, reason string, force bool) (*KillResult, error)
	ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*ReconcileResult, error)
	Close() error
}

const serviceName = "foreman.WorkerAPI"

func methodPath(method string) string {
	return fmt.Sprintf("/%s/%s", serviceName, method)
}

// GRPCClient talks to the worker fleet endpoint over gRPC with the JSON
// codec.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// Dial connects to the fleet endpoint. TLS is terminated by the
// deployment in front of the worker gateway.
func Dial(target string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial worker endpoint %s: %w", target, err)
	}
	return &GRPCClient{conn: conn}, nil
}

// NewGRPCClient wraps an existing connection
func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) DispatchJob(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	var result DispatchResult
	if err := c.conn.Invoke(ctx, methodPath("DispatchJob"), req, &result); err != nil {
		return nil, fmt.Errorf("dispatch rpc failed: %w", err)
	}
	return &result, nil
}

func (c *GRPCClient) CancelJob(ctx context.Context, runID string) error {
	var result CancelResult
	if err := c.conn.Invoke(ctx, methodPath("CancelJob"), &CancelRequest{RunID: runID}, &result); err != nil {
		return fmt.Errorf("cancel rpc failed: %w", err)
	}
	return nil
}

var subscribeStreamDesc = &grpc.StreamDesc{
	StreamName:    "SubscribeEvents",
	ServerStreams: true,
}

func (c *GRPCClient) SubscribeEvents(ctx context.Context) (EventStream, error) {
	stream, err := c.conn.NewStream(ctx, subscribeStreamDesc, methodPath("SubscribeEvents"))
	if err != nil {
		return nil, fmt.Errorf("subscribe rpc failed: %w", err)
	}
	if err := stream.SendMsg(&SubscribeRequest{}); err != nil {
		return nil, fmt.Errorf("subscribe send failed: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("subscribe close-send failed: %w", err)
	}
	return &grpcEventStream{stream: stream}, nil
}

type grpcEventStream struct {
	stream grpc.ClientStream
}

func (s *grpcEventStream) Recv() (*Event, error) {
	var event Event
	if err := s.stream.RecvMsg(&event); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	return &event, nil
}

func (s *grpcEventStream) Close() error {
	// Client streams have no explicit close beyond finishing the recv
	// loop; cancelling the context tears the transport stream down.
	return nil
}

func (c *GRPCClient) KillContainer(ctx context.Context, runID, reason string, force bool) (*KillResult, error) {
	req := &KillRequest{RunID: runID, Reason: reason, Force: force}
	var result KillResult
	if err := c.conn.Invoke(ctx, methodPath("KillContainer"), req, &result); err != nil {
		return nil, fmt.Errorf("kill rpc failed: %w", err)
	}
	return &result, nil
}

func (c *GRPCClient) ReconcileOrphanedContainers(ctx context.Context, activeRunIDs []string) (*ReconcileResult, error) {
	req := &ReconcileRequest{ActiveRunIDs: activeRunIDs}
	var result ReconcileResult
	if err := c.conn.Invoke(ctx, methodPath("ReconcileOrphanedContainers"), req, &result); err != nil {
		return nil, fmt.Errorf("reconcile rpc failed: %w", err)
	}
	return &result, nil
}

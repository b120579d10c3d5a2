package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hierachain.bft.Node"

// Full method names, as seen by interceptors.
const (
	MethodSubmitRequest    = "/" + ServiceName + "/SubmitRequest"
	MethodForwardRequest   = "/" + ServiceName + "/ForwardRequest"
	MethodGetMetrics       = "/" + ServiceName + "/GetMetrics"
	MethodGetStats         = "/" + ServiceName + "/GetStats"
	MethodExportCheckpoint = "/" + ServiceName + "/ExportCheckpoint"
	MethodHealthCheck      = "/" + ServiceName + "/HealthCheck"
)

// NodeService is the part of a replica the outer surfaces drive.
// *node.Node implements it.
type NodeService interface {
	ID() string
	IsPrimary() bool
	SubmitRequest(op []byte) (uint64, error)
	ForwardRequest(op []byte) error
	GetMetrics() node.Metrics
	GetStats() node.Stats
	ExportCheckpoint() (*consensus.CheckpointSnapshot, error)
	Health() (bool, map[string]any)
}

// Empty is the argument of parameterless calls.
type Empty struct{}

// OperationRequest carries one opaque client operation.
type OperationRequest struct {
	Operation []byte `json:"operation"`
}

// SubmitResponse reports where a request went. Sequence is zero when the
// request was forwarded to the primary instead of ordered locally.
type SubmitResponse struct {
	NodeID    string `json:"node_id"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Forwarded bool   `json:"forwarded"`
}

// CheckpointResponse holds the stable checkpoint as an Arrow IPC stream.
type CheckpointResponse struct {
	Sequence    uint64 `json:"sequence"`
	StateDigest string `json:"state_digest"`
	Snapshot    []byte `json:"snapshot"`
}

// HealthResponse is the answer to HealthCheck.
type HealthResponse struct {
	Healthy       bool           `json:"healthy"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Details       map[string]any `json:"details,omitempty"`
}

// NodeServer is the server side of the node service.
type NodeServer interface {
	SubmitRequest(context.Context, *OperationRequest) (*SubmitResponse, error)
	ForwardRequest(context.Context, *OperationRequest) (*SubmitResponse, error)
	GetMetrics(context.Context, *Empty) (*node.Metrics, error)
	GetStats(context.Context, *Empty) (*node.Stats, error)
	ExportCheckpoint(context.Context, *Empty) (*CheckpointResponse, error)
	HealthCheck(context.Context, *Empty) (*HealthResponse, error)
}

// RegisterNodeServer attaches srv to a gRPC server.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.
func unaryHandler[Req, Resp any](fullMethod string, call func(NodeServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(NodeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(NodeServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitRequest",
			Handler:    unaryHandler(MethodSubmitRequest, NodeServer.SubmitRequest),
		},
		{
			MethodName: "ForwardRequest",
			Handler:    unaryHandler(MethodForwardRequest, NodeServer.ForwardRequest),
		},
		{
			MethodName: "GetMetrics",
			Handler:    unaryHandler(MethodGetMetrics, NodeServer.GetMetrics),
		},
		{
			MethodName: "GetStats",
			Handler:    unaryHandler(MethodGetStats, NodeServer.GetStats),
		},
		{
			MethodName: "ExportCheckpoint",
			Handler:    unaryHandler(MethodExportCheckpoint, NodeServer.ExportCheckpoint),
		},
		{
			MethodName: "HealthCheck",
			Handler:    unaryHandler(MethodHealthCheck, NodeServer.HealthCheck),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hierachain/bft/node",
}

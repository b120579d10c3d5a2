package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

// Client calls the node service of one replica.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Extra options are appended to the defaults
// (plaintext transport and the JSON codec).
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// SubmitRequest orders op on the target, which must be primary.
func (c *Client) SubmitRequest(ctx context.Context, op []byte) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.conn.Invoke(ctx, MethodSubmitRequest, &OperationRequest{Operation: op}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardRequest asks the target to hand op to its primary.
func (c *Client) ForwardRequest(ctx context.Context, op []byte) (*SubmitResponse, error) {
	out := new(SubmitResponse)
	if err := c.conn.Invoke(ctx, MethodForwardRequest, &OperationRequest{Operation: op}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetMetrics fetches the compact progress summary.
func (c *Client) GetMetrics(ctx context.Context) (*node.Metrics, error) {
	out := new(node.Metrics)
	if err := c.conn.Invoke(ctx, MethodGetMetrics, &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats fetches the detailed node status.
func (c *Client) GetStats(ctx context.Context) (*node.Stats, error) {
	out := new(node.Stats)
	if err := c.conn.Invoke(ctx, MethodGetStats, &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportCheckpoint fetches and decodes the stable checkpoint.
func (c *Client) ExportCheckpoint(ctx context.Context) (*consensus.CheckpointSnapshot, error) {
	out := new(CheckpointResponse)
	if err := c.conn.Invoke(ctx, MethodExportCheckpoint, &Empty{}, out); err != nil {
		return nil, err
	}
	return data.ImportSnapshot(out.Snapshot)
}

// HealthCheck queries liveness.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.conn.Invoke(ctx, MethodHealthCheck, &Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

package consensus

import (
	"fmt"
	"time"
)

// Config holds the consensus parameters of one replica.
type Config struct {
	NodeID             string
	Nodes              []string
	TotalNodes         int
	F                  int
	CheckpointInterval uint64
	ViewChangeTimeout  time.Duration
	WatermarkWindow    uint64
	BufferEarlyVotes   bool
	MaxBufferedVotes   int
}

// DefaultConfig returns a configuration sized for the given membership,
// tolerating the largest f the cluster allows.
func DefaultConfig(nodeID string, nodes []string) Config {
	n := len(nodes)
	return Config{
		NodeID:             nodeID,
		Nodes:              append([]string(nil), nodes...),
		TotalNodes:         n,
		F:                  (n - 1) / 3,
		CheckpointInterval: 100,
		ViewChangeTimeout:  10 * time.Second,
		WatermarkWindow:    200,
		BufferEarlyVotes:   true,
		MaxBufferedVotes:   1024,
	}
}

// Validate checks the configuration before any state is built.
func (c Config) Validate() error {
	if c.TotalNodes != 0 && c.TotalNodes != len(c.Nodes) {
		return fmt.Errorf("%w: total_nodes=%d, node list has %d", ErrNodeCountMismatch, c.TotalNodes, len(c.Nodes))
	}
	if c.F < 1 || len(c.Nodes) < 3*c.F+1 {
		return fmt.Errorf("%w: n=%d, f=%d", ErrInsufficientNodes, len(c.Nodes), c.F)
	}
	found := false
	for _, id := range c.Nodes {
		if id == c.NodeID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q is not a cluster member", ErrUnknownNode, c.NodeID)
	}
	if c.CheckpointInterval == 0 {
		return fmt.Errorf("%w: checkpoint interval must be positive", ErrInvalidConfig)
	}
	if c.WatermarkWindow < 2*c.CheckpointInterval {
		return fmt.Errorf("%w: watermark window %d must be at least twice the checkpoint interval %d",
			ErrInvalidConfig, c.WatermarkWindow, c.CheckpointInterval)
	}
	if c.ViewChangeTimeout <= 0 {
		return fmt.Errorf("%w: view change timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

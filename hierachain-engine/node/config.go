package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Common errors for node operations
var (
	ErrNoTransport   = errors.New("transport is required")
	ErrAlreadyActive = errors.New("node already running")
)

// Config holds the orchestration settings of one replica.
type Config struct {
	Consensus consensus.Config

	// TickInterval is how often Start drives the inactivity timer.
	TickInterval time.Duration
	// MaxPending bounds requests submitted or forwarded by this node that
	// have not executed.
	MaxPending int
	// PendingTTL drops pending entries that never executed locally, for
	// example because the node fast-forwarded over them.
	PendingTTL time.Duration
	// VerifyWorkers sizes the signature verification pool.
	VerifyWorkers int
	// ClientID labels requests created by this node. Defaults to the node ID,
	// which lets peers route REPLY messages back.
	ClientID string
	// MetricsNamespace prefixes the Prometheus metric names.
	MetricsNamespace string
}

// DefaultConfig returns a configuration for nodeID in the given membership.
func DefaultConfig(nodeID string, nodes []string) Config {
	return Config{
		Consensus:        consensus.DefaultConfig(nodeID, nodes),
		TickInterval:     100 * time.Millisecond,
		MaxPending:       10000,
		PendingTTL:       5 * time.Minute,
		VerifyWorkers:    4,
		ClientID:         nodeID,
		MetricsNamespace: "hierachain_bft",
	}
}

// Validate checks the orchestration settings and the consensus ones.
func (c Config) Validate() error {
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	if c.MaxPending <= 0 {
		return fmt.Errorf("%w: max pending must be positive", consensus.ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", consensus.ErrInvalidConfig)
	}
	return nil
}

package network

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	// Peers maps every other replica to its tcp:// address. Membership is
	// static for the lifetime of the service.
	Peers map[string]string `json:"peers"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeID: "node-1",
		Host:   "127.0.0.1",
		Port:   5555,
		Peers:  map[string]string{},
	}
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID    string    `json:"node_id"`
	Address   string    `json:"address"`
	IsRunning bool      `json:"is_running"`
	PeerCount int       `json:"peer_count"`
	Peers     []string  `json:"peers"`
	NodeStats NodeStats `json:"node_stats"`
}

// NetworkService owns a ZmqNode wired to a fixed peer list. It satisfies
// the transport interface the node orchestrator consumes.
type NetworkService struct {
	config NetworkConfig
	node   *ZmqNode
	log    logrus.FieldLogger

	mu      sync.RWMutex
	running bool
}

// NewNetworkService creates a new network service with the given configuration.
func NewNetworkService(config NetworkConfig, log logrus.FieldLogger) *NetworkService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	node := NewZmqNode(config.NodeID, config.Host, config.Port)
	node.SetLogger(log)
	for id, addr := range config.Peers {
		if id != config.NodeID {
			node.RegisterPeer(id, addr)
		}
	}

	return &NetworkService{
		config: config,
		node:   node,
		log:    log.WithField("node", config.NodeID),
	}
}

// Start binds the local socket.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return nil
	}
	if err := ns.node.Start(); err != nil {
		return fmt.Errorf("failed to start ZMQ node: %w", err)
	}

	ns.running = true
	ns.log.WithFields(logrus.Fields{
		"address": ns.node.Address(),
		"peers":   len(ns.config.Peers),
	}).Info("NetworkService started")
	return nil
}

// Stop gracefully shuts down the network service.
func (ns *NetworkService) Stop() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.running {
		return
	}
	ns.node.Stop()
	ns.running = false
	ns.log.Info("NetworkService stopped")
}

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	peers := ns.node.GetPeers()
	ids := make([]string, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return NetworkStatus{
		NodeID:    ns.config.NodeID,
		Address:   ns.node.Address(),
		IsRunning: ns.running,
		PeerCount: len(ids),
		Peers:     ids,
		NodeStats: ns.node.GetStats(),
	}
}

// Broadcast sends msg to every peer.
func (ns *NetworkService) Broadcast(msg *consensus.Message) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.node.Broadcast(msg)
}

// SendTo sends msg to one peer.
func (ns *NetworkService) SendTo(peerID string, msg *consensus.Message) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.node.SendTo(peerID, msg)
}

// RegisterHandler installs the handler for one message type.
func (ns *NetworkService) RegisterHandler(t consensus.MessageType, h Handler) {
	ns.node.RegisterHandler(t, h)
}

// TransportStats reports the underlying node counters.
func (ns *NetworkService) TransportStats() map[string]interface{} {
	return ns.node.TransportStats()
}

// Address returns the bound address.
func (ns *NetworkService) Address() string {
	return ns.node.Address()
}

// GetPeers returns all known peers.
func (ns *NetworkService) GetPeers() map[string]*PeerInfo {
	return ns.node.GetPeers()
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}

// Package network provides the transports that carry consensus messages
// between replicas.
//
// This package implements:
//   - ZmqNode: ZeroMQ transport with ROUTER/DEALER pattern
//   - LocalNetwork: deterministic in-process transport for tests and tools
//   - Service: wiring of a ZmqNode to a static peer list
package network

import (
	"errors"
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// MaxNetworkMessageSize bounds a single wire frame. NEW_VIEW messages carry
// whole view-change sets, so this is larger than a typical request.
const MaxNetworkMessageSize = 16 * 1024 * 1024

// Common errors for network operations
var (
	ErrNodeNotRunning  = errors.New("node is not running")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Handler receives a decoded consensus message.
type Handler = func(msg *consensus.Message)

// handlerSet dispatches messages by type.
type handlerSet struct {
	mu       sync.RWMutex
	handlers map[consensus.MessageType]Handler
}

func newHandlerSet() *handlerSet {
	return &handlerSet{handlers: make(map[consensus.MessageType]Handler)}
}

func (h *handlerSet) register(t consensus.MessageType, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[t] = fn
}

// dispatch returns false when no handler is registered for the type.
func (h *handlerSet) dispatch(msg *consensus.Message) bool {
	h.mu.RLock()
	fn := h.handlers[msg.Type]
	h.mu.RUnlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

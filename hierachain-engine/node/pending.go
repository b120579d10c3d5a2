package node

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Common errors for the pending pool
var (
	ErrPendingFull    = errors.New("pending request pool is full")
	ErrAlreadyPending = errors.New("request already pending")
	ErrInvalidPending = errors.New("invalid pending request")
)

// PendingRequest is a request submitted or forwarded by this node that has
// not executed yet.
type PendingRequest struct {
	Digest      string             `json:"digest"`
	Sequence    uint64             `json:"sequence,omitempty"`
	Request     *consensus.Request `json:"request"`
	SubmittedAt time.Time          `json:"submitted_at"`
	Forwarded   bool               `json:"forwarded"`

	index int
}

// Validate checks if the entry has required fields.
func (r *PendingRequest) Validate() error {
	if r.Digest == "" {
		return errors.New("digest is required")
	}
	if r.Request == nil {
		return errors.New("request is required")
	}
	return nil
}

// pendingQueue orders entries oldest first.
type pendingQueue []*PendingRequest

func (pq pendingQueue) Len() int { return len(pq) }

func (pq pendingQueue) Less(i, j int) bool {
	if !pq[i].SubmittedAt.Equal(pq[j].SubmittedAt) {
		return pq[i].SubmittedAt.Before(pq[j].SubmittedAt)
	}
	return pq[i].Digest < pq[j].Digest
}

func (pq pendingQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *pendingQueue) Push(x interface{}) {
	r := x.(*PendingRequest)
	r.index = len(*pq)
	*pq = append(*pq, r)
}

func (pq *pendingQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	r := old[n-1]
	old[n-1] = nil // avoid memory leak
	r.index = -1
	*pq = old[0 : n-1]
	return r
}

// PendingPool tracks in-flight requests by digest with a size bound.
type PendingPool struct {
	pending map[string]*PendingRequest
	queue   pendingQueue
	maxSize int
	mu      sync.RWMutex
}

// NewPendingPool creates a pool holding at most maxSize requests.
func NewPendingPool(maxSize int) *PendingPool {
	p := &PendingPool{
		pending: make(map[string]*PendingRequest),
		queue:   make(pendingQueue, 0),
		maxSize: maxSize,
	}
	heap.Init(&p.queue)
	return p
}

// Add tracks r. Returns ErrPendingFull at capacity and ErrAlreadyPending
// for a digest already tracked.
func (p *PendingPool) Add(r *PendingRequest) error {
	if r == nil {
		return ErrInvalidPending
	}
	if err := r.Validate(); err != nil {
		return errors.Join(ErrInvalidPending, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.pending[r.Digest]; exists {
		return ErrAlreadyPending
	}
	if len(p.pending) >= p.maxSize {
		return ErrPendingFull
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = time.Now()
	}

	p.pending[r.Digest] = r
	heap.Push(&p.queue, r)
	return nil
}

// Get retrieves an entry by digest without removing it.
func (p *PendingPool) Get(digest string) *PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pending[digest]
}

// Complete removes and returns the entry for digest.
func (p *PendingPool) Complete(digest string) (*PendingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.pending[digest]
	if !ok {
		return nil, false
	}
	delete(p.pending, digest)
	heap.Remove(&p.queue, r.index)
	return r, true
}

// Expire removes and returns every entry submitted before cutoff, oldest
// first.
func (p *PendingPool) Expire(cutoff time.Time) []*PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []*PendingRequest
	for len(p.queue) > 0 && p.queue[0].SubmittedAt.Before(cutoff) {
		r := heap.Pop(&p.queue).(*PendingRequest)
		delete(p.pending, r.Digest)
		expired = append(expired, r)
	}
	return expired
}

// Oldest returns the longest-waiting entry, or nil.
func (p *PendingPool) Oldest() *PendingRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

// Size returns the current number of entries.
func (p *PendingPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// IsFull returns true if the pool has reached its maximum size.
func (p *PendingPool) IsFull() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending) >= p.maxSize
}

// Contains checks if a digest is tracked.
func (p *PendingPool) Contains(digest string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.pending[digest]
	return exists
}

// Clear removes all entries.
func (p *PendingPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = make(map[string]*PendingRequest)
	p.queue = make(pendingQueue, 0)
	heap.Init(&p.queue)
}

// PendingStats contains pool statistics.
type PendingStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
	Forwarded int `json:"forwarded"`
}

// Stats returns pool statistics.
func (p *PendingPool) Stats() PendingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	forwarded := 0
	for _, r := range p.pending {
		if r.Forwarded {
			forwarded++
		}
	}
	return PendingStats{
		Size:      len(p.pending),
		MaxSize:   p.maxSize,
		Available: p.maxSize - len(p.pending),
		Forwarded: forwarded,
	}
}

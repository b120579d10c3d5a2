package core

import (
	"context"
	"fmt"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// VerifierConfig tunes parallel signature verification.
type VerifierConfig struct {
	// ChunkSize is how many signatures one task checks.
	ChunkSize int
	// Timeout bounds one VerifyAll call.
	Timeout time.Duration
}

// DefaultVerifierConfig returns the default verifier configuration.
func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		ChunkSize: 16,
		Timeout:   5 * time.Second,
	}
}

// VerifierPool checks message signatures on a WorkerPool. It implements
// consensus.BatchVerifier.
type VerifierPool struct {
	pool     *WorkerPool
	registry *consensus.KeyRegistry
	config   VerifierConfig
}

// NewVerifierPool creates a verifier backed by pool.
func NewVerifierPool(pool *WorkerPool, registry *consensus.KeyRegistry, config VerifierConfig) *VerifierPool {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultVerifierConfig().ChunkSize
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultVerifierConfig().Timeout
	}
	return &VerifierPool{pool: pool, registry: registry, config: config}
}

// VerifyAll verifies msgs in parallel chunks. Chunks the pool cannot take
// are verified on the calling goroutine, so the answer is always complete.
func (v *VerifierPool) VerifyAll(msgs []*consensus.Message) []bool {
	out := make([]bool, len(msgs))
	if len(msgs) == 0 {
		return out
	}
	if len(msgs) <= v.config.ChunkSize || !v.pool.IsRunning() {
		v.verifyRange(msgs, out, 0, len(msgs))
		return out
	}

	type span struct{ lo, hi int }
	var tasks []*Task
	for lo := 0; lo < len(msgs); lo += v.config.ChunkSize {
		hi := min(lo+v.config.ChunkSize, len(msgs))
		s := span{lo, hi}
		tasks = append(tasks, NewTask(fmt.Sprintf("verify-%d-%d", lo, hi), s, func(data any) (any, error) {
			r := data.(span)
			v.verifyRange(msgs, out, r.lo, r.hi)
			return nil, nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), v.config.Timeout)
	defer cancel()

	results, err := v.pool.RunBatch(ctx, tasks)
	if err != nil {
		// Workers may still be writing; verify everything again on a
		// private slice.
		fresh := make([]bool, len(msgs))
		v.verifyRange(msgs, fresh, 0, len(msgs))
		return fresh
	}
	for i, res := range results {
		if res == nil || !res.Success {
			s := tasks[i].Data.(span)
			v.verifyRange(msgs, out, s.lo, s.hi)
		}
	}
	return out
}

func (v *VerifierPool) verifyRange(msgs []*consensus.Message, out []bool, lo, hi int) {
	for i := lo; i < hi; i++ {
		out[i] = v.registry.VerifyMessage(msgs[i])
	}
}

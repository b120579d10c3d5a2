package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

func signedVotes(t *testing.T, n int) (*consensus.KeyRegistry, []*consensus.Message) {
	t.Helper()
	kp, err := consensus.GenerateKeyPair()
	require.NoError(t, err)
	reg := consensus.NewKeyRegistry()
	require.NoError(t, reg.Register("node-1", kp.PublicKey()))

	msgs := make([]*consensus.Message, n)
	for i := range msgs {
		msgs[i] = &consensus.Message{
			Type:     consensus.MsgPrepare,
			From:     "node-1",
			Sequence: uint64(i + 1),
			Digest:   consensus.ComputeDigest([]byte{byte(i)}),
		}
		require.NoError(t, kp.Sign(msgs[i]))
	}
	return reg, msgs
}

func TestVerifierPoolMatchesSequential(t *testing.T) {
	reg, msgs := signedVotes(t, 100)
	msgs[7].Sequence = 999
	msgs[42].Signature = nil
	msgs[77].From = "node-9"

	pool := NewWorkerPool("verify", 4)
	defer pool.Shutdown()

	verifier := NewVerifierPool(pool, reg, VerifierConfig{ChunkSize: 8})
	got := verifier.VerifyAll(msgs)
	want := consensus.SequentialVerifier{Registry: reg}.VerifyAll(msgs)
	assert.Equal(t, want, got)

	for i, ok := range got {
		switch i {
		case 7, 42, 77:
			assert.False(t, ok, "message %d", i)
		default:
			assert.True(t, ok, "message %d", i)
		}
	}
}

func TestVerifierPoolAfterShutdown(t *testing.T) {
	reg, msgs := signedVotes(t, 40)
	pool := NewWorkerPool("verify", 2)
	pool.Shutdown()

	verifier := NewVerifierPool(pool, reg, DefaultVerifierConfig())
	for i, ok := range verifier.VerifyAll(msgs) {
		assert.True(t, ok, "message %d", i)
	}
	assert.Empty(t, verifier.VerifyAll(nil))
}

package consensus

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ComputeDigest returns the hex SHA-256 of payload.
func ComputeDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// RequestDigest binds a PRE_PREPARE to its request.
func RequestDigest(req *Request) string {
	if req == nil {
		return ""
	}
	data, err := json.Marshal(req)
	if err != nil {
		return ""
	}
	return ComputeDigest(data)
}

// KeyPair is a node's ed25519 signing identity.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh random keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// KeyPairFromSeed derives a keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes, got %d", ErrInvalidKey, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// PublicKey returns the verification key.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.public
}

// Seed returns the private seed, for persisting the identity.
func (k *KeyPair) Seed() []byte {
	return k.private.Seed()
}

// Sign signs the canonical bytes of msg and stores the signature in it.
func (k *KeyPair) Sign(msg *Message) error {
	data, err := CanonicalBytes(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message for signing: %w", err)
	}
	msg.Signature = ed25519.Sign(k.private, data)
	return nil
}

// Verify checks sig against the canonical bytes of msg. It returns false,
// never panics, for nil messages, malformed keys or malformed signatures.
func Verify(msg *Message, sig []byte, pub ed25519.PublicKey) bool {
	if msg == nil || len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	data, err := CanonicalBytes(msg)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// KeyRegistry maps peer IDs to their verification keys.
type KeyRegistry struct {
	keys map[string]ed25519.PublicKey
	mu   sync.RWMutex
}

// NewKeyRegistry creates an empty registry.
func NewKeyRegistry() *KeyRegistry {
	return &KeyRegistry{
		keys: make(map[string]ed25519.PublicKey),
	}
}

// Register adds or replaces the key for id.
func (r *KeyRegistry) Register(id string, pub ed25519.PublicKey) error {
	if id == "" {
		return fmt.Errorf("%w: empty node id", ErrInvalidKey)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key for %s must be %d bytes", ErrInvalidKey, id, ed25519.PublicKeySize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[id] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

// PublicKey looks up the key for id.
func (r *KeyRegistry) PublicKey(id string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.keys[id]
	return pub, ok
}

// Contains reports whether id is registered.
func (r *KeyRegistry) Contains(id string) bool {
	_, ok := r.PublicKey(id)
	return ok
}

// VerifyMessage verifies msg against its sender's registered key.
func (r *KeyRegistry) VerifyMessage(msg *Message) bool {
	if msg == nil {
		return false
	}
	pub, ok := r.PublicKey(msg.From)
	if !ok {
		return false
	}
	return Verify(msg, msg.Signature, pub)
}

// IDs returns the registered IDs in sorted order.
func (r *KeyRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BatchVerifier verifies many messages at once; result[i] belongs to msgs[i].
type BatchVerifier interface {
	VerifyAll(msgs []*Message) []bool
}

// SequentialVerifier verifies messages one by one on the caller's goroutine.
type SequentialVerifier struct {
	Registry *KeyRegistry
}

// VerifyAll implements BatchVerifier.
func (v SequentialVerifier) VerifyAll(msgs []*Message) []bool {
	out := make([]bool, len(msgs))
	for i, msg := range msgs {
		out[i] = v.Registry.VerifyMessage(msg)
	}
	return out
}

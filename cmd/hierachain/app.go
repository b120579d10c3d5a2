package main

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

var errBadOperation = errors.New("unknown operation")

// kvStore is the replicated state machine served by the binary.
// Operations are "SET <key> <value>", "GET <key>" and "DEL <key>".
type kvStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newKVStore() *kvStore {
	return &kvStore{data: make(map[string][]byte)}
}

// Apply implements consensus.Application.
func (s *kvStore) Apply(op []byte) ([]byte, error) {
	parts := bytes.SplitN(op, []byte(" "), 3)
	cmd := string(bytes.ToUpper(parts[0]))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case cmd == "SET" && len(parts) == 3:
		s.data[string(parts[1])] = append([]byte(nil), parts[2]...)
		return []byte("OK"), nil
	case cmd == "GET" && len(parts) == 2:
		v, ok := s.data[string(parts[1])]
		if !ok {
			return nil, fmt.Errorf("key %q not found", parts[1])
		}
		return append([]byte(nil), v...), nil
	case cmd == "DEL" && len(parts) == 2:
		delete(s.data, string(parts[1]))
		return []byte("OK"), nil
	default:
		return nil, fmt.Errorf("%w: %q", errBadOperation, op)
	}
}

// StateDigest hashes the sorted key/value pairs.
func (s *kvStore) StateDigest() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%d:%s%d:", len(k), k, len(s.data[k]))
		buf.Write(s.data[k])
	}
	return consensus.ComputeDigest(buf.Bytes())
}

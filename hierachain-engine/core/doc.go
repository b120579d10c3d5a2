// Package core provides the concurrency building blocks of the engine.
// This package implements:
//   - Worker pool with goroutines and panic isolation
//   - Parallel ed25519 verification for view-change certificates and
//     checkpoint proofs
package core

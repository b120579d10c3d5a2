// Package consensus provides the PBFT consensus engine.
// This package implements:
//   - Signed message vocabulary and digests (REQUEST .. NEW_VIEW)
//   - View manager with round-robin primary election
//   - Checkpoint manager with stability voting and garbage collection
//   - Three-phase protocol state machine and the view-change exchange
//
// A Protocol is not safe for concurrent use; the node orchestrator
// serializes every call.
package consensus

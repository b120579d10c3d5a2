// Package api exposes a replica to clients.
//
// Two surfaces share the same node:
//   - GRPCServer serves the hierachain.bft.Node service with a JSON codec;
//     Client is its counterpart.
//   - ArrowServer accepts length-prefixed Arrow IPC request batches over TCP,
//     guarded by an optional token handshake, and answers with receipts;
//     ArrowClient is its counterpart.
package api

// Package node runs one PBFT replica: it feeds transport messages into the
// consensus protocol, sends what the protocol emits, reports executions to
// commit callbacks in sequence order, and exposes metrics and checkpoint
// state transfer.
package node

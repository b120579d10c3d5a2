// Package data provides Arrow IPC serialization for consensus data.
// This package implements:
// - Arrow schemas for checkpoint proofs, request batches and receipts
// - Conversion between consensus types and Arrow records
// - IPC serialization for checkpoint state transfer
package data

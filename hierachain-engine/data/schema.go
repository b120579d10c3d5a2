package data

import (
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
)

// Schema metadata keys carried by checkpoint records.
const (
	MetaSequence    = "hierachain.checkpoint.sequence"
	MetaStateDigest = "hierachain.checkpoint.state_digest"
	MetaTimestamp   = "hierachain.checkpoint.timestamp"
)

func checkpointProofFields() []arrow.Field {
	return []arrow.Field{
		{Name: "from", Type: arrow.BinaryTypes.String},
		{Name: "view", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "sequence", Type: arrow.PrimitiveTypes.Uint64},
		{Name: "digest", Type: arrow.BinaryTypes.String},
		{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
		{Name: "signature", Type: arrow.BinaryTypes.Binary},
	}
}

// CheckpointProofSchema returns the schema of a checkpoint record: one row
// per signed CHECKPOINT vote.
//
// Fields:
//   - from: string - Voting replica
//   - view: uint64 - View the vote was cast in
//   - sequence: uint64 - Checkpoint sequence
//   - digest: string - State digest voted for
//   - timestamp: int64 - Vote timestamp (Unix nanoseconds)
//   - signature: binary - ed25519 signature over the vote
func CheckpointProofSchema() *arrow.Schema {
	return arrow.NewSchema(checkpointProofFields(), nil)
}

// checkpointSchemaWithMeta attaches the snapshot header to the proof schema.
func checkpointSchemaWithMeta(sequence uint64, stateDigest string, timestamp int64) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaSequence, MetaStateDigest, MetaTimestamp},
		[]string{
			strconv.FormatUint(sequence, 10),
			stateDigest,
			strconv.FormatInt(timestamp, 10),
		},
	)
	return arrow.NewSchema(checkpointProofFields(), &md)
}

// RequestBatchSchema returns the schema of a batch of client requests.
//
// Fields:
//   - client_id: string - Client identifier
//   - timestamp: int64 - Client timestamp, unique per client
//   - operation: binary - Opaque operation bytes
func RequestBatchSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "client_id", Type: arrow.BinaryTypes.String},
			{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
			{Name: "operation", Type: arrow.BinaryTypes.Binary, Nullable: true},
		},
		nil,
	)
}

// ReceiptSchema returns the schema of the answer to a request batch.
//
// Fields:
//   - client_id: string - Client identifier
//   - timestamp: int64 - Client timestamp
//   - sequence: uint64 (nullable) - Assigned sequence, null when not ordered
//   - error: string (nullable) - Reason the request was not accepted
func ReceiptSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "client_id", Type: arrow.BinaryTypes.String},
			{Name: "timestamp", Type: arrow.PrimitiveTypes.Int64},
			{Name: "sequence", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
			{Name: "error", Type: arrow.BinaryTypes.String, Nullable: true},
		},
		nil,
	)
}

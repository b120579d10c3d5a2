package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// Receipt answers one request of a batch.
type Receipt struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Converter moves consensus types in and out of Arrow records.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// NewConverterWithAllocator creates a Converter with a custom allocator.
func NewConverterWithAllocator(mem memory.Allocator) *Converter {
	return &Converter{allocator: mem}
}

// SnapshotToRecord encodes a checkpoint snapshot. The snapshot header lives
// in the schema metadata; proofs become rows.
func (c *Converter) SnapshotToRecord(snap *consensus.CheckpointSnapshot) (arrow.Record, error) {
	if snap == nil {
		return nil, errors.New("nil snapshot")
	}

	schema := checkpointSchemaWithMeta(snap.Sequence, snap.StateDigest, snap.Timestamp)
	builder := array.NewRecordBuilder(c.allocator, schema)
	defer builder.Release()

	fromB := builder.Field(0).(*array.StringBuilder)
	viewB := builder.Field(1).(*array.Uint64Builder)
	seqB := builder.Field(2).(*array.Uint64Builder)
	digestB := builder.Field(3).(*array.StringBuilder)
	tsB := builder.Field(4).(*array.Int64Builder)
	sigB := builder.Field(5).(*array.BinaryBuilder)

	for i, p := range snap.Proofs {
		if p == nil {
			return nil, fmt.Errorf("proof %d is nil", i)
		}
		if p.Type != consensus.MsgCheckpoint {
			return nil, fmt.Errorf("proof %d has type %s", i, p.Type)
		}
		fromB.Append(p.From)
		viewB.Append(p.View)
		seqB.Append(p.Sequence)
		digestB.Append(p.Digest)
		tsB.Append(p.Timestamp)
		sigB.Append(p.Signature)
	}

	return builder.NewRecord(), nil
}

// RecordToSnapshot decodes a record written by SnapshotToRecord. Proof
// signatures are carried as-is; verification happens on import.
func (c *Converter) RecordToSnapshot(record arrow.Record) (*consensus.CheckpointSnapshot, error) {
	if err := ValidateSchema(record, CheckpointProofSchema()); err != nil {
		return nil, err
	}

	md := record.Schema().Metadata()
	seqText, err := metaValue(md, MetaSequence)
	if err != nil {
		return nil, err
	}
	digest, err := metaValue(md, MetaStateDigest)
	if err != nil {
		return nil, err
	}
	tsText, err := metaValue(md, MetaTimestamp)
	if err != nil {
		return nil, err
	}
	seq, err := strconv.ParseUint(seqText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint sequence %q: %w", seqText, err)
	}
	ts, err := strconv.ParseInt(tsText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint timestamp %q: %w", tsText, err)
	}

	fromCol := record.Column(0).(*array.String)
	viewCol := record.Column(1).(*array.Uint64)
	seqCol := record.Column(2).(*array.Uint64)
	digestCol := record.Column(3).(*array.String)
	tsCol := record.Column(4).(*array.Int64)
	sigCol := record.Column(5).(*array.Binary)

	snap := &consensus.CheckpointSnapshot{
		Sequence:    seq,
		StateDigest: digest,
		Timestamp:   ts,
		Proofs:      make([]*consensus.Message, 0, record.NumRows()),
	}
	for i := 0; i < int(record.NumRows()); i++ {
		snap.Proofs = append(snap.Proofs, &consensus.Message{
			Type:      consensus.MsgCheckpoint,
			From:      fromCol.Value(i),
			View:      viewCol.Value(i),
			Sequence:  seqCol.Value(i),
			Digest:    digestCol.Value(i),
			Timestamp: tsCol.Value(i),
			Signature: append([]byte(nil), sigCol.Value(i)...),
		})
	}
	return snap, nil
}

func metaValue(md arrow.Metadata, key string) (string, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return "", fmt.Errorf("missing schema metadata %q", key)
	}
	return md.Values()[idx], nil
}

// RequestsToRecord encodes a request batch.
func (c *Converter) RequestsToRecord(reqs []*consensus.Request) (arrow.Record, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty request batch")
	}

	builder := array.NewRecordBuilder(c.allocator, RequestBatchSchema())
	defer builder.Release()

	clientB := builder.Field(0).(*array.StringBuilder)
	tsB := builder.Field(1).(*array.Int64Builder)
	opB := builder.Field(2).(*array.BinaryBuilder)

	for i, r := range reqs {
		if r == nil {
			return nil, fmt.Errorf("request %d is nil", i)
		}
		clientB.Append(r.ClientID)
		tsB.Append(r.Timestamp)
		if r.Operation != nil {
			opB.Append(r.Operation)
		} else {
			opB.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// RecordToRequests decodes a request batch.
func (c *Converter) RecordToRequests(record arrow.Record) ([]*consensus.Request, error) {
	if err := ValidateSchema(record, RequestBatchSchema()); err != nil {
		return nil, err
	}

	clientCol := record.Column(0).(*array.String)
	tsCol := record.Column(1).(*array.Int64)
	opCol := record.Column(2).(*array.Binary)

	reqs := make([]*consensus.Request, 0, record.NumRows())
	for i := 0; i < int(record.NumRows()); i++ {
		req := &consensus.Request{
			ClientID:  clientCol.Value(i),
			Timestamp: tsCol.Value(i),
		}
		if !opCol.IsNull(i) {
			req.Operation = append([]byte(nil), opCol.Value(i)...)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ReceiptsToRecord encodes batch receipts.
func (c *Converter) ReceiptsToRecord(receipts []Receipt) (arrow.Record, error) {
	builder := array.NewRecordBuilder(c.allocator, ReceiptSchema())
	defer builder.Release()

	clientB := builder.Field(0).(*array.StringBuilder)
	tsB := builder.Field(1).(*array.Int64Builder)
	seqB := builder.Field(2).(*array.Uint64Builder)
	errB := builder.Field(3).(*array.StringBuilder)

	for _, r := range receipts {
		clientB.Append(r.ClientID)
		tsB.Append(r.Timestamp)
		if r.Sequence > 0 {
			seqB.Append(r.Sequence)
		} else {
			seqB.AppendNull()
		}
		if r.Error != "" {
			errB.Append(r.Error)
		} else {
			errB.AppendNull()
		}
	}

	return builder.NewRecord(), nil
}

// RecordToReceipts decodes batch receipts.
func (c *Converter) RecordToReceipts(record arrow.Record) ([]Receipt, error) {
	if err := ValidateSchema(record, ReceiptSchema()); err != nil {
		return nil, err
	}

	clientCol := record.Column(0).(*array.String)
	tsCol := record.Column(1).(*array.Int64)
	seqCol := record.Column(2).(*array.Uint64)
	errCol := record.Column(3).(*array.String)

	receipts := make([]Receipt, record.NumRows())
	for i := range receipts {
		receipts[i] = Receipt{
			ClientID:  clientCol.Value(i),
			Timestamp: tsCol.Value(i),
		}
		if !seqCol.IsNull(i) {
			receipts[i].Sequence = seqCol.Value(i)
		}
		if !errCol.IsNull(i) {
			receipts[i].Error = errCol.Value(i)
		}
	}
	return receipts, nil
}

// JSONToRequestRecord converts a JSON array of requests to a record.
func (c *Converter) JSONToRequestRecord(jsonData []byte) (arrow.Record, error) {
	var reqs []*consensus.Request
	if err := json.Unmarshal(jsonData, &reqs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return c.RequestsToRecord(reqs)
}

// RequestRecordToJSON converts a request record back to a JSON array.
func (c *Converter) RequestRecordToJSON(record arrow.Record) ([]byte, error) {
	if record == nil || record.NumRows() == 0 {
		return []byte("[]"), nil
	}
	reqs, err := c.RecordToRequests(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(reqs)
}

// ValidateSchema checks if a record matches the expected schema fields.
// Schema metadata is ignored.
func ValidateSchema(record arrow.Record, expected *arrow.Schema) error {
	if record == nil {
		return errors.New("record is nil")
	}

	actual := record.Schema()
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}

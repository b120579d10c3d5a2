package data

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
)

// SerializeToIPC serializes an Arrow Record to IPC stream bytes.
func SerializeToIPC(record arrow.Record) ([]byte, error) {
	if record == nil {
		return nil, errors.New("record is nil")
	}
	return SerializeMultipleToIPC([]arrow.Record{record})
}

// SerializeMultipleToIPC serializes records sharing one schema.
func SerializeMultipleToIPC(records []arrow.Record) ([]byte, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("no records to serialize")
	}

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(records[0].Schema()))
	defer writer.Close()

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// DeserializeFromIPC returns the first record of an IPC stream. The caller
// releases it.
func DeserializeFromIPC(data []byte) (arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if reader.Err() != nil {
			return nil, reader.Err()
		}
		return nil, fmt.Errorf("no records in IPC data")
	}

	record := reader.Record()
	record.Retain()
	return record, nil
}

// DeserializeAllFromIPC returns every record of an IPC stream.
func DeserializeAllFromIPC(data []byte) ([]arrow.Record, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var records []arrow.Record
	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		for _, r := range records {
			r.Release()
		}
		return nil, reader.Err()
	}

	return records, nil
}

// ExportSnapshot encodes a checkpoint snapshot as an Arrow IPC stream.
func ExportSnapshot(snap *consensus.CheckpointSnapshot) ([]byte, error) {
	record, err := NewConverter().SnapshotToRecord(snap)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return SerializeToIPC(record)
}

// ImportSnapshot decodes a checkpoint snapshot from an Arrow IPC stream.
func ImportSnapshot(data []byte) (*consensus.CheckpointSnapshot, error) {
	record, err := DeserializeFromIPC(data)
	if err != nil {
		return nil, err
	}
	defer record.Release()
	return NewConverter().RecordToSnapshot(record)
}

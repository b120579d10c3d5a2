package api

import (
	"fmt"
	"net"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
)

// ArrowClient submits request batches to an ArrowServer.
type ArrowClient struct {
	conn      net.Conn
	converter *data.Converter
}

// DialArrow connects to addr and authenticates with token when it is set.
func DialArrow(addr, token string, timeout time.Duration) (*ArrowClient, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if token != "" {
		if err := ClientHandshake(conn, token); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &ArrowClient{conn: conn, converter: data.NewConverter()}, nil
}

// SubmitBatch sends reqs as one frame and returns their receipts.
func (c *ArrowClient) SubmitBatch(reqs []*consensus.Request) ([]data.Receipt, error) {
	rec, err := c.converter.RequestsToRecord(reqs)
	if err != nil {
		return nil, err
	}
	payload, err := data.SerializeToIPC(rec)
	rec.Release()
	if err != nil {
		return nil, err
	}

	if err := WriteMessage(c.conn, payload); err != nil {
		return nil, err
	}
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read receipts: %w", err)
	}

	out, err := data.DeserializeFromIPC(resp)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	return c.converter.RecordToReceipts(out)
}

// Close closes the connection.
func (c *ArrowClient) Close() error {
	return c.conn.Close()
}

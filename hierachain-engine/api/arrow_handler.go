package api

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/sirupsen/logrus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
)

// RequestSubmitter accepts client operations.
type RequestSubmitter interface {
	SubmitRequest(op []byte) (uint64, error)
	ForwardRequest(op []byte) error
}

// ArrowHandler turns Arrow request batches into consensus requests.
type ArrowHandler struct {
	node      RequestSubmitter
	converter *data.Converter
	log       logrus.FieldLogger
}

// NewArrowHandler creates a handler submitting to n.
func NewArrowHandler(n RequestSubmitter, log logrus.FieldLogger) *ArrowHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ArrowHandler{
		node:      n,
		converter: data.NewConverterWithAllocator(memory.NewGoAllocator()),
		log:       log,
	}
}

// ProcessBatch decodes an Arrow IPC stream of requests, submits each one and
// answers with an Arrow IPC stream of receipts in input order. Requests are
// ordered locally on the primary and forwarded elsewhere.
func (h *ArrowHandler) ProcessBatch(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("received empty data")
	}

	records, err := data.DeserializeAllFromIPC(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read Arrow stream: %w", err)
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	var reqs []*consensus.Request
	for _, rec := range records {
		batch, err := h.converter.RecordToRequests(rec)
		if err != nil {
			return nil, fmt.Errorf("invalid request batch: %w", err)
		}
		reqs = append(reqs, batch...)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("request batch has no rows")
	}

	receipts := make([]data.Receipt, len(reqs))
	for i, req := range reqs {
		receipts[i] = h.submit(req)
	}
	h.log.WithField("rows", len(reqs)).Debug("Processed request batch")

	out, err := h.converter.ReceiptsToRecord(receipts)
	if err != nil {
		return nil, err
	}
	defer out.Release()
	return data.SerializeToIPC(out)
}

func (h *ArrowHandler) submit(req *consensus.Request) data.Receipt {
	receipt := data.Receipt{ClientID: req.ClientID, Timestamp: req.Timestamp}

	seq, err := h.node.SubmitRequest(req.Operation)
	if errors.Is(err, consensus.ErrNotPrimary) || errors.Is(err, consensus.ErrViewChangeInProgress) {
		err = h.node.ForwardRequest(req.Operation)
		seq = 0
	}
	if err != nil {
		receipt.Error = err.Error()
		return receipt
	}
	receipt.Sequence = seq
	return receipt
}

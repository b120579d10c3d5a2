package consensus

import (
	"encoding/json"
)

// MessageType tags every protocol message.
type MessageType int

const (
	MsgRequest MessageType = iota
	MsgPrePrepare
	MsgPrepare
	MsgCommit
	MsgCheckpoint
	MsgReply
	MsgViewChange
	MsgNewView
)

// AllMessageTypes lists every type a node registers a handler for.
var AllMessageTypes = []MessageType{
	MsgRequest, MsgPrePrepare, MsgPrepare, MsgCommit,
	MsgCheckpoint, MsgReply, MsgViewChange, MsgNewView,
}

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "REQUEST"
	case MsgPrePrepare:
		return "PRE_PREPARE"
	case MsgPrepare:
		return "PREPARE"
	case MsgCommit:
		return "COMMIT"
	case MsgCheckpoint:
		return "CHECKPOINT"
	case MsgReply:
		return "REPLY"
	case MsgViewChange:
		return "VIEW_CHANGE"
	case MsgNewView:
		return "NEW_VIEW"
	default:
		return "UNKNOWN"
	}
}

// Request is a client operation. The engine never interprets Operation.
type Request struct {
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
	Operation []byte `json:"operation,omitempty"`
}

// NullRequest returns the no-op request used to fill sequence gaps after a
// view change.
func NullRequest() *Request {
	return &Request{}
}

// IsNull reports whether r is a null request.
func (r *Request) IsNull() bool {
	return r.ClientID == "" && len(r.Operation) == 0
}

// PreparedCert proves that a request was prepared at (View, Sequence).
type PreparedCert struct {
	Sequence   uint64     `json:"sequence"`
	View       uint64     `json:"view"`
	Digest     string     `json:"digest"`
	Request    *Request   `json:"request"`
	PrePrepare *Message   `json:"pre_prepare"`
	Prepares   []*Message `json:"prepares"`
}

// ViewChange is the payload of a VIEW_CHANGE message. The target view is
// carried in Message.View.
type ViewChange struct {
	StableSequence   uint64         `json:"stable_sequence"`
	StableDigest     string         `json:"stable_digest,omitempty"`
	CheckpointProofs []*Message     `json:"checkpoint_proofs,omitempty"`
	Prepared         []PreparedCert `json:"prepared,omitempty"`
}

// NewView is the payload of a NEW_VIEW message.
type NewView struct {
	ViewChanges []*Message `json:"view_changes"`
	PrePrepares []*Message `json:"pre_prepares"`
}

// Message is the signed envelope shared by every message kind. Fields that
// a kind does not use stay zero and are omitted on the wire.
type Message struct {
	Type       MessageType `json:"type"`
	From       string      `json:"from"`
	Timestamp  int64       `json:"timestamp"`
	View       uint64      `json:"view"`
	Sequence   uint64      `json:"sequence"`
	Digest     string      `json:"digest,omitempty"`
	Request    *Request    `json:"request,omitempty"`
	Result     []byte      `json:"result,omitempty"`
	ViewChange *ViewChange `json:"view_change,omitempty"`
	NewView    *NewView    `json:"new_view,omitempty"`
	Signature  []byte      `json:"signature,omitempty"`
}

// CanonicalBytes returns the bytes covered by the signature: the JSON
// encoding of every field except Signature.
func CanonicalBytes(msg *Message) ([]byte, error) {
	unsigned := *msg
	unsigned.Signature = nil
	return json.Marshal(&unsigned)
}

// Encode serializes a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a wire message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Clone returns a deep copy made through the wire encoding.
func Clone(msg *Message) (*Message, error) {
	data, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

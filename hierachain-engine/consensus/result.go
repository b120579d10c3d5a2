package consensus

// Status is the outcome class of handling a message.
type Status int

const (
	StatusAccepted Status = iota
	StatusBuffered
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusBuffered:
		return "buffered"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason explains a rejection. Accepted results may carry ReasonCheckpointTie
// as an annotation.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonMalformed          Reason = "malformed"
	ReasonUnknownSender      Reason = "unknown_sender"
	ReasonBadSignature       Reason = "bad_signature"
	ReasonOwnMessage         Reason = "own_message"
	ReasonViewMismatch       Reason = "view_mismatch"
	ReasonViewChanging       Reason = "view_changing"
	ReasonNotFromPrimary     Reason = "not_from_primary"
	ReasonPrepareFromPrimary Reason = "prepare_from_primary"
	ReasonDigestMismatch     Reason = "digest_mismatch"
	ReasonConflictingDigest  Reason = "conflicting_digest"
	ReasonDuplicate          Reason = "duplicate"
	ReasonNoRequestState     Reason = "no_request_state"
	ReasonNotPrepared        Reason = "not_prepared"
	ReasonOutOfWatermarks    Reason = "out_of_watermarks"
	ReasonAlreadyExecuted    Reason = "already_executed"
	ReasonBufferFull         Reason = "buffer_full"
	ReasonStaleView          Reason = "stale_view"
	ReasonStaleCheckpoint    Reason = "stale_checkpoint"
	ReasonCheckpointTie      Reason = "checkpoint_tie"
	ReasonOffCadence         Reason = "off_cadence"
	ReasonViewTooFar         Reason = "view_too_far"
	ReasonInvalidViewChange  Reason = "invalid_view_change"
	ReasonInvalidNewView     Reason = "invalid_new_view"
	ReasonUnexpectedType     Reason = "unexpected_type"
	ReasonProposalFailed     Reason = "proposal_failed"
)

// Result is the tagged outcome returned by every message handler.
type Result struct {
	Status Status
	Reason Reason
}

// Accepted returns an accepted result.
func Accepted() Result {
	return Result{Status: StatusAccepted}
}

// Buffered returns a result for a message kept for later processing.
func Buffered() Result {
	return Result{Status: StatusBuffered}
}

// Rejected returns a rejection with the given reason.
func Rejected(reason Reason) Result {
	return Result{Status: StatusRejected, Reason: reason}
}

// IsAccepted reports whether the message was processed.
func (r Result) IsAccepted() bool {
	return r.Status == StatusAccepted
}

// IsRejected reports whether the message was dropped.
func (r Result) IsRejected() bool {
	return r.Status == StatusRejected
}

func (r Result) String() string {
	if r.Reason == ReasonNone {
		return r.Status.String()
	}
	return r.Status.String() + "(" + string(r.Reason) + ")"
}

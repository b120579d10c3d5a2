package consensus

import "errors"

// Configuration and protocol-state errors
var (
	ErrInsufficientNodes     = errors.New("insufficient nodes: cluster size must be at least 3f+1")
	ErrNodeCountMismatch     = errors.New("declared node count does not match node list")
	ErrDuplicateNode         = errors.New("duplicate node id")
	ErrUnknownNode           = errors.New("unknown node")
	ErrInvalidConfig         = errors.New("invalid consensus configuration")
	ErrMissingKeys           = errors.New("signing keypair is required")
	ErrInvalidKey            = errors.New("invalid key")
	ErrNotPrimary            = errors.New("node is not the primary for the current view")
	ErrInvalidViewTransition = errors.New("invalid view transition")
	ErrViewChangeInProgress  = errors.New("view change in progress")
	ErrOutOfWatermarks       = errors.New("sequence outside watermark window")
	ErrNilRequest            = errors.New("request is nil")
	ErrNoStableCheckpoint    = errors.New("no stable checkpoint")
	ErrInvalidCheckpoint     = errors.New("invalid checkpoint")
	ErrStaleCheckpoint       = errors.New("checkpoint is not newer than the stable checkpoint")
)

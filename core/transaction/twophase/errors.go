package twophase

import "errors"

// User-facing errors unwind to the calling session and leave shared state
// untouched; corruption errors abort the current operation or startup.
var (
	ErrTwoPhaseDisabled    = errors.New("twophase: prepared transactions are disabled (max_prepared_transactions is zero)")
	ErrMaxPreparedExceeded = errors.New("twophase: maximum number of prepared transactions reached")
	ErrDuplicateGID        = errors.New("twophase: transaction identifier is already in use")
	ErrNotFound            = errors.New("twophase: prepared transaction does not exist")
	ErrBusy                = errors.New("twophase: prepared transaction is busy")
	ErrPermissionDenied    = errors.New("twophase: permission denied to finish prepared transaction")
	ErrWrongDatabase       = errors.New("twophase: prepared transaction belongs to another database")
	ErrStateTooLarge       = errors.New("twophase: two-phase state record exceeds maximum size")
	ErrCorruptState        = errors.New("twophase: two-phase state record is corrupt")
)

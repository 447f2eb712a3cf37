package supervisor

import "errors"

// Typed errors for start/stop preconditions. HTTP handlers map these to
// status codes.
var (
	ErrConcurrencyLimit  = errors.New("maximum concurrent recordings reached")
	ErrInsufficientDisk  = errors.New("insufficient disk space for recording")
	ErrCourtBusy         = errors.New("court already has an active recording")
	ErrSourceUnreachable = errors.New("camera source is unreachable")
	ErrNotFound          = errors.New("recording session not found")
	// ErrAlreadyStopped reports an absorbed stop on a session that is
	// already terminal or mid-stop. Not a failure.
	ErrAlreadyStopped = errors.New("recording session already stopped")
)

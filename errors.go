package strata

import "errors"

// Sentinel errors returned across the Engine's public boundary, per
// spec.md §7. Internal errors from buffer/segment/search are logged with
// structured zap fields and translated into one of these before
// reaching a caller - never leaked as their original internal type.
var (
	// ErrInvalidArgument signals a malformed key, operator, or value was
	// supplied by the caller (e.g. REGEX over a non-character-sequence
	// value, or a Key that fails the ^[A-Za-z0-9_]+$ pattern).
	ErrInvalidArgument = errors.New("strata: invalid argument")

	// ErrCapacity signals the Buffer has reached its configured maximum
	// number of undrained pages; the caller should back off and retry.
	ErrCapacity = errors.New("strata: capacity exceeded")

	// ErrMalformedSegment signals an on-disk Segment could not be parsed
	// and was discarded rather than loaded.
	ErrMalformedSegment = errors.New("strata: malformed segment")

	// ErrAtomicStateInvalid signals an AtomicOperation or Transaction was
	// used out of its single-threaded, non-reentrant protocol (e.g.
	// Commit called twice, or a read fence whose values changed
	// underneath it).
	ErrAtomicStateInvalid = errors.New("strata: atomic state invalid")

	// ErrCorruption signals a durable structure (a Buffer page, a
	// Segment, a transaction backup) failed an integrity check during
	// recovery.
	ErrCorruption = errors.New("strata: corruption detected")

	// ErrInterrupted signals a blocking operation was cancelled via its
	// context before it could complete.
	ErrInterrupted = errors.New("strata: interrupted")

	// ErrFatal signals the Engine's background transporter has stopped
	// after an unrecoverable error; writes continue to accumulate in the
	// Buffer until an operator restarts the Engine.
	ErrFatal = errors.New("strata: fatal engine error")

	// errUnknownEnvironment is not returned by any Engine method:
	// environments are opened on first use, so no name is unknown.
	errUnknownEnvironment = errors.New("strata: unknown environment")

	// errEngineNotRunning guards every public operation against use
	// before Start or after Stop.
	errEngineNotRunning = errors.New("strata: engine not running")
)

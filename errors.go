package taskmesh

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the taskmesh package.
var (
	// ErrEngineClosed is returned when operations are attempted on a
	// stopped engine.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrStoreClosed is returned when operations are attempted on a
	// closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrPayloadCorrupted is returned when a payload fails its integrity
	// check. The payload must never be applied; callers surface this as a
	// resync condition.
	ErrPayloadCorrupted = errors.New("payload integrity check failed")

	// ErrLockTimeout is returned when waiting for a sync lock exceeds the
	// caller's timeout.
	ErrLockTimeout = errors.New("sync lock wait timed out")

	// ErrSessionClosed is returned when sending on a torn-down session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrHandshakeRequired is returned when a peer sends anything before
	// its handshake.
	ErrHandshakeRequired = errors.New("handshake required before other messages")

	// ErrRequestTimeout is returned when a peer does not answer a request
	// in time. Retries must re-issue a fresh envelope.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnknownMessageType is returned for envelope types this protocol
	// does not understand.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrRecordNotFound is returned when a record id has no entry.
	ErrRecordNotFound = errors.New("record not found")

	// ErrIdentityNotFound is returned on first run, before a device
	// identity has been persisted.
	ErrIdentityNotFound = errors.New("device identity not found")

	// ErrPeerNotFound is returned when no roster entry or session exists
	// for a device id.
	ErrPeerNotFound = errors.New("peer not found")
)

// SyncErrorType categorizes sync failures.
type SyncErrorType int

const (
	// SyncErrorTransient covers socket errors, malformed datagrams and
	// lock contention: logged, the offending unit dropped, the process
	// continues.
	SyncErrorTransient SyncErrorType = iota
	// SyncErrorIntegrity covers hash mismatches on receipt. The payload
	// is discarded and the caller must be told a resync is needed.
	SyncErrorIntegrity
	// SyncErrorProtocol covers unknown message types and missing
	// handshakes. The offending peer's session is terminated; others are
	// unaffected.
	SyncErrorProtocol
	// SyncErrorFatal covers failures the engine cannot run past, such as
	// an unbindable discovery socket.
	SyncErrorFatal
)

// SyncError carries the failure category alongside the peer it concerns,
// so callers can distinguish "will retry automatically" from "requires
// user awareness".
type SyncError struct {
	Type    SyncErrorType
	Message string
	PeerID  string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	if e.Type == SyncErrorIntegrity {
		return target == ErrPayloadCorrupted
	}
	return false
}

// Recoverable reports whether the failure clears on its own via the next
// announcement or sync cycle.
func (e *SyncError) Recoverable() bool {
	return e.Type == SyncErrorTransient
}

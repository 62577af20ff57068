// Package errs defines the gateway's error taxonomy (spec §7) as Go error
// types, and classifies storage/transport errors into that taxonomy.
package errs

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// NoteCoder is implemented by the four taxonomy members that carry a CAS
// ACK note code.
type NoteCoder interface {
	error
	NoteCode() string
}

// ParsingFailure: raw bytes or XML cannot be decoded. NACK note 810.
type ParsingFailure struct{ Err error }

func (e *ParsingFailure) Error() string  { return fmt.Sprintf("parsing failure: %v", e.Err) }
func (e *ParsingFailure) Unwrap() error  { return e.Err }
func (e *ParsingFailure) NoteCode() string { return "810" }

// ValidationFailure: structural/field-presence error. NACK note 210.
type ValidationFailure struct{ Field, Reason string }

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failure: %s: %s", e.Field, e.Reason)
}
func (e *ValidationFailure) NoteCode() string { return "210" }

// ProfileFailure: rule/allowlist violation, e.g. unknown event code. NACK note 220.
type ProfileFailure struct{ Reason string }

func (e *ProfileFailure) Error() string    { return fmt.Sprintf("profile failure: %s", e.Reason) }
func (e *ProfileFailure) NoteCode() string { return "220" }

// DuplicateMessage: inbox dedup hit. NACK note 300.
type DuplicateMessage struct{ Key string }

func (e *DuplicateMessage) Error() string    { return fmt.Sprintf("duplicate message: %s", e.Key) }
func (e *DuplicateMessage) NoteCode() string { return "300" }

// TransientStorageFailure: DB unavailable, deadlock, transport wobble. Retry-eligible.
type TransientStorageFailure struct{ Err error }

func (e *TransientStorageFailure) Error() string { return fmt.Sprintf("transient storage failure: %v", e.Err) }
func (e *TransientStorageFailure) Unwrap() error  { return e.Err }

// TerminalStorageFailure: schema/integrity violation that is not dedup. Not retried past MAX_RETRIES.
type TerminalStorageFailure struct{ Err error }

func (e *TerminalStorageFailure) Error() string { return fmt.Sprintf("terminal storage failure: %v", e.Err) }
func (e *TerminalStorageFailure) Unwrap() error  { return e.Err }

// AuthenticationFailure: CAS auth rejected; closes the socket without retry backoff override.
type AuthenticationFailure struct{ Reason string }

func (e *AuthenticationFailure) Error() string { return fmt.Sprintf("authentication failure: %s", e.Reason) }

// FramingFailure: bad magic or oversize length; buffer purged, connection continues.
type FramingFailure struct{ Reason string }

func (e *FramingFailure) Error() string { return fmt.Sprintf("framing failure: %s", e.Reason) }

// NoActiveSession: the target subscriber has no connected WebSocket right
// now. Not a delivery failure — the row is left (or downgraded back) to
// PENDING for a later poll once the subscriber reconnects, without charging
// a retry attempt (spec §4.6 step 3).
type NoActiveSession struct{ SubscriberID string }

func (e *NoActiveSession) Error() string {
	return fmt.Sprintf("no active session: %s", e.SubscriberID)
}

// TerminalFailure: the delivery can never succeed regardless of remaining
// retry budget — e.g. a DISASTER_RESULT report whose referenced
// disaster_publish_log row is missing (spec §4.4 step 2: "Missing ⇒
// terminal FAILED"). Forces the poller to mark the row FAILED on this
// attempt instead of counting it against MaxRetries.
type TerminalFailure struct{ Reason string }

func (e *TerminalFailure) Error() string { return fmt.Sprintf("terminal failure: %s", e.Reason) }

// ClassifyStorageError maps a database/sql error into the storage portion of
// the taxonomy, following the teacher's mediator status-classification
// pattern (switch on a typed code, default to terminal) adapted from HTTP
// status codes to Postgres SQLSTATE codes.
func ClassifyStorageError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505": // unique_violation
			return &DuplicateMessage{Key: pgErr.ConstraintName}
		case pgErr.Code[:2] == "08": // connection exception class
			return &TransientStorageFailure{Err: err}
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization/deadlock
			return &TransientStorageFailure{Err: err}
		default:
			return &TerminalStorageFailure{Err: err}
		}
	}
	return &TransientStorageFailure{Err: err}
}

// NoteFor returns the CAS ACK note code and message for any classified
// error, defaulting to the catch-all internal note when the error does not
// carry one of its own.
func NoteFor(err error) (code, message string) {
	var nc NoteCoder
	if errors.As(err, &nc) {
		return nc.NoteCode(), nc.Error()
	}
	return "810", "internal error"
}

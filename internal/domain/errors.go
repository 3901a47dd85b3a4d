package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrLockHeld          = errors.New("lock already held")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStatusConflict    = errors.New("status changed concurrently")
	ErrMalformedRecord   = errors.New("malformed record")
	ErrTriggersConsumed  = errors.New("trigger actions already consumed")
	ErrNoConnection      = errors.New("no terminal connection for account")
	ErrSendTimeout       = errors.New("terminal send timed out")
	ErrQueueClosed       = errors.New("queue closed")
)

// TransitionError reports a rejected state machine move. It matches
// ErrInvalidTransition under errors.Is.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// RecordError is returned when a payload from the remote store fails boundary
// validation. It matches ErrMalformedRecord under errors.Is.
type RecordError struct {
	Kind   string
	ID     string
	Field  string
	Reason string
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s record: %s: %s", e.Kind, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s record %s: %s: %s", e.Kind, e.ID, e.Field, e.Reason)
}

func (e *RecordError) Unwrap() error { return ErrMalformedRecord }

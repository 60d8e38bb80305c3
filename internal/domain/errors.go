package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures. The orchestrator uses the kind to
// decide whether to abort the message or degrade and continue.
type ErrorKind string

const (
	KindMalformedPayload ErrorKind = "malformed_payload"
	KindMediaFetch       ErrorKind = "media_fetch"
	KindTranscription    ErrorKind = "transcription"
	KindModel            ErrorKind = "model"
	KindPersistence      ErrorKind = "persistence"
	KindSynthesis        ErrorKind = "synthesis"
	KindDispatch         ErrorKind = "dispatch"
)

// Terminal reports whether a failure of this kind ends processing for the
// message without a reply.
func (k ErrorKind) Terminal() bool {
	switch k {
	case KindMalformedPayload, KindMediaFetch, KindTranscription, KindDispatch:
		return true
	default:
		return false
	}
}

// StageError is a classified failure raised by one pipeline stage.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches any StageError of the same kind, so callers can write
// errors.Is(err, &StageError{Kind: KindModel}).
func (e *StageError) Is(target error) bool {
	t, ok := target.(*StageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewError wraps err with a kind. A nil err yields nil.
func NewError(kind ErrorKind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) && se.Kind == kind {
		return err
	}
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

func Errorf(kind ErrorKind, stage, format string, args ...any) error {
	return &StageError{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind of the outermost StageError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

package scheduling

import (
	"errors"
	"fmt"
)

// Errors returned by the scheduling core.
var (
	ErrSlotConflict           = errors.New("slot no longer available, please pick another")
	ErrInvalidTransition      = errors.New("invalid appointment transition")
	ErrInvalidQueueTransition = errors.New("invalid queue transition")
	ErrAppointmentNotFound    = errors.New("appointment not found")
	ErrDoctorNotFound         = errors.New("doctor not found")
	ErrNotInQueue             = errors.New("appointment is not in today's queue")
)

// TransitionError describes a rejected state change. It matches
// ErrInvalidTransition or ErrInvalidQueueTransition through errors.Is.
type TransitionError struct {
	kind error
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s cannot move from %s to %s", e.kind, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return e.kind }

func invalidTransition(id, from, to string) error {
	return &TransitionError{kind: ErrInvalidTransition, ID: id, From: from, To: to}
}

func invalidQueueTransition(id, from, to string) error {
	return &TransitionError{kind: ErrInvalidQueueTransition, ID: id, From: from, To: to}
}

// ValidationError reports malformed input such as bad working hours or a
// datetime that is not in canonical form.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

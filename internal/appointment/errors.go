package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidWindow       = fmt.Errorf("%w: invalid availability window", ErrValidation)
	ErrInvalidInterval     = fmt.Errorf("%w: invalid interval", ErrValidation)
	ErrOutsideAvailability = errors.New("requested range is outside provider availability")
	ErrBlackoutOverlap     = errors.New("requested range overlaps a blackout")
	ErrDoubleBooked        = errors.New("requested range is already booked")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrTooLateToCancel     = errors.New("appointment has already started")
	ErrAppointmentClosed   = errors.New("appointment is in a terminal state")
	ErrNotFound            = errors.New("not found")
	ErrProviderNotFound    = fmt.Errorf("provider %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrSchedulingBusy      = errors.New("provider schedule is busy, retry later")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

// ValidationError reports malformed input. It matches ErrValidation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type ConflictReason string

const (
	ReasonOutsideAvailability ConflictReason = "outside_availability"
	ReasonBlackoutOverlap     ConflictReason = "blackout_overlap"
	ReasonDoubleBooked        ConflictReason = "double_booked"
)

// ConflictError carries the reason and the interval that blocked the booking
// so callers can suggest an alternative slot.
type ConflictError struct {
	Reason   ConflictReason
	Interval Range
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflicting interval %s", e.sentinel(), e.Interval)
}

func (e *ConflictError) Unwrap() error { return e.sentinel() }

func (e *ConflictError) sentinel() error {
	switch e.Reason {
	case ReasonOutsideAvailability:
		return ErrOutsideAvailability
	case ReasonBlackoutOverlap:
		return ErrBlackoutOverlap
	default:
		return ErrDoubleBooked
	}
}

type IllegalTransitionError struct {
	From   AppointmentStatus
	To     AppointmentStatus
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal status transition %s -> %s: %s", e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

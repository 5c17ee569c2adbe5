package appointment

import (
	"time"

	"github.com/google/uuid"
)

// Lifecycle:
//
//	requested → confirmed → completed
//	requested → cancelled
//	confirmed → cancelled (before start, unless overridden)
//	confirmed → no_show
type guard func(a *Appointment, now time.Time, actor Actor) error

var transitions = map[AppointmentStatus]map[AppointmentStatus]guard{
	StatusRequested: {
		StatusConfirmed: nil,
		StatusCancelled: cancelGuard,
	},
	StatusConfirmed: {
		StatusCancelled: cancelGuard,
		StatusCompleted: func(a *Appointment, now time.Time, _ Actor) error {
			if now.Before(a.Range.End) {
				return &IllegalTransitionError{From: a.Status, To: StatusCompleted, Reason: "appointment has not ended"}
			}
			return nil
		},
		StatusNoShow: func(a *Appointment, now time.Time, _ Actor) error {
			if now.Before(a.Range.Start) {
				return &IllegalTransitionError{From: a.Status, To: StatusNoShow, Reason: "appointment has not started"}
			}
			return nil
		},
	},
}

func cancelGuard(a *Appointment, now time.Time, actor Actor) error {
	if !now.Before(a.Range.Start) && !actor.canOverride() {
		return ErrTooLateToCancel
	}
	return nil
}

// InitialStatus is the status a freshly booked appointment starts in.
func InitialStatus(immediateConfirmation bool) AppointmentStatus {
	if immediateConfirmation {
		return StatusConfirmed
	}
	return StatusRequested
}

func CanTransition(from, to AppointmentStatus) bool {
	_, ok := transitions[from][to]
	return ok
}

type TransitionEvent struct {
	AppointmentID uuid.UUID
	ProviderID    uuid.UUID
	From          AppointmentStatus
	To            AppointmentStatus
	Actor         Actor
	At            time.Time
}

// ReleasesSlot reports whether the transition gives the range back to the provider.
func (e TransitionEvent) ReleasesSlot() bool {
	return e.To == StatusCancelled
}

// Transition validates moving a to status to at now. It does not mutate a;
// the caller persists the change with a compare-and-set on the old status.
func Transition(a *Appointment, to AppointmentStatus, now time.Time, actor Actor) (TransitionEvent, error) {
	allowed, ok := transitions[a.Status]
	if !ok {
		return TransitionEvent{}, &IllegalTransitionError{From: a.Status, To: to, Reason: "status is terminal"}
	}
	check, ok := allowed[to]
	if !ok {
		return TransitionEvent{}, &IllegalTransitionError{From: a.Status, To: to}
	}
	if check != nil {
		if err := check(a, now, actor); err != nil {
			return TransitionEvent{}, err
		}
	}

	return TransitionEvent{
		AppointmentID: a.ID,
		ProviderID:    a.ProviderID,
		From:          a.Status,
		To:            to,
		Actor:         actor,
		At:            now,
	}, nil
}

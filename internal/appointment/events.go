package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentRequested   = "APPOINTMENT_REQUESTED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentUpdated     = "APPOINTMENT_UPDATED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow      = "APPOINTMENT_NO_SHOW"
)

var eventForStatus = map[AppointmentStatus]string{
	StatusRequested: EventAppointmentRequested,
	StatusConfirmed: EventAppointmentConfirmed,
	StatusCancelled: EventAppointmentCancelled,
	StatusCompleted: EventAppointmentCompleted,
	StatusNoShow:    EventAppointmentNoShow,
}

// Event is emitted after a change is committed. Delivery (email, SMS) is
// up to whoever subscribes.
type Event struct {
	Type          string            `json:"type"`
	AppointmentID uuid.UUID         `json:"appointment_id"`
	ProviderID    uuid.UUID         `json:"provider_id"`
	PatientID     uuid.UUID         `json:"patient_id"`
	From          AppointmentStatus `json:"from,omitempty"`
	To            AppointmentStatus `json:"to"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	ActorID       *uuid.UUID        `json:"actor_id,omitempty"`
	ActorKind     ActorKind         `json:"actor_kind,omitempty"`
	SlotReleased  bool              `json:"slot_released"`
	At            time.Time         `json:"at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func newEvent(eventType string, a *Appointment, from AppointmentStatus, actor Actor, at time.Time) Event {
	ev := Event{
		Type:          eventType,
		AppointmentID: a.ID,
		ProviderID:    a.ProviderID,
		PatientID:     a.PatientID,
		From:          from,
		To:            a.Status,
		Start:         a.Range.Start,
		End:           a.Range.End,
		ActorKind:     actor.Kind,
		SlotReleased:  a.Status == StatusCancelled,
		At:            at,
	}
	if actor.ID != uuid.Nil {
		id := actor.ID
		ev.ActorID = &id
	}
	return ev
}

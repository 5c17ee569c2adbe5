package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusChange moves one appointment from From to To. Range is the range the
// transition guards were checked against.
type StatusChange struct {
	ID          uuid.UUID
	From        AppointmentStatus
	To          AppointmentStatus
	Range       Range
	CancelledBy *uuid.UUID
	At          time.Time
}

// Repository contains all persistence needed by the availability store and the service.
type Repository interface {
	// Providers and availability
	CreateProvider(ctx context.Context, p *Provider) error
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []Window) error
	InsertBlackout(ctx context.Context, b *Blackout) error

	// ListActiveAppointments returns requested/confirmed appointments of a
	// provider that overlap within.
	ListActiveAppointments(ctx context.Context, providerID uuid.UUID, within Range) ([]Appointment, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Creation and updates. Both return ErrDoubleBooked when the store itself
	// detects an overlapping active reservation.
	CreateAppointment(ctx context.Context, a *Appointment) error
	// SaveAppointment writes range, reason, category and updated_at only.
	// It returns ErrAppointmentClosed if the stored record is terminal.
	SaveAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointmentStatus applies c only while the stored status and
	// range still match c.From and c.Range; otherwise ErrAppointmentNotFound.
	UpdateAppointmentStatus(ctx context.Context, c StatusChange) (*Appointment, error)

	// ListAppointments returns matches ordered by start time ascending.
	ListAppointments(ctx context.Context, f Filter) ([]Appointment, error)

	// Expiry worker
	FindStaleRequested(ctx context.Context, createdBefore time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusRequested AppointmentStatus = "requested"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) IsValid() bool {
	switch s {
	case StatusRequested, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// IsActive reports whether the status holds a reservation on the provider's calendar.
func (s AppointmentStatus) IsActive() bool {
	return s == StatusRequested || s == StatusConfirmed
}

func (s AppointmentStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

type Category string

const (
	CategoryGP              Category = "gp"
	CategoryDentist         Category = "dentist"
	CategorySpecialist      Category = "specialist"
	CategoryPediatrician    Category = "pediatrician"
	CategoryPhysiotherapist Category = "physiotherapist"
	CategoryPsychologist    Category = "psychologist"
)

func (c Category) IsValid() bool {
	switch c {
	case CategoryGP, CategoryDentist, CategorySpecialist, CategoryPediatrician,
		CategoryPhysiotherapist, CategoryPsychologist:
		return true
	}
	return false
}

// Range is a half-open time interval [Start, End).
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func NewRange(start, end time.Time) Range {
	return Range{Start: start, End: end}
}

func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Overlaps uses half-open semantics: touching ranges do not overlap.
func (r Range) Overlaps(o Range) bool {
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

func (r Range) Contains(inner Range) bool {
	return !inner.Start.Before(r.Start) && !inner.End.After(r.End)
}

func (r Range) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return &ValidationError{Field: "range", Msg: "start and end are required"}
	}
	if !r.End.After(r.Start) {
		return &ValidationError{Field: "range", Msg: "end must be after start"}
	}
	return nil
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}

// ClockTime is a time of day in minutes since midnight. 24:00 is allowed as a window end.
type ClockTime int

const endOfDay ClockTime = 24 * 60

func ParseClockTime(s string) (ClockTime, error) {
	if s == "24:00" {
		return endOfDay, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, &ValidationError{Field: "time", Msg: fmt.Sprintf("invalid clock time %q, want HH:MM", s)}
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// On returns the instant of c on the calendar day of day, in loc.
func (c ClockTime) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// Window is one weekly recurring availability block.
type Window struct {
	Day   time.Weekday `json:"day"`
	Start ClockTime    `json:"start"`
	End   ClockTime    `json:"end"`
}

func (w Window) overlaps(o Window) bool {
	return w.Day == o.Day && w.Start < o.End && o.Start < w.End
}

type Blackout struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Range      Range
	Reason     string
	CreatedAt  time.Time
}

type Provider struct {
	ID           uuid.UUID
	Name         string
	Category     Category
	SlotDuration time.Duration
	Windows      []Window
	Blackouts    []Blackout
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Slot is a computed, bookable interval. It is never persisted.
type Slot struct {
	ProviderID uuid.UUID     `json:"provider_id"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"-"`
}

func (s Slot) Range() Range {
	return Range{Start: s.Start, End: s.End}
}

type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	ProviderID  uuid.UUID
	Range       Range
	Reason      string
	Category    Category
	Status      AppointmentStatus
	CancelledBy *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

type ActorKind string

const (
	ActorPatient  ActorKind = "patient"
	ActorProvider ActorKind = "provider"
	ActorSystem   ActorKind = "system"
)

// Actor is whoever drives a transition. Provider and system actors may
// cancel after an appointment has started.
type Actor struct {
	ID   uuid.UUID
	Kind ActorKind
}

func (a Actor) canOverride() bool {
	return a.Kind == ActorProvider || a.Kind == ActorSystem
}

// SystemActor is used by background jobs.
var SystemActor = Actor{Kind: ActorSystem}

type BookingRequest struct {
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	Range      Range
	Reason     string
	Category   Category
}

// Patch holds optional changes. Nil fields are left untouched.
type Patch struct {
	Range    *Range
	Reason   *string
	Category *Category
}

type Filter struct {
	ProviderID *uuid.UUID
	PatientID  *uuid.UUID
	Category   *Category
	Status     *AppointmentStatus
	Range      *Range
}

// Matches applies the filter in memory. The postgres repository builds the equivalent SQL.
func (f Filter) Matches(a Appointment) bool {
	if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.Category != nil && a.Category != *f.Category {
		return false
	}
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Range != nil && !a.Range.Overlaps(*f.Range) {
		return false
	}
	return true
}

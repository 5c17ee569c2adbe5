package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
)

type CreateProviderRequest struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	SlotMinutes int    `json:"slot_minutes"`
}

type WindowDTO struct {
	Day   string `json:"day"`
	Start string `json:"start"`
	End   string `json:"end"`
}

type SetAvailabilityRequest struct {
	Windows []WindowDTO `json:"windows"`
}

type CreateBlackoutRequest struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason"`
}

type CreateAppointmentRequest struct {
	PatientID  string    `json:"patient_id"`
	ProviderID string    `json:"provider_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Reason     string    `json:"reason"`
	Category   string    `json:"category"`
}

type UpdateAppointmentRequest struct {
	Start    *time.Time `json:"start,omitempty"`
	End      *time.Time `json:"end,omitempty"`
	Reason   *string    `json:"reason,omitempty"`
	Category *string    `json:"category,omitempty"`
}

type BlackoutResponse struct {
	ID     uuid.UUID `json:"id"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

type ProviderResponse struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Category    string             `json:"category"`
	SlotMinutes int                `json:"slot_minutes"`
	Windows     []WindowDTO        `json:"windows"`
	Blackouts   []BlackoutResponse `json:"blackouts"`
}

type SlotResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type SlotsResponse struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	Slots      []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID          uuid.UUID  `json:"id"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ProviderID  uuid.UUID  `json:"provider_id"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Reason      string     `json:"reason,omitempty"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	CancelledBy *uuid.UUID `json:"cancelled_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type ListAppointmentsResponse struct {
	Appointments []AppointmentResponse `json:"appointments"`
	Count        int                   `json:"count"`
}

type ConflictResponse struct {
	Reason string    `json:"reason"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

type ErrorResponse struct {
	Error       string               `json:"error"`
	Details     string               `json:"details,omitempty"`
	Conflict    *ConflictResponse    `json:"conflict,omitempty"`
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		PatientID:   a.PatientID,
		ProviderID:  a.ProviderID,
		Start:       a.Range.Start,
		End:         a.Range.End,
		Reason:      a.Reason,
		Category:    string(a.Category),
		Status:      string(a.Status),
		CancelledBy: a.CancelledBy,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func toProviderResponse(p *appointment.Provider) ProviderResponse {
	resp := ProviderResponse{
		ID:          p.ID,
		Name:        p.Name,
		Category:    string(p.Category),
		SlotMinutes: int(p.SlotDuration / time.Minute),
		Windows:     make([]WindowDTO, 0, len(p.Windows)),
		Blackouts:   make([]BlackoutResponse, 0, len(p.Blackouts)),
	}
	for _, w := range p.Windows {
		resp.Windows = append(resp.Windows, WindowDTO{
			Day:   strings.ToLower(w.Day.String()),
			Start: w.Start.String(),
			End:   w.End.String(),
		})
	}
	for _, b := range p.Blackouts {
		resp.Blackouts = append(resp.Blackouts, BlackoutResponse{ID: b.ID, Start: b.Range.Start, End: b.Range.End, Reason: b.Reason})
	}
	return resp
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func (w WindowDTO) toWindow() (appointment.Window, error) {
	day, ok := weekdays[strings.ToLower(strings.TrimSpace(w.Day))]
	if !ok {
		return appointment.Window{}, &appointment.ValidationError{Field: "day", Msg: fmt.Sprintf("unknown weekday %q", w.Day)}
	}
	start, err := appointment.ParseClockTime(w.Start)
	if err != nil {
		return appointment.Window{}, err
	}
	end, err := appointment.ParseClockTime(w.End)
	if err != nil {
		return appointment.Window{}, err
	}
	return appointment.Window{Day: day, Start: start, End: end}, nil
}

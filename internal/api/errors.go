package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps scheduling errors onto HTTP statuses. current, when
// non-nil, is the unchanged record returned by a failed update.
func writeServiceError(w http.ResponseWriter, err error, current *appointment.Appointment) {
	status, code := classify(err)

	resp := ErrorResponse{Error: code, Details: err.Error()}
	var conflict *appointment.ConflictError
	if errors.As(err, &conflict) {
		resp.Conflict = &ConflictResponse{
			Reason: string(conflict.Reason),
			Start:  conflict.Interval.Start,
			End:    conflict.Interval.End,
		}
	}
	if current != nil {
		a := toAppointmentResponse(current)
		resp.Appointment = &a
	}
	if status == http.StatusServiceUnavailable && errors.Is(err, appointment.ErrSchedulingBusy) {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		resp.Details = "internal error"
		log.Error().Err(err).Msg("unhandled service error")
	}

	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	var conflict *appointment.ConflictError
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict, string(conflict.Reason)
	case errors.Is(err, appointment.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, appointment.ErrProviderNotFound):
		return http.StatusNotFound, "provider_not_found"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found"
	case errors.Is(err, appointment.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, appointment.ErrIllegalTransition):
		return http.StatusConflict, "illegal_transition"
	case errors.Is(err, appointment.ErrTooLateToCancel):
		return http.StatusConflict, "too_late_to_cancel"
	case errors.Is(err, appointment.ErrAppointmentClosed):
		return http.StatusConflict, "appointment_closed"
	case errors.Is(err, appointment.ErrSchedulingBusy):
		return http.StatusServiceUnavailable, "scheduling_busy"
	case errors.Is(err, appointment.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
)

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		appt, err := svc.RequestAppointment(r.Context(), appointment.BookingRequest{
			PatientID:  patientID,
			ProviderID: providerID,
			Range:      appointment.NewRange(req.Start, req.End),
			Reason:     req.Reason,
			Category:   appointment.Category(req.Category),
		})
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseFilter(r)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		appts, err := svc.ListAppointments(r.Context(), filter)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		resp := ListAppointmentsResponse{
			Appointments: make([]AppointmentResponse, 0, len(appts)),
			Count:        len(appts),
		}
		for i := range appts {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func updateAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		var patch appointment.Patch
		if req.Start != nil || req.End != nil {
			if req.Start == nil || req.End == nil {
				writeError(w, http.StatusBadRequest, "validation_error", "start and end must be changed together")
				return
			}
			rng := appointment.NewRange(*req.Start, *req.End)
			patch.Range = &rng
		}
		patch.Reason = req.Reason
		if req.Category != nil {
			c := appointment.Category(*req.Category)
			patch.Category = &c
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, patch)
		if err != nil {
			writeServiceError(w, err, appt)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

type transitionFunc func(ctx context.Context, id uuid.UUID, actor appointment.Actor) (*appointment.Appointment, error)

// transitionHandler serves cancel, confirm, complete and no-show. The actor
// comes from headers set by the identity layer in front of this service.
func transitionHandler(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		actor, err := actorFromRequest(r)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		appt, err := fn(r.Context(), id, actor)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func actorFromRequest(r *http.Request) (appointment.Actor, error) {
	kind := appointment.ActorKind(r.Header.Get("X-Actor-Role"))
	switch kind {
	case appointment.ActorPatient, appointment.ActorProvider:
	case "":
		return appointment.Actor{}, &appointment.ValidationError{Field: "X-Actor-Role", Msg: "header is required"}
	default:
		// the system actor is reserved for background jobs
		return appointment.Actor{}, &appointment.ValidationError{Field: "X-Actor-Role", Msg: "must be patient or provider"}
	}

	actor := appointment.Actor{Kind: kind}
	if raw := r.Header.Get("X-Actor-ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return appointment.Actor{}, &appointment.ValidationError{Field: "X-Actor-ID", Msg: "must be a valid UUID"}
		}
		actor.ID = id
	}
	return actor, nil
}

func parseFilter(r *http.Request) (appointment.Filter, error) {
	q := r.URL.Query()
	var f appointment.Filter

	if v := q.Get("provider_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: "provider_id", Msg: "must be a valid UUID"}
		}
		f.ProviderID = &id
	}
	if v := q.Get("patient_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, &appointment.ValidationError{Field: "patient_id", Msg: "must be a valid UUID"}
		}
		f.PatientID = &id
	}
	if v := q.Get("category"); v != "" {
		c := appointment.Category(v)
		f.Category = &c
	}
	if v := q.Get("status"); v != "" {
		s := appointment.AppointmentStatus(v)
		f.Status = &s
	}

	from, to := q.Get("from"), q.Get("to")
	if from != "" || to != "" {
		rng, err := parseRange(from, to)
		if err != nil {
			return f, err
		}
		f.Range = &rng
	}
	return f, nil
}

func parseRange(from, to string) (appointment.Range, error) {
	if from == "" || to == "" {
		return appointment.Range{}, &appointment.ValidationError{Field: "range", Msg: "from and to are both required"}
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return appointment.Range{}, &appointment.ValidationError{Field: "from", Msg: "must be RFC3339"}
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return appointment.Range{}, &appointment.ValidationError{Field: "to", Msg: "must be RFC3339"}
	}
	return appointment.NewRange(start, end), nil
}

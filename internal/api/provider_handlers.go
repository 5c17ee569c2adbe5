package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/appointment"
)

func createProviderHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateProviderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		p, err := svc.Availability().RegisterProvider(r.Context(), req.Name,
			appointment.Category(req.Category), time.Duration(req.SlotMinutes)*time.Minute)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusCreated, toProviderResponse(p))
	}
}

func getProviderHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := providerIDParam(w, r)
		if !ok {
			return
		}

		p, err := svc.Availability().GetProvider(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusOK, toProviderResponse(p))
	}
}

func setAvailabilityHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := providerIDParam(w, r)
		if !ok {
			return
		}

		var req SetAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		windows := make([]appointment.Window, 0, len(req.Windows))
		for _, dto := range req.Windows {
			win, err := dto.toWindow()
			if err != nil {
				writeServiceError(w, err, nil)
				return
			}
			windows = append(windows, win)
		}

		store := svc.Availability()
		if err := store.SetRecurringAvailability(r.Context(), id, windows); err != nil {
			writeServiceError(w, err, nil)
			return
		}

		p, err := store.GetProvider(r.Context(), id)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toProviderResponse(p))
	}
}

func addBlackoutHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := providerIDParam(w, r)
		if !ok {
			return
		}

		var req CreateBlackoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		b, err := svc.Availability().AddBlackout(r.Context(), id, appointment.NewRange(req.Start, req.End), req.Reason)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		writeJSON(w, http.StatusCreated, BlackoutResponse{ID: b.ID, Start: b.Range.Start, End: b.Range.End, Reason: b.Reason})
	}
}

func listSlotsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := providerIDParam(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		rng, err := parseRange(q.Get("from"), q.Get("to"))
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}
		includeBooked, _ := strconv.ParseBool(q.Get("include_booked"))

		slots, err := svc.AvailableSlots(r.Context(), id, rng, includeBooked)
		if err != nil {
			writeServiceError(w, err, nil)
			return
		}

		resp := SlotsResponse{ProviderID: id, Slots: []SlotResponse{}}
		for slot := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{Start: slot.Start, End: slot.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func providerIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_provider_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

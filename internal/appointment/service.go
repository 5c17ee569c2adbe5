package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/config"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/locking"
)

// MaxSlotQuerySpan bounds AvailableSlots so a single query stays cheap.
const MaxSlotQuerySpan = 62 * 24 * time.Hour

// Recorder receives scheduling metrics. The metrics package implements it.
type Recorder interface {
	ObserveBooking(result string)
	ObserveLockWait(d time.Duration)
	ObserveTransition(to string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveBooking(string)         {}
func (nopRecorder) ObserveLockWait(time.Duration) {}
func (nopRecorder) ObserveTransition(string)      {}

type Option func(*Service)

func WithPublisher(p EventPublisher) Option { return func(s *Service) { s.publisher = p } }
func WithRecorder(r Recorder) Option        { return func(s *Service) { s.recorder = r } }
func WithLogger(l zerolog.Logger) Option    { return func(s *Service) { s.logger = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

type Service struct {
	repo      Repository
	store     *AvailabilityStore
	locker    locking.Locker
	publisher EventPublisher
	recorder  Recorder
	cfg       config.Config
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, locker locking.Locker, cfg config.Config, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		locker:    locker,
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		cfg:       cfg,
		loc:       cfg.Location,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.loc == nil {
		s.loc = time.UTC
	}

	s.store = NewAvailabilityStore(repo, s.loc, s.logger)
	s.store.now = s.now
	return s
}

// Availability exposes the provider availability store backing the service.
func (s *Service) Availability() *AvailabilityStore {
	return s.store
}

// RequestAppointment books req if the range is free.
// The provider lock makes check-and-create atomic, so concurrent requests
// for overlapping ranges cannot both succeed.
func (s *Service) RequestAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := s.validateBooking(req); err != nil {
		s.recorder.ObserveBooking(bookingResult(err))
		return nil, err
	}

	var created *Appointment

	err := s.withProviderLock(ctx, req.ProviderID, func(lockCtx context.Context) error {
		p, err := s.store.GetProvider(lockCtx, req.ProviderID)
		if err != nil {
			return err
		}

		existing, err := s.repo.ListActiveAppointments(lockCtx, p.ID, req.Range)
		if err != nil {
			return storageError("load active appointments", err)
		}
		if err := CheckAvailability(*p, req.Range, existing, s.loc); err != nil {
			return err
		}

		now := s.now()
		appt := &Appointment{
			ID:         uuid.New(),
			PatientID:  req.PatientID,
			ProviderID: req.ProviderID,
			Range:      req.Range,
			Reason:     strings.TrimSpace(req.Reason),
			Category:   req.Category,
			Status:     InitialStatus(s.cfg.ImmediateConfirmation),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := s.repo.CreateAppointment(lockCtx, appt); err != nil {
			if errors.Is(err, ErrDoubleBooked) {
				return &ConflictError{Reason: ReasonDoubleBooked, Interval: req.Range}
			}
			return storageError("create appointment", err)
		}

		created = appt
		return nil
	})

	s.recorder.ObserveBooking(bookingResult(err))
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("provider_id", created.ProviderID.String()).
		Str("status", string(created.Status)).
		Time("start", created.Range.Start).
		Msg("appointment booked")

	s.emit(ctx, newEvent(eventForStatus[created.Status], created, "", Actor{ID: req.PatientID, Kind: ActorPatient}, created.CreatedAt))
	return created, nil
}

// UpdateAppointment applies patch. A new time range is checked against the
// provider's other reservations; reason and category changes are not.
// On failure the unchanged record is returned along with the error.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, patch Patch) (*Appointment, error) {
	current, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validatePatch(patch); err != nil {
		return current, err
	}
	if patch.Range != nil && !sameRange(*patch.Range, current.Range) && patch.Range.Start.Before(s.now()) {
		return current, &ValidationError{Field: "range", Msg: "cannot move an appointment into the past"}
	}

	var updated *Appointment
	rescheduled := false

	err = s.withProviderLock(ctx, current.ProviderID, func(lockCtx context.Context) error {
		fresh, err := s.loadAppointment(lockCtx, id)
		if err != nil {
			return err
		}
		current = fresh

		if current.Status.IsTerminal() {
			return fmt.Errorf("%w: status %s", ErrAppointmentClosed, current.Status)
		}

		next := *current
		if patch.Reason != nil {
			next.Reason = strings.TrimSpace(*patch.Reason)
		}
		if patch.Category != nil {
			next.Category = *patch.Category
		}

		if patch.Range != nil && !sameRange(*patch.Range, current.Range) {
			// moving a started appointment frees its range like a late cancel
			if !s.now().Before(current.Range.Start) {
				return fmt.Errorf("%w: cannot reschedule", ErrTooLateToCancel)
			}

			p, err := s.store.GetProvider(lockCtx, current.ProviderID)
			if err != nil {
				return err
			}
			existing, err := s.repo.ListActiveAppointments(lockCtx, current.ProviderID, *patch.Range)
			if err != nil {
				return storageError("load active appointments", err)
			}
			if err := CheckAvailability(*p, *patch.Range, excluding(existing, current.ID), s.loc); err != nil {
				return err
			}

			next.Range = *patch.Range
			rescheduled = true
		}

		next.UpdatedAt = s.now()
		if err := s.repo.SaveAppointment(lockCtx, &next); err != nil {
			if errors.Is(err, ErrDoubleBooked) {
				return &ConflictError{Reason: ReasonDoubleBooked, Interval: next.Range}
			}
			if errors.Is(err, ErrAppointmentClosed) {
				return fmt.Errorf("%w: status changed concurrently", ErrAppointmentClosed)
			}
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return storageError("save appointment", err)
		}

		updated = &next
		return nil
	})
	if err != nil {
		return current, err
	}

	eventType := EventAppointmentUpdated
	if rescheduled {
		eventType = EventAppointmentRescheduled
	}
	s.emit(ctx, newEvent(eventType, updated, updated.Status, Actor{}, updated.UpdatedAt))

	return updated, nil
}

// CancelAppointment moves an appointment to cancelled and releases its range.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusCancelled, actor)
}

func (s *Service) ConfirmAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusConfirmed, actor)
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusCompleted, actor)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, actor Actor) (*Appointment, error) {
	return s.transition(ctx, id, StatusNoShow, actor)
}

// transition runs the state machine and persists the result with a
// compare-and-set on the previous status, so two racing transitions on the
// same appointment cannot both win.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to AppointmentStatus, actor Actor) (*Appointment, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}

	appt, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}

	ev, err := Transition(appt, to, s.now(), actor)
	if err != nil {
		return nil, err
	}

	var cancelledBy *uuid.UUID
	if to == StatusCancelled && actor.ID != uuid.Nil {
		cancelledBy = &actor.ID
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, StatusChange{
		ID:          id,
		From:        ev.From,
		To:          ev.To,
		Range:       appt.Range,
		CancelledBy: cancelledBy,
		At:          ev.At,
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// status or range moved underneath us
			return nil, &IllegalTransitionError{From: ev.From, To: ev.To, Reason: "appointment changed concurrently"}
		}
		return nil, storageError("update appointment status", err)
	}

	s.recorder.ObserveTransition(string(to))
	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("from", string(ev.From)).
		Str("to", string(ev.To)).
		Str("actor", string(actor.Kind)).
		Msg("appointment transitioned")

	s.emit(ctx, newEvent(eventForStatus[to], updated, ev.From, actor, ev.At))
	return updated, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.loadAppointment(ctx, id)
}

// ListAppointments returns appointments matching every set field of f in
// ascending start order. It never returns nil on success.
func (s *Service) ListAppointments(ctx context.Context, f Filter) ([]Appointment, error) {
	if f.Range != nil {
		if err := f.Range.Validate(); err != nil {
			return nil, err
		}
	}
	if f.Category != nil && !f.Category.IsValid() {
		return nil, &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", *f.Category)}
	}
	if f.Status != nil && !f.Status.IsValid() {
		return nil, &ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", *f.Status)}
	}

	appts, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, storageError("list appointments", err)
	}
	if appts == nil {
		appts = []Appointment{}
	}
	return appts, nil
}

// AvailableSlots materializes the provider's slots over r using its own
// appointment length. Unless includeBooked is set, slots overlapping an
// active appointment are left out.
func (s *Service) AvailableSlots(ctx context.Context, providerID uuid.UUID, r Range, includeBooked bool) (iter.Seq[Slot], error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Duration() > MaxSlotQuerySpan {
		return nil, &ValidationError{Field: "range", Msg: fmt.Sprintf("must span at most %s", MaxSlotQuerySpan)}
	}

	p, err := s.store.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	duration := p.SlotDuration
	if duration <= 0 {
		duration = DefaultSlotDuration
	}

	slots := Materialize(*p, r, duration, s.loc)
	if includeBooked {
		return slots, nil
	}

	existing, err := s.repo.ListActiveAppointments(ctx, providerID, r)
	if err != nil {
		return nil, storageError("load active appointments", err)
	}
	booked := make([]Range, 0, len(existing))
	for _, a := range existing {
		booked = append(booked, a.Range)
	}

	return func(yield func(Slot) bool) {
		for slot := range slots {
			if overlapsAny(slot.Range(), booked) {
				continue
			}
			if !yield(slot) {
				return
			}
		}
	}, nil
}

// ExpireStaleRequests cancels requested appointments that were never
// confirmed within the configured TTL. It is called by the expiry worker.
func (s *Service) ExpireStaleRequests(ctx context.Context) (int, error) {
	if s.cfg.AppointmentTTL <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-s.cfg.AppointmentTTL)
	stale, err := s.repo.FindStaleRequested(ctx, cutoff)
	if err != nil {
		return 0, storageError("find stale requested appointments", err)
	}

	expired := 0
	for _, appt := range stale {
		if _, err := s.transition(ctx, appt.ID, StatusCancelled, SystemActor); err != nil {
			if errors.Is(err, ErrIllegalTransition) {
				continue
			}
			s.logger.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to expire appointment")
			continue
		}
		expired++
	}

	return expired, nil
}

func (s *Service) withProviderLock(ctx context.Context, providerID uuid.UUID, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := s.locker.WithProviderLock(ctx, providerID, func(lockCtx context.Context) error {
		s.recorder.ObserveLockWait(time.Since(start))
		return fn(lockCtx)
	})
	if errors.Is(err, locking.ErrLockNotAcquired) {
		s.logger.Warn().Str("provider_id", providerID.String()).Dur("waited", time.Since(start)).Msg("provider lock timeout")
		return fmt.Errorf("%w: provider %s", ErrSchedulingBusy, providerID)
	}
	if errors.Is(err, locking.ErrBackendUnavailable) {
		return storageError("provider lock", err)
	}
	return err
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageError("load appointment", err)
	}
	return appt, nil
}

func (s *Service) validateBooking(req BookingRequest) error {
	if req.PatientID == uuid.Nil {
		return &ValidationError{Field: "patient_id", Msg: "is required"}
	}
	if req.ProviderID == uuid.Nil {
		return &ValidationError{Field: "provider_id", Msg: "is required"}
	}
	if err := req.Range.Validate(); err != nil {
		return err
	}
	if req.Range.Start.Before(s.now()) {
		return &ValidationError{Field: "range", Msg: "cannot book in the past"}
	}
	if !req.Category.IsValid() {
		return &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", req.Category)}
	}
	return nil
}

func (s *Service) validatePatch(p Patch) error {
	if p.Range == nil && p.Reason == nil && p.Category == nil {
		return &ValidationError{Field: "patch", Msg: "nothing to update"}
	}
	if p.Range != nil {
		if err := p.Range.Validate(); err != nil {
			return err
		}
	}
	if p.Category != nil && !p.Category.IsValid() {
		return &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", *p.Category)}
	}
	return nil
}

func validateActor(a Actor) error {
	switch a.Kind {
	case ActorPatient, ActorProvider:
		if a.ID == uuid.Nil {
			return &ValidationError{Field: "actor", Msg: "id is required"}
		}
		return nil
	case ActorSystem:
		return nil
	}
	return &ValidationError{Field: "actor", Msg: fmt.Sprintf("unknown kind %q", a.Kind)}
}

func sameRange(a, b Range) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func excluding(appts []Appointment, id uuid.UUID) []Appointment {
	out := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

func bookingResult(err error) string {
	switch {
	case err == nil:
		return "booked"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrOutsideAvailability):
		return "outside_availability"
	case errors.Is(err, ErrBlackoutOverlap):
		return "blackout_overlap"
	case errors.Is(err, ErrDoubleBooked):
		return "double_booked"
	case errors.Is(err, ErrSchedulingBusy):
		return "busy"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// emit records the event in the event log and hands it to the publisher.
// Failures are logged only: the change it describes is already committed.
func (s *Service) emit(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Str("event", ev.Type).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := ev.AppointmentID
	if err := s.repo.InsertEvent(ctx, EventLog{
		EventType:     ev.Type,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     ev.At,
	}); err != nil {
		s.logger.Error().Err(err).Str("event", ev.Type).Str("appointment_id", apptID.String()).Msg("failed to insert event log")
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("event", ev.Type).Str("appointment_id", apptID.String()).Msg("failed to publish event")
	}
}

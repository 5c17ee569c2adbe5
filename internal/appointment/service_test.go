package appointment

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/config"
	"github.com/mlu1432/Healthcare-Appointment-Booking-System-sub002/internal/locking"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc       *Service
	repo      *MemoryRepository
	clock     *testClock
	publisher *recordingPublisher
	provider  *Provider
}

func testConfig() config.Config {
	return config.Config{
		Location:       time.UTC,
		AppointmentTTL: 24 * time.Hour,
		LockWait:       5 * time.Second,
	}
}

func newFixture(t *testing.T, cfg config.Config, locker locking.Locker) *fixture {
	t.Helper()
	return newWrappedFixture(t, cfg, locker, nil)
}

// newWrappedFixture lets a test put its own Repository in front of the
// memory store the fixture inspects.
func newWrappedFixture(t *testing.T, cfg config.Config, locker locking.Locker, wrap func(*MemoryRepository) Repository) *fixture {
	t.Helper()

	if locker == nil {
		locker = locking.NewKeyedLocker(cfg.LockWait)
	}
	f := &fixture{
		repo: NewMemoryRepository(),
		// the Tuesday before the test Monday
		clock:     &testClock{now: monday.AddDate(0, 0, -6).Add(8 * time.Hour)},
		publisher: &recordingPublisher{},
	}
	var repo Repository = f.repo
	if wrap != nil {
		repo = wrap(f.repo)
	}
	f.svc = NewService(repo, locker, cfg, WithClock(f.clock.Now), WithPublisher(f.publisher))

	ctx := context.Background()
	p, err := f.svc.Availability().RegisterProvider(ctx, "Dr. Naidoo", CategoryGP, 30*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.svc.Availability().SetRecurringAvailability(ctx, p.ID, []Window{
		{Day: time.Monday, Start: clock(9, 0), End: clock(12, 0)},
	}))
	f.provider = p
	return f
}

func (f *fixture) request(r Range) (*Appointment, error) {
	return f.svc.RequestAppointment(context.Background(), BookingRequest{
		PatientID:  uuid.New(),
		ProviderID: f.provider.ID,
		Range:      r,
		Reason:     "check-up",
		Category:   CategoryGP,
	})
}

func assertNoActiveOverlap(t *testing.T, repo *MemoryRepository, providerID uuid.UUID) {
	t.Helper()
	all, err := repo.ListAppointments(context.Background(), Filter{ProviderID: &providerID})
	require.NoError(t, err)

	var active []Appointment
	for _, a := range all {
		if a.Status.IsActive() {
			active = append(active, a)
		}
	}
	for i := range active {
		for j := i + 1; j < len(active); j++ {
			assert.False(t, active[i].Range.Overlaps(active[j].Range),
				"%s overlaps %s", active[i].Range, active[j].Range)
		}
	}
}

func TestService_MondayScenario(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	nine := NewRange(mon(9, 0), mon(9, 30))

	first, err := f.request(nine)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, first.Status)

	_, err = f.request(nine)
	assert.ErrorIs(t, err, ErrDoubleBooked)

	second, err := f.request(NewRange(mon(9, 30), mon(10, 0)))
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, second.Status)

	cancelled, err := f.svc.CancelAppointment(ctx, first.ID, Actor{ID: first.PatientID, Kind: ActorPatient})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledBy)
	assert.Equal(t, first.PatientID, *cancelled.CancelledBy)

	again, err := f.request(nine)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, again.ID)

	assertNoActiveOverlap(t, f.repo, f.provider.ID)
}

func TestService_ImmediateConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.ImmediateConfirmation = true
	f := newFixture(t, cfg, nil)

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, appt.Status)
	assert.Equal(t, []string{EventAppointmentConfirmed}, f.publisher.types())
}

// unguardedRepository writes appointments without the memory store's own
// overlap check, leaving the provider lock as the only guard.
type unguardedRepository struct {
	*MemoryRepository
}

func unguarded(m *MemoryRepository) Repository { return unguardedRepository{m} }

func (r unguardedRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *a
	r.appointments[a.ID] = &cp
	return nil
}

func (r unguardedRepository) SaveAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if stored.Status.IsTerminal() {
		return ErrAppointmentClosed
	}
	cp := *stored
	cp.Range = a.Range
	cp.Reason = a.Reason
	cp.Category = a.Category
	cp.UpdatedAt = a.UpdatedAt
	r.appointments[a.ID] = &cp
	return nil
}

func TestService_ConcurrentRequestsExactlyOneWins(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		testConcurrentRequests(t, newFixture(t, testConfig(), nil))
	})
	t.Run("provider lock only", func(t *testing.T) {
		testConcurrentRequests(t, newWrappedFixture(t, testConfig(), nil, unguarded))
	})
}

func testConcurrentRequests(t *testing.T, f *fixture) {
	r := NewRange(mon(10, 0), mon(10, 30))

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.request(r)
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrDoubleBooked)
	}
	assert.Equal(t, 1, succeeded)
	assertNoActiveOverlap(t, f.repo, f.provider.ID)
}

func TestService_ConflictReasons(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	_, err := f.request(NewRange(mon(13, 0), mon(13, 30)))
	assert.ErrorIs(t, err, ErrOutsideAvailability)

	_, err = f.svc.Availability().AddBlackout(ctx, f.provider.ID, NewRange(mon(11, 0), mon(12, 0)), "training")
	require.NoError(t, err)

	_, err = f.request(NewRange(mon(11, 0), mon(11, 30)))
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonBlackoutOverlap, ce.Reason)
	assert.Equal(t, NewRange(mon(11, 0), mon(12, 0)), ce.Interval)
}

func TestService_RequestValidation(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	valid := BookingRequest{
		PatientID:  uuid.New(),
		ProviderID: f.provider.ID,
		Range:      NewRange(mon(9, 0), mon(9, 30)),
		Category:   CategoryGP,
	}

	cases := map[string]func(r *BookingRequest){
		"missing patient":  func(r *BookingRequest) { r.PatientID = uuid.Nil },
		"missing provider": func(r *BookingRequest) { r.ProviderID = uuid.Nil },
		"end before start": func(r *BookingRequest) { r.Range = NewRange(mon(9, 30), mon(9, 0)) },
		"zero length":      func(r *BookingRequest) { r.Range = NewRange(mon(9, 0), mon(9, 0)) },
		"in the past":      func(r *BookingRequest) { r.Range = NewRange(monday.AddDate(0, 0, -7).Add(9*time.Hour), monday.AddDate(0, 0, -7).Add(9*time.Hour+30*time.Minute)) },
		"unknown category": func(r *BookingRequest) { r.Category = "surgeon" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := f.svc.RequestAppointment(ctx, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	valid.ProviderID = uuid.New()
	_, err := f.svc.RequestAppointment(ctx, valid)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

// countingLocker fails the test if validation lets a bad request reach the lock.
type countingLocker struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLocker) WithProviderLock(ctx context.Context, _ uuid.UUID, fn func(context.Context) error) error {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return fn(ctx)
}

func TestService_ValidationHappensBeforeLocking(t *testing.T) {
	locker := &countingLocker{}
	f := newFixture(t, testConfig(), locker)

	_, err := f.request(NewRange(mon(9, 30), mon(9, 0)))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, locker.calls)

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	require.Equal(t, 1, locker.calls)

	current, err := f.svc.UpdateAppointment(context.Background(), appt.ID, Patch{})
	assert.ErrorIs(t, err, ErrValidation)
	require.NotNil(t, current)
	assert.Equal(t, appt.Range, current.Range)

	past := NewRange(f.clock.Now().Add(-time.Hour), f.clock.Now().Add(-30*time.Minute))
	current, err = f.svc.UpdateAppointment(context.Background(), appt.ID, Patch{Range: &past})
	assert.ErrorIs(t, err, ErrValidation)
	require.NotNil(t, current)
	assert.Equal(t, appt.Range, current.Range)

	assert.Equal(t, 1, locker.calls)
}

func TestService_SchedulingBusy(t *testing.T) {
	cfg := testConfig()
	locker := locking.NewKeyedLocker(20 * time.Millisecond)
	f := newFixture(t, cfg, locker)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = locker.WithProviderLock(context.Background(), f.provider.ID, func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	assert.ErrorIs(t, err, ErrSchedulingBusy)

	close(release)
	<-done

	_, err = f.request(NewRange(mon(9, 0), mon(9, 30)))
	assert.NoError(t, err)
}

func TestService_LockBackendFailureIsStorageError(t *testing.T) {
	locker := &countingLocker{err: locking.ErrBackendUnavailable}
	f := newFixture(t, testConfig(), locker)

	_, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, f.repo.Events())
}

func TestService_CancelConfirmedReleasesRange(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	r := NewRange(mon(9, 0), mon(9, 30))
	provider := Actor{ID: f.provider.ID, Kind: ActorProvider}

	appt, err := f.request(r)
	require.NoError(t, err)

	confirmed, err := f.svc.ConfirmAppointment(ctx, appt.ID, provider)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{ID: appt.PatientID, Kind: ActorPatient})
	require.NoError(t, err)

	_, err = f.request(r)
	assert.NoError(t, err)
}

func TestService_TransitionErrors(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	patient := Actor{ID: uuid.New(), Kind: ActorPatient}

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	_, err = f.svc.CompleteAppointment(ctx, appt.ID, SystemActor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)

	// the appointment has not ended yet
	_, err = f.svc.CompleteAppointment(ctx, appt.ID, SystemActor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	f.clock.Set(mon(9, 30))
	completed, err := f.svc.CompleteAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)

	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, patient)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)

	_, err = f.svc.CancelAppointment(ctx, uuid.New(), patient)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{Kind: "nurse"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{Kind: ActorPatient})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_TooLateToCancel(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)

	f.clock.Set(mon(9, 5))

	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{ID: appt.PatientID, Kind: ActorPatient})
	assert.ErrorIs(t, err, ErrTooLateToCancel)

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{ID: f.provider.ID, Kind: ActorProvider})
	assert.NoError(t, err)
}

func TestService_RescheduleAfterStartIsTooLate(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)

	f.clock.Set(mon(9, 20))

	later := NewRange(mon(11, 0), mon(11, 30))
	current, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Range: &later})
	assert.ErrorIs(t, err, ErrTooLateToCancel)
	require.NotNil(t, current)
	assert.Equal(t, appt.Range, current.Range)

	// reason changes are still fine once started
	reason := "ran late"
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, appt.Range, updated.Range)

	noShow, err := f.svc.MarkNoShow(ctx, appt.ID, Actor{ID: f.provider.ID, Kind: ActorProvider})
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, noShow.Status)
	assert.Equal(t, appt.Range, noShow.Range)
}

// rescheduleBeforeStatusChange moves the appointment right before a status
// change is written.
type rescheduleBeforeStatusChange struct {
	*MemoryRepository
	move func(id uuid.UUID)
}

func (r *rescheduleBeforeStatusChange) UpdateAppointmentStatus(ctx context.Context, c StatusChange) (*Appointment, error) {
	r.move(c.ID)
	return r.MemoryRepository.UpdateAppointmentStatus(ctx, c)
}

func TestService_TransitionRejectsConcurrentReschedule(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	moved := NewRange(mon(10, 0), mon(10, 30))
	repo := &rescheduleBeforeStatusChange{MemoryRepository: f.repo}
	svc := NewService(repo, locking.NewKeyedLocker(time.Second), testConfig(), WithClock(f.clock.Now))
	repo.move = func(id uuid.UUID) {
		_, err := svc.UpdateAppointment(ctx, id, Patch{Range: &moved})
		require.NoError(t, err)
	}

	_, err = svc.CancelAppointment(ctx, appt.ID, Actor{ID: appt.PatientID, Kind: ActorPatient})
	assert.ErrorIs(t, err, ErrIllegalTransition)

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
	assert.Equal(t, moved, got.Range)
}

func TestService_TransitionUsesServiceClock(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	confirmed, err := f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(confirmed.UpdatedAt))

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.True(t, f.clock.Now().Equal(got.UpdatedAt))
	assert.True(t, appt.CreatedAt.Equal(got.CreatedAt))
}

func TestService_MarkNoShow(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)

	_, err = f.svc.MarkNoShow(ctx, appt.ID, SystemActor)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	f.clock.Set(mon(9, 15))
	noShow, err := f.svc.MarkNoShow(ctx, appt.ID, Actor{ID: f.provider.ID, Kind: ActorProvider})
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, noShow.Status)

	// a no-show frees the slot, but it is in the past now
	_, err = f.request(NewRange(mon(9, 0), mon(9, 30)))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_UpdateReschedule(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	short, err := f.request(NewRange(mon(9, 0), mon(9, 15)))
	require.NoError(t, err)

	// the new range overlaps only the appointment itself
	grown := NewRange(mon(9, 0), mon(9, 30))
	updated, err := f.svc.UpdateAppointment(ctx, short.ID, Patch{Range: &grown})
	require.NoError(t, err)
	assert.Equal(t, grown, updated.Range)

	other, err := f.request(NewRange(mon(10, 0), mon(10, 30)))
	require.NoError(t, err)

	clash := other.Range
	current, err := f.svc.UpdateAppointment(ctx, short.ID, Patch{Range: &clash})
	assert.ErrorIs(t, err, ErrDoubleBooked)
	require.NotNil(t, current)
	assert.Equal(t, grown, current.Range)

	outside := NewRange(mon(12, 0), mon(12, 30))
	_, err = f.svc.UpdateAppointment(ctx, short.ID, Patch{Range: &outside})
	assert.ErrorIs(t, err, ErrOutsideAvailability)

	past := NewRange(monday.AddDate(0, 0, -7).Add(9*time.Hour), monday.AddDate(0, 0, -7).Add(9*time.Hour+30*time.Minute))
	_, err = f.svc.UpdateAppointment(ctx, short.ID, Patch{Range: &past})
	assert.ErrorIs(t, err, ErrValidation)

	got, err := f.svc.GetAppointment(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, grown, got.Range)

	assert.Contains(t, f.publisher.types(), EventAppointmentRescheduled)
	assertNoActiveOverlap(t, f.repo, f.provider.ID)
}

func TestService_UpdateReasonOnly(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	// dropping the window would fail any range check, a reason change skips it
	require.NoError(t, f.svc.Availability().SetRecurringAvailability(ctx, f.provider.ID, nil))

	reason := "  follow-up  "
	category := CategoryPhysiotherapist
	updated, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Reason: &reason, Category: &category})
	require.NoError(t, err)
	assert.Equal(t, "follow-up", updated.Reason)
	assert.Equal(t, CategoryPhysiotherapist, updated.Category)
	assert.Equal(t, appt.Range, updated.Range)

	// an unchanged range is not a reschedule
	same := appt.Range
	_, err = f.svc.UpdateAppointment(ctx, appt.ID, Patch{Range: &same})
	assert.NoError(t, err)

	assert.NotContains(t, f.publisher.types(), EventAppointmentRescheduled)
}

func TestService_UpdateTerminalAppointment(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)

	reason := "changed my mind"
	current, err := f.svc.UpdateAppointment(ctx, appt.ID, Patch{Reason: &reason})
	assert.ErrorIs(t, err, ErrAppointmentClosed)
	require.NotNil(t, current)
	assert.Equal(t, StatusCancelled, current.Status)
	assert.Equal(t, "check-up", current.Reason)

	_, err = f.svc.UpdateAppointment(ctx, uuid.New(), Patch{Reason: &reason})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

// cancelBeforeSave cancels the appointment right before an update is written.
type cancelBeforeSave struct {
	*MemoryRepository
	cancel func(id uuid.UUID)
}

func (r *cancelBeforeSave) SaveAppointment(ctx context.Context, a *Appointment) error {
	r.cancel(a.ID)
	return r.MemoryRepository.SaveAppointment(ctx, a)
}

func TestService_UpdateDoesNotReviveCancelled(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	repo := &cancelBeforeSave{MemoryRepository: f.repo}
	svc := NewService(repo, locking.NewKeyedLocker(time.Second), testConfig(), WithClock(f.clock.Now))
	repo.cancel = func(id uuid.UUID) {
		_, err := svc.CancelAppointment(ctx, id, SystemActor)
		require.NoError(t, err)
	}

	reason := "follow-up"
	_, err = svc.UpdateAppointment(ctx, appt.ID, Patch{Reason: &reason})
	assert.ErrorIs(t, err, ErrAppointmentClosed)

	got, err := f.svc.GetAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "check-up", got.Reason)
}

func TestService_ListAppointments(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	empty, err := f.svc.ListAppointments(ctx, Filter{})
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	late, err := f.request(NewRange(mon(11, 0), mon(11, 30)))
	require.NoError(t, err)
	early, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, late.ID, SystemActor)
	require.NoError(t, err)

	all, err := f.svc.ListAppointments(ctx, Filter{ProviderID: &f.provider.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early.ID, all[0].ID)
	assert.Equal(t, late.ID, all[1].ID)

	requested := StatusRequested
	active, err := f.svc.ListAppointments(ctx, Filter{Status: &requested})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, early.ID, active[0].ID)

	mine, err := f.svc.ListAppointments(ctx, Filter{PatientID: &late.PatientID})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, late.ID, mine[0].ID)

	window := NewRange(mon(10, 0), mon(12, 0))
	ranged, err := f.svc.ListAppointments(ctx, Filter{Range: &window})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, late.ID, ranged[0].ID)

	bad := AppointmentStatus("pending")
	_, err = f.svc.ListAppointments(ctx, Filter{Status: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	inverted := NewRange(mon(12, 0), mon(10, 0))
	_, err = f.svc.ListAppointments(ctx, Filter{Range: &inverted})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_AvailableSlots(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()
	day := NewRange(monday, monday.AddDate(0, 0, 1))

	_, err := f.request(NewRange(mon(9, 30), mon(10, 0)))
	require.NoError(t, err)

	free, err := f.svc.AvailableSlots(ctx, f.provider.ID, day, false)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{mon(9, 0), mon(10, 0), mon(10, 30), mon(11, 0), mon(11, 30)}, slotStarts(free))

	all, err := f.svc.AvailableSlots(ctx, f.provider.ID, day, true)
	require.NoError(t, err)
	assert.Len(t, slices.Collect(all), 6)

	_, err = f.svc.AvailableSlots(ctx, f.provider.ID, NewRange(monday, monday.Add(MaxSlotQuerySpan+time.Hour)), false)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.AvailableSlots(ctx, uuid.New(), day, false)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestService_ExpireStaleRequests(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	stale, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	kept, err := f.request(NewRange(mon(9, 30), mon(10, 0)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(ctx, kept.ID, SystemActor)
	require.NoError(t, err)

	n, err := f.svc.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(25 * time.Hour)
	fresh, err := f.request(NewRange(mon(10, 0), mon(10, 30)))
	require.NoError(t, err)

	n, err = f.svc.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetAppointment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.CancelledBy)

	for _, id := range []uuid.UUID{kept.ID, fresh.ID} {
		got, err := f.svc.GetAppointment(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Status.IsActive())
	}

	cfg := testConfig()
	cfg.AppointmentTTL = 0
	disabled := NewService(f.repo, locking.NewKeyedLocker(time.Second), cfg, WithClock(f.clock.Now))
	n, err = disabled.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestService_EventsAreLoggedAndPublished(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	ctx := context.Background()

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)
	_, err = f.svc.ConfirmAppointment(ctx, appt.ID, SystemActor)
	require.NoError(t, err)
	_, err = f.svc.CancelAppointment(ctx, appt.ID, Actor{ID: appt.PatientID, Kind: ActorPatient})
	require.NoError(t, err)

	want := []string{EventAppointmentRequested, EventAppointmentConfirmed, EventAppointmentCancelled}
	assert.Equal(t, want, f.publisher.types())

	logged := f.repo.Events()
	require.Len(t, logged, 3)
	for i, ev := range logged {
		assert.Equal(t, want[i], ev.EventType)
		require.NotNil(t, ev.AppointmentID)
		assert.Equal(t, appt.ID, *ev.AppointmentID)
		assert.NotEmpty(t, ev.Payload)
	}

	f.publisher.mu.Lock()
	last := f.publisher.events[2]
	f.publisher.mu.Unlock()
	assert.Equal(t, StatusConfirmed, last.From)
	assert.Equal(t, StatusCancelled, last.To)
	assert.True(t, last.SlotReleased)
	require.NotNil(t, last.ActorID)
	assert.Equal(t, appt.PatientID, *last.ActorID)
}

func TestService_PublishFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.publisher.err = errors.New("broker down")

	appt, err := f.request(NewRange(mon(9, 0), mon(9, 30)))
	require.NoError(t, err)

	got, err := f.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, got.Status)
}

func TestService_NoOverlapAfterRandomOperations(t *testing.T) {
	t.Run("memory store", func(t *testing.T) {
		testRandomOperations(t, newFixture(t, testConfig(), nil))
	})
	t.Run("provider lock only", func(t *testing.T) {
		testRandomOperations(t, newWrappedFixture(t, testConfig(), nil, unguarded))
	})
}

func testRandomOperations(t *testing.T, f *fixture) {
	ctx := context.Background()
	require.NoError(t, f.svc.Availability().SetRecurringAvailability(ctx, f.provider.ID, []Window{
		{Day: time.Monday, Start: clock(8, 0), End: clock(18, 0)},
	}))

	rng := rand.New(rand.NewSource(42))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []uuid.UUID

	for w := 0; w < 8; w++ {
		seed := rng.Int63()
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 50; i++ {
				switch r.Intn(4) {
				case 0, 1:
					start := mon(8, 0).Add(time.Duration(r.Intn(40)) * 15 * time.Minute)
					length := time.Duration(1+r.Intn(2)) * 15 * time.Minute
					appt, err := f.request(NewRange(start, start.Add(length)))
					if err == nil {
						mu.Lock()
						ids = append(ids, appt.ID)
						mu.Unlock()
					}
				case 2:
					mu.Lock()
					if len(ids) == 0 {
						mu.Unlock()
						continue
					}
					id := ids[r.Intn(len(ids))]
					mu.Unlock()
					_, _ = f.svc.CancelAppointment(ctx, id, SystemActor)
				case 3:
					mu.Lock()
					if len(ids) == 0 {
						mu.Unlock()
						continue
					}
					id := ids[r.Intn(len(ids))]
					mu.Unlock()
					start := mon(8, 0).Add(time.Duration(r.Intn(40)) * 15 * time.Minute)
					next := NewRange(start, start.Add(15*time.Minute))
					_, _ = f.svc.UpdateAppointment(ctx, id, Patch{Range: &next})
				}
			}
		}()
	}
	wg.Wait()

	assertNoActiveOverlap(t, f.repo, f.provider.ID)
}

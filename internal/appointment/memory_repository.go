package appointment

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. Reads return copies taken
// under the read lock, so callers never see a half-written record.
type MemoryRepository struct {
	mu           sync.RWMutex
	providers    map[uuid.UUID]*Provider
	appointments map[uuid.UUID]*Appointment
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]*Provider),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *MemoryRepository) CreateProvider(_ context.Context, p *Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneProvider(*p)
	r.providers[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	cp := cloneProvider(*p)
	return &cp, nil
}

func (r *MemoryRepository) ReplaceWindows(_ context.Context, providerID uuid.UUID, windows []Window) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[providerID]
	if !ok {
		return ErrProviderNotFound
	}
	p.Windows = slices.Clone(windows)
	p.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryRepository) InsertBlackout(_ context.Context, b *Blackout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[b.ProviderID]
	if !ok {
		return ErrProviderNotFound
	}
	p.Blackouts = append(p.Blackouts, *b)
	return nil
}

func (r *MemoryRepository) ListActiveAppointments(_ context.Context, providerID uuid.UUID, within Range) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.ProviderID == providerID && a.Status.IsActive() && a.Range.Overlaps(within) {
			out = append(out, *a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.Status.IsActive() && r.overlapsActiveLocked(*a) {
		return ErrDoubleBooked
	}
	cp := *a
	r.appointments[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) SaveAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	if stored.Status.IsTerminal() {
		return ErrAppointmentClosed
	}

	// status only moves through UpdateAppointmentStatus
	cp := *stored
	cp.Range = a.Range
	cp.Reason = a.Reason
	cp.Category = a.Category
	cp.UpdatedAt = a.UpdatedAt
	if r.overlapsActiveLocked(cp) {
		return ErrDoubleBooked
	}
	r.appointments[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, c StatusChange) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[c.ID]
	if !ok || a.Status != c.From || !sameRange(a.Range, c.Range) {
		return nil, ErrAppointmentNotFound
	}
	a.Status = c.To
	a.UpdatedAt = c.At
	if c.CancelledBy != nil {
		by := *c.CancelledBy
		a.CancelledBy = &by
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f Filter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Appointment{}
	for _, a := range r.appointments {
		if f.Matches(*a) {
			out = append(out, *a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *MemoryRepository) FindStaleRequested(_ context.Context, createdBefore time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusRequested && a.CreatedAt.Before(createdBefore) {
			out = append(out, *a)
		}
	}
	sortByStart(out)
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}

func (r *MemoryRepository) overlapsActiveLocked(a Appointment) bool {
	for _, other := range r.appointments {
		if other.ID == a.ID || other.ProviderID != a.ProviderID || !other.Status.IsActive() {
			continue
		}
		if other.Range.Overlaps(a.Range) {
			return true
		}
	}
	return false
}

func cloneProvider(p Provider) Provider {
	p.Windows = slices.Clone(p.Windows)
	p.Blackouts = slices.Clone(p.Blackouts)
	return p
}

func sortByStart(appts []Appointment) {
	slices.SortFunc(appts, func(a, b Appointment) int {
		if c := a.Range.Start.Compare(b.Range.Start); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

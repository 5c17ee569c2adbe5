package appointment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const DefaultSlotDuration = 30 * time.Minute

// AvailabilityStore owns provider weekly templates and blackouts.
type AvailabilityStore struct {
	repo   Repository
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time
}

func NewAvailabilityStore(repo Repository, loc *time.Location, logger zerolog.Logger) *AvailabilityStore {
	if loc == nil {
		loc = time.UTC
	}
	return &AvailabilityStore{
		repo:   repo,
		loc:    loc,
		logger: logger,
		now:    time.Now,
	}
}

func (s *AvailabilityStore) Location() *time.Location {
	return s.loc
}

// RegisterProvider creates a provider with an empty weekly template.
func (s *AvailabilityStore) RegisterProvider(ctx context.Context, name string, category Category, slotDuration time.Duration) (*Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Msg: "is required"}
	}
	if !category.IsValid() {
		return nil, &ValidationError{Field: "category", Msg: fmt.Sprintf("unknown category %q", category)}
	}
	if slotDuration == 0 {
		slotDuration = DefaultSlotDuration
	}
	if slotDuration < 0 || slotDuration > 24*time.Hour {
		return nil, &ValidationError{Field: "slot_duration", Msg: "must be positive and at most 24h"}
	}
	if slotDuration%time.Minute != 0 {
		return nil, &ValidationError{Field: "slot_duration", Msg: "must be a whole number of minutes"}
	}

	now := s.now()
	p := &Provider{
		ID:           uuid.New(),
		Name:         name,
		Category:     category,
		SlotDuration: slotDuration,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateProvider(ctx, p); err != nil {
		return nil, storageError("create provider", err)
	}

	s.logger.Info().Str("provider_id", p.ID.String()).Str("category", string(category)).Msg("provider registered")
	return p, nil
}

func (s *AvailabilityStore) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	p, err := s.repo.GetProvider(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageError("load provider", err)
	}
	return p, nil
}

// SetRecurringAvailability replaces the provider's weekly template.
func (s *AvailabilityStore) SetRecurringAvailability(ctx context.Context, providerID uuid.UUID, windows []Window) error {
	sorted, err := ValidateWindows(windows)
	if err != nil {
		return err
	}

	if err := s.repo.ReplaceWindows(ctx, providerID, sorted); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return storageError("replace windows", err)
	}

	s.logger.Info().Str("provider_id", providerID.String()).Int("windows", len(sorted)).Msg("weekly availability replaced")
	return nil
}

func (s *AvailabilityStore) AddBlackout(ctx context.Context, providerID uuid.UUID, interval Range, reason string) (*Blackout, error) {
	if !interval.End.After(interval.Start) {
		return nil, fmt.Errorf("%w: end must be after start", ErrInvalidInterval)
	}

	b := &Blackout{
		ID:         uuid.New(),
		ProviderID: providerID,
		Range:      interval,
		Reason:     reason,
		CreatedAt:  s.now(),
	}
	if err := s.repo.InsertBlackout(ctx, b); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, storageError("insert blackout", err)
	}

	s.logger.Info().
		Str("provider_id", providerID.String()).
		Time("start", interval.Start).
		Time("end", interval.End).
		Msg("blackout added")
	return b, nil
}

// MaterializeSlots loads the provider and returns its slot sequence over dateRange.
func (s *AvailabilityStore) MaterializeSlots(ctx context.Context, providerID uuid.UUID, dateRange Range, duration time.Duration) (iter.Seq[Slot], error) {
	if err := dateRange.Validate(); err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, &ValidationError{Field: "duration", Msg: "must be positive"}
	}

	p, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return Materialize(*p, dateRange, duration, s.loc), nil
}

// ValidateWindows rejects empty, out-of-day or overlapping windows and
// returns a copy ordered by day and start.
func ValidateWindows(windows []Window) ([]Window, error) {
	sorted := slices.Clone(windows)
	for _, w := range sorted {
		if w.Day < time.Sunday || w.Day > time.Saturday {
			return nil, fmt.Errorf("%w: unknown weekday %d", ErrInvalidWindow, w.Day)
		}
		if w.Start < 0 || w.End > endOfDay {
			return nil, fmt.Errorf("%w: %s %s-%s is outside the day", ErrInvalidWindow, w.Day, w.Start, w.End)
		}
		if w.End <= w.Start {
			return nil, fmt.Errorf("%w: %s %s-%s ends before it starts", ErrInvalidWindow, w.Day, w.Start, w.End)
		}
	}

	sortWindows(sorted)
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].overlaps(sorted[i]) {
			return nil, fmt.Errorf("%w: %s %s-%s overlaps %s-%s", ErrInvalidWindow,
				sorted[i].Day, sorted[i-1].Start, sorted[i-1].End, sorted[i].Start, sorted[i].End)
		}
	}
	return sorted, nil
}

func sortWindows(ws []Window) {
	slices.SortFunc(ws, func(a, b Window) int {
		if a.Day != b.Day {
			return int(a.Day) - int(b.Day)
		}
		return int(a.Start) - int(b.Start)
	})
}

// Materialize cuts the provider's weekly windows into duration-long slots
// inside r, skipping any slot that touches a blackout. The sequence is lazy,
// finite and can be ranged over more than once.
func Materialize(p Provider, r Range, duration time.Duration, loc *time.Location) iter.Seq[Slot] {
	return windowSlots(p, r, duration, loc, true)
}

func windowSlots(p Provider, r Range, duration time.Duration, loc *time.Location, skipBlackouts bool) iter.Seq[Slot] {
	windows := slices.Clone(p.Windows)
	sortWindows(windows)

	var blackouts []Range
	if skipBlackouts {
		for _, b := range p.Blackouts {
			blackouts = append(blackouts, b.Range)
		}
	}

	return func(yield func(Slot) bool) {
		if duration <= 0 || !r.End.After(r.Start) || len(windows) == 0 {
			return
		}

		y, m, d := r.Start.In(loc).Date()
		for day := time.Date(y, m, d, 0, 0, 0, 0, loc); day.Before(r.End); day = time.Date(y, m, d, 0, 0, 0, 0, loc) {
			for _, w := range windows {
				if w.Day != day.Weekday() {
					continue
				}
				windowEnd := w.End.On(day, loc)
				for start := w.Start.On(day, loc); !start.Add(duration).After(windowEnd); start = start.Add(duration) {
					end := start.Add(duration)
					if start.Before(r.Start) {
						continue
					}
					if end.After(r.End) {
						return
					}
					slot := Range{Start: start, End: end}
					if overlapsAny(slot, blackouts) {
						continue
					}
					if !yield(Slot{ProviderID: p.ID, Start: start, End: end, Duration: duration}) {
						return
					}
				}
			}
			d++
		}
	}
}

func overlapsAny(r Range, others []Range) bool {
	for _, o := range others {
		if r.Overlaps(o) {
			return true
		}
	}
	return false
}

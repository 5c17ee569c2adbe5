package appointment

import (
	"time"
)

// CheckAvailability returns nil when requested can be booked for p, or a
// *ConflictError. Checks run in a fixed order: availability, blackouts,
// existing reservations. Only requested/confirmed appointments in existing
// block the range.
func CheckAvailability(p Provider, requested Range, existing []Appointment, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	if !withinSlot(p, requested, loc) {
		return &ConflictError{Reason: ReasonOutsideAvailability, Interval: requested}
	}

	for _, b := range p.Blackouts {
		if requested.Overlaps(b.Range) {
			return &ConflictError{Reason: ReasonBlackoutOverlap, Interval: b.Range}
		}
	}

	// existing is not ordered by creation here, any overlap means someone got there first.
	for _, a := range existing {
		if a.ProviderID != p.ID || !a.Status.IsActive() {
			continue
		}
		if requested.Overlaps(a.Range) {
			return &ConflictError{Reason: ReasonDoubleBooked, Interval: a.Range}
		}
	}

	return nil
}

// withinSlot reports whether requested fits inside a single slot cut from
// the weekly windows. Blackouts are ignored so they can be reported separately.
func withinSlot(p Provider, requested Range, loc *time.Location) bool {
	duration := p.SlotDuration
	if duration <= 0 {
		duration = DefaultSlotDuration
	}
	if requested.Duration() > duration {
		return false
	}

	for slot := range windowSlots(p, dayEnvelope(requested, loc), duration, loc, false) {
		if slot.Range().Contains(requested) {
			return true
		}
		if slot.Start.After(requested.Start) {
			break
		}
	}
	return false
}

// dayEnvelope widens r to whole calendar days in loc.
func dayEnvelope(r Range, loc *time.Location) Range {
	y, m, d := r.Start.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	ey, em, ed := r.End.In(loc).Date()
	end := time.Date(ey, em, ed+1, 0, 0, 0, 0, loc)
	return Range{Start: start, End: end}
}

package domain

import (
	"iter"
	"slices"
	"time"
)

const (
	slotDisplayStartLayout = "Monday, January 2, 2006 3:04 PM"
	slotDisplayEndLayout   = "3:04 PM"
	localTimestampLayout   = "2006-01-02T15:04:05"
)

type CandidateSlot struct {
	Start           time.Time
	End             time.Time
	DurationMinutes int
}

// Display renders e.g. "Monday, January 1, 2024 9:00 AM - 9:30 AM".
func (s CandidateSlot) Display() string {
	return s.Start.Format(slotDisplayStartLayout) + " - " + s.End.Format(slotDisplayEndLayout)
}

// FormattedStart is the ISO-8601 wall clock of the start without offset.
func (s CandidateSlot) FormattedStart() string {
	return s.Start.Format(localTimestampLayout)
}

func (s CandidateSlot) FormattedEnd() string {
	return s.End.Format(localTimestampLayout)
}

func (s CandidateSlot) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

func (s CandidateSlot) Equal(o CandidateSlot) bool {
	return s.Start.Equal(o.Start) && s.End.Equal(o.End)
}

// GenerateSlots walks [windowStart, windowEnd) and yields every slot of
// durationMinutes that fits a working day of hours. The walk stops once the
// cursor reaches windowEnd; a slot starting before windowEnd is emitted whole.
func GenerateSlots(windowStart, windowEnd time.Time, durationMinutes int, hours WorkingHours) iter.Seq[CandidateSlot] {
	return func(yield func(CandidateSlot) bool) {
		if durationMinutes <= 0 || !windowEnd.After(windowStart) {
			return
		}
		duration := time.Duration(durationMinutes) * time.Minute
		current := windowStart.In(hours.location())

		for current.Before(windowEnd) {
			dayStart := hours.at(current, hours.StartMinute)
			dayEnd := hours.at(current, hours.EndMinute)

			if !current.Before(dayEnd) {
				current = nextMidnight(current)
				continue
			}
			if current.Before(dayStart) {
				current = dayStart
			}

			slotEnd := current.Add(duration)
			if slotEnd.After(dayEnd) {
				current = nextMidnight(current)
				continue
			}
			if !hours.Allows(current.Weekday()) {
				current = nextMidnight(current)
				continue
			}

			if !yield(CandidateSlot{Start: current, End: slotEnd, DurationMinutes: durationMinutes}) {
				return
			}
			current = slotEnd
		}
	}
}

func WithinHours(slots iter.Seq[CandidateSlot], policies ...WorkingHours) iter.Seq[CandidateSlot] {
	return func(yield func(CandidateSlot) bool) {
		for s := range slots {
			if !slices.ContainsFunc(policies, func(w WorkingHours) bool { return !w.Contains(s) }) {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// FilterFree drops every slot overlapped by a blocking interval. With no
// blocking intervals the input sequence is returned unchanged.
func FilterFree(slots iter.Seq[CandidateSlot], busy []BusyInterval) iter.Seq[CandidateSlot] {
	blocking := make([]BusyInterval, 0, len(busy))
	for _, b := range busy {
		if b.Status.Blocks() {
			blocking = append(blocking, b)
		}
	}
	if len(blocking) == 0 {
		return slots
	}
	slices.SortFunc(blocking, func(a, b BusyInterval) int {
		return a.Start.Compare(b.Start)
	})

	return func(yield func(CandidateSlot) bool) {
		for s := range slots {
			if overlapsAny(s, blocking) {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// overlapsAny expects blocking sorted by start.
func overlapsAny(s CandidateSlot, blocking []BusyInterval) bool {
	for _, b := range blocking {
		if !b.Start.Before(s.End) {
			return false
		}
		if b.Overlaps(s.Start, s.End) {
			return true
		}
	}
	return false
}

package domain

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultWorkStartMinute = 9 * 60
	DefaultWorkEndMinute   = 17 * 60
	DefaultSlotMinutes     = 30
)

// WorkingHours is the policy the slot lattice is generated under. Minutes
// are offsets from local midnight in Location.
type WorkingHours struct {
	StartMinute int
	EndMinute   int
	Weekdays    []time.Weekday
	Location    *time.Location
}

func DefaultWorkingHours() WorkingHours {
	return WorkingHours{
		StartMinute: DefaultWorkStartMinute,
		EndMinute:   DefaultWorkEndMinute,
		Weekdays:    []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Location:    time.UTC,
	}
}

func (w WorkingHours) Validate() error {
	if w.StartMinute < 0 || w.StartMinute >= 24*60 {
		return errors.New("working start out of range")
	}
	if w.EndMinute <= 0 || w.EndMinute > 24*60 {
		return errors.New("working end out of range")
	}
	if w.EndMinute <= w.StartMinute {
		return errors.New("working end must be after working start")
	}
	if len(w.Weekdays) == 0 {
		return errors.New("at least one weekday is required")
	}
	return nil
}

func (w WorkingHours) Allows(day time.Weekday) bool {
	return slices.Contains(w.Weekdays, day)
}

func (w WorkingHours) location() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// at returns the wall-clock instant minute minutes after midnight of t's date.
func (w WorkingHours) at(t time.Time, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minute/60, minute%60, 0, 0, t.Location())
}

// IntersectWorkingHours narrows the first policy with every other policy in
// the same time zone. Policies in other zones do not combine minute by minute;
// callers apply them per slot through Contains.
func IntersectWorkingHours(policies ...WorkingHours) WorkingHours {
	if len(policies) == 0 {
		return DefaultWorkingHours()
	}

	out := WorkingHours{
		StartMinute: policies[0].StartMinute,
		EndMinute:   policies[0].EndMinute,
		Weekdays:    slices.Clone(policies[0].Weekdays),
		Location:    policies[0].Location,
	}
	zone := out.location().String()
	for _, p := range policies[1:] {
		if p.location().String() != zone {
			continue
		}
		out.StartMinute = max(out.StartMinute, p.StartMinute)
		out.EndMinute = min(out.EndMinute, p.EndMinute)
		out.Weekdays = slices.DeleteFunc(out.Weekdays, func(d time.Weekday) bool {
			return !p.Allows(d)
		})
	}
	return out
}

// Contains reports whether s falls on an allowed weekday and inside that
// day's working window, both read in w's own time zone.
func (w WorkingHours) Contains(s CandidateSlot) bool {
	start := s.Start.In(w.location())
	if !w.Allows(start.Weekday()) {
		return false
	}
	return !start.Before(w.at(start, w.StartMinute)) && !s.End.After(w.at(start, w.EndMinute))
}

// ParseClock parses "HH:MM" into minutes after midnight. "24:00" is accepted
// as end of day.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return h*60 + m, nil
}

func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekdays accepts English names ("mon", "Friday") or ISO numbers
// (1 = Monday .. 7 = Sunday). Duplicates are dropped, order is Monday first.
func ParseWeekdays(values []string) ([]time.Weekday, error) {
	isos := make([]int16, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if d, ok := weekdayNames[v]; ok {
			isos = append(isos, ISOWeekday(d))
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 7 {
			return nil, fmt.Errorf("invalid weekday %q", v)
		}
		isos = append(isos, int16(n))
	}
	return WeekdaysFromISO(isos)
}

// ISOWeekday maps time.Weekday to 1 (Monday) .. 7 (Sunday).
func ISOWeekday(d time.Weekday) int16 {
	if d == time.Sunday {
		return 7
	}
	return int16(d)
}

func WeekdaysFromISO(isos []int16) ([]time.Weekday, error) {
	seen := make(map[int16]struct{}, len(isos))
	sorted := make([]int16, 0, len(isos))
	for _, wd := range isos {
		if wd < 1 || wd > 7 {
			return nil, errors.New("invalid weekday")
		}
		if _, ok := seen[wd]; ok {
			continue
		}
		seen[wd] = struct{}{}
		sorted = append(sorted, wd)
	}
	slices.Sort(sorted)

	out := make([]time.Weekday, 0, len(sorted))
	for _, wd := range sorted {
		if wd == 7 {
			out = append(out, time.Sunday)
			continue
		}
		out = append(out, time.Weekday(wd))
	}
	return out, nil
}

func WeekdaysToISO(days []time.Weekday) []int16 {
	out := make([]int16, 0, len(days))
	for _, d := range days {
		out = append(out, ISOWeekday(d))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

package domain

import (
	"errors"
	"time"
)

type BusyStatus string

const (
	BusyStatusBusy             BusyStatus = "busy"
	BusyStatusTentative        BusyStatus = "tentative"
	BusyStatusOutOfOffice      BusyStatus = "outOfOffice"
	BusyStatusWorkingElsewhere BusyStatus = "workingElsewhere"
	BusyStatusFree             BusyStatus = "free"
)

// Blocks reports whether an interval with this status makes overlapping
// slots unavailable. Only free does not.
func (s BusyStatus) Blocks() bool {
	switch s {
	case BusyStatusBusy, BusyStatusTentative, BusyStatusOutOfOffice, BusyStatusWorkingElsewhere:
		return true
	default:
		return false
	}
}

type BusyInterval struct {
	Start  time.Time  `json:"start"`
	End    time.Time  `json:"end"`
	AllDay bool       `json:"all_day"`
	Status BusyStatus `json:"status"`
}

var ErrEmptyInterval = errors.New("interval end must be after start")

// NewBusyInterval builds an interval, widening all-day entries to whole days
// in the start's location.
func NewBusyInterval(start, end time.Time, allDay bool, status BusyStatus) (BusyInterval, error) {
	if status == "" {
		status = BusyStatusBusy
	}
	if allDay {
		start = startOfDay(start)
		endDay := startOfDay(end.In(start.Location()))
		if endDay.Before(end.In(start.Location())) || !endDay.After(start) {
			endDay = endDay.AddDate(0, 0, 1)
		}
		end = endDay
	}
	if !end.After(start) {
		return BusyInterval{}, ErrEmptyInterval
	}
	return BusyInterval{Start: start, End: end, AllDay: allDay, Status: status}, nil
}

// Overlaps uses half-open semantics: touching boundaries do not overlap.
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && end.After(b.Start)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func nextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

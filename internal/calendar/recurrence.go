package calendar

import (
	"time"

	"github.com/teambition/rrule-go"
)

const maxOccurrencesPerEvent = 5000

type Occurrence struct {
	Start time.Time
	End   time.Time
}

// ExpandRule expands an RRULE value anchored at dtstart into occurrences that
// intersect [windowStart, windowEnd). Each occurrence keeps the duration
// of the first instance. exdates are removed before expansion.
func ExpandRule(rule string, dtstart time.Time, duration time.Duration, exdates []time.Time, windowStart, windowEnd time.Time) ([]Occurrence, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, err
	}
	r.DTStart(dtstart)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range exdates {
		set.ExDate(ex.In(dtstart.Location()))
	}
	return ExpandSet(&set, duration, windowStart, windowEnd), nil
}

// ExpandSet lists the instances of set that overlap the window. Instances
// starting before windowStart still count when they run into it.
func ExpandSet(set *rrule.Set, duration time.Duration, windowStart, windowEnd time.Time) []Occurrence {
	loc := set.GetDTStart().Location()
	starts := set.Between(windowStart.Add(-duration).In(loc), windowEnd.In(loc), true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	out := make([]Occurrence, 0, len(starts))
	for _, s := range starts {
		e := s.Add(duration)
		if !s.Before(windowEnd) || !e.After(windowStart) {
			continue
		}
		out = append(out, Occurrence{Start: s, End: e})
	}
	return out
}

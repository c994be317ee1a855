// Package icsfeed reads busy time from published iCalendar feeds. Feeds are
// read-only: bookings on them get a local identifier and no remote write.
package icsfeed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/domain"
)

const maxFeedBytes = 10 << 20

type cacheEntry struct {
	etag         string
	lastModified string
	body         []byte
}

// Feed fetches feeds by URL (CalendarRef.ExternalID), revalidating with
// ETag and Last-Modified. The last good body is served when the origin
// fails.
type Feed struct {
	calendar.NoopSink

	client *http.Client
	log    *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func New(log *slog.Logger, client *http.Client) *Feed {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Feed{
		client: client,
		log:    log.With(slog.String("component", "calendar.ics")),
		cache:  make(map[string]cacheEntry),
	}
}

func (f *Feed) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	body, err := f.download(ctx, ref)
	if err != nil {
		return nil, calendar.SourceError(ref, err)
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, calendar.SourceError(ref, fmt.Errorf("parse feed: %w", err))
	}

	loc := ref.Hours.Location
	if loc == nil {
		loc = time.UTC
	}

	events := cal.Events()
	overridden := overriddenInstances(events, loc)

	var out []domain.BusyInterval
	for _, ev := range events {
		ivs, err := eventIntervals(ev, loc, overridden, start, end)
		if err != nil {
			f.log.WarnContext(ctx, "skipping event",
				slog.String("calendar_id", ref.ID.String()),
				slog.String("uid", propValue(ev, ical.ComponentPropertyUniqueId)),
				slog.Any("err", err))
			continue
		}
		out = append(out, ivs...)
	}
	return out, nil
}

func (f *Feed) download(ctx context.Context, ref domain.CalendarRef) ([]byte, error) {
	url := ref.ExternalID

	f.mu.Lock()
	cached, hasCached := f.cache[url]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}
	if cached.lastModified != "" {
		req.Header.Set("If-Modified-Since", cached.lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if hasCached && ctx.Err() == nil {
			f.log.WarnContext(ctx, "feed unreachable, serving cached copy", slog.String("calendar_id", ref.ID.String()), slog.Any("err", err))
			return cached.body, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && hasCached:
		return cached.body, nil
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.cache[url] = cacheEntry{
			etag:         resp.Header.Get("ETag"),
			lastModified: resp.Header.Get("Last-Modified"),
			body:         body,
		}
		f.mu.Unlock()
		return body, nil
	case hasCached:
		f.log.WarnContext(ctx, "feed returned error, serving cached copy", slog.String("calendar_id", ref.ID.String()), slog.Int("status", resp.StatusCode))
		return cached.body, nil
	default:
		return nil, fmt.Errorf("feed returned %s", resp.Status)
	}
}

// overriddenInstances maps UID to the RECURRENCE-ID of every instance a
// separate VEVENT replaces.
func overriddenInstances(events []*ical.VEvent, loc *time.Location) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, ev := range events {
		rid := ev.GetProperty(ical.ComponentPropertyRecurrenceId)
		if rid == nil {
			continue
		}
		t, err := parseTime(rid.Value, rid.ICalParameters, loc)
		if err != nil {
			continue
		}
		uid := propValue(ev, ical.ComponentPropertyUniqueId)
		out[uid] = append(out[uid], t)
	}
	return out
}

func eventIntervals(ev *ical.VEvent, loc *time.Location, overridden map[string][]time.Time, start, end time.Time) ([]domain.BusyInterval, error) {
	status := eventStatus(ev)
	if status == "" {
		return nil, nil
	}

	dtstartProp := ev.GetProperty(ical.ComponentPropertyDtStart)
	if dtstartProp == nil {
		return nil, errors.New("event without DTSTART")
	}
	dtstart, err := parseTime(dtstartProp.Value, dtstartProp.ICalParameters, loc)
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	allDay := isDateValue(dtstartProp.Value, dtstartProp.ICalParameters)

	var dtend time.Time
	if p := ev.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		dtend, err = parseTime(p.Value, p.ICalParameters, loc)
		if err != nil {
			return nil, fmt.Errorf("DTEND: %w", err)
		}
	} else if allDay {
		dtend = dtstart.AddDate(0, 0, 1)
	} else {
		dtend = dtstart
	}

	rule := ev.GetProperty(ical.ComponentPropertyRrule)
	if rule == nil || ev.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
		if !dtend.After(dtstart) {
			return nil, nil
		}
		iv, err := domain.NewBusyInterval(dtstart, dtend, allDay, status)
		if err != nil {
			return nil, err
		}
		return []domain.BusyInterval{iv}, nil
	}

	exdates := append([]time.Time(nil), overridden[propValue(ev, ical.ComponentPropertyUniqueId)]...)
	for _, p := range ev.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseTime(part, p.ICalParameters, loc); err == nil {
				exdates = append(exdates, t)
			}
		}
	}

	occurrences, err := calendar.ExpandRule(rule.Value, dtstart, dtend.Sub(dtstart), exdates, start, end)
	if err != nil {
		return nil, fmt.Errorf("RRULE: %w", err)
	}
	out := make([]domain.BusyInterval, 0, len(occurrences))
	for _, occ := range occurrences {
		iv, err := domain.NewBusyInterval(occ.Start, occ.End, allDay, status)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// eventStatus returns "" for cancelled events.
func eventStatus(ev *ical.VEvent) domain.BusyStatus {
	status := propValue(ev, ical.ComponentPropertyStatus)
	transp := propValue(ev, ical.ComponentPropertyTransp)

	switch {
	case strings.EqualFold(status, "CANCELLED"):
		return ""
	case strings.EqualFold(transp, "TRANSPARENT"):
		return domain.BusyStatusFree
	case strings.EqualFold(status, "TENTATIVE"):
		return domain.BusyStatusTentative
	default:
		return domain.BusyStatusBusy
	}
}

func propValue(ev *ical.VEvent, prop ical.ComponentProperty) string {
	if p := ev.GetProperty(prop); p != nil {
		return p.Value
	}
	return ""
}

func isDateValue(value string, params map[string][]string) bool {
	if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(value, "T")
}

// parseTime reads a DATE or DATE-TIME value. UTC values keep their zone,
// TZID values use the named zone and floating values fall back to loc.
func parseTime(value string, params map[string][]string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if tz, ok := params["TZID"]; ok && len(tz) > 0 {
		if l, err := time.LoadLocation(tz[0]); err == nil {
			loc = l
		}
	}
	switch {
	case strings.HasSuffix(value, "Z"):
		return time.Parse("20060102T150405Z", value)
	case strings.Contains(value, "T"):
		return time.ParseInLocation("20060102T150405", value, loc)
	default:
		return time.ParseInLocation("20060102", value, loc)
	}
}

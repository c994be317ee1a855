// Package caldav reads and writes calendars on a CalDAV server.
package caldav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/domain"
)

const productID = "-//calsync//EN"

type Config struct {
	Endpoint string
	Username string
	Password string
}

type basicAuthTransport struct {
	username  string
	password  string
	transport http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	req.Header.Set("User-Agent", "calsync/1.0")
	return t.transport.RoundTrip(req)
}

// Client talks to one CalDAV server. CalendarRef.ExternalID is the
// collection path relative to the endpoint.
type Client struct {
	dav *caldav.Client
	log *slog.Logger
}

func New(log *slog.Logger, cfg Config, base *http.Client) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	httpClient := &http.Client{
		Timeout:   base.Timeout,
		Transport: &basicAuthTransport{username: cfg.Username, password: cfg.Password, transport: rt},
	}

	dav, err := caldav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("create caldav client: %w", err)
	}
	return &Client{
		dav: dav,
		log: log.With(slog.String("component", "calendar.caldav")),
	}, nil
}

func (c *Client) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: start.UTC(),
				End:   end.UTC(),
			}},
		},
	}

	objects, err := c.dav.QueryCalendar(ctx, ref.ExternalID, query)
	if err != nil {
		return nil, calendar.SourceError(ref, err)
	}

	loc := ref.Hours.Location
	if loc == nil {
		loc = time.UTC
	}

	var out []domain.BusyInterval
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		events := obj.Data.Events()
		overridden := overriddenInstances(events, loc)
		for _, ev := range events {
			ivs, err := eventIntervals(&ev, loc, overridden, start, end)
			if err != nil {
				c.log.WarnContext(ctx, "skipping event",
					slog.String("calendar_id", ref.ID.String()),
					slog.String("object", obj.Path),
					slog.Any("err", err))
				continue
			}
			out = append(out, ivs...)
		}
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	uid := uuid.NewString()

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toVEvent(uid, payload))

	if _, err := c.dav.PutCalendarObject(ctx, objectPath(ref, uid), cal); err != nil {
		return "", calendar.SinkError(ref, err)
	}
	return uid, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error {
	return c.dav.RemoveAll(ctx, objectPath(ref, eventID))
}

func objectPath(ref domain.CalendarRef, uid string) string {
	return path.Join(ref.ExternalID, uid+".ics")
}

func toVEvent(uid string, payload domain.EventPayload) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, payload.Subject)
	ve.Props.SetText(ical.PropDescription, payload.Body)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, payload.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, payload.EndTime.UTC())
	for _, a := range payload.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText("mailto:" + a.Email)
		if a.Name != "" {
			p.Params.Set(ical.ParamCommonName, a.Name)
		}
		ve.Props.Add(p)
	}
	return ve
}

// overriddenInstances maps UID to the RECURRENCE-ID of every instance a
// separate VEVENT in the same object replaces.
func overriddenInstances(events []ical.Event, loc *time.Location) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, ev := range events {
		if ev.Props.Get(ical.PropRecurrenceID) == nil {
			continue
		}
		rid, err := ev.Props.DateTime(ical.PropRecurrenceID, loc)
		if err != nil || rid.IsZero() {
			continue
		}
		uid, _ := ev.Props.Text(ical.PropUID)
		out[uid] = append(out[uid], rid)
	}
	return out
}

func eventIntervals(ev *ical.Event, loc *time.Location, overridden map[string][]time.Time, start, end time.Time) ([]domain.BusyInterval, error) {
	status := eventStatus(ev.Component)
	if status == "" {
		return nil, nil
	}

	dtstart, err := ev.DateTimeStart(loc)
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	dtend, err := ev.DateTimeEnd(loc)
	if err != nil {
		return nil, fmt.Errorf("DTEND: %w", err)
	}
	if dtstart.IsZero() {
		return nil, errors.New("event without DTSTART")
	}
	allDay := false
	if p := ev.Props.Get(ical.PropDateTimeStart); p != nil && p.ValueType() == ical.ValueDate {
		allDay = true
	}

	var set *rrule.Set
	if ev.Props.Get(ical.PropRecurrenceID) == nil {
		set, err = ev.RecurrenceSet(loc)
		if err != nil {
			return nil, fmt.Errorf("recurrence: %w", err)
		}
	}
	if set == nil {
		iv, err := domain.NewBusyInterval(dtstart, dtend, allDay, status)
		if err != nil {
			return nil, err
		}
		return []domain.BusyInterval{iv}, nil
	}

	uid, _ := ev.Props.Text(ical.PropUID)
	for _, rid := range overridden[uid] {
		set.ExDate(rid.In(dtstart.Location()))
	}

	var out []domain.BusyInterval
	for _, occ := range calendar.ExpandSet(set, dtend.Sub(dtstart), start, end) {
		iv, err := domain.NewBusyInterval(occ.Start, occ.End, allDay, status)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

// eventStatus returns "" for cancelled events, which contribute nothing.
func eventStatus(comp *ical.Component) domain.BusyStatus {
	status, _ := comp.Props.Text(ical.PropStatus)
	transp, _ := comp.Props.Text(ical.PropTransparency)

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

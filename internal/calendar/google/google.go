// Package google reads and writes Google calendars through the Calendar API.
package google

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/domain"
)

const dateLayout = "2006-01-02"

type Client struct {
	endpoint string
	http     *http.Client
	tokens   calendar.TokenProvider
	log      *slog.Logger
}

// New builds a client. An empty endpoint uses the public API.
func New(log *slog.Logger, tokens calendar.TokenProvider, endpoint string, httpClient *http.Client) *Client {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		http:     httpClient,
		tokens:   tokens,
		log:      log.With(slog.String("component", "calendar.google")),
	}
}

func (c *Client) service(ctx context.Context, ref domain.CalendarRef) (*gcalendar.Service, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(calendar.HTTPClient(ctx, c.http, c.tokens, ref)),
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	return gcalendar.NewService(ctx, opts...)
}

func (c *Client) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	svc, err := c.service(ctx, ref)
	if err != nil {
		return nil, calendar.SourceError(ref, err)
	}

	var out []domain.BusyInterval
	call := svc.Events.List(ref.ExternalID).
		Context(ctx).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(false).
		MaxResults(250)
	err = call.Pages(ctx, func(page *gcalendar.Events) error {
		for _, item := range page.Items {
			iv, ok, err := toInterval(item)
			if err != nil {
				c.log.WarnContext(ctx, "skipping event", slog.String("calendar_id", ref.ID.String()), slog.String("event_id", item.Id), slog.Any("err", err))
				continue
			}
			if ok {
				out = append(out, iv)
			}
		}
		return nil
	})
	if err != nil {
		return nil, calendar.SourceError(ref, err)
	}
	return out, nil
}

func (c *Client) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	svc, err := c.service(ctx, ref)
	if err != nil {
		return "", calendar.SinkError(ref, err)
	}

	ev := &gcalendar.Event{
		Summary:     payload.Subject,
		Description: payload.Body,
		Start:       &gcalendar.EventDateTime{DateTime: payload.Start, TimeZone: payload.TimeZone},
		End:         &gcalendar.EventDateTime{DateTime: payload.End, TimeZone: payload.TimeZone},
	}
	for _, a := range payload.Attendees {
		ev.Attendees = append(ev.Attendees, &gcalendar.EventAttendee{Email: a.Email, DisplayName: a.Name})
	}

	created, err := svc.Events.Insert(ref.ExternalID, ev).Context(ctx).Do()
	if err != nil {
		return "", calendar.SinkError(ref, err)
	}
	return created.Id, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error {
	svc, err := c.service(ctx, ref)
	if err != nil {
		return err
	}
	err = svc.Events.Delete(ref.ExternalID, eventID).Context(ctx).Do()
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone) {
		return nil
	}
	return err
}

// toInterval reports ok=false for entries that never block: cancelled
// instances and working-location markers.
func toInterval(item *gcalendar.Event) (domain.BusyInterval, bool, error) {
	if item.Status == "cancelled" || item.EventType == "workingLocation" {
		return domain.BusyInterval{}, false, nil
	}
	if item.Start == nil || item.End == nil {
		return domain.BusyInterval{}, false, errors.New("event without start or end")
	}

	start, allDay, err := parseEventTime(item.Start)
	if err != nil {
		return domain.BusyInterval{}, false, err
	}
	end, _, err := parseEventTime(item.End)
	if err != nil {
		return domain.BusyInterval{}, false, err
	}

	iv, err := domain.NewBusyInterval(start, end, allDay, eventStatus(item))
	if err != nil {
		return domain.BusyInterval{}, false, err
	}
	return iv, true, nil
}

func eventStatus(item *gcalendar.Event) domain.BusyStatus {
	switch {
	case item.Transparency == "transparent":
		return domain.BusyStatusFree
	case item.EventType == "outOfOffice":
		return domain.BusyStatusOutOfOffice
	case item.Status == "tentative":
		return domain.BusyStatusTentative
	default:
		return domain.BusyStatusBusy
	}
}

func parseEventTime(t *gcalendar.EventDateTime) (time.Time, bool, error) {
	if t.DateTime != "" {
		v, err := time.Parse(time.RFC3339, t.DateTime)
		return v, false, err
	}
	loc := time.UTC
	if t.TimeZone != "" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	v, err := time.ParseInLocation(dateLayout, t.Date, loc)
	return v, true, err
}

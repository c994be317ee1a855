// Package graph reads and writes Outlook calendars through Microsoft Graph.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/domain"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	graphTimeLayout = "2006-01-02T15:04:05"
	pageSize        = 100
)

type Client struct {
	baseURL string
	http    *http.Client
	tokens  calendar.TokenProvider
	log     *slog.Logger
}

func New(log *slog.Logger, tokens calendar.TokenProvider, baseURL string, httpClient *http.Client) *Client {
	if log == nil {
		log = slog.Default()
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		log:     log.With(slog.String("component", "calendar.graph")),
	}
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type event struct {
	ID       string           `json:"id"`
	Subject  string           `json:"subject"`
	Start    dateTimeTimeZone `json:"start"`
	End      dateTimeTimeZone `json:"end"`
	IsAllDay bool             `json:"isAllDay"`
	ShowAs   string           `json:"showAs"`
}

type eventPage struct {
	Value    []event `json:"value"`
	NextLink string  `json:"@odata.nextLink"`
}

func (c *Client) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))
	q.Set("$select", "subject,start,end,isAllDay,showAs,id")
	q.Set("$top", fmt.Sprint(pageSize))
	next := fmt.Sprintf("%s/me/calendars/%s/calendarView?%s", c.baseURL, url.PathEscape(ref.ExternalID), q.Encode())

	client := calendar.HTTPClient(ctx, c.http, c.tokens, ref)
	var out []domain.BusyInterval
	for next != "" {
		var page eventPage
		if err := c.do(ctx, client, http.MethodGet, next, nil, &page); err != nil {
			return nil, calendar.SourceError(ref, err)
		}
		for _, ev := range page.Value {
			iv, err := ev.interval()
			if err != nil {
				c.log.WarnContext(ctx, "skipping event", slog.String("calendar_id", ref.ID.String()), slog.String("event_id", ev.ID), slog.Any("err", err))
				continue
			}
			out = append(out, iv)
		}
		next = page.NextLink
	}
	return out, nil
}

type emailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type attendee struct {
	EmailAddress emailAddress `json:"emailAddress"`
	Type         string       `json:"type"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type newEvent struct {
	Subject   string           `json:"subject"`
	Body      itemBody         `json:"body"`
	Start     dateTimeTimeZone `json:"start"`
	End       dateTimeTimeZone `json:"end"`
	Attendees []attendee       `json:"attendees"`
}

func (c *Client) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	body := newEvent{
		Subject:   payload.Subject,
		Body:      itemBody{ContentType: "text", Content: payload.Body},
		Start:     dateTimeTimeZone{DateTime: payload.Start, TimeZone: payload.TimeZone},
		End:       dateTimeTimeZone{DateTime: payload.End, TimeZone: payload.TimeZone},
		Attendees: make([]attendee, 0, len(payload.Attendees)),
	}
	for _, a := range payload.Attendees {
		body.Attendees = append(body.Attendees, attendee{
			EmailAddress: emailAddress{Address: a.Email, Name: a.Name},
			Type:         "required",
		})
	}

	var created event
	u := fmt.Sprintf("%s/me/calendars/%s/events", c.baseURL, url.PathEscape(ref.ExternalID))
	if err := c.do(ctx, calendar.HTTPClient(ctx, c.http, c.tokens, ref), http.MethodPost, u, body, &created); err != nil {
		return "", calendar.SinkError(ref, err)
	}
	if created.ID == "" {
		return "", calendar.SinkError(ref, errors.New("graph returned no event id"))
	}
	return created.ID, nil
}

func (c *Client) Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error {
	u := fmt.Sprintf("%s/me/events/%s", c.baseURL, url.PathEscape(eventID))
	err := c.do(ctx, calendar.HTTPClient(ctx, c.http, c.tokens, ref), http.MethodDelete, u, nil, nil)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("graph status %d: %s", e.code, e.body)
}

func (c *Client) do(ctx context.Context, client *http.Client, method, u string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (e event) interval() (domain.BusyInterval, error) {
	start, err := parseGraphTime(e.Start)
	if err != nil {
		return domain.BusyInterval{}, err
	}
	end, err := parseGraphTime(e.End)
	if err != nil {
		return domain.BusyInterval{}, err
	}
	return domain.NewBusyInterval(start, end, e.IsAllDay, ShowAsStatus(e.ShowAs))
}

func parseGraphTime(v dateTimeTimeZone) (time.Time, error) {
	loc := time.UTC
	if v.TimeZone != "" && !strings.EqualFold(v.TimeZone, "UTC") {
		if l, err := time.LoadLocation(v.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation(graphTimeLayout, strings.TrimSuffix(v.DateTime, "Z"), loc)
}

// ShowAsStatus maps Graph's showAs values. Unknown values do not block.
func ShowAsStatus(showAs string) domain.BusyStatus {
	switch showAs {
	case "busy":
		return domain.BusyStatusBusy
	case "tentative":
		return domain.BusyStatusTentative
	case "oof":
		return domain.BusyStatusOutOfOffice
	case "workingElsewhere":
		return domain.BusyStatusWorkingElsewhere
	default:
		return domain.BusyStatusFree
	}
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type BookingStatus string

const (
	BookingStatusProvisional BookingStatus = "provisional"
	BookingStatusCommitted   BookingStatus = "committed"
	BookingStatusDiscarded   BookingStatus = "discarded"
)

// CanTransition enforces provisional -> committed | discarded.
func (s BookingStatus) CanTransition(to BookingStatus) bool {
	return s == BookingStatusProvisional && (to == BookingStatusCommitted || to == BookingStatusDiscarded)
}

type Booking struct {
	bun.BaseModel `bun:"table:bookings"`

	ID            uuid.UUID     `bun:"id,pk,type:uuid"`
	LinkID        string        `bun:"link_id,notnull"`
	CalendarIDs   []string      `bun:"calendar_ids,array,notnull"`
	EventIDs      []string      `bun:"event_ids,array,notnull"`
	CustomerName  string        `bun:"customer_name,notnull"`
	CustomerEmail string        `bun:"customer_email,notnull"`
	Subject       string        `bun:"subject,notnull"`
	Description   string        `bun:"description,notnull"`
	StartTime     time.Time     `bun:"start_time,notnull"`
	EndTime       time.Time     `bun:"end_time,notnull"`
	Status        BookingStatus `bun:"status,notnull"`
	CreatedAt     time.Time     `bun:"created_at,notnull"`
	UpdatedAt     time.Time     `bun:"updated_at,notnull"`
}

func (b *Booking) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if b.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			b.ID = id
		}
		if b.Status == "" {
			b.Status = BookingStatusProvisional
		}
		if b.CalendarIDs == nil {
			b.CalendarIDs = []string{}
		}
		if b.EventIDs == nil {
			b.EventIDs = []string{}
		}
		if b.CreatedAt.IsZero() {
			b.CreatedAt = now
		}
		if b.UpdatedAt.IsZero() {
			b.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		b.UpdatedAt = now
	}
	return nil
}

// SameRequest reports whether two bookings describe the same customer request,
// ignoring ids, status and external event ids.
func (b Booking) SameRequest(o Booking) bool {
	if b.LinkID != o.LinkID ||
		b.CustomerName != o.CustomerName ||
		b.CustomerEmail != o.CustomerEmail ||
		b.Subject != o.Subject ||
		b.Description != o.Description ||
		!b.StartTime.Equal(o.StartTime) ||
		!b.EndTime.Equal(o.EndTime) ||
		len(b.CalendarIDs) != len(o.CalendarIDs) {
		return false
	}
	for i := range b.CalendarIDs {
		if b.CalendarIDs[i] != o.CalendarIDs[i] {
			return false
		}
	}
	return true
}

// BookingClaim holds a calendar's time range while its booking is provisional
// or committed. Overlapping claims on one calendar are rejected by the store.
type BookingClaim struct {
	bun.BaseModel `bun:"table:booking_claims"`

	BookingID  uuid.UUID `bun:"booking_id,pk,type:uuid"`
	CalendarID uuid.UUID `bun:"calendar_id,pk,type:uuid"`
	StartTime  time.Time `bun:"start_time,notnull"`
	EndTime    time.Time `bun:"end_time,notnull"`
}

type Attendee struct {
	Name  string
	Email string
}

type EventPayload struct {
	Subject   string
	Body      string
	Start     string
	End       string
	TimeZone  string
	StartTime time.Time
	EndTime   time.Time
	Attendees []Attendee
}

func NewEventPayload(slot CandidateSlot, name, email, subject, description string) EventPayload {
	start := slot.Start.UTC()
	end := slot.End.UTC()
	return EventPayload{
		Subject:   subject,
		Body:      "Booking made by " + name + " (" + email + ")\n\n" + description,
		Start:     start.Format(localTimestampLayout),
		End:       end.Format(localTimestampLayout),
		TimeZone:  "UTC",
		StartTime: start,
		EndTime:   end,
		Attendees: []Attendee{{Name: name, Email: email}},
	}
}

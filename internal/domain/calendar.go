package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type CalendarKind string

const (
	CalendarKindGraph  CalendarKind = "graph"
	CalendarKindGoogle CalendarKind = "google"
	CalendarKindCalDAV CalendarKind = "caldav"
	CalendarKindICS    CalendarKind = "ics"
)

func (k CalendarKind) Valid() bool {
	switch k {
	case CalendarKindGraph, CalendarKindGoogle, CalendarKindCalDAV, CalendarKindICS:
		return true
	default:
		return false
	}
}

func (k CalendarKind) UsesOAuth() bool {
	return k == CalendarKindGraph || k == CalendarKindGoogle
}

type Calendar struct {
	bun.BaseModel `bun:"table:calendars"`

	ID           uuid.UUID    `bun:"id,pk,type:uuid"`
	Kind         CalendarKind `bun:"kind,notnull"`
	Name         string       `bun:"name,notnull"`
	ExternalID   string       `bun:"external_id,notnull"`
	WorkStart    int          `bun:"work_start_minute,notnull"`
	WorkEnd      int          `bun:"work_end_minute,notnull"`
	Weekdays     []int16      `bun:"weekdays,array,notnull"`
	Timezone     string       `bun:"timezone,notnull"`
	RefreshSpec  string       `bun:"refresh_spec,notnull"`
	AccessToken  string       `bun:"access_token,notnull"`
	RefreshToken string       `bun:"refresh_token,notnull"`
	TokenExpiry  *time.Time   `bun:"token_expiry"`
	LastSynced   *time.Time   `bun:"last_synced"`
	Active       bool         `bun:"active,notnull"`
	CreatedAt    time.Time    `bun:"created_at,notnull"`
	UpdatedAt    time.Time    `bun:"updated_at,notnull"`
}

func (c *Calendar) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if c.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			c.ID = id
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		c.UpdatedAt = now
	}
	return nil
}

func (c Calendar) Hours() (WorkingHours, error) {
	loc := time.UTC
	if c.Timezone != "" {
		l, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return WorkingHours{}, fmt.Errorf("calendar %s: %w", c.ID, err)
		}
		loc = l
	}
	days, err := WeekdaysFromISO(c.Weekdays)
	if err != nil {
		return WorkingHours{}, fmt.Errorf("calendar %s: %w", c.ID, err)
	}
	hours := WorkingHours{
		StartMinute: c.WorkStart,
		EndMinute:   c.WorkEnd,
		Weekdays:    days,
		Location:    loc,
	}
	if err := hours.Validate(); err != nil {
		return WorkingHours{}, fmt.Errorf("calendar %s: %w", c.ID, err)
	}
	return hours, nil
}

func (c Calendar) Credential() Credential {
	cred := Credential{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
	if c.TokenExpiry != nil {
		cred.Expiry = *c.TokenExpiry
	}
	return cred
}

func (c Calendar) Ref() (CalendarRef, error) {
	hours, err := c.Hours()
	if err != nil {
		return CalendarRef{}, err
	}
	return CalendarRef{
		ID:         c.ID,
		Kind:       c.Kind,
		ExternalID: c.ExternalID,
		Name:       c.Name,
		Hours:      hours,
	}, nil
}

type CalendarRef struct {
	ID         uuid.UUID
	Kind       CalendarKind
	ExternalID string
	Name       string
	Hours      WorkingHours
}

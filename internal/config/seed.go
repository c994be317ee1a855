package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"calsync/backend/internal/domain"
)

type Seed struct {
	Calendars []SeedCalendar `yaml:"calendars"`
	Links     []SeedLink     `yaml:"links"`
}

type SeedCalendar struct {
	// ID is optional; a stable id keeps re-seeding idempotent.
	ID           string   `yaml:"id"`
	Kind         string   `yaml:"kind"`
	Name         string   `yaml:"name"`
	ExternalID   string   `yaml:"external_id"`
	Timezone     string   `yaml:"timezone"`
	WorkStart    string   `yaml:"work_start"`
	WorkEnd      string   `yaml:"work_end"`
	Weekdays     []string `yaml:"weekdays"`
	Refresh      string   `yaml:"refresh"`
	AccessToken  string   `yaml:"access_token"`
	RefreshToken string   `yaml:"refresh_token"`
	Inactive     bool     `yaml:"inactive"`
}

type SeedLink struct {
	LinkID          string `yaml:"link_id"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	DurationMinutes int    `yaml:"duration_minutes"`
	// Calendars references seeded calendars by name or id.
	Calendars []string `yaml:"calendars"`
}

func LoadSeed(path string) (Seed, error) {
	if path == "" {
		return Seed{}, errors.New("calendars file path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return seed, nil
}

// Calendar converts the entry into a storable calendar. Unset working hours
// fall back to the 09:00-17:00 Monday to Friday default.
func (c SeedCalendar) Calendar() (domain.Calendar, error) {
	kind := domain.CalendarKind(strings.ToLower(strings.TrimSpace(c.Kind)))
	if !kind.Valid() {
		return domain.Calendar{}, fmt.Errorf("calendar %q: unknown kind %q", c.Name, c.Kind)
	}
	if strings.TrimSpace(c.Name) == "" {
		return domain.Calendar{}, errors.New("calendar name is required")
	}
	if strings.TrimSpace(c.ExternalID) == "" {
		return domain.Calendar{}, fmt.Errorf("calendar %q: external_id is required", c.Name)
	}

	cal := domain.Calendar{
		Kind:         kind,
		Name:         strings.TrimSpace(c.Name),
		ExternalID:   strings.TrimSpace(c.ExternalID),
		WorkStart:    domain.DefaultWorkStartMinute,
		WorkEnd:      domain.DefaultWorkEndMinute,
		Weekdays:     domain.WeekdaysToISO(domain.DefaultWorkingHours().Weekdays),
		Timezone:     strings.TrimSpace(c.Timezone),
		RefreshSpec:  strings.TrimSpace(c.Refresh),
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Active:       !c.Inactive,
	}
	if c.ID != "" {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return domain.Calendar{}, fmt.Errorf("calendar %q: id: %w", c.Name, err)
		}
		cal.ID = id
	}
	if c.WorkStart != "" {
		m, err := domain.ParseClock(c.WorkStart)
		if err != nil {
			return domain.Calendar{}, fmt.Errorf("calendar %q: work_start: %w", c.Name, err)
		}
		cal.WorkStart = m
	}
	if c.WorkEnd != "" {
		m, err := domain.ParseClock(c.WorkEnd)
		if err != nil {
			return domain.Calendar{}, fmt.Errorf("calendar %q: work_end: %w", c.Name, err)
		}
		cal.WorkEnd = m
	}
	if len(c.Weekdays) > 0 {
		days, err := domain.ParseWeekdays(c.Weekdays)
		if err != nil {
			return domain.Calendar{}, fmt.Errorf("calendar %q: weekdays: %w", c.Name, err)
		}
		cal.Weekdays = domain.WeekdaysToISO(days)
	}
	if cal.Timezone != "" {
		if _, err := time.LoadLocation(cal.Timezone); err != nil {
			return domain.Calendar{}, fmt.Errorf("calendar %q: timezone: %w", c.Name, err)
		}
	}
	if _, err := cal.Hours(); err != nil {
		return domain.Calendar{}, err
	}
	return cal, nil
}

// ResolveCalendars maps the link's calendar references onto stored ids.
// byName holds the calendars seeded in the same run.
func (l SeedLink) ResolveCalendars(byName map[string]uuid.UUID) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(l.Calendars))
	for _, ref := range l.Calendars {
		ref = strings.TrimSpace(ref)
		if id, ok := byName[ref]; ok {
			ids = append(ids, id)
			continue
		}
		id, err := uuid.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("link %q: unknown calendar %q", l.Name, ref)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
)

type fakeCalendars struct {
	listFn  func(ctx context.Context) ([]domain.Calendar, error)
	synced  map[uuid.UUID]time.Time
	markErr error
}

func (f *fakeCalendars) ListActive(ctx context.Context) ([]domain.Calendar, error) {
	if f.listFn == nil {
		panic("ListActive not configured")
	}
	return f.listFn(ctx)
}

func (f *fakeCalendars) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	if f.synced == nil {
		f.synced = make(map[uuid.UUID]time.Time)
	}
	f.synced[id] = at
	return nil
}

type warmCall struct {
	ref        domain.CalendarRef
	start, end time.Time
}

type fakeWarmer struct {
	calls []warmCall
	err   error
}

func (f *fakeWarmer) Warm(ctx context.Context, ref domain.CalendarRef, start, end time.Time) error {
	f.calls = append(f.calls, warmCall{ref: ref, start: start, end: end})
	return f.err
}

func calendarRow(n byte, spec string) domain.Calendar {
	id := uuid.UUID{}
	id[15] = n
	return domain.Calendar{
		ID:          id,
		Kind:        domain.CalendarKindICS,
		ExternalID:  "https://example.com/feed.ics",
		WorkStart:   9 * 60,
		WorkEnd:     17 * 60,
		Weekdays:    []int16{1, 2, 3, 4, 5},
		Timezone:    "UTC",
		RefreshSpec: spec,
		Active:      true,
	}
}

func TestSync_TracksActiveCalendars(t *testing.T) {
	cals := []domain.Calendar{calendarRow(1, ""), calendarRow(2, "@every 1h"), calendarRow(3, "not a spec")}
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return cals, nil
	}}
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(log, store, &fakeWarmer{}, Config{})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	if !strings.Contains(buf.String(), "invalid refresh spec") {
		t.Fatalf("log = %q, want invalid spec warning", buf.String())
	}
	firstID := s.entries[cals[0].ID].id

	cals = []domain.Calendar{calendarRow(1, "@every 30m")}
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if got := s.entries[cals[0].ID]; got.spec != "@every 30m" || got.id == firstID {
		t.Fatalf("entry = %+v, want replaced entry", got)
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries = %d, want 1", len(s.cron.Entries()))
	}
}

func TestSync_ListError(t *testing.T) {
	s := New(nil, &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return nil, errors.New("db down")
	}}, &fakeWarmer{}, Config{})
	if err := s.Sync(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRefresh_WarmsHorizonAndMarksSynced(t *testing.T) {
	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	store := &fakeCalendars{}
	warmer := &fakeWarmer{}
	s := New(nil, store, warmer, Config{Horizon: 48 * time.Hour})
	s.now = func() time.Time { return now }

	cal := calendarRow(1, "")
	if err := s.Refresh(context.Background(), cal); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	if len(warmer.calls) != 1 {
		t.Fatalf("warm calls = %d", len(warmer.calls))
	}
	c := warmer.calls[0]
	if c.ref.ID != cal.ID || !c.start.Equal(now) || !c.end.Equal(now.Add(48*time.Hour)) {
		t.Fatalf("warm call = %+v", c)
	}
	if !store.synced[cal.ID].Equal(now) {
		t.Fatalf("synced = %v", store.synced[cal.ID])
	}
}

func TestRefresh_WarmFailureSkipsMarkSynced(t *testing.T) {
	store := &fakeCalendars{}
	s := New(nil, store, &fakeWarmer{err: errors.New("upstream down")}, Config{})

	if err := s.Refresh(context.Background(), calendarRow(1, "")); err == nil {
		t.Fatalf("expected error")
	}
	if len(store.synced) != 0 {
		t.Fatalf("synced = %v, want none", store.synced)
	}
}

func TestJob_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(log, &fakeCalendars{}, &fakeWarmer{err: errors.New("upstream down")}, Config{})

	s.job(calendarRow(1, ""))()
	if !strings.Contains(buf.String(), "calendar refresh failed") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestStartStop(t *testing.T) {
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return []domain.Calendar{calendarRow(1, "")}, nil
	}}
	s := New(nil, store, &fakeWarmer{}, Config{ResyncSpec: "@every 1h"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if len(s.cron.Entries()) != 2 {
		t.Fatalf("cron entries = %d, want 2", len(s.cron.Entries()))
	}
	<-s.Stop().Done()
}

func TestStart_SurvivesListError(t *testing.T) {
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return nil, errors.New("db down")
	}}
	s := New(nil, store, &fakeWarmer{}, Config{ResyncSpec: "@every 1h"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries = %d, want resync entry only", len(s.cron.Entries()))
	}
	<-s.Stop().Done()
}

func TestStart_RejectsBadResyncSpec(t *testing.T) {
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return nil, nil
	}}
	s := New(nil, store, &fakeWarmer{}, Config{ResyncSpec: "whenever"})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSync_ReplacesEntryWhenHoursChange(t *testing.T) {
	cal := calendarRow(1, "")
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return []domain.Calendar{cal}, nil
	}}
	warmer := &fakeWarmer{}
	s := New(nil, store, warmer, Config{})

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	firstID := s.entries[cal.ID].id

	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if s.entries[cal.ID].id != firstID {
		t.Fatalf("unchanged calendar was re-registered")
	}

	cal.Timezone = "Europe/London"
	cal.WorkEnd = 16 * 60
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	got := s.entries[cal.ID]
	if got.id == firstID {
		t.Fatalf("entry kept after timezone change")
	}
	if len(s.cron.Entries()) != 1 {
		t.Fatalf("cron entries = %d, want 1", len(s.cron.Entries()))
	}

	s.cron.Entry(got.id).Job.Run()
	if len(warmer.calls) != 1 {
		t.Fatalf("warm calls = %d", len(warmer.calls))
	}
	hours := warmer.calls[0].ref.Hours
	if hours.Location.String() != "Europe/London" || hours.EndMinute != 16*60 {
		t.Fatalf("job used stale hours: %+v", hours)
	}
}

type fakeSweeper struct {
	calls int
	n     int
	err   error
}

func (f *fakeSweeper) SweepStale(ctx context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

func TestStart_RegistersSweep(t *testing.T) {
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return nil, nil
	}}
	sweeper := &fakeSweeper{n: 2}
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(log, store, &fakeWarmer{}, Config{ResyncSpec: "@every 1h", SweepSpec: "@every 1h", Sweeper: sweeper})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() { <-s.Stop().Done() }()
	if len(s.cron.Entries()) != 2 {
		t.Fatalf("cron entries = %d, want resync and sweep", len(s.cron.Entries()))
	}

	s.sweep()
	if sweeper.calls != 1 || !strings.Contains(buf.String(), "stale bookings discarded") {
		t.Fatalf("calls = %d, log = %q", sweeper.calls, buf.String())
	}

	sweeper.err = errors.New("db down")
	s.sweep()
	if !strings.Contains(buf.String(), "stale booking sweep failed") {
		t.Fatalf("log = %q", buf.String())
	}
}

func TestStart_RejectsBadSweepSpec(t *testing.T) {
	store := &fakeCalendars{listFn: func(ctx context.Context) ([]domain.Calendar, error) {
		return nil, nil
	}}
	s := New(nil, store, &fakeWarmer{}, Config{ResyncSpec: "@every 1h", SweepSpec: "often", Sweeper: &fakeSweeper{}})
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStart_SkipRefreshOnlySweeps(t *testing.T) {
	s := New(nil, &fakeCalendars{}, &fakeWarmer{}, Config{SweepSpec: "@every 1h", SkipRefresh: true, Sweeper: &fakeSweeper{}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer func() { <-s.Stop().Done() }()
	if len(s.cron.Entries()) != 1 || s.Len() != 0 {
		t.Fatalf("cron entries = %d, calendars = %d, want sweep only", len(s.cron.Entries()), s.Len())
	}
}

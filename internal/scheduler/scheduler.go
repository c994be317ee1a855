// Package scheduler keeps the busy-interval cache warm by refreshing every
// active calendar on its own cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"calsync/backend/internal/domain"
)

const (
	DefaultSpec       = "@every 15m"
	defaultResyncSpec = "@every 5m"
	defaultSweepSpec  = "@every 1m"
	defaultHorizon    = 14 * 24 * time.Hour
	defaultRunTimeout = time.Minute
)

type Calendars interface {
	ListActive(ctx context.Context) ([]domain.Calendar, error)
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Warmer interface {
	Warm(ctx context.Context, ref domain.CalendarRef, start, end time.Time) error
}

type Sweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

type Config struct {
	// DefaultSpec applies to calendars without their own refresh spec.
	DefaultSpec string
	// ResyncSpec controls how often the calendar list is reloaded.
	ResyncSpec string
	SweepSpec  string
	Horizon    time.Duration
	RunTimeout time.Duration
	// SkipRefresh leaves calendars unscheduled; only the sweep runs.
	SkipRefresh bool
	Sweeper     Sweeper
}

type entry struct {
	id          cron.EntryID
	spec        string
	fingerprint string
}

type Scheduler struct {
	cron      *cron.Cron
	calendars Calendars
	warmer    Warmer
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	entries map[uuid.UUID]entry
}

func New(log *slog.Logger, calendars Calendars, warmer Warmer, cfg Config) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultSpec == "" {
		cfg.DefaultSpec = DefaultSpec
	}
	if cfg.ResyncSpec == "" {
		cfg.ResyncSpec = defaultResyncSpec
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = defaultHorizon
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	log = log.With(slog.String("component", "scheduler"))
	cl := cronLogger{log: log}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		calendars: calendars,
		warmer:    warmer,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		ctx:       context.Background(),
		entries:   make(map[uuid.UUID]entry),
	}
}

// Start registers the active calendars and starts the cron loop. Jobs run
// with ctx until Stop. Only an invalid resync or sweep spec is an error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if !s.cfg.SkipRefresh {
		// A failed first sync is retried by the resync entry.
		if err := s.Sync(ctx); err != nil {
			s.log.WarnContext(ctx, "initial calendar sync failed", slog.Any("err", err))
		}
		if _, err := s.cron.AddFunc(s.cfg.ResyncSpec, func() {
			if err := s.Sync(s.jobContext()); err != nil {
				s.log.Error("calendar resync failed", slog.Any("err", err))
			}
		}); err != nil {
			return fmt.Errorf("resync spec %q: %w", s.cfg.ResyncSpec, err)
		}
	}
	if s.cfg.Sweeper != nil {
		if _, err := s.cron.AddFunc(s.cfg.SweepSpec, s.sweep); err != nil {
			return fmt.Errorf("sweep spec %q: %w", s.cfg.SweepSpec, err)
		}
	}

	s.cron.Start()
	s.log.InfoContext(ctx, "scheduler started", slog.Int("calendars", s.Len()))
	return nil
}

// Stop halts scheduling. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Sync makes the cron entries match the active calendars. An entry is
// replaced whenever its spec or any field feeding the calendar ref changes.
func (s *Scheduler) Sync(ctx context.Context) error {
	cals, err := s.calendars.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list calendars: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(cals))
	for _, cal := range cals {
		seen[cal.ID] = struct{}{}

		spec := cal.RefreshSpec
		if spec == "" {
			spec = s.cfg.DefaultSpec
		}
		fp := fingerprint(cal, spec)
		if cur, ok := s.entries[cal.ID]; ok {
			if cur.fingerprint == fp {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, cal.ID)
		}

		id, err := s.cron.AddFunc(spec, s.job(cal))
		if err != nil {
			s.log.ErrorContext(ctx, "invalid refresh spec, calendar not scheduled",
				slog.String("calendar_id", cal.ID.String()),
				slog.String("spec", spec),
				slog.Any("err", err))
			continue
		}
		s.entries[cal.ID] = entry{id: id, spec: spec, fingerprint: fp}
	}

	for calID, e := range s.entries {
		if _, ok := seen[calID]; !ok {
			s.cron.Remove(e.id)
			delete(s.entries, calID)
		}
	}
	return nil
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) job(cal domain.Calendar) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.jobContext(), s.cfg.RunTimeout)
		defer cancel()
		if err := s.Refresh(ctx, cal); err != nil {
			s.log.WarnContext(ctx, "calendar refresh failed",
				slog.String("calendar_id", cal.ID.String()),
				slog.Any("err", err))
		}
	}
}

func fingerprint(cal domain.Calendar, spec string) string {
	return fmt.Sprintf("%s|%s|%s|%s|%d-%d|%v|%s", spec, cal.Kind, cal.ExternalID, cal.Name, cal.WorkStart, cal.WorkEnd, cal.Weekdays, cal.Timezone)
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(s.jobContext(), s.cfg.RunTimeout)
	defer cancel()
	n, err := s.cfg.Sweeper.SweepStale(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "stale booking sweep failed", slog.Any("err", err))
		return
	}
	if n > 0 {
		s.log.InfoContext(ctx, "stale bookings discarded", slog.Int("count", n))
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Refresh warms the cache for [now, now+horizon) and records the sync time.
func (s *Scheduler) Refresh(ctx context.Context, cal domain.Calendar) error {
	ref, err := cal.Ref()
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if err := s.warmer.Warm(ctx, ref, now, now.Add(s.cfg.Horizon)); err != nil {
		return err
	}
	if err := s.calendars.MarkSynced(ctx, cal.ID, now); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	s.log.DebugContext(ctx, "calendar refreshed", slog.String("calendar_id", cal.ID.String()))
	return nil
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]any{slog.Any("err", err)}, keysAndValues...)...)
}

// Package freebusy computes bookable slots across several calendars.
//
// Busy intervals are fetched per calendar in parallel and merged before the
// candidate lattice is filtered. A calendar whose source fails contributes no
// busy time: slot computation is fail-open, and the failure is logged.
package freebusy

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/domain"
	"calsync/backend/internal/service"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store"
)

const (
	DefaultWindow    = 7 * 24 * time.Hour
	defaultMaxWindow = 62 * 24 * time.Hour
	maxSlotMinutes   = 24 * 60
)

type Config struct {
	// Concurrency bounds parallel source calls; zero means one per calendar.
	Concurrency int
	// Timeout applies to each calendar's source call.
	Timeout   time.Duration
	MaxWindow time.Duration
}

type LinkResolver interface {
	Resolve(ctx context.Context, linkID string) (links.Resolved, error)
}

type Service struct {
	source calendar.Source
	claims store.ClaimLister
	links  LinkResolver
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
}

// NewService builds the aggregator. claims may be nil; when set, time held
// by existing bookings counts as busy.
func NewService(log *slog.Logger, source calendar.Source, claims store.ClaimLister, resolver LinkResolver, cfg Config) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = defaultMaxWindow
	}
	return &Service{
		source: source,
		claims: claims,
		links:  resolver,
		cfg:    cfg,
		log:    log.With(slog.String("component", "freebusy")),
		now:    time.Now,
	}
}

type Query struct {
	Calendars       []domain.CalendarRef
	WindowStart     time.Time
	WindowEnd       time.Time
	DurationMinutes int
}

func (q Query) validate(maxWindow time.Duration) error {
	if len(q.Calendars) == 0 {
		return service.NewValidationError("at least one calendar is required")
	}
	if q.DurationMinutes <= 0 {
		return service.NewValidationError("duration_minutes must be positive")
	}
	if q.DurationMinutes > maxSlotMinutes {
		return service.NewValidationError("duration_minutes too long")
	}
	if !q.WindowEnd.After(q.WindowStart) {
		return service.NewValidationError("window_end must be after window_start")
	}
	if q.WindowEnd.Sub(q.WindowStart) > maxWindow {
		return service.NewValidationError(fmt.Sprintf("window must not exceed %d days", int(maxWindow/(24*time.Hour))))
	}
	return nil
}

// GetFreeSlots returns, in start order, every slot of the requested duration
// inside the calendars' shared working hours that no blocking interval on any
// calendar overlaps.
func (s *Service) GetFreeSlots(ctx context.Context, q Query) ([]domain.CandidateSlot, error) {
	if err := q.validate(s.cfg.MaxWindow); err != nil {
		return nil, err
	}

	hours := s.policy(q.Calendars)
	if hours.Validate() != nil {
		s.log.DebugContext(ctx, "calendars share no working hours", slog.Int("calendars", len(q.Calendars)))
		return []domain.CandidateSlot{}, nil
	}

	busy, err := s.Busy(ctx, q.Calendars, q.WindowStart, q.WindowEnd)
	if err != nil {
		return nil, err
	}

	lattice := s.lattice(q.Calendars, q.WindowStart, q.WindowEnd, q.DurationMinutes, hours)
	slots := slices.Collect(domain.FilterFree(lattice, busy))
	if slots == nil {
		slots = []domain.CandidateSlot{}
	}

	s.log.DebugContext(ctx, "free slots computed",
		slog.Int("calendars", len(q.Calendars)),
		slog.Int("busy", len(busy)),
		slog.Int("slots", len(slots)))
	return slots, nil
}

func (s *Service) IsFree(ctx context.Context, calendars []domain.CalendarRef, slot domain.CandidateSlot) (bool, error) {
	q := Query{
		Calendars:       calendars,
		WindowStart:     slot.Start,
		WindowEnd:       slot.End,
		DurationMinutes: slot.DurationMinutes,
	}
	if err := q.validate(s.cfg.MaxWindow); err != nil {
		return false, err
	}

	hours := s.policy(calendars)
	if hours.Validate() != nil {
		return false, nil
	}

	busy, err := s.Busy(ctx, calendars, slot.Start, slot.End)
	if err != nil {
		return false, err
	}
	for free := range domain.FilterFree(s.lattice(calendars, slot.Start, slot.End, slot.DurationMinutes, hours), busy) {
		if free.Equal(slot) {
			return true, nil
		}
	}
	return false, nil
}

// Busy fetches and merges busy intervals of all calendars. Source failures
// are absorbed; only cancellation of ctx is returned.
func (s *Service) Busy(ctx context.Context, calendars []domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	var (
		mu  sync.Mutex
		all []domain.BusyInterval
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Concurrency > 0 {
		g.SetLimit(s.cfg.Concurrency)
	}
	for _, ref := range calendars {
		g.Go(func() error {
			intervals := s.fetch(gctx, ref, start, end)
			mu.Lock()
			all = append(all, intervals...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all = append(all, s.claimed(ctx, calendars, start, end)...)

	slices.SortFunc(all, func(a, b domain.BusyInterval) int {
		return a.Start.Compare(b.Start)
	})
	return all, nil
}

func (s *Service) fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) []domain.BusyInterval {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	intervals, err := s.source.Fetch(ctx, ref, start, end)
	if err != nil {
		attrs := []any{
			slog.String("calendar_id", ref.ID.String()),
			slog.String("kind", string(ref.Kind)),
			slog.Any("err", err),
		}
		if errors.Is(err, calendar.ErrCredentialExpired) {
			attrs = append(attrs, slog.Bool("credential_expired", true))
		}
		s.log.WarnContext(ctx, "calendar source unavailable, ignoring its busy time", attrs...)
		return nil
	}
	return intervals
}

func (s *Service) claimed(ctx context.Context, calendars []domain.CalendarRef, start, end time.Time) []domain.BusyInterval {
	if s.claims == nil {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(calendars))
	for _, c := range calendars {
		ids = append(ids, c.ID)
	}
	claims, err := s.claims.ListClaims(ctx, ids, start, end)
	if err != nil {
		s.log.WarnContext(ctx, "booking claims unavailable, ignoring them", slog.Any("err", err))
		return nil
	}
	out := make([]domain.BusyInterval, 0, len(claims))
	for _, c := range claims {
		out = append(out, domain.BusyInterval{Start: c.StartTime, End: c.EndTime, Status: domain.BusyStatusBusy})
	}
	return out
}

// policy narrows the calendars' working hours to what all of them accept.
func (s *Service) policy(calendars []domain.CalendarRef) domain.WorkingHours {
	hours := make([]domain.WorkingHours, 0, len(calendars))
	for _, c := range calendars {
		hours = append(hours, c.Hours)
	}
	return domain.IntersectWorkingHours(hours...)
}

// lattice generates on the combined policy, then keeps only slots that every
// calendar's own working hours contain in its own time zone.
func (s *Service) lattice(calendars []domain.CalendarRef, start, end time.Time, durationMinutes int, hours domain.WorkingHours) iter.Seq[domain.CandidateSlot] {
	policies := make([]domain.WorkingHours, 0, len(calendars))
	for _, c := range calendars {
		policies = append(policies, c.Hours)
	}
	return domain.WithinHours(domain.GenerateSlots(start, end, durationMinutes, hours), policies...)
}

type LinkQuery struct {
	LinkID string
	// Zero times select the default window starting now.
	WindowStart     time.Time
	WindowEnd       time.Time
	DurationMinutes int
}

type LinkSlots struct {
	Link  links.Resolved
	Slots []domain.CandidateSlot
}

// LinkSlots serves the customer view of a shared link. Duration falls back
// to the link's own slot length.
func (s *Service) LinkSlots(ctx context.Context, q LinkQuery) (LinkSlots, error) {
	resolved, err := s.links.Resolve(ctx, q.LinkID)
	if err != nil {
		return LinkSlots{}, err
	}

	start := q.WindowStart
	if start.IsZero() {
		start = s.now().UTC()
	}
	end := q.WindowEnd
	if end.IsZero() {
		end = start.Add(DefaultWindow)
	}
	duration := q.DurationMinutes
	if duration == 0 {
		duration = resolved.Link.SlotMinutes()
	}

	slots, err := s.GetFreeSlots(ctx, Query{
		Calendars:       resolved.Calendars,
		WindowStart:     start,
		WindowEnd:       end,
		DurationMinutes: duration,
	})
	if err != nil {
		return LinkSlots{}, err
	}
	return LinkSlots{Link: resolved, Slots: slots}, nil
}

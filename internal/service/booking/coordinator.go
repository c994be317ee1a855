// Package booking registers a customer's slot on every calendar of a shared
// link, or on none of them.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/service"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store"
)

var (
	ErrBookingFailed   = errors.New("failed to create events in all calendars")
	ErrSlotUnavailable = errors.New("slot is no longer available")
)

type RollbackPolicy string

const (
	// RollbackNone leaves events on calendars that accepted them before a
	// later calendar failed.
	RollbackNone RollbackPolicy = "none"
	// RollbackCompensate cancels those events, newest first.
	RollbackCompensate RollbackPolicy = "compensate"
)

func ParseRollbackPolicy(s string) (RollbackPolicy, error) {
	switch p := RollbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", RollbackNone:
		return RollbackNone, nil
	case RollbackCompensate:
		return RollbackCompensate, nil
	default:
		return "", fmt.Errorf("unknown rollback policy %q", s)
	}
}

type EventWriter interface {
	Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error)
	Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error
}

type Availability interface {
	IsFree(ctx context.Context, calendars []domain.CalendarRef, slot domain.CandidateSlot) (bool, error)
}

type LinkResolver interface {
	Resolve(ctx context.Context, linkID string) (links.Resolved, error)
}

type Invalidator interface {
	Invalidate(ctx context.Context, ref domain.CalendarRef, start, end time.Time) error
}

const DefaultProvisionalTTL = 10 * time.Minute

type Config struct {
	Rollback RollbackPolicy
	// ProvisionalTTL is how long an uncommitted booking may hold its slot.
	ProvisionalTTL time.Duration
}

type Coordinator struct {
	repo         store.BookingRepository
	events       EventWriter
	availability Availability
	links        LinkResolver
	cache        Invalidator
	cfg          Config
	log          *slog.Logger
	now          func() time.Time
}

// NewCoordinator wires the coordinator. cache may be nil.
func NewCoordinator(log *slog.Logger, repo store.BookingRepository, events EventWriter, availability Availability, resolver LinkResolver, cache Invalidator, cfg Config) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Rollback == "" {
		cfg.Rollback = RollbackNone
	}
	if cfg.ProvisionalTTL <= 0 {
		cfg.ProvisionalTTL = DefaultProvisionalTTL
	}
	return &Coordinator{
		repo:         repo,
		events:       events,
		availability: availability,
		links:        resolver,
		cache:        cache,
		cfg:          cfg,
		log:          log.With(slog.String("component", "booking")),
		now:          time.Now,
	}
}

type Customer struct {
	Name        string
	Email       string
	Subject     string
	Description string
}

type Request struct {
	LinkID         string
	Customer       Customer
	StartTime      time.Time
	EndTime        time.Time
	IdempotencyKey string
}

func (c *Coordinator) CreateBooking(ctx context.Context, req Request) (domain.Booking, error) {
	if strings.TrimSpace(req.LinkID) == "" {
		return domain.Booking{}, service.NewValidationError("link_id is required")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return domain.Booking{}, service.NewValidationError("start and end are required")
	}
	if _, err := normalizeCustomer(req.Customer); err != nil {
		return domain.Booking{}, err
	}

	resolved, err := c.links.Resolve(ctx, strings.TrimSpace(req.LinkID))
	if err != nil {
		return domain.Booking{}, err
	}

	return c.Book(ctx, BookInput{
		LinkID:         resolved.Link.LinkID,
		Calendars:      resolved.Calendars,
		Customer:       req.Customer,
		StartTime:      req.StartTime,
		EndTime:        req.EndTime,
		IdempotencyKey: req.IdempotencyKey,
	})
}

type BookInput struct {
	LinkID         string
	Calendars      []domain.CalendarRef
	Customer       Customer
	StartTime      time.Time
	EndTime        time.Time
	IdempotencyKey string
}

// Book reserves the slot, creates one event per calendar in order and
// commits the booking only if every calendar accepted its event. On any
// failure the provisional booking is discarded and ErrBookingFailed is
// returned.
func (c *Coordinator) Book(ctx context.Context, in BookInput) (domain.Booking, error) {
	customer, err := normalizeCustomer(in.Customer)
	if err != nil {
		return domain.Booking{}, err
	}
	if len(in.Calendars) == 0 {
		return domain.Booking{}, service.NewValidationError("at least one calendar is required")
	}
	slot, err := slotOf(in.StartTime, in.EndTime)
	if err != nil {
		return domain.Booking{}, err
	}

	booking := domain.Booking{
		LinkID:        in.LinkID,
		CustomerName:  customer.Name,
		CustomerEmail: customer.Email,
		Subject:       customer.Subject,
		Description:   customer.Description,
		StartTime:     slot.Start,
		EndTime:       slot.End,
		Status:        domain.BookingStatusProvisional,
	}
	for _, ref := range in.Calendars {
		booking.CalendarIDs = append(booking.CalendarIDs, ref.ID.String())
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Booking{}, service.NewValidationError("idempotency_key too long")
		}
		booking.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("calsync:create_booking:"+in.LinkID+":"+key))
		if prior, ok, err := c.replay(ctx, booking); ok || err != nil {
			return prior, err
		}
	}

	free, err := c.availability.IsFree(ctx, in.Calendars, slot)
	if err != nil {
		return domain.Booking{}, err
	}
	if !free {
		c.log.WarnContext(ctx, "requested slot is not free", slog.String("link_id", in.LinkID), slog.Time("start", slot.Start))
		return domain.Booking{}, ErrSlotUnavailable
	}

	reserved, err := c.repo.Reserve(ctx, booking)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			c.log.WarnContext(ctx, "slot already claimed", slog.String("link_id", in.LinkID), slog.Time("start", slot.Start))
			return domain.Booking{}, fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
		}
		return domain.Booking{}, err
	}
	log := c.log.With(slog.String("booking_id", reserved.ID.String()))

	payload := domain.NewEventPayload(slot, customer.Name, customer.Email, customer.Subject, customer.Description)
	created := make([]createdEvent, 0, len(in.Calendars))
	for _, ref := range in.Calendars {
		eventID, err := c.events.Create(ctx, ref, payload)
		if err != nil {
			log.ErrorContext(ctx, "event creation failed",
				slog.String("calendar_id", ref.ID.String()),
				slog.String("kind", string(ref.Kind)),
				slog.Int("created", len(created)),
				slog.Any("err", err))
			c.abort(ctx, log, reserved.ID, created)
			return domain.Booking{}, fmt.Errorf("%w: calendar %s: %w", ErrBookingFailed, ref.ID, err)
		}
		created = append(created, createdEvent{ref: ref, id: eventID})
	}

	eventIDs := make([]string, 0, len(created))
	for _, e := range created {
		eventIDs = append(eventIDs, e.id)
	}
	committed, err := c.repo.Commit(ctx, reserved.ID, eventIDs)
	if err != nil {
		log.ErrorContext(ctx, "commit failed", slog.Any("err", err))
		c.abort(ctx, log, reserved.ID, created)
		return domain.Booking{}, fmt.Errorf("%w: %w", ErrBookingFailed, err)
	}

	c.invalidate(ctx, log, in.Calendars, slot)
	log.InfoContext(ctx, "booking committed",
		slog.String("link_id", in.LinkID),
		slog.Int("calendars", len(in.Calendars)),
		slog.Time("start", slot.Start))
	return committed, nil
}

// replay reports ok when a booking with the same id already exists. A
// provisional booking past its TTL is discarded so the request can run again.
func (c *Coordinator) replay(ctx context.Context, booking domain.Booking) (domain.Booking, bool, error) {
	prior, err := c.repo.Get(ctx, booking.ID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Booking{}, false, nil
	}
	if err != nil {
		return domain.Booking{}, true, err
	}
	if !prior.SameRequest(booking) {
		return domain.Booking{}, true, store.ErrIdempotencyConflict
	}
	if prior.Status == domain.BookingStatusProvisional && c.stale(prior) {
		if err := c.repo.Discard(ctx, prior.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return domain.Booking{}, true, fmt.Errorf("discard stale booking %s: %w", prior.ID, err)
		}
		c.log.WarnContext(ctx, "stale provisional booking discarded", slog.String("booking_id", prior.ID.String()))
		return domain.Booking{}, false, nil
	}
	if prior.Status != domain.BookingStatusCommitted {
		return domain.Booking{}, true, fmt.Errorf("booking %s in progress: %w", prior.ID, store.ErrConflict)
	}
	return prior, true, nil
}

func (c *Coordinator) stale(b domain.Booking) bool {
	return b.CreatedAt.Before(c.now().Add(-c.cfg.ProvisionalTTL))
}

// SweepStale discards provisional bookings older than the TTL, releasing
// slots held by requests that neither committed nor discarded.
func (c *Coordinator) SweepStale(ctx context.Context) (int, error) {
	n, err := c.repo.DiscardStale(ctx, c.now().Add(-c.cfg.ProvisionalTTL))
	if err != nil {
		return 0, fmt.Errorf("discard stale bookings: %w", err)
	}
	return n, nil
}

type createdEvent struct {
	ref domain.CalendarRef
	id  string
}

// abort releases the provisional booking, first cancelling already created
// events when the rollback policy asks for it. It runs even if ctx is done.
func (c *Coordinator) abort(ctx context.Context, log *slog.Logger, id uuid.UUID, created []createdEvent) {
	ctx = context.WithoutCancel(ctx)

	if c.cfg.Rollback == RollbackCompensate {
		for i := len(created) - 1; i >= 0; i-- {
			e := created[i]
			if err := c.events.Cancel(ctx, e.ref, e.id); err != nil {
				log.ErrorContext(ctx, "compensation failed",
					slog.String("calendar_id", e.ref.ID.String()),
					slog.String("event_id", e.id),
					slog.Any("err", err))
			}
		}
	} else if len(created) > 0 {
		log.WarnContext(ctx, "events left on calendars", slog.Int("count", len(created)))
	}

	// The sweep releases the booking once its TTL passes.
	if err := c.repo.Discard(ctx, id); err != nil {
		log.ErrorContext(ctx, "discard failed, booking left for the stale sweep",
			slog.Duration("ttl", c.cfg.ProvisionalTTL),
			slog.Any("err", err))
	}
}

func (c *Coordinator) invalidate(ctx context.Context, log *slog.Logger, calendars []domain.CalendarRef, slot domain.CandidateSlot) {
	if c.cache == nil {
		return
	}
	for _, ref := range calendars {
		if err := c.cache.Invalidate(ctx, ref, slot.Start, slot.End); err != nil {
			log.WarnContext(ctx, "cache invalidation failed", slog.String("calendar_id", ref.ID.String()), slog.Any("err", err))
		}
	}
}

// GetBooking returns committed bookings only.
func (c *Coordinator) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	if id == uuid.Nil {
		return domain.Booking{}, service.NewValidationError("booking_id is required")
	}
	b, err := c.repo.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	if b.Status != domain.BookingStatusCommitted {
		return domain.Booking{}, store.ErrNotFound
	}
	return b, nil
}

func normalizeCustomer(in Customer) (Customer, error) {
	out := Customer{
		Name:        strings.TrimSpace(in.Name),
		Email:       strings.TrimSpace(in.Email),
		Subject:     strings.TrimSpace(in.Subject),
		Description: strings.TrimSpace(in.Description),
	}
	if out.Name == "" {
		return Customer{}, service.NewValidationError("name is required")
	}
	if out.Email == "" {
		return Customer{}, service.NewValidationError("email is required")
	}
	addr, err := mail.ParseAddress(out.Email)
	if err != nil || addr.Address != out.Email {
		return Customer{}, service.NewValidationError("invalid email")
	}
	if out.Subject == "" {
		return Customer{}, service.NewValidationError("subject is required")
	}
	return out, nil
}

func slotOf(start, end time.Time) (domain.CandidateSlot, error) {
	if start.IsZero() || end.IsZero() {
		return domain.CandidateSlot{}, service.NewValidationError("start and end are required")
	}
	start = start.UTC()
	end = end.UTC()
	if !end.After(start) {
		return domain.CandidateSlot{}, service.NewValidationError("end must be after start")
	}
	d := end.Sub(start)
	if d%time.Minute != 0 {
		return domain.CandidateSlot{}, service.NewValidationError("slot must be a whole number of minutes")
	}
	if d > 24*time.Hour {
		return domain.CandidateSlot{}, service.NewValidationError("duration too long")
	}
	return domain.CandidateSlot{Start: start, End: end, DurationMinutes: int(d / time.Minute)}, nil
}

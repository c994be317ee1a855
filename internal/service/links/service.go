package links

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/service"
	"calsync/backend/internal/store"
)

var ErrNoCalendars = fmt.Errorf("%w: no calendars found for this link", store.ErrNotFound)

const maxSlotMinutes = 8 * 60

type Service struct {
	links     store.LinkRepository
	calendars store.CalendarRepository
	log       *slog.Logger
}

func NewService(log *slog.Logger, links store.LinkRepository, calendars store.CalendarRepository) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		links:     links,
		calendars: calendars,
		log:       log.With(slog.String("component", "links")),
	}
}

type CreateInput struct {
	// LinkID is optional; an empty value gets a generated id.
	LinkID          string
	Name            string
	Description     string
	CalendarIDs     []uuid.UUID
	DurationMinutes int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (domain.SharedLink, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.SharedLink{}, service.NewValidationError("name is required")
	}
	if len(in.CalendarIDs) == 0 {
		return domain.SharedLink{}, service.NewValidationError("at least one calendar is required")
	}
	if in.DurationMinutes < 0 || in.DurationMinutes > maxSlotMinutes {
		return domain.SharedLink{}, service.NewValidationError("duration_minutes out of range")
	}
	linkID := strings.TrimSpace(in.LinkID)
	if linkID != "" && !validLinkID(linkID) {
		return domain.SharedLink{}, service.NewValidationError("link_id must be 4-64 letters, digits or dashes")
	}

	seen := make(map[uuid.UUID]struct{}, len(in.CalendarIDs))
	ids := make([]uuid.UUID, 0, len(in.CalendarIDs))
	for _, id := range in.CalendarIDs {
		if id == uuid.Nil {
			return domain.SharedLink{}, service.NewValidationError("invalid calendar id")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	if _, err := s.calendars.GetMany(ctx, ids); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SharedLink{}, service.NewValidationError("unknown calendar")
		}
		return domain.SharedLink{}, err
	}

	link := domain.SharedLink{
		LinkID:          linkID,
		Name:            name,
		Description:     strings.TrimSpace(in.Description),
		DurationMinutes: in.DurationMinutes,
		Active:          true,
	}
	for _, id := range ids {
		link.CalendarIDs = append(link.CalendarIDs, id.String())
	}

	created, err := s.links.Create(ctx, link)
	if err != nil {
		return domain.SharedLink{}, err
	}
	s.log.InfoContext(ctx, "link created", slog.String("link_id", created.LinkID), slog.Int("calendars", len(ids)))
	return created, nil
}

type Resolved struct {
	Link      domain.SharedLink
	Calendars []domain.CalendarRef
}

// Resolve fails with store.ErrNotFound for unknown or inactive links and with
// ErrNoCalendars when none of the link's calendars is usable.
func (s *Service) Resolve(ctx context.Context, linkID string) (Resolved, error) {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return Resolved{}, service.NewValidationError("link_id is required")
	}

	link, err := s.links.GetActive(ctx, linkID)
	if err != nil {
		return Resolved{}, err
	}
	if len(link.CalendarIDs) == 0 {
		return Resolved{}, ErrNoCalendars
	}

	ids := make([]uuid.UUID, 0, len(link.CalendarIDs))
	for _, raw := range link.CalendarIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Resolved{}, fmt.Errorf("link %s: calendar id %q: %w", link.LinkID, raw, err)
		}
		ids = append(ids, id)
	}

	cals, err := s.calendars.GetMany(ctx, ids)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Resolved{}, ErrNoCalendars
		}
		return Resolved{}, err
	}

	out := Resolved{Link: link}
	for _, c := range cals {
		if !c.Active {
			continue
		}
		ref, err := c.Ref()
		if err != nil {
			return Resolved{}, err
		}
		out.Calendars = append(out.Calendars, ref)
	}
	if len(out.Calendars) == 0 {
		return Resolved{}, ErrNoCalendars
	}
	return out, nil
}

func (s *Service) Deactivate(ctx context.Context, linkID string) error {
	linkID = strings.TrimSpace(linkID)
	if linkID == "" {
		return service.NewValidationError("link_id is required")
	}
	if err := s.links.Deactivate(ctx, linkID); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "link deactivated", slog.String("link_id", linkID))
	return nil
}

func validLinkID(id string) bool {
	if len(id) < 4 || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/service"
	"calsync/backend/internal/service/booking"
	"calsync/backend/internal/service/freebusy"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store"
)

type BookingServer struct {
	slots    slotsService
	bookings bookingService
	log      *slog.Logger
}

type slotsService interface {
	LinkSlots(ctx context.Context, q freebusy.LinkQuery) (freebusy.LinkSlots, error)
}

type bookingService interface {
	CreateBooking(ctx context.Context, req booking.Request) (domain.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
}

func NewBookingServer(slots slotsService, bookings bookingService, log *slog.Logger) *BookingServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		slots:    slots,
		bookings: bookings,
		log:      log.With(slog.String("component", "grpc.booking")),
	}
}

// ListSlots expects {link_id, start?, end?, duration_minutes?} with RFC 3339 times.
func (s *BookingServer) ListSlots(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "ListSlots"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	linkID := stringField(req, "link_id")
	if linkID == "" {
		log.Warn("invalid request", slog.String("reason", "missing_link_id"))
		return nil, status.Error(codes.InvalidArgument, "link_id is required")
	}
	start, err := timeField(req, "start")
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_start"), slog.String("link_id", linkID))
		return nil, status.Error(codes.InvalidArgument, "start must be an RFC 3339 timestamp")
	}
	end, err := timeField(req, "end")
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_end"), slog.String("link_id", linkID))
		return nil, status.Error(codes.InvalidArgument, "end must be an RFC 3339 timestamp")
	}

	res, err := s.slots.LinkSlots(ctx, freebusy.LinkQuery{
		LinkID:          linkID,
		WindowStart:     start,
		WindowEnd:       end,
		DurationMinutes: int(numberField(req, "duration_minutes")),
	})
	if err != nil {
		return nil, s.mapError(log, err, "slots list failed", slog.String("link_id", linkID))
	}

	slots := make([]any, 0, len(res.Slots))
	for _, slot := range res.Slots {
		slots = append(slots, slotValue(slot))
	}

	log.Debug("slots listed", slog.String("link_id", linkID), slog.Int("count", len(slots)))

	return newStruct(log, map[string]any{
		"link": map[string]any{
			"link_id":          res.Link.Link.LinkID,
			"name":             res.Link.Link.Name,
			"description":      res.Link.Link.Description,
			"duration_minutes": res.Link.Link.SlotMinutes(),
		},
		"slots": slots,
	})
}

// CreateBooking expects {link_id, start, end, name, email, subject, description?}.
func (s *BookingServer) CreateBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "CreateBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	linkID := stringField(req, "link_id")
	start, startErr := timeField(req, "start")
	end, endErr := timeField(req, "end")
	if startErr != nil || endErr != nil || start.IsZero() || end.IsZero() {
		log.Warn("invalid request", slog.String("reason", "missing_times"), slog.String("link_id", linkID))
		return nil, status.Error(codes.InvalidArgument, "start and end are required RFC 3339 timestamps")
	}

	b, err := s.bookings.CreateBooking(ctx, booking.Request{
		LinkID: linkID,
		Customer: booking.Customer{
			Name:        stringField(req, "name"),
			Email:       stringField(req, "email"),
			Subject:     stringField(req, "subject"),
			Description: stringField(req, "description"),
		},
		StartTime:      start,
		EndTime:        end,
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.mapError(log, err, "booking create failed",
			slog.String("link_id", linkID),
			slog.Time("start_time", start),
			slog.Time("end_time", end),
		)
	}

	log.Info(
		"booking created",
		slog.String("booking_id", b.ID.String()),
		slog.String("link_id", b.LinkID),
		slog.Time("start_time", b.StartTime),
		slog.Time("end_time", b.EndTime),
	)

	return newStruct(log, map[string]any{"booking": bookingValue(b)})
}

func (s *BookingServer) GetBooking(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := s.log.With(slog.String("rpc", "GetBooking"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := uuid.Parse(stringField(req, "booking_id"))
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, status.Error(codes.InvalidArgument, "booking_id must be a UUID")
	}

	b, err := s.bookings.GetBooking(ctx, id)
	if err != nil {
		return nil, s.mapError(log, err, "booking get failed", slog.String("booking_id", id.String()))
	}
	return newStruct(log, map[string]any{"booking": bookingValue(b)})
}

func (s *BookingServer) mapError(log *slog.Logger, err error, msg string, attrs ...any) error {
	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", append(attrs, slog.Any("err", err))...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.Is(err, booking.ErrSlotUnavailable), errors.Is(err, store.ErrConflict):
		log.Info("slot unavailable", attrs...)
		return status.Error(codes.FailedPrecondition, "That slot is no longer available. Pick a different slot.")
	case errors.Is(err, store.ErrIdempotencyConflict):
		log.Info("idempotency conflict", attrs...)
		return status.Error(codes.FailedPrecondition, "This request key was already used for a different booking. Try again.")
	case errors.Is(err, store.ErrNotFound):
		log.Info("not found", append(attrs, slog.Any("err", err))...)
		return status.Error(codes.NotFound, notFoundMessage(err))
	case errors.Is(err, booking.ErrBookingFailed):
		log.Error(msg, append(attrs, slog.Any("err", err))...)
		return status.Error(codes.Aborted, booking.ErrBookingFailed.Error())
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn(msg, append(attrs, slog.Any("err", err))...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	}
	log.Error(msg, append(attrs, slog.Any("err", err))...)
	return status.Error(codes.Internal, "internal error")
}

func notFoundMessage(err error) string {
	if errors.Is(err, links.ErrNoCalendars) {
		return "No calendars found for this link"
	}
	return "not found"
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func stringField(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

// timeField returns the zero time for absent or empty fields.
func timeField(s *structpb.Struct, key string) (time.Time, error) {
	raw := stringField(s, key)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func newStruct(log *slog.Logger, m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		log.Error("response encode failed", slog.Any("err", err))
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func slotValue(slot domain.CandidateSlot) map[string]any {
	return map[string]any{
		"start":            slot.Start.UTC().Format(time.RFC3339),
		"end":              slot.End.UTC().Format(time.RFC3339),
		"duration_minutes": slot.DurationMinutes,
		"display":          slot.Display(),
	}
}

func bookingValue(b domain.Booking) map[string]any {
	return map[string]any{
		"id":             b.ID.String(),
		"link_id":        b.LinkID,
		"customer_name":  b.CustomerName,
		"customer_email": b.CustomerEmail,
		"subject":        b.Subject,
		"description":    b.Description,
		"start":          b.StartTime.UTC().Format(time.RFC3339),
		"end":            b.EndTime.UTC().Format(time.RFC3339),
		"status":         string(b.Status),
	}
}

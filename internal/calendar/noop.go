package calendar

import (
	"context"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
)

// NoopSink accepts every event without a remote write. Read-only feeds use it
// so bookings on them still produce an identifier.
type NoopSink struct{}

func (NoopSink) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	return "local-" + uuid.NewString(), nil
}

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
)

type BookingRepository interface {
	// Reserve inserts a provisional booking and claims its time range on every
	// calendar. An overlapping claim fails with ErrConflict. Reserving an id
	// that already exists returns the stored booking, or ErrIdempotencyConflict
	// if it describes a different request.
	Reserve(ctx context.Context, booking domain.Booking) (domain.Booking, error)
	Commit(ctx context.Context, id uuid.UUID, eventIDs []string) (domain.Booking, error)
	// Discard removes a provisional booking together with its claims.
	Discard(ctx context.Context, id uuid.UUID) error
	// DiscardStale removes provisional bookings created before cutoff and
	// reports how many were removed.
	DiscardStale(ctx context.Context, cutoff time.Time) (int, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Booking, error)
}

// ClaimLister exposes time already held by provisional or committed
// bookings, which a read-only calendar never reports as busy.
type ClaimLister interface {
	ListClaims(ctx context.Context, calendarIDs []uuid.UUID, start, end time.Time) ([]domain.BookingClaim, error)
}

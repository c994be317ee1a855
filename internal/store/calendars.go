package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"calsync/backend/internal/domain"
)

type CalendarRepository interface {
	Upsert(ctx context.Context, cal domain.Calendar) (domain.Calendar, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Calendar, error)
	// GetMany returns calendars in the order of ids and fails with ErrNotFound
	// if any id is missing.
	GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Calendar, error)
	ListActive(ctx context.Context) ([]domain.Calendar, error)
	UpdateCredential(ctx context.Context, id uuid.UUID, cred domain.Credential) error
	MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error
}

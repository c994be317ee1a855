package store

import (
	"context"

	"calsync/backend/internal/domain"
)

type LinkRepository interface {
	Create(ctx context.Context, link domain.SharedLink) (domain.SharedLink, error)
	// GetActive returns ErrNotFound for unknown and deactivated links alike.
	GetActive(ctx context.Context, linkID string) (domain.SharedLink, error)
	Deactivate(ctx context.Context, linkID string) error
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/store"
)

type LinkRepo struct {
	db bun.IDB
}

func NewLinkRepo(db bun.IDB) *LinkRepo {
	return &LinkRepo{db: db}
}

func (r *LinkRepo) Create(ctx context.Context, link domain.SharedLink) (domain.SharedLink, error) {
	m := link
	_, err := r.db.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.SharedLink{}, store.ErrConflict
		}
		return domain.SharedLink{}, err
	}
	return m, nil
}

func (r *LinkRepo) GetActive(ctx context.Context, linkID string) (domain.SharedLink, error) {
	var m domain.SharedLink
	err := r.db.NewSelect().
		Model(&m).
		Where("link_id = ?", linkID).
		Where("active").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SharedLink{}, store.ErrNotFound
	}
	if err != nil {
		return domain.SharedLink{}, err
	}
	return m, nil
}

func (r *LinkRepo) Deactivate(ctx context.Context, linkID string) error {
	res, err := r.db.NewUpdate().
		Model((*domain.SharedLink)(nil)).
		Set("active = false").
		Set("updated_at = ?", time.Now().UTC()).
		Where("link_id = ?", linkID).
		Where("active").
		Exec(ctx)
	return expectOneRow(res, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isExclusionViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23P01" && pgErr.ConstraintName == constraint
}

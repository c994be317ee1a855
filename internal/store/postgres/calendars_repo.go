package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/store"
)

type CalendarRepo struct {
	db bun.IDB
}

func NewCalendarRepo(db bun.IDB) *CalendarRepo {
	return &CalendarRepo{db: db}
}

// Upsert keys calendars on (kind, external_id). Stored credentials are kept
// when the incoming row carries none.
func (r *CalendarRepo) Upsert(ctx context.Context, cal domain.Calendar) (domain.Calendar, error) {
	m := cal
	if m.Weekdays == nil {
		m.Weekdays = domain.WeekdaysToISO(domain.DefaultWorkingHours().Weekdays)
	}

	_, err := r.db.NewInsert().
		Model(&m).
		On("CONFLICT (kind, external_id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("work_start_minute = EXCLUDED.work_start_minute").
		Set("work_end_minute = EXCLUDED.work_end_minute").
		Set("weekdays = EXCLUDED.weekdays").
		Set("timezone = EXCLUDED.timezone").
		Set("refresh_spec = EXCLUDED.refresh_spec").
		Set("access_token = COALESCE(NULLIF(EXCLUDED.access_token, ''), calendar.access_token)").
		Set("refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), calendar.refresh_token)").
		Set("token_expiry = COALESCE(EXCLUDED.token_expiry, calendar.token_expiry)").
		Set("active = EXCLUDED.active").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.Calendar{}, err
	}
	return m, nil
}

func (r *CalendarRepo) Get(ctx context.Context, id uuid.UUID) (domain.Calendar, error) {
	var m domain.Calendar
	err := r.db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Calendar{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Calendar{}, err
	}
	return m, nil
}

func (r *CalendarRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Calendar, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var rows []domain.Calendar
	err := r.db.NewSelect().
		Model(&rows).
		Where("id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orderCalendars(rows, ids)
}

func (r *CalendarRepo) ListActive(ctx context.Context) ([]domain.Calendar, error) {
	var rows []domain.Calendar
	err := r.db.NewSelect().
		Model(&rows).
		Where("active").
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *CalendarRepo) UpdateCredential(ctx context.Context, id uuid.UUID, cred domain.Credential) error {
	q := r.db.NewUpdate().
		Model((*domain.Calendar)(nil)).
		Set("access_token = ?", cred.AccessToken).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id)
	if cred.RefreshToken != "" {
		q = q.Set("refresh_token = ?", cred.RefreshToken)
	}
	if !cred.Expiry.IsZero() {
		q = q.Set("token_expiry = ?", cred.Expiry.UTC())
	}
	return expectOneRow(q.Exec(ctx))
}

func (r *CalendarRepo) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := r.db.NewUpdate().
		Model((*domain.Calendar)(nil)).
		Set("last_synced = ?", at.UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return expectOneRow(res, err)
}

func orderCalendars(rows []domain.Calendar, ids []uuid.UUID) ([]domain.Calendar, error) {
	byID := make(map[uuid.UUID]domain.Calendar, len(rows))
	for _, c := range rows {
		byID[c.ID] = c
	}
	out := make([]domain.Calendar, 0, len(ids))
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			return nil, store.ErrNotFound
		}
		out = append(out, c)
	}
	return out, nil
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/store"
)

const claimsNoOverlapConstraint = "booking_claims_no_overlap"

type BookingRepo struct {
	db bun.IDB
}

func NewBookingRepo(db bun.IDB) *BookingRepo {
	return &BookingRepo{db: db}
}

type bookingTx struct {
	tx bun.Tx
}

func (r *BookingRepo) Reserve(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	claims, err := claimsFor(booking)
	if err != nil {
		return domain.Booking{}, err
	}

	var out domain.Booking
	err = r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		b, err := bookingTx{tx: tx}.reserve(ctx, booking, claims)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	return out, nil
}

func (r *BookingRepo) Commit(ctx context.Context, id uuid.UUID, eventIDs []string) (domain.Booking, error) {
	if eventIDs == nil {
		eventIDs = []string{}
	}

	var m domain.Booking
	res, err := r.db.NewUpdate().
		Model(&m).
		Set("status = ?", domain.BookingStatusCommitted).
		Set("event_ids = ?", pgdialect.Array(eventIDs)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("status = ?", domain.BookingStatusProvisional).
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, err
	}
	if affected == 0 {
		return domain.Booking{}, r.missingTransition(ctx, id)
	}
	return m, nil
}

func (r *BookingRepo) Discard(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.NewDelete().
		Model((*domain.Booking)(nil)).
		Where("id = ?", id).
		Where("status = ?", domain.BookingStatusProvisional).
		Exec(ctx)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return r.missingTransition(ctx, id)
	}
	return nil
}

func (r *BookingRepo) DiscardStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.NewDelete().
		Model((*domain.Booking)(nil)).
		Where("status = ?", domain.BookingStatusProvisional).
		Where("created_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (r *BookingRepo) Get(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	var m domain.Booking
	err := r.db.NewSelect().
		Model(&m).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, err
	}
	return m, nil
}

func (r *BookingRepo) ListClaims(ctx context.Context, calendarIDs []uuid.UUID, start, end time.Time) ([]domain.BookingClaim, error) {
	claims := []domain.BookingClaim{}
	if len(calendarIDs) == 0 {
		return claims, nil
	}
	err := r.db.NewSelect().
		Model(&claims).
		Where("calendar_id IN (?)", bun.In(calendarIDs)).
		Where("start_time < ?", end.UTC()).
		Where("end_time > ?", start.UTC()).
		Order("start_time ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (r *BookingRepo) missingTransition(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrInvalidTransition
}

func (t bookingTx) reserve(ctx context.Context, booking domain.Booking, claims []domain.BookingClaim) (domain.Booking, error) {
	m := booking
	m.Status = domain.BookingStatusProvisional
	m.EventIDs = nil

	res, err := t.tx.NewInsert().
		Model(&m).
		On("CONFLICT (id) DO NOTHING").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, err
	}
	if affected == 0 {
		return t.existing(ctx, booking)
	}

	for i := range claims {
		claims[i].BookingID = m.ID
	}
	if _, err := t.tx.NewInsert().Model(&claims).Exec(ctx); err != nil {
		if isExclusionViolation(err, claimsNoOverlapConstraint) {
			return domain.Booking{}, store.ErrConflict
		}
		return domain.Booking{}, err
	}
	return m, nil
}

func (t bookingTx) existing(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	var existing domain.Booking
	err := t.tx.NewSelect().
		Model(&existing).
		Where("id = ?", booking.ID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return domain.Booking{}, err
	}
	if !existing.SameRequest(booking) {
		return domain.Booking{}, store.ErrIdempotencyConflict
	}
	return existing, nil
}

func claimsFor(b domain.Booking) ([]domain.BookingClaim, error) {
	if len(b.CalendarIDs) == 0 {
		return nil, errors.New("booking has no calendars")
	}
	claims := make([]domain.BookingClaim, 0, len(b.CalendarIDs))
	for _, raw := range b.CalendarIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("calendar id %q: %w", raw, err)
		}
		claims = append(claims, domain.BookingClaim{
			CalendarID: id,
			StartTime:  b.StartTime.UTC(),
			EndTime:    b.EndTime.UTC(),
		})
	}
	return claims, nil
}

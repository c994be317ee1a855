package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/store"
)

func withTestSchema(t *testing.T, fn func(ctx context.Context, tx bun.Tx) error) {
	t.Helper()

	databaseURL := strings.TrimSpace(os.Getenv("CALSYNC_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("CALSYNC_TEST_DATABASE_URL not set")
	}

	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	schema := "calsync_test_" + randomHex(t, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewRaw("SET LOCAL search_path TO " + schema + ", public").Exec(ctx); err != nil {
			return err
		}
		if err := applyMigrations(ctx, tx); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
	if err != nil {
		t.Fatalf("tx error: %v", err)
	}
}

func seedCalendars(ctx context.Context, repo *CalendarRepo, n int) ([]domain.Calendar, error) {
	out := make([]domain.Calendar, 0, n)
	for i := range n {
		c, err := repo.Upsert(ctx, domain.Calendar{
			Kind:       domain.CalendarKindICS,
			Name:       fmt.Sprintf("cal %d", i),
			ExternalID: fmt.Sprintf("https://example.com/%d.ics", i),
			WorkStart:  domain.DefaultWorkStartMinute,
			WorkEnd:    domain.DefaultWorkEndMinute,
			Timezone:   "UTC",
			Active:     true,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func TestPostgresIntegration_CalendarUpsertAndCredentials(t *testing.T) {
	withTestSchema(t, func(ctx context.Context, tx bun.Tx) error {
		repo := NewCalendarRepo(tx)

		expiry := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		c1, err := repo.Upsert(ctx, domain.Calendar{
			Kind:         domain.CalendarKindGraph,
			Name:         "Work",
			ExternalID:   "AAMk-1",
			WorkStart:    540,
			WorkEnd:      1020,
			Timezone:     "Europe/Berlin",
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			TokenExpiry:  &expiry,
			Active:       true,
		})
		if err != nil {
			return err
		}

		c2, err := repo.Upsert(ctx, domain.Calendar{
			Kind:       domain.CalendarKindGraph,
			Name:       "Work renamed",
			ExternalID: "AAMk-1",
			WorkStart:  600,
			WorkEnd:    1020,
			Timezone:   "Europe/Berlin",
			Active:     true,
		})
		if err != nil {
			return err
		}
		if c2.ID != c1.ID {
			return fmt.Errorf("upsert id = %s, want %s", c2.ID, c1.ID)
		}
		if c2.Name != "Work renamed" || c2.WorkStart != 600 {
			return fmt.Errorf("upsert did not update fields: %+v", c2)
		}
		if c2.RefreshToken != "rt-1" || c2.AccessToken != "at-1" {
			return fmt.Errorf("upsert dropped credentials: %+v", c2.Credential())
		}

		newExpiry := expiry.Add(time.Hour)
		if err := repo.UpdateCredential(ctx, c1.ID, domain.Credential{AccessToken: "at-2", Expiry: newExpiry}); err != nil {
			return err
		}
		got, err := repo.Get(ctx, c1.ID)
		if err != nil {
			return err
		}
		cred := got.Credential()
		if cred.AccessToken != "at-2" || cred.RefreshToken != "rt-1" || !cred.Expiry.Equal(newExpiry) {
			return fmt.Errorf("credential = %+v", cred)
		}

		syncedAt := time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
		if err := repo.MarkSynced(ctx, c1.ID, syncedAt); err != nil {
			return err
		}
		got, err = repo.Get(ctx, c1.ID)
		if err != nil {
			return err
		}
		if got.LastSynced == nil || !got.LastSynced.Equal(syncedAt) {
			return fmt.Errorf("last_synced = %v, want %v", got.LastSynced, syncedAt)
		}

		if _, err := repo.Get(ctx, uuid.MustParse("00000000-0000-0000-0000-000000000404")); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("missing get err = %v, want %v", err, store.ErrNotFound)
		}

		others, err := seedCalendars(ctx, repo, 2)
		if err != nil {
			return err
		}
		many, err := repo.GetMany(ctx, []uuid.UUID{others[1].ID, c1.ID, others[0].ID})
		if err != nil {
			return err
		}
		if many[0].ID != others[1].ID || many[1].ID != c1.ID || many[2].ID != others[0].ID {
			return fmt.Errorf("GetMany did not keep requested order")
		}
		if _, err := repo.GetMany(ctx, []uuid.UUID{c1.ID, uuid.New()}); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("GetMany missing err = %v, want %v", err, store.ErrNotFound)
		}

		active, err := repo.ListActive(ctx)
		if err != nil {
			return err
		}
		if len(active) != 3 {
			return fmt.Errorf("len(active) = %d, want 3", len(active))
		}
		return nil
	})
}

func TestPostgresIntegration_LinkLifecycle(t *testing.T) {
	withTestSchema(t, func(ctx context.Context, tx bun.Tx) error {
		repo := NewLinkRepo(tx)

		link, err := repo.Create(ctx, domain.SharedLink{
			Name:        "Intro call",
			CalendarIDs: []string{uuid.NewString()},
			Active:      true,
		})
		if err != nil {
			return err
		}
		if len(link.LinkID) != 16 {
			return fmt.Errorf("link id = %q", link.LinkID)
		}

		got, err := repo.GetActive(ctx, link.LinkID)
		if err != nil {
			return err
		}
		if got.ID != link.ID || len(got.CalendarIDs) != 1 {
			return fmt.Errorf("GetActive = %+v", got)
		}

		if err := repo.Deactivate(ctx, link.LinkID); err != nil {
			return err
		}
		if _, err := repo.GetActive(ctx, link.LinkID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("inactive link err = %v, want %v", err, store.ErrNotFound)
		}
		if err := repo.Deactivate(ctx, link.LinkID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("second deactivate err = %v, want %v", err, store.ErrNotFound)
		}
		return nil
	})
}

func TestPostgresIntegration_BookingReserveCommitDiscard(t *testing.T) {
	withTestSchema(t, func(ctx context.Context, tx bun.Tx) error {
		cals, err := seedCalendars(ctx, NewCalendarRepo(tx), 2)
		if err != nil {
			return err
		}
		repo := NewBookingRepo(tx)

		start := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		end := start.Add(30 * time.Minute)
		base := domain.Booking{
			LinkID:        "abcdef0123456789",
			CalendarIDs:   []string{cals[0].ID.String(), cals[1].ID.String()},
			CustomerName:  "Ada",
			CustomerEmail: "ada@example.com",
			Subject:       "Intro",
			StartTime:     start,
			EndTime:       end,
		}

		b1 := base
		b1.ID = uuid.MustParse("00000000-0000-0000-0000-000000000901")
		reserved, err := repo.Reserve(ctx, b1)
		if err != nil {
			return err
		}
		if reserved.Status != domain.BookingStatusProvisional {
			return fmt.Errorf("status = %q, want provisional", reserved.Status)
		}

		overlapping := base
		overlapping.ID = uuid.MustParse("00000000-0000-0000-0000-000000000902")
		overlapping.CalendarIDs = []string{cals[1].ID.String()}
		overlapping.StartTime = start.Add(15 * time.Minute)
		overlapping.EndTime = end.Add(15 * time.Minute)
		if _, err := repo.Reserve(ctx, overlapping); !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("overlap err = %v, want %v", err, store.ErrConflict)
		}
		if _, err := repo.Get(ctx, overlapping.ID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conflicting booking persisted: %v", err)
		}

		touching := base
		touching.ID = uuid.MustParse("00000000-0000-0000-0000-000000000903")
		touching.StartTime = end
		touching.EndTime = end.Add(30 * time.Minute)
		if _, err := repo.Reserve(ctx, touching); err != nil {
			return fmt.Errorf("touching reserve: %w", err)
		}

		replay, err := repo.Reserve(ctx, b1)
		if err != nil {
			return err
		}
		if replay.ID != b1.ID {
			return fmt.Errorf("replay id = %s, want %s", replay.ID, b1.ID)
		}
		different := b1
		different.Subject = "Other"
		if _, err := repo.Reserve(ctx, different); !errors.Is(err, store.ErrIdempotencyConflict) {
			return fmt.Errorf("idempotency err = %v, want %v", err, store.ErrIdempotencyConflict)
		}

		committed, err := repo.Commit(ctx, b1.ID, []string{"evt-1", "evt-2"})
		if err != nil {
			return err
		}
		if committed.Status != domain.BookingStatusCommitted || len(committed.EventIDs) != 2 {
			return fmt.Errorf("committed = %+v", committed)
		}
		if _, err := repo.Commit(ctx, b1.ID, nil); !errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("recommit err = %v, want %v", err, store.ErrInvalidTransition)
		}
		if err := repo.Discard(ctx, b1.ID); !errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("discard committed err = %v, want %v", err, store.ErrInvalidTransition)
		}

		if err := repo.Discard(ctx, touching.ID); err != nil {
			return err
		}
		if _, err := repo.Get(ctx, touching.ID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("discarded booking still visible: %v", err)
		}
		retry := touching
		retry.ID = uuid.MustParse("00000000-0000-0000-0000-000000000904")
		if _, err := repo.Reserve(ctx, retry); err != nil {
			return fmt.Errorf("claims not released by discard: %w", err)
		}

		claims, err := repo.ListClaims(ctx, []uuid.UUID{cals[0].ID, cals[1].ID}, start, end.Add(30*time.Minute))
		if err != nil {
			return err
		}
		if len(claims) != 4 {
			return fmt.Errorf("len(claims) = %d, want 4", len(claims))
		}
		if claims, err := repo.ListClaims(ctx, []uuid.UUID{cals[0].ID}, end.Add(time.Hour), end.Add(2*time.Hour)); err != nil || len(claims) != 0 {
			return fmt.Errorf("claims outside window = %v, %v", claims, err)
		}

		if _, err := repo.Commit(ctx, uuid.New(), nil); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("commit missing err = %v, want %v", err, store.ErrNotFound)
		}
		return nil
	})
}

func TestPostgresIntegration_BookingDiscardStale(t *testing.T) {
	withTestSchema(t, func(ctx context.Context, tx bun.Tx) error {
		cals, err := seedCalendars(ctx, NewCalendarRepo(tx), 1)
		if err != nil {
			return err
		}
		repo := NewBookingRepo(tx)

		now := time.Now().UTC()
		start := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
		booking := func(id string, slot int, createdAt time.Time) domain.Booking {
			return domain.Booking{
				ID:            uuid.MustParse(id),
				LinkID:        "abcdef0123456789",
				CalendarIDs:   []string{cals[0].ID.String()},
				CustomerName:  "Ada",
				CustomerEmail: "ada@example.com",
				Subject:       "Intro",
				StartTime:     start.Add(time.Duration(slot) * time.Hour),
				EndTime:       start.Add(time.Duration(slot)*time.Hour + 30*time.Minute),
				CreatedAt:     createdAt,
			}
		}

		orphan := booking("00000000-0000-0000-0000-000000000a01", 0, now.Add(-time.Hour))
		fresh := booking("00000000-0000-0000-0000-000000000a02", 1, now)
		committed := booking("00000000-0000-0000-0000-000000000a03", 2, now.Add(-time.Hour))
		for _, b := range []domain.Booking{orphan, fresh, committed} {
			if _, err := repo.Reserve(ctx, b); err != nil {
				return err
			}
		}
		if _, err := repo.Commit(ctx, committed.ID, []string{"evt-1"}); err != nil {
			return err
		}

		n, err := repo.DiscardStale(ctx, now.Add(-10*time.Minute))
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("discarded = %d, want 1", n)
		}
		if _, err := repo.Get(ctx, orphan.ID); !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("orphan still present: %v", err)
		}
		for _, id := range []uuid.UUID{fresh.ID, committed.ID} {
			if _, err := repo.Get(ctx, id); err != nil {
				return fmt.Errorf("booking %s removed: %w", id, err)
			}
		}

		retry := booking("00000000-0000-0000-0000-000000000a04", 0, time.Time{})
		if _, err := repo.Reserve(ctx, retry); err != nil {
			return fmt.Errorf("orphan claims not released: %w", err)
		}
		return nil
	})
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}

type rawExecutor interface {
	NewRaw(query string, args ...any) *bun.RawQuery
}

func applyMigrations(ctx context.Context, exec rawExecutor) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type mig struct {
		name string
		path string
	}
	migs := make([]mig, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		migs = append(migs, mig{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].name < migs[j].name })

	for _, m := range migs {
		b, err := os.ReadFile(m.path)
		if err != nil {
			return err
		}
		upSQL, err := extractGooseUp(string(b))
		if err != nil {
			return err
		}
		stmts := splitSQLStatements(upSQL)
		for _, stmt := range stmts {
			if normalized, ok := normalizeExtensionStatement(stmt); ok {
				stmt = normalized
			}
			if _, err := exec.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

func migrationsDir() (string, error) {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("runtime.Caller failed")
	}
	base := filepath.Dir(file)
	return filepath.Clean(filepath.Join(base, "..", "..", "..", "migrations")), nil
}

func extractGooseUp(sql string) (string, error) {
	upMarker := "-- +goose Up"
	downMarker := "-- +goose Down"

	upIdx := strings.Index(sql, upMarker)
	if upIdx < 0 {
		return "", fmt.Errorf("missing goose up marker")
	}
	afterUp := sql[upIdx+len(upMarker):]
	afterUp = strings.TrimLeft(afterUp, "\r\n")

	downIdx := strings.Index(afterUp, downMarker)
	if downIdx < 0 {
		return strings.TrimSpace(afterUp), nil
	}
	return strings.TrimSpace(afterUp[:downIdx]), nil
}

func normalizeExtensionStatement(stmt string) (string, bool) {
	s := strings.TrimSpace(stmt)
	upper := strings.ToUpper(s)
	if !strings.HasPrefix(upper, "CREATE EXTENSION") {
		return "", false
	}
	if !strings.Contains(upper, "BTREE_GIST") {
		return "", false
	}
	if strings.Contains(upper, " SCHEMA ") {
		return "", false
	}
	return s + " SCHEMA public", true
}

func splitSQLStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

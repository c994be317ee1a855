package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/uptrace/bun"
	"golang.org/x/oauth2"

	"calsync/backend/internal/calendar"
	"calsync/backend/internal/calendar/caldav"
	"calsync/backend/internal/calendar/google"
	"calsync/backend/internal/calendar/graph"
	"calsync/backend/internal/calendar/icsfeed"
	"calsync/backend/internal/config"
	"calsync/backend/internal/domain"
	"calsync/backend/internal/service/booking"
	"calsync/backend/internal/service/freebusy"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store/postgres"
)

type services struct {
	db        *bun.DB
	redis     *redis.Client
	calendars *postgres.CalendarRepo
	bookings  *postgres.BookingRepo
	cache     *calendar.CachedSource
	links     *links.Service
	freebusy  *freebusy.Service
	booking   *booking.Coordinator
}

func openDatabase(log *slog.Logger, cfg config.Config) (*bun.DB, error) {
	log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
	db, err := postgres.Open(cfg.DatabaseURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
		log.Error("database connection failed", args...)
		return nil, err
	}
	return postgres.WithQueryLogging(db, log, cfg.DBSlowQuery), nil
}

func openServices(ctx context.Context, log *slog.Logger, cfg config.Config) (*services, error) {
	db, err := openDatabase(log, cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// The cache degrades to upstream fetches; keep serving.
		log.Warn("redis unavailable", slog.String("redis_addr", cfg.RedisAddr), slog.Any("err", err))
	}

	calendarRepo := postgres.NewCalendarRepo(db)
	linkRepo := postgres.NewLinkRepo(db)
	bookingRepo := postgres.NewBookingRepo(db)

	router, err := newRouter(log, cfg, calendarRepo)
	if err != nil {
		_ = rdb.Close()
		_ = postgres.Close(db)
		return nil, err
	}
	cache := calendar.NewCachedSource(log, router, rdb, cfg.RedisBusyTTL)

	rollback, err := booking.ParseRollbackPolicy(cfg.BookingRollback)
	if err != nil {
		_ = rdb.Close()
		_ = postgres.Close(db)
		return nil, err
	}

	linkSvc := links.NewService(log, linkRepo, calendarRepo)
	fb := freebusy.NewService(log, cache, bookingRepo, linkSvc, freebusy.Config{
		Concurrency: cfg.FetchConcurrency,
		Timeout:     cfg.FetchTimeout,
		MaxWindow:   cfg.SlotsMaxWindow,
	})
	coordinator := booking.NewCoordinator(log, bookingRepo, router, fb, linkSvc, cache, booking.Config{
		Rollback:       rollback,
		ProvisionalTTL: cfg.BookingProvisionalTTL,
	})

	return &services{
		db:        db,
		redis:     rdb,
		calendars: calendarRepo,
		bookings:  bookingRepo,
		cache:     cache,
		links:     linkSvc,
		freebusy:  fb,
		booking:   coordinator,
	}, nil
}

// newRouter registers one backend per calendar kind. OAuth backends share
// a token provider backed by the calendar store.
func newRouter(log *slog.Logger, cfg config.Config, calendars *postgres.CalendarRepo) (*calendar.Router, error) {
	tokens := calendar.NewStoreTokenProvider(log, calendars, map[domain.CalendarKind]*oauth2.Config{
		domain.CalendarKindGraph: calendar.MicrosoftConfig(calendar.OAuthClient{
			ClientID:     cfg.MicrosoftClientID,
			ClientSecret: cfg.MicrosoftClientSecret,
			Tenant:       cfg.MicrosoftTenant,
		}),
		domain.CalendarKindGoogle: calendar.GoogleConfig(calendar.OAuthClient{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		}),
	})

	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	router := calendar.NewRouter().
		Register(domain.CalendarKindGraph, graph.New(log, tokens, "", httpClient)).
		Register(domain.CalendarKindGoogle, google.New(log, tokens, "", httpClient)).
		Register(domain.CalendarKindICS, icsfeed.New(log, &http.Client{Timeout: cfg.ICSTimeout}))

	if cfg.CalDAVEndpoint != "" {
		dav, err := caldav.New(log, caldav.Config{
			Endpoint: cfg.CalDAVEndpoint,
			Username: cfg.CalDAVUsername,
			Password: cfg.CalDAVPassword,
		}, httpClient)
		if err != nil {
			return nil, err
		}
		router.Register(domain.CalendarKindCalDAV, dav)
	}
	return router, nil
}

func (s *services) Close(log *slog.Logger) {
	if err := s.redis.Close(); err != nil {
		log.Warn("redis close failed", slog.Any("err", err))
	}
	if err := postgres.Close(s.db); err != nil {
		log.Warn("database close failed", slog.Any("err", err))
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"google.golang.org/grpc"

	"calsync/backend/internal/config"
	"calsync/backend/internal/scheduler"
	grpcTransport "calsync/backend/internal/transport/grpc"
	httpTransport "calsync/backend/internal/transport/http"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the gRPC and HTTP APIs and the calendar refresh scheduler.",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(c.Context, log, cfg)
		},
	}
}

func serve(parent context.Context, log *slog.Logger, cfg config.Config) error {
	grpcAddr := net.JoinHostPort(cfg.GRPCHost, strconv.Itoa(cfg.GRPCPort))
	log.Info("starting",
		slog.String("grpc_addr", grpcAddr),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := openServices(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer svc.Close(log)

	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(defaultRequestTimeoutInterceptor(cfg.GRPCRequestTimeout)),
	)
	grpcTransport.RegisterBookingServiceServer(grpcServer, grpcTransport.NewBookingServer(svc.freebusy, svc.booking, log))

	lis, httpLis, err := listen(log, grpcAddr, cfg.HTTPAddr)
	if err != nil {
		return err
	}

	// Background jobs start only once both listeners are bound.
	sched := scheduler.New(log, svc.calendars, svc.cache, scheduler.Config{
		DefaultSpec: cfg.SchedulerDefaultSpec,
		ResyncSpec:  cfg.SchedulerResyncSpec,
		SweepSpec:   cfg.SchedulerSweepSpec,
		Horizon:     cfg.SlotsHorizon,
		SkipRefresh: !cfg.SchedulerEnabled,
		Sweeper:     svc.booking,
	})
	if err := sched.Start(ctx); err != nil {
		_ = lis.Close()
		_ = httpLis.Close()
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpTransport.NewHandler(svc.freebusy, svc.booking, log, httpTransport.Config{
			RateLimit:      cfg.HTTPRateLimit,
			RateBurst:      cfg.HTTPRateBurst,
			CORSOrigins:    cfg.HTTPCORSOrigins,
			RequestTimeout: cfg.HTTPRequestTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		if err := httpServer.Serve(httpLis); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("servers started", slog.String("grpc_addr", grpcAddr), slog.String("http_addr", cfg.HTTPAddr))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error("server stopped with error", slog.Any("err", err))
			runErr = err
		}
	}

	<-sched.Stop().Done()
	log.Info("scheduler stopped")
	shutdownHTTP(log, httpServer, cfg.ShutdownTimeout)
	shutdown(log, grpcServer, cfg.ShutdownTimeout)
	return runErr
}

// listen binds both APIs, releasing the first listener if the second fails.
func listen(log *slog.Logger, grpcAddr, httpAddr string) (net.Listener, net.Listener, error) {
	grpcLis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.Error("grpc listen failed", slog.Any("err", err), slog.String("grpc_addr", grpcAddr))
		return nil, nil, err
	}
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		log.Error("http listen failed", slog.Any("err", err), slog.String("http_addr", httpAddr))
		_ = grpcLis.Close()
		return nil, nil, err
	}
	return grpcLis, httpLis, nil
}

func defaultRequestTimeoutInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(ctx, req)
	}
}

func shutdown(log *slog.Logger, s *grpc.Server, timeout time.Duration) {
	log.Info("shutting down grpc server", slog.Duration("timeout", timeout))

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		log.Info("grpc server stopped")
	case <-timer.C:
		log.Warn("grpc graceful shutdown timed out; forcing stop")
		s.Stop()
	}
}

func shutdownHTTP(log *slog.Logger, s *http.Server, timeout time.Duration) {
	log.Info("shutting down http server", slog.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Warn("http graceful shutdown timed out; forcing close", slog.Any("err", err))
		_ = s.Close()
		return
	}
	log.Info("http server stopped")
}

// Package http exposes the customer-facing booking API over JSON.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"calsync/backend/internal/domain"
	"calsync/backend/internal/service"
	"calsync/backend/internal/service/booking"
	"calsync/backend/internal/service/freebusy"
	"calsync/backend/internal/service/links"
	"calsync/backend/internal/store"
)

type slotsService interface {
	LinkSlots(ctx context.Context, q freebusy.LinkQuery) (freebusy.LinkSlots, error)
}

type bookingService interface {
	CreateBooking(ctx context.Context, req booking.Request) (domain.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error)
}

type Config struct {
	// RateLimit is requests per second per client IP; zero disables limiting.
	RateLimit      float64
	RateBurst      int
	CORSOrigins    []string
	RequestTimeout time.Duration
}

type Server struct {
	slots    slotsService
	bookings bookingService
	log      *slog.Logger
}

func NewHandler(slots slotsService, bookings bookingService, log *slog.Logger, cfg Config) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))
	s := &Server{slots: slots, bookings: bookings, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	if cfg.RateLimit > 0 {
		r.Use(newRateLimiter(cfg.RateLimit, cfg.RateBurst).middleware(log))
	}
	if cfg.RequestTimeout > 0 {
		r.Use(requestTimeout(cfg.RequestTimeout))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/slots", s.getSlots)
		api.GET("/shared/:link_id", s.getSharedLink)
		api.POST("/book", s.book)
		api.GET("/bookings/:id", s.getBooking)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug(
			"request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) getSlots(c *gin.Context) {
	linkID := strings.TrimSpace(c.Query("link_id"))
	if linkID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing link_id parameter"})
		return
	}
	start, err := parseTimeParam(firstQuery(c, "start_date", "start"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}
	end, err := parseTimeParam(firstQuery(c, "end_date", "end"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}
	duration := 0
	if raw := c.Query("duration"); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duration must be an integer number of minutes"})
			return
		}
	}

	res, err := s.slots.LinkSlots(c.Request.Context(), freebusy.LinkQuery{
		LinkID:          linkID,
		WindowStart:     start,
		WindowEnd:       end,
		DurationMinutes: duration,
	})
	if err != nil {
		s.writeError(c, err, slog.String("link_id", linkID))
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": slotsJSON(res.Slots)})
}

func (s *Server) getSharedLink(c *gin.Context) {
	linkID := c.Param("link_id")
	res, err := s.slots.LinkSlots(c.Request.Context(), freebusy.LinkQuery{LinkID: linkID})
	if err != nil {
		s.writeError(c, err, slog.String("link_id", linkID))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"link": gin.H{
			"link_id":          res.Link.Link.LinkID,
			"name":             res.Link.Link.Name,
			"description":      res.Link.Link.Description,
			"duration_minutes": res.Link.Link.SlotMinutes(),
		},
		"slots": slotsJSON(res.Slots),
	})
}

type bookRequest struct {
	LinkID        string `json:"link_id"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Subject       string `json:"subject"`
	Description   string `json:"description"`
}

func (s *Server) book(c *gin.Context) {
	var in bookRequest
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	if in.StartTime == "" || in.EndTime == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "All fields are required"})
		return
	}
	start, err := parseTimeParam(in.StartTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}
	end, err := parseTimeParam(in.EndTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date format"})
		return
	}

	b, err := s.bookings.CreateBooking(c.Request.Context(), booking.Request{
		LinkID: in.LinkID,
		Customer: booking.Customer{
			Name:        in.CustomerName,
			Email:       in.CustomerEmail,
			Subject:     in.Subject,
			Description: in.Description,
		},
		StartTime:      start,
		EndTime:        end,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		s.writeError(c, err, slog.String("link_id", in.LinkID), slog.Time("start_time", start))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": bookingJSON(b)})
}

func (s *Server) getBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "booking id must be a UUID"})
		return
	}
	b, err := s.bookings.GetBooking(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Booking not found"})
		return
	}
	if err != nil {
		s.writeError(c, err, slog.String("booking_id", id.String()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": bookingJSON(b)})
}

func (s *Server) writeError(c *gin.Context, err error, attrs ...any) {
	attrs = append(attrs, slog.String("path", c.FullPath()), slog.Any("err", err))

	var vErr *service.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.log.Warn("invalid request", attrs...)
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error()})
	case errors.Is(err, booking.ErrSlotUnavailable), errors.Is(err, store.ErrConflict):
		s.log.Info("slot unavailable", attrs...)
		c.JSON(http.StatusConflict, gin.H{"error": "That slot is no longer available. Pick a different slot."})
	case errors.Is(err, store.ErrIdempotencyConflict):
		s.log.Info("idempotency conflict", attrs...)
		c.JSON(http.StatusConflict, gin.H{"error": "This request key was already used for a different booking."})
	case errors.Is(err, links.ErrNoCalendars):
		c.JSON(http.StatusNotFound, gin.H{"error": "No calendars found for this link"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Shared link not found or inactive"})
	case errors.Is(err, booking.ErrBookingFailed):
		s.log.Error("booking failed", attrs...)
		c.JSON(http.StatusBadGateway, gin.H{"error": booking.ErrBookingFailed.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("request timed out", attrs...)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
	default:
		s.log.Error("request failed", attrs...)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func firstQuery(c *gin.Context, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(c.Query(k)); v != "" {
			return v
		}
	}
	return ""
}

// parseTimeParam accepts RFC 3339, a wall clock without offset (read as
// UTC) or a bare date. Empty input yields the zero time.
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, raw, time.UTC)
}

func slotsJSON(slots []domain.CandidateSlot) []gin.H {
	out := make([]gin.H, 0, len(slots))
	for _, s := range slots {
		out = append(out, gin.H{
			"start":            s.Start.UTC().Format(time.RFC3339),
			"end":              s.End.UTC().Format(time.RFC3339),
			"formatted_start":  s.FormattedStart(),
			"formatted_end":    s.FormattedEnd(),
			"display":          s.Display(),
			"duration_minutes": s.DurationMinutes,
		})
	}
	return out
}

func bookingJSON(b domain.Booking) gin.H {
	return gin.H{
		"id":             b.ID.String(),
		"link_id":        b.LinkID,
		"customer_name":  b.CustomerName,
		"customer_email": b.CustomerEmail,
		"subject":        b.Subject,
		"description":    b.Description,
		"start_time":     b.StartTime.UTC().Format(time.RFC3339),
		"end_time":       b.EndTime.UTC().Format(time.RFC3339),
		"status":         string(b.Status),
	}
}

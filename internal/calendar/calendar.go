// Package calendar defines the collaborators the free/busy engine talks to:
// sources that report busy intervals, sinks that register bookings, and the
// credential plumbing the OAuth-backed providers share.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/backend/internal/domain"
)

var (
	ErrSourceUnavailable = errors.New("calendar source unavailable")
	ErrSinkRejected      = errors.New("calendar sink rejected event")
	ErrCredentialExpired = errors.New("calendar credential expired")
	ErrReadOnly          = errors.New("calendar is read-only")
	ErrUnknownKind       = errors.New("unknown calendar kind")
)

type Source interface {
	Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error)
}

type Sink interface {
	Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error)
}

type Canceler interface {
	Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error
}

type Backend interface {
	Source
	Sink
}

type Router struct {
	backends map[domain.CalendarKind]Backend
}

func NewRouter() *Router {
	return &Router{backends: make(map[domain.CalendarKind]Backend)}
}

func (r *Router) Register(kind domain.CalendarKind, b Backend) *Router {
	r.backends[kind] = b
	return r
}

func (r *Router) backend(kind domain.CalendarKind) (Backend, error) {
	b, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return b, nil
}

func (r *Router) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	b, err := r.backend(ref.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	return b.Fetch(ctx, ref, start, end)
}

func (r *Router) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	b, err := r.backend(ref.Kind)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSinkRejected, err)
	}
	return b.Create(ctx, ref, payload)
}

func (r *Router) Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error {
	b, err := r.backend(ref.Kind)
	if err != nil {
		return err
	}
	c, ok := b.(Canceler)
	if !ok {
		return ErrReadOnly
	}
	return c.Cancel(ctx, ref, eventID)
}

// SourceError wraps err so it matches ErrSourceUnavailable while keeping the
// cause inspectable.
func SourceError(ref domain.CalendarRef, err error) error {
	if errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: calendar %s: %w", ErrSourceUnavailable, ref.ID, err)
}

func SinkError(ref domain.CalendarRef, err error) error {
	if errors.Is(err, ErrSinkRejected) {
		return err
	}
	return fmt.Errorf("%w: calendar %s: %w", ErrSinkRejected, ref.ID, err)
}

package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"calsync/backend/internal/domain"
)

type fakeSource struct {
	fetchFn func(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error)
	calls   int
}

func (f *fakeSource) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	if f.fetchFn == nil {
		panic("Fetch not configured")
	}
	f.calls++
	return f.fetchFn(ctx, ref, start, end)
}

type fakeBackend struct {
	fakeSource
	createFn func(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error)
}

func (f *fakeBackend) Create(ctx context.Context, ref domain.CalendarRef, payload domain.EventPayload) (string, error) {
	if f.createFn == nil {
		panic("Create not configured")
	}
	return f.createFn(ctx, ref, payload)
}

type fakeCancelingBackend struct {
	fakeBackend
	cancelFn func(ctx context.Context, ref domain.CalendarRef, eventID string) error
}

func (f *fakeCancelingBackend) Cancel(ctx context.Context, ref domain.CalendarRef, eventID string) error {
	if f.cancelFn == nil {
		panic("Cancel not configured")
	}
	return f.cancelFn(ctx, ref, eventID)
}

type fakeTokens struct {
	credentialFn func(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error)
	refreshFn    func(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error)
	refreshes    int
}

func (f *fakeTokens) Credential(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error) {
	if f.credentialFn == nil {
		panic("Credential not configured")
	}
	return f.credentialFn(ctx, ref)
}

func (f *fakeTokens) Refresh(ctx context.Context, ref domain.CalendarRef) (domain.Credential, error) {
	if f.refreshFn == nil {
		panic("Refresh not configured")
	}
	f.refreshes++
	return f.refreshFn(ctx, ref)
}

type memoryRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryRedis) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return redis.NewSliceResult(nil, m.getErr)
	}
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := m.values[k]; ok {
			out[i] = v
		}
	}
	return redis.NewSliceResult(out, nil)
}

func (m *memoryRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.values[key] = string(v)
	case string:
		m.values[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.values[k]; ok {
			delete(m.values, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func testRef(kind domain.CalendarKind) domain.CalendarRef {
	return domain.CalendarRef{
		ID:         uuid.MustParse("00000000-0000-0000-0000-000000000101"),
		Kind:       kind,
		ExternalID: "ext-1",
		Name:       "Work",
		Hours:      domain.DefaultWorkingHours(),
	}
}

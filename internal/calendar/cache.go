package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"calsync/backend/internal/domain"
)

const day = 24 * time.Hour

type RedisCache interface {
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedSource keeps busy intervals per calendar per UTC day. A window is
// answered from the cache only when every day it touches is present;
// otherwise the day-aligned window is fetched upstream and written back.
type CachedSource struct {
	next   Source
	cache  RedisCache
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewCachedSource(log *slog.Logger, next Source, cache RedisCache, ttl time.Duration) *CachedSource {
	if log == nil {
		log = slog.Default()
	}
	return &CachedSource{
		next:   next,
		cache:  cache,
		ttl:    ttl,
		prefix: "calsync:busy:",
		log:    log.With(slog.String("component", "calendar.cache")),
	}
}

func (c *CachedSource) Fetch(ctx context.Context, ref domain.CalendarRef, start, end time.Time) ([]domain.BusyInterval, error) {
	days := dayRange(start, end)
	keys := c.keys(ref, days)

	vals, err := c.cache.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.WarnContext(ctx, "cache read failed", slog.String("calendar_id", ref.ID.String()), slog.Any("err", err))
	} else if cached, ok := decodeDays(vals); ok {
		return clip(cached, start, end), nil
	}

	intervals, err := c.fill(ctx, ref, days)
	if err != nil {
		return nil, err
	}
	return clip(intervals, start, end), nil
}

func (c *CachedSource) Warm(ctx context.Context, ref domain.CalendarRef, start, end time.Time) error {
	_, err := c.fill(ctx, ref, dayRange(start, end))
	return err
}

func (c *CachedSource) Invalidate(ctx context.Context, ref domain.CalendarRef, start, end time.Time) error {
	return c.cache.Del(ctx, c.keys(ref, dayRange(start, end))...).Err()
}

func (c *CachedSource) fill(ctx context.Context, ref domain.CalendarRef, days []time.Time) ([]domain.BusyInterval, error) {
	if len(days) == 0 {
		return nil, nil
	}
	windowStart := days[0]
	windowEnd := days[len(days)-1].Add(day)

	intervals, err := c.next.Fetch(ctx, ref, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	buckets := make(map[int64][]domain.BusyInterval, len(days))
	for _, d := range days {
		buckets[d.Unix()] = []domain.BusyInterval{}
	}
	for _, iv := range intervals {
		for _, d := range dayRange(iv.Start, iv.End) {
			if _, ok := buckets[d.Unix()]; ok {
				buckets[d.Unix()] = append(buckets[d.Unix()], iv)
			}
		}
	}

	for _, d := range days {
		b, err := json.Marshal(buckets[d.Unix()])
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(ctx, c.key(ref, d), b, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "cache write failed", slog.String("calendar_id", ref.ID.String()), slog.Any("err", err))
			break
		}
	}
	return intervals, nil
}

func (c *CachedSource) key(ref domain.CalendarRef, d time.Time) string {
	return fmt.Sprintf("%s%s:%s", c.prefix, ref.ID, d.Format("2006-01-02"))
}

func (c *CachedSource) keys(ref domain.CalendarRef, days []time.Time) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, c.key(ref, d))
	}
	return out
}

// dayRange lists the UTC midnights of every day touched by [start, end).
func dayRange(start, end time.Time) []time.Time {
	if !end.After(start) {
		return nil
	}
	first := start.UTC().Truncate(day)
	var out []time.Time
	for d := first; d.Before(end); d = d.Add(day) {
		out = append(out, d)
	}
	return out
}

func decodeDays(vals []interface{}) ([]domain.BusyInterval, bool) {
	type intervalKey struct {
		start, end int64
		status     domain.BusyStatus
	}
	seen := make(map[intervalKey]struct{})
	var out []domain.BusyInterval
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		var bucket []domain.BusyInterval
		if err := json.Unmarshal([]byte(s), &bucket); err != nil {
			return nil, false
		}
		for _, iv := range bucket {
			k := intervalKey{start: iv.Start.UnixNano(), end: iv.End.UnixNano(), status: iv.Status}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, iv)
		}
	}
	return out, true
}

func clip(intervals []domain.BusyInterval, start, end time.Time) []domain.BusyInterval {
	out := make([]domain.BusyInterval, 0, len(intervals))
	for _, iv := range intervals {
		if iv.Overlaps(start, end) {
			out = append(out, iv)
		}
	}
	return out
}

// Package ratelimit enforces per-user request quotas over fixed minute and
// hour windows. Counters live in redis when available so every instance
// shares them, and in process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pdfbot/internal/models"
	"pdfbot/internal/redis"
)

type window struct {
	name   string
	length time.Duration
	limit  int
}

type counter struct {
	start time.Time
	count int
}

// Limiter counts requests per user.
type Limiter struct {
	client  *redis.Client
	windows []window
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	local  map[string]*counter
	sweeps int
}

// New returns a limiter. A nil client keeps the counters in memory; a limit
// of zero disables that window.
func New(client *redis.Client, perMinute, perHour int, logger zerolog.Logger) *Limiter {
	l := &Limiter{
		client: client,
		log:    logger,
		now:    time.Now,
		local:  make(map[string]*counter),
	}
	if perMinute > 0 {
		l.windows = append(l.windows, window{name: "minute", length: time.Minute, limit: perMinute})
	}
	if perHour > 0 {
		l.windows = append(l.windows, window{name: "hour", length: time.Hour, limit: perHour})
	}
	return l
}

// Allow counts one request for userID and returns a RateLimited error once a
// window is exhausted. The error says when the window reopens.
func (l *Limiter) Allow(ctx context.Context, userID int64) error {
	now := l.now()
	for _, w := range l.windows {
		n, retry, err := l.incr(ctx, userID, w, now)
		if err != nil {
			// redis trouble must not lock users out; fall back to memory
			l.log.Warn().Err(err).Str("window", w.name).Msg("rate limit counter unavailable")
			n, retry = l.incrLocal(userID, w, now)
		}
		if n > w.limit {
			return models.NewError(models.KindRateLimited,
				fmt.Sprintf("at most %d requests per %s, try again in %s", w.limit, w.name, roundRetry(retry)))
		}
	}
	return nil
}

func (l *Limiter) incr(ctx context.Context, userID int64, w window, now time.Time) (int, time.Duration, error) {
	if l.client == nil {
		n, retry := l.incrLocal(userID, w, now)
		return n, retry, nil
	}
	start := now.Truncate(w.length)
	key := fmt.Sprintf("pdfbot:ratelimit:%s:%d:%d", w.name, userID, start.Unix())
	n, err := l.client.IncrWindow(ctx, key, w.length)
	if err != nil {
		return 0, 0, err
	}
	retry := start.Add(w.length).Sub(now)
	if int(n) > w.limit {
		// the key expiry is authoritative when instances disagree on the clock
		if ttl, err := l.client.TTL(ctx, key); err == nil && ttl > 0 {
			retry = ttl
		}
	}
	return int(n), retry, nil
}

// incrLocal counts in memory and returns the count with the time left in the window.
func (l *Limiter) incrLocal(userID int64, w window, now time.Time) (int, time.Duration) {
	key := fmt.Sprintf("%s:%d", w.name, userID)
	start := now.Truncate(w.length)

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.local[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		l.local[key] = c
	}
	c.count++

	l.sweeps++
	if l.sweeps >= 1024 {
		l.sweeps = 0
		l.pruneLocked(now)
	}
	return c.count, c.start.Add(w.length).Sub(now)
}

func roundRetry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// pruneLocked forgets counters of windows that have ended.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, c := range l.local {
		if now.Sub(c.start) > time.Hour {
			delete(l.local, key)
		}
	}
}

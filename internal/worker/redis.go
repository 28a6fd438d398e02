package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pdfbot/internal/models"
	"pdfbot/internal/redis"
)

const (
	redisResetChannel = "pdfbot:worker:reset"
	redisStateTTL     = 30 * time.Minute
	redisOpTimeout    = 2 * time.Second
)

type resetMessage struct {
	UserID int64  `json:"user_id"`
	Origin string `json:"origin"`
}

// stateRedis mirrors session snapshots so any instance can answer status
// queries, and fans out admin resets to the instance owning the user.
type stateRedis struct {
	client *redis.Client
	log    zerolog.Logger
}

func newStateCache(client *redis.Client, log zerolog.Logger) *stateRedis {
	return &stateRedis{client: client, log: log}
}

const snapshotPattern = "pdfbot:session:*"

func snapshotKey(userID int64) string {
	return fmt.Sprintf("pdfbot:session:%d", userID)
}

// startListener redis listener using sub chan, until ctx is done
func (r *stateRedis) startListener(ctx context.Context, handler func(resetMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	pubsub := raw.Subscribe(ctx, redisResetChannel)
	go func() {
		<-ctx.Done()
		pubsub.Close()
	}()
	go func() {
		// use sub chan to receive msg
		for msg := range pubsub.Channel() {
			var m resetMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.Warn().Err(err).Msg("decode reset message")
				continue
			}
			handler(m)
		}
	}()
}

// publishReset broadcast a reset to every instance
func (r *stateRedis) publishReset(msg resetMessage) {
	if r == nil || r.client == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.log.Warn().Err(err).Msg("marshal reset message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := raw.Publish(ctx, redisResetChannel, payload).Err(); err != nil {
		r.log.Warn().Err(err).Int64("user_id", msg.UserID).Msg("publish reset")
	}
}

func (r *stateRedis) saveSnapshot(snap models.SessionSnapshot) {
	if r == nil || r.client == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		r.log.Warn().Err(err).Msg("marshal session snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Set(ctx, snapshotKey(snap.UserID), data, redisStateTTL); err != nil {
		r.log.Warn().Err(err).Int64("user_id", snap.UserID).Msg("mirror session snapshot")
	}
}

func (r *stateRedis) loadSnapshot(ctx context.Context, userID int64) (models.SessionSnapshot, bool) {
	var snap models.SessionSnapshot
	if r == nil || r.client == nil {
		return snap, false
	}
	raw, err := r.client.Get(ctx, snapshotKey(userID))
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			r.log.Warn().Err(err).Int64("user_id", userID).Msg("load session snapshot")
		}
		return snap, false
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("decode session snapshot")
		return snap, false
	}
	if snap.UserID != userID {
		return snap, false
	}
	return snap, true
}

// countSnapshots counts the sessions mirrored by every instance.
func (r *stateRedis) countSnapshots(ctx context.Context) (int, bool) {
	if r == nil || r.client == nil {
		return 0, false
	}
	keys, err := r.client.Keys(ctx, snapshotPattern)
	if err != nil {
		r.log.Warn().Err(err).Msg("count mirrored sessions")
		return 0, false
	}
	return len(keys), true
}

func (r *stateRedis) deleteSnapshot(userID int64) {
	if r == nil || r.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := r.client.Del(ctx, snapshotKey(userID)); err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		r.log.Warn().Err(err).Int64("user_id", userID).Msg("delete session snapshot")
	}
}

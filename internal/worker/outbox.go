package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pdfbot/internal/models"
)

const defaultOutboxLimit = 64

// Notifier receives replies that are not an answer to a pending request:
// finished operations, expirations and admin resets.
type Notifier interface {
	Notify(reply *models.OutboundReply)
}

type queuedReply struct {
	reply *models.OutboundReply
	at    time.Time
}

// waiter is shared by every poller of one user.
type waiter struct {
	ch      chan struct{}
	pollers int
}

// Outbox keeps undelivered replies per user until the front end polls them.
// When a user's box is full the oldest text-only reply is dropped; replies
// carrying files are never dropped for space because they own artifacts.
// Every reply older than maxAge is dropped, since its artifacts are gone by then.
type Outbox struct {
	mu     sync.Mutex
	limit  int
	maxAge time.Duration
	now    func() time.Time
	boxes  map[int64][]queuedReply
	wake   map[int64]*waiter
}

// NewOutbox creates an outbox. A maxAge of zero keeps replies until drained.
func NewOutbox(limit int, maxAge time.Duration) *Outbox {
	if limit <= 0 {
		limit = defaultOutboxLimit
	}
	return &Outbox{
		limit:  limit,
		maxAge: maxAge,
		now:    time.Now,
		boxes:  make(map[int64][]queuedReply),
		wake:   make(map[int64]*waiter),
	}
}

func (o *Outbox) Notify(reply *models.OutboundReply) {
	if reply == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	box := append(o.liveLocked(reply.UserID), queuedReply{reply: reply, at: o.now()})
	if len(box) > o.limit {
		for i, q := range box {
			if len(q.reply.Files) == 0 {
				box = append(box[:i], box[i+1:]...)
				break
			}
		}
	}
	o.boxes[reply.UserID] = box
	if w, ok := o.wake[reply.UserID]; ok {
		close(w.ch)
		delete(o.wake, reply.UserID)
	}
}

// Drain returns and forgets the pending replies of userID.
func (o *Outbox) Drain(userID int64) []*models.OutboundReply {
	o.mu.Lock()
	defer o.mu.Unlock()
	box := o.liveLocked(userID)
	delete(o.boxes, userID)
	if len(box) == 0 {
		return nil
	}
	replies := make([]*models.OutboundReply, len(box))
	for i, q := range box {
		replies[i] = q.reply
	}
	return replies
}

// Wait blocks until userID has pending replies or ctx ends. It reports
// whether replies are pending.
func (o *Outbox) Wait(ctx context.Context, userID int64) bool {
	o.mu.Lock()
	if len(o.liveLocked(userID)) > 0 {
		o.mu.Unlock()
		return true
	}
	w, ok := o.wake[userID]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		o.wake[userID] = w
	}
	w.pollers++
	o.mu.Unlock()

	select {
	case <-w.ch:
		return true
	case <-ctx.Done():
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.wake[userID]; ok && cur == w {
		w.pollers--
		if w.pollers == 0 {
			delete(o.wake, userID)
		}
	}
	return false
}

// Pending returns the number of replies waiting for userID.
func (o *Outbox) Pending(userID int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.liveLocked(userID))
}

// Expire drops every reply older than maxAge and returns how many went.
func (o *Outbox) Expire() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := 0
	for userID, box := range o.boxes {
		live := o.liveLocked(userID)
		dropped += len(box) - len(live)
	}
	return dropped
}

// StartExpiry runs Expire every interval until ctx is cancelled.
func (o *Outbox) StartExpiry(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	if o.maxAge <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := o.Expire(); n > 0 {
					logger.Info().Int("dropped", n).Msg("expired undelivered replies")
				}
			}
		}
	}()
}

// liveLocked trims the expired head of userID's box and returns the rest.
// Replies are queued in arrival order, so the expired ones form a prefix.
func (o *Outbox) liveLocked(userID int64) []queuedReply {
	box := o.boxes[userID]
	if o.maxAge > 0 {
		cutoff := o.now().Add(-o.maxAge)
		i := 0
		for i < len(box) && box[i].at.Before(cutoff) {
			i++
		}
		box = box[i:]
	}
	if len(box) == 0 {
		delete(o.boxes, userID)
		return nil
	}
	o.boxes[userID] = box
	return box
}

package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pdfbot/internal/models"
	"pdfbot/internal/service/dispatch"
	"pdfbot/internal/session"
)

type envelope struct {
	ctx   context.Context
	event *models.InboundEvent
	reply chan []*models.OutboundReply
	// blocking envelopes are always answered; the caller is holding an upload body
	blocking bool
}

type taskResult struct {
	generation uint64
	result     dispatch.Result
}

// userState is the goroutine that owns one user's session machine. Every
// field below the channels is only touched by run, except where noted.
type userState struct {
	userID  int64
	manager *Manager
	machine *session.Machine

	events  chan envelope
	results chan taskResult
	resetCh chan struct{}
	done    chan struct{}

	busy       bool // a dispatch has not returned yet
	reserved   bool // Admit took a slot that start has not consumed
	generation uint64
	cancelJob  context.CancelFunc

	snap atomic.Pointer[models.SessionSnapshot]

	mu     sync.Mutex // guards closed and sends on results
	closed bool
}

func newUserState(userID int64, m *Manager) (*userState, error) {
	u := &userState{
		userID:  userID,
		manager: m,
		events:  make(chan envelope, queueLen),
		results: make(chan taskResult, 1),
		resetCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	cfg := m.sessionCfg
	cfg.Admit = u.admit
	machine, err := session.NewMachine(userID, cfg)
	if err != nil {
		return nil, err
	}
	u.machine = machine
	snap := machine.Snapshot()
	u.snap.Store(&snap)
	return u, nil
}

func (u *userState) run() {
	defer u.shutdown()
	timer := time.NewTimer(u.manager.idleTimeout)
	defer timer.Stop()
	for {
		select {
		case env := <-u.events:
			u.handle(env)
		case res := <-u.results:
			u.complete(res)
		case <-u.resetCh:
			u.reset()
		case <-timer.C:
			if u.onIdle() {
				return
			}
		case <-u.manager.quit:
			return
		}
		timer.Reset(u.manager.idleTimeout)
	}
}

func (u *userState) handle(env envelope) {
	ctx := env.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	var replies []*models.OutboundReply
	// the timer may not have fired yet when the user comes back late
	if u.machine.Expired(u.manager.now(), u.manager.idleTimeout) {
		replies = append(replies, u.machine.Timeout().Replies...)
	}
	wasProcessing := u.machine.Stage() == models.StageProcessing

	step := u.machine.Handle(ctx, env.event)
	replies = append(replies, step.Replies...)
	if step.Dispatch != nil {
		replies = append(replies, u.start(*step.Dispatch)...)
	} else if u.reserved {
		u.manager.releaseSlot()
	}
	u.reserved = false

	if wasProcessing && u.machine.Stage() != models.StageProcessing {
		u.abort()
	}
	u.publish()
	u.respond(env, replies)
}

// admit is the session's admission hook. It runs on the user goroutine.
func (u *userState) admit(int64) error {
	if u.busy {
		return models.NewError(models.KindSessionBusy, "your previous operation is still finishing")
	}
	if u.reserved {
		return nil
	}
	if !u.manager.acquireSlot() {
		return models.NewError(models.KindSystemOverloaded,
			fmt.Sprintf("%d operations are already running", u.manager.maxConcurrent))
	}
	u.reserved = true
	return nil
}

// start hands an admitted job to the dispatcher. The slot reserved by admit
// is released when the job returns.
func (u *userState) start(job dispatch.Job) []*models.OutboundReply {
	u.generation++
	ctx, cancel := context.WithCancel(context.Background())
	task := &dispatchTask{ctx: ctx, job: job, generation: u.generation, owner: u}
	if err := u.manager.dispatcher.Submit(Job{Type: Run, Task: task}); err != nil {
		cancel()
		u.manager.releaseSlot()
		u.manager.releaseInputs(job.Files)
		step, _ := u.machine.Complete(dispatch.Result{
			Err: models.WrapError(models.KindSystemOverloaded, "job queue is full", err),
		})
		return step.Replies
	}
	u.busy = true
	u.cancelJob = cancel
	return nil
}

// abort cancels the running job. busy stays set until its result comes back.
func (u *userState) abort() {
	if u.cancelJob != nil {
		u.cancelJob()
	}
}

func (u *userState) complete(res taskResult) {
	defer u.publish()
	u.busy = false
	if u.cancelJob != nil {
		u.cancelJob()
		u.cancelJob = nil
	}
	if res.generation != u.generation {
		u.manager.discard(u.userID, res.result)
		return
	}
	step, ok := u.machine.Complete(res.result)
	if !ok {
		// cancelled while running; the user already got the cancel reply
		u.manager.discard(u.userID, res.result)
		return
	}
	u.manager.notifyAll(step.Replies)
}

// deliver hands a job result to the run loop. It reports false when the user
// goroutine is gone and the caller keeps ownership of the artifacts.
func (u *userState) deliver(res taskResult) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return false
	}
	select {
	case u.results <- res:
		return true
	default:
		return false
	}
}

func (u *userState) reset() {
	wasProcessing := u.machine.Stage() == models.StageProcessing
	step := u.machine.Cancel()
	if wasProcessing {
		u.abort()
	}
	for _, r := range step.Replies {
		r.Key = "session.reset"
		r.Text = "Your session was reset by an administrator. Your files were deleted."
	}
	u.publish()
	u.manager.notifyAll(step.Replies)
}

// onIdle expires a waiting session, or retires the goroutine of an idle user.
func (u *userState) onIdle() bool {
	if u.machine.Expired(u.manager.now(), u.manager.idleTimeout) {
		step := u.machine.Timeout()
		u.publish()
		u.manager.notifyAll(step.Replies)
		return false
	}
	if u.machine.Stage() != models.StageIdle || u.busy {
		return false
	}
	return u.manager.retire(u)
}

func (u *userState) respond(env envelope, replies []*models.OutboundReply) {
	switch {
	case env.reply == nil:
		u.manager.notifyAll(replies)
	case env.blocking:
		env.reply <- replies
	default:
		ctx := env.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		select {
		case env.reply <- replies:
		case <-ctx.Done():
			u.manager.notifyAll(replies)
		}
	}
}

func (u *userState) publish() {
	snap := u.machine.Snapshot()
	snap.Dispatching = u.busy
	u.snap.Store(&snap)
	u.manager.mirror.saveSnapshot(snap)
}

func (u *userState) shutdown() {
	u.mu.Lock()
	u.closed = true
	select {
	case res := <-u.results:
		u.manager.discard(u.userID, res.result)
	default:
	}
	u.mu.Unlock()

	u.abort()
	u.machine.Close()
	for {
		select {
		case env := <-u.events:
			u.respond(env, []*models.OutboundReply{{
				UserID: u.userID,
				Key:    "service.stopping",
				Text:   "The service is restarting. Please send that again in a moment.",
				Stage:  models.StageIdle,
			}})
			continue
		default:
		}
		break
	}
	u.manager.dropSnapshot(u)
	close(u.done)
}

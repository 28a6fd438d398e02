package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pdfbot/internal/models"
	"pdfbot/internal/redis"
	"pdfbot/internal/service/dispatch"
	"pdfbot/internal/session"
)

const queueLen = 16

// ErrManagerClosed is returned for events that arrive after Shutdown.
var ErrManagerClosed = errors.New("worker manager closed")

// Executor runs one admitted job. *dispatch.Dispatcher implements it.
type Executor interface {
	Dispatch(ctx context.Context, job dispatch.Job) dispatch.Result
}

// FileStore is the part of the file manager the workers need.
type FileStore interface {
	session.FileStore
	ReleaseArtifacts(artifacts []*models.ResultArtifact) error
}

// Limiter throttles inbound requests per user.
type Limiter interface {
	Allow(ctx context.Context, userID int64) error
}

type DispatcherConfig struct {
	MinWorkers int
	MaxWorkers int
	QueueSize  int
	WorkerIdle time.Duration
	// MaxConcurrent caps dispatches in flight across all users.
	MaxConcurrent int
	// SessionIdle resets sessions waiting for input longer than this.
	SessionIdle time.Duration
}

type Dependencies struct {
	Executor Executor
	Files    FileStore
	// Session is the template for every user's machine. Admit is replaced.
	Session  session.Config
	Notifier Notifier
	Limiter  Limiter
	Redis    *redis.Client
	Logger   zerolog.Logger
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Users       int   `json:"users"`
	InFlight    int64 `json:"in_flight"`
	Pending     int   `json:"pending"`
	Workers     int   `json:"workers"`
	IdleWorkers int   `json:"idle_workers"`
}

// Manager routes events to per-user goroutines and runs their jobs on the
// shared pool.
type Manager struct {
	executor      Executor
	files         FileStore
	sessionCfg    session.Config
	notifier      Notifier
	limiter       Limiter
	mirror        *stateRedis
	dispatcher    *Dispatcher
	log           zerolog.Logger
	now           func() time.Time
	idleTimeout   time.Duration
	maxConcurrent int64
	instanceID    string

	inflight atomic.Int64

	mu     sync.Mutex
	users  map[int64]*userState
	closed bool
	quit   chan struct{}

	stopListener context.CancelFunc
}

func NewManager(deps Dependencies, cfg DispatcherConfig) (*Manager, error) {
	if deps.Executor == nil || deps.Files == nil {
		return nil, errors.New("executor and file store are required")
	}
	if deps.Session.Registry == nil {
		return nil, errors.New("session registry is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxWorkers < cfg.MaxConcurrent {
		cfg.MaxWorkers = cfg.MaxConcurrent
	}
	// every admitted job must fit in the queue, Submit never fails in practice
	if cfg.QueueSize < cfg.MaxConcurrent {
		cfg.QueueSize = cfg.MaxConcurrent
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = 15 * time.Minute
	}
	if deps.Session.Files == nil {
		deps.Session.Files = deps.Files
	}
	if deps.Session.Now == nil {
		deps.Session.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = NewOutbox(0, 0)
	}

	m := &Manager{
		executor:      deps.Executor,
		files:         deps.Files,
		sessionCfg:    deps.Session,
		notifier:      deps.Notifier,
		limiter:       deps.Limiter,
		log:           deps.Logger,
		now:           deps.Session.Now,
		idleTimeout:   cfg.SessionIdle,
		maxConcurrent: int64(cfg.MaxConcurrent),
		instanceID:    uuid.NewString(),
		users:         make(map[int64]*userState),
		quit:          make(chan struct{}),
	}
	if deps.Redis != nil {
		m.mirror = newStateCache(deps.Redis, deps.Logger)
		ctx, cancel := context.WithCancel(context.Background())
		m.stopListener = cancel
		m.mirror.startListener(ctx, m.onRemoteReset)
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.WorkerIdle)
	return m, nil
}

// Handle queues event on its user's goroutine and waits for the replies it
// produced. Replies produced later (results, expirations) go to the notifier.
func (m *Manager) Handle(ctx context.Context, event *models.InboundEvent) ([]*models.OutboundReply, error) {
	if event == nil {
		return nil, errors.New("event required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = m.now()
	}
	if m.limiter != nil && countsTowardLimit(event) {
		if err := m.limiter.Allow(ctx, event.UserID); err != nil {
			return nil, err
		}
	}

	env := envelope{ctx: ctx, event: event}
	if event.File != nil {
		env.blocking = true
		env.reply = make(chan []*models.OutboundReply, 1)
	} else {
		env.reply = make(chan []*models.OutboundReply)
	}

	if err := m.enqueue(event.UserID, env); err != nil {
		return nil, err
	}
	if env.blocking {
		return <-env.reply, nil
	}
	select {
	case replies := <-env.reply:
		return replies, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func countsTowardLimit(event *models.InboundEvent) bool {
	return event.Kind == models.EventFile || event.Kind == models.EventCommand
}

func (m *Manager) enqueue(userID int64, env envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	u, err := m.ensureLocked(userID)
	if err != nil {
		return err
	}
	select {
	case u.events <- env:
		return nil
	default:
		return models.NewError(models.KindSessionBusy, "too many pending messages")
	}
}

func (m *Manager) ensureLocked(userID int64) (*userState, error) {
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	u, err := newUserState(userID, m)
	if err != nil {
		return nil, err
	}
	m.users[userID] = u
	go u.run()
	return u, nil
}

func (m *Manager) getState(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID]
}

// retire forgets an idle user unless new events raced in.
func (m *Manager) retire(u *userState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(u.events) > 0 || m.users[u.userID] != u {
		return false
	}
	delete(m.users, u.userID)
	debugLog(m.log).Int64("user_id", u.userID).Msg("retire idle user")
	return true
}

// dropSnapshot removes the mirrored snapshot of a stopped user, unless a newer
// goroutine already serves that user.
func (m *Manager) dropSnapshot(u *userState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.users[u.userID]; ok && cur != u {
		return
	}
	m.mirror.deleteSnapshot(u.userID)
}

// Snapshot returns the session state of userID, from this instance or the
// redis mirror.
func (m *Manager) Snapshot(ctx context.Context, userID int64) (models.SessionSnapshot, bool) {
	if u := m.getState(userID); u != nil {
		if snap := u.snap.Load(); snap != nil {
			return *snap, true
		}
	}
	return m.mirror.loadSnapshot(ctx, userID)
}

// MirroredSessions counts the session snapshots held in redis across all
// instances. It reports false when redis is not in use.
func (m *Manager) MirroredSessions(ctx context.Context) (int, bool) {
	return m.mirror.countSnapshots(ctx)
}

// Reset cancels the session of userID wherever it lives. It reports whether
// this instance held the user.
func (m *Manager) Reset(userID int64) bool {
	local := m.resetLocal(userID)
	m.mirror.publishReset(resetMessage{UserID: userID, Origin: m.instanceID})
	return local
}

func (m *Manager) resetLocal(userID int64) bool {
	u := m.getState(userID)
	if u == nil {
		return false
	}
	select {
	case u.resetCh <- struct{}{}:
	default:
		// a reset is already pending
	}
	return true
}

func (m *Manager) onRemoteReset(msg resetMessage) {
	if msg.Origin == m.instanceID {
		return
	}
	if m.resetLocal(msg.UserID) {
		m.log.Info().Int64("user_id", msg.UserID).Msg("session reset from another instance")
	}
}

// Stats reports users, dispatches and pool size.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	users := len(m.users)
	m.mu.Unlock()
	workers, idle := m.dispatcher.pool.size()
	return Stats{
		Users:       users,
		InFlight:    m.inflight.Load(),
		Pending:     m.dispatcher.pending(),
		Workers:     workers,
		IdleWorkers: idle,
	}
}

// Shutdown stops every user goroutine, cancels running jobs and waits for the
// pool to drain or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	users := make([]*userState, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	close(m.quit)
	m.mu.Unlock()

	if m.stopListener != nil {
		m.stopListener()
	}
	for _, u := range users {
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	stopped := make(chan struct{})
	go func() {
		m.dispatcher.stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) acquireSlot() bool {
	for {
		cur := m.inflight.Load()
		if cur >= m.maxConcurrent {
			return false
		}
		if m.inflight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (m *Manager) releaseSlot() {
	m.inflight.Add(-1)
}

// runTask executes a job on a pool worker and routes the result back.
func (m *Manager) runTask(task *dispatchTask) {
	res := m.executor.Dispatch(task.ctx, task.job)
	m.finishTask(task, res)
}

// abandonTask finishes a job that never reached a worker. The executor still
// runs so the inputs are released, but with a cancelled context.
func (m *Manager) abandonTask(task *dispatchTask) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := m.executor.Dispatch(ctx, task.job)
	m.finishTask(task, res)
}

func (m *Manager) finishTask(task *dispatchTask, res dispatch.Result) {
	m.releaseSlot()
	if task.owner == nil || !task.owner.deliver(taskResult{generation: task.generation, result: res}) {
		m.discard(task.job.UserID, res)
	}
}

// discard releases the artifacts of a result nobody will receive.
func (m *Manager) discard(userID int64, res dispatch.Result) {
	if len(res.Artifacts) == 0 {
		return
	}
	if err := m.files.ReleaseArtifacts(res.Artifacts); err != nil {
		m.log.Warn().Err(err).Int64("user_id", userID).Msg("release undelivered artifacts")
		return
	}
	debugLog(m.log).Int64("user_id", userID).Int("artifacts", len(res.Artifacts)).Msg("late result discarded")
}

func (m *Manager) releaseInputs(files []*models.StagedFile) {
	if err := m.files.ReleaseAll(files); err != nil {
		m.log.Warn().Err(err).Msg("release job inputs")
	}
}

func (m *Manager) notifyAll(replies []*models.OutboundReply) {
	for _, r := range replies {
		m.notifier.Notify(r)
	}
}

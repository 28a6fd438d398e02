package worker

import (
	"bytes"
	"container/list"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pdfbot/internal/capability"
	"pdfbot/internal/capability/captest"
	"pdfbot/internal/files"
	"pdfbot/internal/logging"
	"pdfbot/internal/models"
	"pdfbot/internal/operations"
	"pdfbot/internal/service/dispatch"
	"pdfbot/internal/session"
)

type chanNotifier struct {
	ch chan *models.OutboundReply
}

func (n *chanNotifier) Notify(r *models.OutboundReply) {
	n.ch <- r
}

type fixture struct {
	t     *testing.T
	files *files.Manager
	mgr   *Manager
	notes *chanNotifier
}

type fixtureOptions struct {
	caps    *operations.Capabilities
	cfg     DispatcherConfig
	limiter Limiter
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	tk := capability.NewToolkit(logging.Nop())
	fm, err := files.NewManager(t.TempDir(), files.Limits{MaxFileSize: 10 << 20, MaxPages: 100}, tk, logging.Nop())
	if err != nil {
		t.Fatalf("file manager: %v", err)
	}
	caps := tk.Capabilities()
	if opts.caps != nil {
		caps = *opts.caps
	}
	reg, err := operations.NewDefaultRegistry(caps, operations.CatalogOptions{MaxFiles: 5})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := opts.cfg
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.SessionIdle == 0 {
		cfg.SessionIdle = time.Minute
	}
	notes := &chanNotifier{ch: make(chan *models.OutboundReply, 64)}
	mgr, err := NewManager(Dependencies{
		Executor: dispatch.NewDispatcher(reg, fm, nil, 100, logging.Nop()),
		Files:    fm,
		Session: session.Config{
			Registry:           reg,
			MaxPages:           100,
			MaxInvalidAttempts: 3,
			Logger:             logging.Nop(),
		},
		Notifier: notes,
		Limiter:  opts.limiter,
		Logger:   logging.Nop(),
	}, cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return &fixture{t: t, files: fm, mgr: mgr, notes: notes}
}

func (f *fixture) send(userID int64, kind models.EventKind, payload string) []*models.OutboundReply {
	f.t.Helper()
	replies, err := f.mgr.Handle(context.Background(), &models.InboundEvent{UserID: userID, Kind: kind, Payload: payload})
	if err != nil {
		f.t.Fatalf("handle %s %q: %v", kind, payload, err)
	}
	return replies
}

func (f *fixture) upload(userID int64, name string, labels ...string) []*models.OutboundReply {
	f.t.Helper()
	data := captest.PDF(labels...)
	replies, err := f.mgr.Handle(context.Background(), &models.InboundEvent{
		UserID: userID,
		Kind:   models.EventFile,
		File:   &models.FileUpload{Name: name, Size: int64(len(data)), Kind: models.KindPDF, Body: bytes.NewReader(data)},
	})
	if err != nil {
		f.t.Fatalf("upload %s: %v", name, err)
	}
	return replies
}

func (f *fixture) waitNote(key string) *models.OutboundReply {
	f.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-f.notes.ch:
			if r.Key == key {
				return r
			}
		case <-timeout:
			f.t.Fatalf("no %s notification", key)
			return nil
		}
	}
}

func (f *fixture) storedFiles() int {
	f.t.Helper()
	n := 0
	err := filepath.WalkDir(f.files.Root(), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		f.t.Fatalf("walk storage: %v", err)
	}
	return n
}

func (f *fixture) stage(userID int64) models.Stage {
	f.t.Helper()
	snap, ok := f.mgr.Snapshot(context.Background(), userID)
	if !ok {
		f.t.Fatalf("no snapshot for user %d", userID)
	}
	return snap.Stage
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastKey(replies []*models.OutboundReply) string {
	if len(replies) == 0 {
		return ""
	}
	return replies[len(replies)-1].Key
}

// gatedCompress blocks inside the capability until gate is closed.
func gatedCompress(started chan<- struct{}, gate <-chan struct{}) *operations.Capabilities {
	caps := capability.NewToolkit(logging.Nop()).Capabilities()
	caps.Compress = operations.CapabilityFunc(func(_ context.Context, _ []*models.StagedFile, _ models.Params, dir string) ([]models.ProducedFile, error) {
		started <- struct{}{}
		<-gate
		out := filepath.Join(dir, "out.pdf")
		if err := os.WriteFile(out, captest.PDF("x"), 0o644); err != nil {
			return nil, err
		}
		return []models.ProducedFile{{Path: out, Name: "out.pdf", Kind: models.KindPDF}}, nil
	})
	return &caps
}

func TestManagerMergeDeliversResult(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(1, models.EventCallback, "op:merge")
	f.upload(1, "a.pdf", "A")
	f.upload(1, "b.pdf", "B")
	replies := f.send(1, models.EventCallback, "files:done")
	if lastKey(replies) != "processing.started" {
		t.Fatalf("expected processing to start, got %+v", replies)
	}

	r := f.waitNote("result.ready")
	if len(r.Files) != 1 || r.Files[0].Kind != models.KindPDF {
		t.Fatalf("unexpected result files %+v", r.Files)
	}
	waitFor(t, "idle session", func() bool { return f.stage(1) == models.StageIdle })
	if n := f.storedFiles(); n != 1 {
		t.Fatalf("expected only the artifact on disk, found %d", n)
	}
	if err := f.files.ReleaseArtifacts(r.Files); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected empty storage, found %d", n)
	}
}

func TestManagerCancelDuringProcessingDropsLateResult(t *testing.T) {
	started := make(chan struct{}, 4)
	gate := make(chan struct{})
	f := newFixture(t, fixtureOptions{caps: gatedCompress(started, gate)})

	f.send(2, models.EventCallback, "op:compress")
	if got := lastKey(f.upload(2, "doc.pdf", "x")); got != "processing.started" {
		t.Fatalf("expected dispatch after single upload, got %s", got)
	}
	<-started

	if got := lastKey(f.send(2, models.EventText, "cancel")); got != "session.cancelled" {
		t.Fatalf("expected cancel reply, got %s", got)
	}
	if st := f.stage(2); st != models.StageIdle {
		t.Fatalf("expected idle after cancel, got %s", st)
	}

	// the old job still runs, a new dispatch must wait for it
	f.send(2, models.EventCallback, "op:compress")
	replies := f.upload(2, "again.pdf", "y")
	if r := replies[len(replies)-1]; r.ErrorKind != models.KindSessionBusy {
		t.Fatalf("expected SessionBusy while the cancelled job runs, got %+v", r)
	}
	if st := f.stage(2); st != models.StageAwaitingParameters {
		t.Fatalf("expected awaiting_parameters, got %s", st)
	}

	close(gate)
	waitFor(t, "cancelled job to return", func() bool {
		snap, _ := f.mgr.Snapshot(context.Background(), 2)
		return f.mgr.Stats().InFlight == 0 && !snap.Dispatching
	})
	// only the new upload is left; the late output was released
	if n := f.storedFiles(); n != 1 {
		t.Fatalf("expected one staged file, found %d", n)
	}
	select {
	case r := <-f.notes.ch:
		if r.Key == "result.ready" {
			t.Fatalf("late result was delivered: %+v", r)
		}
	default:
	}

	if got := lastKey(f.send(2, models.EventText, "process")); got != "processing.started" {
		t.Fatalf("expected retry to dispatch, got %s", got)
	}
	r := f.waitNote("result.ready")
	if err := f.files.ReleaseArtifacts(r.Files); err != nil {
		t.Fatalf("release: %v", err)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected empty storage, found %d", n)
	}
}

func TestManagerOverloadKeepsSessionForRetry(t *testing.T) {
	started := make(chan struct{}, 4)
	gate := make(chan struct{})
	f := newFixture(t, fixtureOptions{caps: gatedCompress(started, gate), cfg: DispatcherConfig{MaxConcurrent: 1}})

	f.send(10, models.EventCallback, "op:compress")
	f.upload(10, "a.pdf", "a")
	<-started

	f.send(11, models.EventCallback, "op:compress")
	replies := f.upload(11, "b.pdf", "b")
	r := replies[len(replies)-1]
	if r.ErrorKind != models.KindSystemOverloaded {
		t.Fatalf("expected SystemOverloaded, got %+v", r)
	}
	if st := f.stage(11); st != models.StageAwaitingParameters {
		t.Fatalf("overloaded session must keep waiting, got %s", st)
	}

	close(gate)
	first := f.waitNote("result.ready")
	if first.UserID != 10 {
		t.Fatalf("unexpected result owner %d", first.UserID)
	}
	waitFor(t, "slot to free", func() bool { return f.mgr.Stats().InFlight == 0 })

	if got := lastKey(f.send(11, models.EventCallback, "process")); got != "processing.started" {
		t.Fatalf("expected retry to dispatch, got %s", got)
	}
	second := f.waitNote("result.ready")
	if second.UserID != 11 {
		t.Fatalf("unexpected result owner %d", second.UserID)
	}
}

func TestManagerThreeInvalidAnglesCancel(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(3, models.EventCallback, "op:rotate")
	f.upload(3, "doc.pdf", "a", "b")
	f.send(3, models.EventText, "45")
	f.send(3, models.EventText, "abc")
	replies := f.send(3, models.EventText, "-90")
	r := replies[len(replies)-1]
	if r.Key != "session.too_many_attempts" || r.ErrorKind != models.KindInvalidParameter {
		t.Fatalf("expected auto-cancel, got %+v", r)
	}
	if st := f.stage(3); st != models.StageIdle {
		t.Fatalf("expected idle, got %s", st)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected staged file released, found %d", n)
	}
}

func TestManagerIdleTimeoutReleasesFiles(t *testing.T) {
	f := newFixture(t, fixtureOptions{cfg: DispatcherConfig{SessionIdle: 200 * time.Millisecond}})
	f.send(4, models.EventCallback, "op:merge")
	f.upload(4, "a.pdf", "a")
	if n := f.storedFiles(); n != 1 {
		t.Fatalf("expected staged file, found %d", n)
	}

	r := f.waitNote("session.expired")
	if r.Stage != models.StageIdle {
		t.Fatalf("expected idle stage in expiry reply, got %s", r.Stage)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected storage empty after expiry, found %d", n)
	}
	// the goroutine of an idle user retires on the next tick
	waitFor(t, "user retirement", func() bool { return f.mgr.Stats().Users == 0 })
}

// blockingReader parks the first Read until release is closed.
type blockingReader struct {
	entered chan struct{}
	release chan struct{}
	r       io.Reader
}

func (b *blockingReader) Read(p []byte) (int, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.r.Read(p)
}

func TestManagerFullQueueIsBusy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(5, models.EventCallback, "op:merge")

	data := captest.PDF("a")
	body := &blockingReader{entered: make(chan struct{}, 1), release: make(chan struct{}), r: bytes.NewReader(data)}
	uploaded := make(chan error, 1)
	go func() {
		_, err := f.mgr.Handle(context.Background(), &models.InboundEvent{
			UserID: 5,
			Kind:   models.EventFile,
			File:   &models.FileUpload{Name: "slow.pdf", Size: int64(len(data)), Kind: models.KindPDF, Body: body},
		})
		uploaded <- err
	}()
	<-body.entered

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < queueLen; i++ {
		if _, err := f.mgr.Handle(gone, &models.InboundEvent{UserID: 5, Kind: models.EventText, Payload: "hi"}); !errors.Is(err, context.Canceled) {
			t.Fatalf("event %d: expected caller to give up, got %v", i, err)
		}
	}
	_, err := f.mgr.Handle(context.Background(), &models.InboundEvent{UserID: 5, Kind: models.EventText, Payload: "hi"})
	if !errors.Is(err, models.ErrSessionBusy) {
		t.Fatalf("expected SessionBusy on full queue, got %v", err)
	}

	close(body.release)
	if err := <-uploaded; err != nil {
		t.Fatalf("slow upload: %v", err)
	}
}

type denyCommands struct{}

func (denyCommands) Allow(context.Context, int64) error {
	return models.NewError(models.KindRateLimited, "1 per minute")
}

func TestManagerRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOptions{limiter: denyCommands{}})
	if _, err := f.mgr.Handle(context.Background(), &models.InboundEvent{UserID: 6, Kind: models.EventCommand, Payload: "/merge"}); !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	// button presses are not counted
	if got := lastKey(f.send(6, models.EventCallback, "op:merge")); got != "files.prompt" {
		t.Fatalf("expected file prompt, got %s", got)
	}
}

func TestManagerResetReleasesFiles(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(7, models.EventCallback, "op:merge")
	f.upload(7, "a.pdf", "a")
	if !f.mgr.Reset(7) {
		t.Fatalf("expected local user")
	}
	f.waitNote("session.reset")
	if st := f.stage(7); st != models.StageIdle {
		t.Fatalf("expected idle after reset, got %s", st)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected storage empty after reset, found %d", n)
	}
	if f.mgr.Reset(999) {
		t.Fatalf("unknown user reported as local")
	}
}

func TestManagerShutdownReleasesEverything(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.send(8, models.EventCallback, "op:merge")
	f.upload(8, "a.pdf", "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := f.storedFiles(); n != 0 {
		t.Fatalf("expected storage empty after shutdown, found %d", n)
	}
	if _, err := f.mgr.Handle(context.Background(), &models.InboundEvent{UserID: 8, Kind: models.EventText, Payload: "hi"}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

func TestDispatcherJobOrder(t *testing.T) {
	d := &Dispatcher{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	job := func(userID int64, gen uint64) Job {
		return Job{Type: Run, Task: &dispatchTask{job: dispatch.Job{UserID: userID}, generation: gen}}
	}
	d.enqueueJob(job(1, 1))
	d.enqueueJob(job(1, 2))
	d.enqueueJob(job(1, 3))
	d.enqueueJob(job(2, 1))
	d.enqueueJob(job(3, 1))

	want := []struct {
		user int64
		gen  uint64
	}{{1, 1}, {2, 1}, {3, 1}, {1, 2}, {1, 3}}
	for i, w := range want {
		got, ok := d.dequeue()
		if !ok {
			t.Fatalf("step %d: queue empty", i)
		}
		if got.userID() != w.user || got.Task.generation != w.gen {
			t.Fatalf("step %d: want user %d job %d, got user %d job %d", i, w.user, w.gen, got.userID(), got.Task.generation)
		}
	}
	if _, ok := d.dequeue(); ok {
		t.Fatalf("expected empty queue")
	}
}

func TestPoolSpawnsUpToMaxAndRetires(t *testing.T) {
	m := &Manager{log: logging.Nop()}
	p := newJobChannelPool(0, 2, time.Hour, m)
	defer p.close()

	a := p.acquire()
	b := p.acquire()
	if a == nil || b == nil || a == b {
		t.Fatalf("expected two distinct workers")
	}
	if running, _ := p.size(); running != 2 {
		t.Fatalf("expected 2 running workers, got %d", running)
	}
	if p.workerID(a) == 0 || p.workerID(a) == p.workerID(b) {
		t.Fatalf("workers need distinct ids")
	}

	a <- Job{Type: Stop}
	b <- Job{Type: Stop}
	waitFor(t, "workers to retire", func() bool {
		running, _ := p.size()
		return running == 0
	})
}

func TestOutboxKeepsFileReplies(t *testing.T) {
	o := NewOutbox(2, 0)
	woke := make(chan bool, 1)
	go func() { woke <- o.Wait(context.Background(), 1) }()
	waitFor(t, "poller to register", func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.wake[1] != nil
	})
	o.Notify(&models.OutboundReply{UserID: 1, Key: "a"})
	select {
	case ok := <-woke:
		if !ok {
			t.Fatalf("wait reported no replies")
		}
	case <-time.After(time.Second):
		t.Fatalf("poller not woken")
	}
	o.Notify(&models.OutboundReply{UserID: 1, Key: "result", Files: []*models.ResultArtifact{{ID: "f"}}})
	o.Notify(&models.OutboundReply{UserID: 1, Key: "c"})

	got := o.Drain(1)
	if len(got) != 2 || got[0].Key != "result" || got[1].Key != "c" {
		t.Fatalf("unexpected outbox content %+v", got)
	}
	if o.Pending(1) != 0 {
		t.Fatalf("drain must empty the box")
	}
}

func TestOutboxForgetsTimedOutPollers(t *testing.T) {
	o := NewOutbox(0, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if o.Wait(ctx, 5) {
		t.Fatalf("wait reported replies for an empty box")
	}
	o.mu.Lock()
	left := len(o.wake)
	o.mu.Unlock()
	if left != 0 {
		t.Fatalf("timed out poller left %d wake entries", left)
	}
}

func TestOutboxExpiresOldReplies(t *testing.T) {
	o := NewOutbox(0, time.Hour)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	o.Notify(&models.OutboundReply{UserID: 1, Key: "result", Files: []*models.ResultArtifact{{ID: "f"}}})
	o.Notify(&models.OutboundReply{UserID: 2, Key: "result", Files: []*models.ResultArtifact{{ID: "g"}}})
	now = now.Add(30 * time.Minute)
	o.Notify(&models.OutboundReply{UserID: 1, Key: "later"})

	now = now.Add(45 * time.Minute)
	if n := o.Expire(); n != 2 {
		t.Fatalf("expected 2 expired replies, got %d", n)
	}
	if o.Pending(2) != 0 {
		t.Fatalf("expired file reply still pending")
	}
	got := o.Drain(1)
	if len(got) != 1 || got[0].Key != "later" {
		t.Fatalf("unexpected outbox content %+v", got)
	}
	o.mu.Lock()
	boxes := len(o.boxes)
	o.mu.Unlock()
	if boxes != 0 {
		t.Fatalf("empty boxes kept: %d", boxes)
	}
}

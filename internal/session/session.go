// Package session implements the per-user conversation flow: operation selection,
// file collection, parameter collection and hand-off to the dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pdfbot/internal/models"
	"pdfbot/internal/operations"
	"pdfbot/internal/service/dispatch"
)

// FileStore stages uploads and releases them.
type FileStore interface {
	Stage(ctx context.Context, userID int64, r io.Reader, name string, declaredSize int64, declaredKind models.ContentKind) (*models.StagedFile, error)
	ReleaseAll(files []*models.StagedFile) error
}

// Config wires a Machine to its collaborators.
type Config struct {
	Registry           *operations.Registry
	Files              FileStore
	MaxPages           int
	MaxInvalidAttempts int
	// Admit is asked before entering processing. A non-nil error keeps the
	// session waiting so the user can retry.
	Admit  func(userID int64) error
	Logger zerolog.Logger
	Now    func() time.Time
}

// Step is what handling one event produced.
type Step struct {
	Replies  []*models.OutboundReply
	Dispatch *dispatch.Job
}

func (s *Step) reply(r *models.OutboundReply) {
	s.Replies = append(s.Replies, r)
}

// Machine owns the session of one user. It is not safe for concurrent use;
// callers serialize events per user.
type Machine struct {
	cfg     Config
	session *models.Session
	fsm     *fsm
	desc    *operations.Descriptor
	invalid int
	log     zerolog.Logger
}

// NewMachine returns an idle machine for userID.
func NewMachine(userID int64, cfg Config) (*Machine, error) {
	if cfg.Registry == nil || cfg.Files == nil {
		return nil, errors.New("registry and file store are required")
	}
	if cfg.MaxInvalidAttempts < 1 {
		cfg.MaxInvalidAttempts = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Admit == nil {
		cfg.Admit = func(int64) error { return nil }
	}
	sess := models.NewSession(userID, cfg.Now())
	f, err := newFSM(sess)
	if err != nil {
		return nil, err
	}
	return &Machine{
		cfg:     cfg,
		session: sess,
		fsm:     f,
		log:     cfg.Logger.With().Int64("user_id", userID).Logger(),
	}, nil
}

// Stage returns the current stage.
func (m *Machine) Stage() models.Stage {
	return m.session.Stage
}

// Snapshot returns a copy of the observable session state.
func (m *Machine) Snapshot() models.SessionSnapshot {
	snap := m.session.Snapshot()
	snap.Dispatching = m.session.Stage == models.StageProcessing
	return snap
}

// Expired reports whether a waiting session has been idle for at least timeout.
// Processing sessions never expire; they end when their dispatch returns.
func (m *Machine) Expired(now time.Time, timeout time.Duration) bool {
	switch m.session.Stage {
	case models.StageAwaitingFiles, models.StageAwaitingParameters:
		return timeout > 0 && now.Sub(m.session.LastActivity) >= timeout
	}
	return false
}

// Handle applies one inbound event in arrival order.
func (m *Machine) Handle(ctx context.Context, event *models.InboundEvent) Step {
	var step Step
	m.session.LastActivity = m.cfg.Now()
	cmd := parseCommand(event)

	switch cmd.name {
	case cmdCancel:
		if m.session.Stage == models.StageIdle {
			step.reply(m.text("session.nothing_to_cancel", "There is nothing to cancel."))
			return step
		}
		m.cancel(&step, TriggerCancel, "session.cancelled", "Cancelled. Your files were deleted.")
		return step
	case cmdMenu:
		step.reply(m.menu())
		return step
	case cmdSelect:
		m.selectOperation(&step, cmd.arg)
		return step
	}

	switch m.session.Stage {
	case models.StageIdle:
		r := m.menu()
		if event.Kind == models.EventFile {
			r.ErrorKind = models.KindUnknownOperation
			r.Text = "Choose an operation before sending files.\n" + r.Text
		}
		step.reply(r)
	case models.StageAwaitingFiles:
		m.handleFiles(ctx, &step, event, cmd)
	case models.StageAwaitingParameters:
		m.handleParams(&step, event, cmd)
	case models.StageProcessing:
		step.reply(m.failure(models.NewError(models.KindSessionBusy, "still processing your previous request")))
	}
	return step
}

// Complete ends the processing stage with the dispatch result.
// It reports false when the session is no longer processing; the caller then
// owns and must release the artifacts.
func (m *Machine) Complete(res dispatch.Result) (Step, bool) {
	var step Step
	if m.session.Stage != models.StageProcessing {
		return step, false
	}
	op := m.session.Operation
	m.session.LastActivity = m.cfg.Now()
	if err := m.fsm.fire(TriggerDone); err != nil {
		m.fault(err)
		return step, false
	}
	m.reset()

	if res.Err != nil {
		step.reply(m.failure(res.Err))
		return step, true
	}
	r := m.text("result.ready", fmt.Sprintf("Done: %s finished with %d file(s).", op, len(res.Artifacts)))
	for _, a := range res.Artifacts {
		if a.Note != "" {
			r.Text += " " + a.Note
		}
	}
	r.Files = res.Artifacts
	step.reply(r)
	return step, true
}

// Cancel aborts the pending operation as if the user sent cancel.
func (m *Machine) Cancel() Step {
	var step Step
	if m.session.Stage != models.StageIdle {
		m.cancel(&step, TriggerCancel, "session.cancelled", "Cancelled. Your files were deleted.")
	}
	return step
}

// Timeout resets a session that waited too long for input.
func (m *Machine) Timeout() Step {
	var step Step
	if !CanTransition(m.session.Stage, TriggerTimeout) {
		return step
	}
	m.cancel(&step, TriggerTimeout, "session.expired", "Your session expired after a period of inactivity. Start again from the menu.")
	return step
}

// Close releases whatever the session still holds. Used on shutdown.
func (m *Machine) Close() {
	if err := m.cfg.Files.ReleaseAll(m.session.Files); err != nil {
		m.log.Warn().Err(err).Msg("release staged files")
	}
	m.session.Files = nil
}

func (m *Machine) selectOperation(step *Step, raw string) {
	kind, err := models.ParseOperationKind(raw)
	if err != nil {
		step.reply(m.failure(err))
		return
	}
	desc, err := m.cfg.Registry.Lookup(kind)
	if err != nil {
		step.reply(m.failure(err))
		return
	}
	switch m.session.Stage {
	case models.StageProcessing:
		step.reply(m.failure(models.NewError(models.KindSessionBusy, "still processing your previous request")))
		return
	case models.StageAwaitingFiles, models.StageAwaitingParameters:
		m.cancel(step, TriggerCancel, "session.replaced", "Previous operation cancelled.")
	}

	m.reset()
	m.session.Operation = kind
	m.desc = desc
	m.fsm.ctx.desc = desc
	if err := m.fsm.fire(TriggerSelect); err != nil {
		m.fault(err)
		step.reply(m.failure(models.WrapError(models.KindTransformationFailed, "internal error", err)))
		return
	}
	step.reply(m.promptFiles())
}

func (m *Machine) handleFiles(ctx context.Context, step *Step, event *models.InboundEvent, cmd command) {
	switch {
	case event.Kind == models.EventFile && event.File != nil:
		m.acceptFile(ctx, step, event.File)
	case cmd.name == cmdDone:
		if len(m.session.Files) < m.desc.MinFiles {
			step.reply(m.failure(models.NewError(models.KindInsufficientInputs,
				fmt.Sprintf("send at least %d file(s), you sent %d", m.desc.MinFiles, len(m.session.Files)))))
			return
		}
		if m.session.TotalPages() < m.desc.MinPages {
			step.reply(m.failure(m.tooFewPages()))
			return
		}
		m.advance(step)
	default:
		step.reply(m.promptFiles())
	}
}

func (m *Machine) acceptFile(ctx context.Context, step *Step, up *models.FileUpload) {
	// declared kind is checked before anything touches the disk
	if up.Kind != "" && !m.desc.Accepts(up.Kind) {
		step.reply(m.failure(models.NewError(models.KindUnsupportedKind,
			fmt.Sprintf("%s does not accept %s files", m.desc.Title, up.Kind))))
		return
	}
	if err := ctx.Err(); err != nil {
		step.reply(m.failure(models.WrapError(models.KindCancelled, "upload abandoned", err)))
		return
	}
	sf, err := m.cfg.Files.Stage(ctx, m.session.UserID, up.Body, up.Name, up.Size, up.Kind)
	if err != nil {
		step.reply(m.failure(err))
		return
	}
	if !m.desc.Accepts(sf.Kind) {
		m.release(sf)
		step.reply(m.failure(models.NewError(models.KindUnsupportedKind,
			fmt.Sprintf("%s does not accept %s files", m.desc.Title, sf.Kind))))
		return
	}
	if m.cfg.MaxPages > 0 && m.session.TotalPages()+sf.Pages > m.cfg.MaxPages {
		m.release(sf)
		step.reply(m.failure(models.NewError(models.KindTooManyPages,
			fmt.Sprintf("these files would exceed %d pages in total", m.cfg.MaxPages))))
		return
	}
	if len(m.session.Files)+1 >= m.desc.MaxFiles && m.session.TotalPages()+sf.Pages < m.desc.MinPages {
		m.release(sf)
		step.reply(m.failure(m.tooFewPages()))
		return
	}
	m.session.Files = append(m.session.Files, sf)

	if len(m.session.Files) >= m.desc.MaxFiles {
		m.advance(step)
		return
	}
	r := m.text("files.received", fmt.Sprintf("Received %s (%d of at most %d).", sf.Name, len(m.session.Files), m.desc.MaxFiles))
	if len(m.session.Files) >= m.desc.MinFiles {
		r.Text += " Send more files or press Done."
		r.Keyboard = []models.KeyboardOption{{Label: "Done", Data: "files:done"}, cancelOption}
	} else {
		r.Text += fmt.Sprintf(" Send at least %d more.", m.desc.MinFiles-len(m.session.Files))
		r.Keyboard = []models.KeyboardOption{cancelOption}
	}
	step.reply(r)
}

func (m *Machine) tooFewPages() error {
	return models.NewError(models.KindInsufficientInputs,
		fmt.Sprintf("%s needs a document with at least %d pages", m.desc.Title, m.desc.MinPages))
}

// advance leaves the file stage and either prompts for the first parameter or dispatches.
func (m *Machine) advance(step *Step) {
	if err := m.fsm.fire(TriggerFilesReady); err != nil {
		m.fault(err)
		step.reply(m.failure(models.WrapError(models.KindTransformationFailed, "internal error", err)))
		return
	}
	m.invalid = 0
	if next, ok := m.nextParam(); ok {
		step.reply(m.prompt(next))
		return
	}
	m.tryDispatch(step)
}

func (m *Machine) handleParams(step *Step, event *models.InboundEvent, cmd command) {
	next, pending := m.nextParam()
	switch {
	case event.Kind == models.EventFile:
		r := m.failure(models.NewError(models.KindInvalidParameter, "files are no longer accepted for this operation"))
		if pending {
			r.Text += "\n" + next.Prompt
		}
		step.reply(r)
		return
	case cmd.name == cmdProcess:
		if pending {
			step.reply(m.prompt(next))
			return
		}
		m.tryDispatch(step)
		return
	case !pending:
		r := m.text("processing.retry", "All values are collected. Press Retry to start processing.")
		r.Keyboard = []models.KeyboardOption{{Label: "Retry", Data: "process"}, cancelOption}
		step.reply(r)
		return
	case cmd.name != "" && cmd.name != cmdParam:
		step.reply(m.prompt(next))
		return
	}

	value := cmd.arg
	if cmd.name == "" {
		value = strings.TrimSpace(event.Payload)
	}
	if _, err := next.Parse(value, m.desc.ValidationContext(m.session.Files)); err != nil {
		m.invalid++
		if m.invalid >= m.cfg.MaxInvalidAttempts {
			m.cancel(step, TriggerCancel, "session.too_many_attempts",
				fmt.Sprintf("Too many invalid values for %s. The operation was cancelled and your files were deleted.", next.Name))
			step.Replies[len(step.Replies)-1].ErrorKind = models.KindInvalidParameter
			return
		}
		r := m.failure(err)
		r.Text += fmt.Sprintf("\n%s (attempt %d of %d)", next.Prompt, m.invalid, m.cfg.MaxInvalidAttempts)
		r.Keyboard = paramKeyboard(next)
		step.reply(r)
		return
	}

	if next.Optional && (value == "" || strings.EqualFold(value, operations.SkipValue)) {
		value = next.Default
	}
	m.session.Params[next.Name] = value
	m.invalid = 0
	if following, ok := m.nextParam(); ok {
		step.reply(m.prompt(following))
		return
	}
	m.tryDispatch(step)
}

// nextParam returns the first parameter without a value.
func (m *Machine) nextParam() (operations.ParamSpec, bool) {
	if m.desc == nil {
		return operations.ParamSpec{}, false
	}
	for _, p := range m.desc.Params {
		if _, ok := m.session.Params[p.Name]; !ok {
			return p, true
		}
	}
	return operations.ParamSpec{}, false
}

// tryDispatch enters processing when admitted and hands the inputs to a job.
func (m *Machine) tryDispatch(step *Step) {
	if err := m.cfg.Admit(m.session.UserID); err != nil {
		r := m.failure(err)
		r.Keyboard = []models.KeyboardOption{{Label: "Retry", Data: "process"}, cancelOption}
		step.reply(r)
		return
	}
	if err := m.fsm.fire(TriggerParamsReady); err != nil {
		m.fault(err)
		step.reply(m.failure(models.WrapError(models.KindTransformationFailed, "internal error", err)))
		return
	}

	job := &dispatch.Job{
		UserID:    m.session.UserID,
		Operation: m.session.Operation,
		Files:     append([]*models.StagedFile(nil), m.session.Files...),
		Params:    make(map[string]string, len(m.session.Params)),
	}
	for k := range m.session.Params {
		if v, ok := m.session.Params.String(k); ok {
			job.Params[k] = v
		}
	}
	// the job owns the inputs from here on
	m.session.Files = nil
	step.Dispatch = job
	step.reply(m.text("processing.started", fmt.Sprintf("Processing %s...", m.desc.Title)))
}

// cancel releases the staged files and fires trigger back to idle.
func (m *Machine) cancel(step *Step, trigger Trigger, key, text string) {
	m.release(m.session.Files...)
	m.session.Files = nil
	if err := m.fsm.fire(trigger); err != nil {
		m.fault(err)
	}
	m.reset()
	r := m.text(key, text)
	step.reply(r)
}

func (m *Machine) reset() {
	m.session.Reset()
	m.desc = nil
	m.fsm.ctx.desc = nil
	m.invalid = 0
}

func (m *Machine) release(files ...*models.StagedFile) {
	if len(files) == 0 {
		return
	}
	if err := m.cfg.Files.ReleaseAll(files); err != nil {
		m.log.Warn().Err(err).Msg("release staged files")
	}
}

func (m *Machine) fault(err error) {
	m.log.Error().Err(err).Str("stage", string(m.session.Stage)).Msg("session state fault")
}

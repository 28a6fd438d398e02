package session

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"pdfbot/internal/models"
	"pdfbot/internal/operations"
)

// Trigger names the events that move a session between stages.
type Trigger string

const (
	TriggerSelect      Trigger = "SELECT"
	TriggerFilesReady  Trigger = "FILES_READY"
	TriggerParamsReady Trigger = "PARAMS_READY"
	TriggerDone        Trigger = "DONE"
	TriggerCancel      Trigger = "CANCEL"
	TriggerTimeout     Trigger = "TIMEOUT"
)

// transitions is the complete transition table. Anything not listed is illegal.
var transitions = map[models.Stage]map[Trigger]models.Stage{
	models.StageIdle: {
		TriggerSelect: models.StageAwaitingFiles,
	},
	models.StageAwaitingFiles: {
		TriggerFilesReady: models.StageAwaitingParameters,
		TriggerCancel:     models.StageIdle,
		TriggerTimeout:    models.StageIdle,
	},
	models.StageAwaitingParameters: {
		TriggerParamsReady: models.StageProcessing,
		TriggerCancel:      models.StageIdle,
		TriggerTimeout:     models.StageIdle,
	},
	models.StageProcessing: {
		TriggerDone:   models.StageIdle,
		TriggerCancel: models.StageIdle,
	},
}

// CanTransition reports whether trigger is legal in stage.
func CanTransition(stage models.Stage, trigger Trigger) bool {
	_, ok := transitions[stage][trigger]
	return ok
}

// fsmContext is the statekit machine context.
type fsmContext struct {
	session *models.Session
	desc    *operations.Descriptor
}

const (
	stIdle       = statekit.StateID(models.StageIdle)
	stFiles      = statekit.StateID(models.StageAwaitingFiles)
	stParameters = statekit.StateID(models.StageAwaitingParameters)
	stProcessing = statekit.StateID(models.StageProcessing)
)

func ev(t Trigger) statekit.EventType {
	return statekit.EventType(t)
}

func newSessionMachine() (*statekit.MachineConfig[*fsmContext], error) {
	return statekit.NewMachine[*fsmContext]("session").
		WithInitial(stIdle).
		WithContext(&fsmContext{}).
		WithAction("syncStage", syncStage).
		WithAction("resetSession", resetSession).
		WithGuard("operationChosen", guardOperationChosen).
		WithGuard("filesSatisfied", guardFilesSatisfied).
		WithGuard("paramsComplete", guardParamsComplete).
		State(stIdle).
			On(ev(TriggerSelect)).Target(stFiles).Guard("operationChosen").Do("syncStage").
			Done().
		State(stFiles).
			On(ev(TriggerFilesReady)).Target(stParameters).Guard("filesSatisfied").Do("syncStage").
			On(ev(TriggerCancel)).Target(stIdle).Do("resetSession").
			On(ev(TriggerTimeout)).Target(stIdle).Do("resetSession").
			Done().
		State(stParameters).
			On(ev(TriggerParamsReady)).Target(stProcessing).Guard("paramsComplete").Do("syncStage").
			On(ev(TriggerCancel)).Target(stIdle).Do("resetSession").
			On(ev(TriggerTimeout)).Target(stIdle).Do("resetSession").
			Done().
		State(stProcessing).
			On(ev(TriggerDone)).Target(stIdle).Do("resetSession").
			On(ev(TriggerCancel)).Target(stIdle).Do("resetSession").
			Done().
		Build()
}

// syncStage mirrors the target of the event onto the session.
func syncStage(ctx **fsmContext, event statekit.Event) {
	if ctx == nil || *ctx == nil || (*ctx).session == nil {
		return
	}
	switch Trigger(event.Type) {
	case TriggerSelect:
		(*ctx).session.Stage = models.StageAwaitingFiles
	case TriggerFilesReady:
		(*ctx).session.Stage = models.StageAwaitingParameters
	case TriggerParamsReady:
		(*ctx).session.Stage = models.StageProcessing
	}
}

// resetSession returns the session to idle. Files were released or handed off before.
func resetSession(ctx **fsmContext, _ statekit.Event) {
	if ctx == nil || *ctx == nil {
		return
	}
	if (*ctx).session != nil {
		(*ctx).session.Reset()
	}
	(*ctx).desc = nil
}

func guardOperationChosen(ctx *fsmContext, _ statekit.Event) bool {
	return ctx != nil && ctx.desc != nil && ctx.session != nil && ctx.session.Operation == ctx.desc.Kind
}

func guardFilesSatisfied(ctx *fsmContext, _ statekit.Event) bool {
	if ctx == nil || ctx.desc == nil || ctx.session == nil {
		return false
	}
	n := len(ctx.session.Files)
	return n >= ctx.desc.MinFiles && n <= ctx.desc.MaxFiles
}

func guardParamsComplete(ctx *fsmContext, _ statekit.Event) bool {
	if ctx == nil || ctx.desc == nil || ctx.session == nil {
		return false
	}
	for _, p := range ctx.desc.Params {
		if _, ok := ctx.session.Params[p.Name]; !ok && !p.Optional {
			return false
		}
	}
	return true
}

// fsm drives the statekit interpreter for one session.
type fsm struct {
	interp *statekit.Interpreter[*fsmContext]
	ctx    *fsmContext
}

func newFSM(session *models.Session) (*fsm, error) {
	machine, err := newSessionMachine()
	if err != nil {
		return nil, fmt.Errorf("build session machine: %w", err)
	}
	fctx := &fsmContext{session: session}
	interp := statekit.NewInterpreter(machine)
	interp.UpdateContext(func(c **fsmContext) {
		*c = fctx
	})
	interp.Start()
	return &fsm{interp: interp, ctx: fctx}, nil
}

func (f *fsm) stage() models.Stage {
	return models.Stage(f.interp.State().Value)
}

// fire applies trigger. The table is consulted first because the interpreter
// does not report illegal events as errors.
func (f *fsm) fire(trigger Trigger) error {
	from := f.stage()
	to, ok := transitions[from][trigger]
	if !ok {
		return fmt.Errorf("illegal transition %s from %s", trigger, from)
	}
	f.interp.Send(statekit.Event{Type: ev(trigger)})
	if got := f.stage(); got != to {
		return fmt.Errorf("transition %s from %s refused", trigger, from)
	}
	if f.ctx.session.Stage != to {
		return fmt.Errorf("session stage %s out of sync with machine state %s", f.ctx.session.Stage, to)
	}
	return nil
}

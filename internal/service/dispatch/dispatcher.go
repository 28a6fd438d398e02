// Package dispatch runs one operation over a session's staged inputs.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pdfbot/internal/files"
	"pdfbot/internal/models"
	"pdfbot/internal/operations"
)

const recordTimeout = 5 * time.Second

// RecordSink receives one operation record per dispatch.
type RecordSink interface {
	Record(ctx context.Context, rec *models.OperationRecord) error
}

// Job is the frozen content of a session entering processing.
// Params hold the raw values as the user sent them.
type Job struct {
	UserID    int64
	Operation models.OperationKind
	Files     []*models.StagedFile
	Params    map[string]string
}

// Result is either a set of artifacts or an error.
type Result struct {
	Artifacts []*models.ResultArtifact
	Err       error
	Duration  time.Duration
}

// Dispatcher validates a job and invokes its capability.
type Dispatcher struct {
	registry *operations.Registry
	files    *files.Manager
	sink     RecordSink
	maxPages int
	log      zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. sink may be nil.
func NewDispatcher(registry *operations.Registry, fm *files.Manager, sink RecordSink, maxPages int, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		files:    fm,
		sink:     sink,
		maxPages: maxPages,
		log:      logger,
		now:      time.Now,
	}
}

// Dispatch runs job to completion. Every input file is released before it returns,
// whatever the outcome, and exactly one record is emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (res Result) {
	start := d.now()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Int64("user_id", job.UserID).Str("operation", string(job.Operation)).
				Interface("panic", r).Msg("dispatch fault")
			d.releaseOutputs(job.UserID, res.Artifacts)
			res = Result{Err: models.WrapError(models.KindTransformationFailed, "internal fault", fmt.Errorf("panic: %v", r))}
		}
		if err := d.files.ReleaseAll(job.Files); err != nil {
			d.log.Warn().Err(err).Int64("user_id", job.UserID).Msg("release inputs")
		}
		res.Duration = d.now().Sub(start)
		d.emit(job, res)
	}()

	desc, err := d.registry.Lookup(job.Operation)
	if err != nil {
		return Result{Err: err}
	}
	params, err := d.validate(desc, job)
	if err != nil {
		return Result{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Result{Err: models.WrapError(models.KindCancelled, "cancelled before processing", err)}
	}

	dir, err := d.files.WorkDir(job.UserID)
	if err != nil {
		return Result{Err: models.WrapError(models.KindTransformationFailed, "allocate work dir", err)}
	}
	outputs, err := invoke(ctx, desc.Capability, job.Files, params, dir)
	if err != nil {
		d.discardWorkDir(job.UserID, dir)
		if ctx.Err() != nil {
			return Result{Err: models.WrapError(models.KindCancelled, "cancelled during processing", err)}
		}
		var typed *models.Error
		if errors.As(err, &typed) {
			return Result{Err: err}
		}
		return Result{Err: models.WrapError(models.KindTransformationFailed, string(job.Operation), err)}
	}
	artifacts, err := d.files.Adopt(job.UserID, dir, outputs)
	if err != nil {
		return Result{Err: models.WrapError(models.KindTransformationFailed, "collect outputs", err)}
	}
	if ctx.Err() != nil {
		// nobody is waiting for these anymore
		d.releaseOutputs(job.UserID, artifacts)
		return Result{Err: models.NewError(models.KindCancelled, "cancelled during processing")}
	}
	return Result{Artifacts: artifacts}
}

// validate re-checks the aggregate constraints and parses the raw parameters
// against the real inputs.
func (d *Dispatcher) validate(desc *operations.Descriptor, job Job) (models.Params, error) {
	n := len(job.Files)
	if n < desc.MinFiles {
		return nil, models.NewError(models.KindInsufficientInputs,
			fmt.Sprintf("%s needs at least %d file(s), got %d", desc.Kind, desc.MinFiles, n))
	}
	if n > desc.MaxFiles {
		return nil, models.NewError(models.KindInsufficientInputs,
			fmt.Sprintf("%s takes at most %d file(s), got %d", desc.Kind, desc.MaxFiles, n))
	}
	for _, f := range job.Files {
		if !desc.Accepts(f.Kind) {
			return nil, models.NewError(models.KindUnsupportedKind,
				fmt.Sprintf("%s does not accept %s files", desc.Kind, f.Kind))
		}
	}
	vc := desc.ValidationContext(job.Files)
	if d.maxPages > 0 && vc.TotalPages > d.maxPages {
		return nil, models.NewError(models.KindTooManyPages,
			fmt.Sprintf("%d pages in total, limit is %d", vc.TotalPages, d.maxPages))
	}

	if vc.TotalPages < desc.MinPages {
		return nil, models.NewError(models.KindInsufficientInputs,
			fmt.Sprintf("%s needs at least %d pages, got %d", desc.Kind, desc.MinPages, vc.TotalPages))
	}

	params := make(models.Params, len(desc.Params))
	for _, spec := range desc.Params {
		raw, ok := job.Params[spec.Name]
		if !ok && !spec.Optional {
			return nil, models.NewError(models.KindInvalidParameter, spec.Name+" is missing")
		}
		v, err := spec.Parse(raw, vc)
		if err != nil {
			return nil, err
		}
		params[spec.Name] = v
	}
	return params, nil
}

func (d *Dispatcher) releaseOutputs(userID int64, artifacts []*models.ResultArtifact) {
	if err := d.files.ReleaseArtifacts(artifacts); err != nil {
		d.log.Warn().Err(err).Int64("user_id", userID).Msg("release dropped artifacts")
	}
}

func (d *Dispatcher) discardWorkDir(userID int64, dir string) {
	if err := d.files.DiscardWorkDir(dir); err != nil {
		d.log.Warn().Err(err).Int64("user_id", userID).Msg("discard work dir")
	}
}

func invoke(ctx context.Context, c operations.Capability, inputs []*models.StagedFile, params models.Params, dir string) (out []models.ProducedFile, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("capability panicked: %v", r)
		}
	}()
	return c.Transform(ctx, inputs, params, dir)
}

func (d *Dispatcher) emit(job Job, res Result) {
	rec := &models.OperationRecord{
		UserID:    job.UserID,
		Operation: job.Operation,
		Outcome:   models.OutcomeSuccess,
		Inputs:    len(job.Files),
		Duration:  res.Duration,
		CreatedAt: d.now().UTC(),
	}
	for _, f := range job.Files {
		rec.Pages += f.Pages
	}

	event := d.log.Info()
	if res.Err != nil {
		kind := models.KindOf(res.Err)
		rec.Outcome = models.OutcomeFailure
		rec.ErrorKind = kind
		rec.Detail = res.Err.Error()
		switch {
		case kind.Retryable(), kind.Validation(), kind == models.KindCancelled:
			event = d.log.Debug()
		default:
			event = d.log.Warn().Err(res.Err)
		}
	}
	event.Int64("user_id", job.UserID).
		Str("operation", string(job.Operation)).
		Str("outcome", string(rec.Outcome)).
		Int("inputs", rec.Inputs).
		Int("outputs", len(res.Artifacts)).
		Dur("duration", res.Duration).
		Msg("dispatch finished")

	if d.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := d.sink.Record(ctx, rec); err != nil {
		d.log.Warn().Err(err).Msg("store operation record")
	}
}

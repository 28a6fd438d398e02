// Package operations holds the immutable catalog of operations a session can run.
package operations

import (
	"context"
	"errors"
	"fmt"

	"pdfbot/internal/models"
)

// Capability performs a transformation. Outputs must be written inside workDir.
type Capability interface {
	Transform(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error)

func (f CapabilityFunc) Transform(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	return f(ctx, inputs, params, workDir)
}

// Descriptor is the registry entry of one operation kind.
type Descriptor struct {
	Kind       models.OperationKind
	Title      string
	MinFiles   int
	MaxFiles   int
	// MinPages is the smallest combined page count the operation can work on.
	MinPages   int
	InputKinds []models.ContentKind
	Params     []ParamSpec
	Capability Capability
}

// Accepts reports whether files of kind can be used as input.
func (d *Descriptor) Accepts(kind models.ContentKind) bool {
	for _, k := range d.InputKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// FixedArity reports whether the operation takes an exact number of files.
func (d *Descriptor) FixedArity() bool {
	return d.MinFiles == d.MaxFiles
}

// Param returns the parameter spec by name.
func (d *Descriptor) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// ValidationContext summarizes files for parameter validation.
func (d *Descriptor) ValidationContext(files []*models.StagedFile) ValidationContext {
	vc := ValidationContext{Files: len(files)}
	for _, f := range files {
		vc.TotalPages += f.Pages
	}
	return vc
}

// requiresParams lists the kinds that cannot run without user supplied parameters.
var requiresParams = map[models.OperationKind]bool{
	models.OpSplit:       true,
	models.OpSplitChunks: true,
	models.OpDeletePages: true,
	models.OpRotate:      true,
	models.OpReorder:     true,
}

// Registry maps operation kinds to descriptors. It is read-only after construction.
type Registry struct {
	byKind map[models.OperationKind]*Descriptor
	order  []models.OperationKind
}

// NewRegistry validates and indexes the descriptors.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{byKind: make(map[models.OperationKind]*Descriptor, len(descs))}
	var errs []error
	for i := range descs {
		d := descs[i]
		if err := validateDescriptor(&d); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.byKind[d.Kind]; dup {
			errs = append(errs, fmt.Errorf("operation %s registered twice", d.Kind))
			continue
		}
		r.byKind[d.Kind] = &d
		r.order = append(r.order, d.Kind)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	return r, nil
}

func validateDescriptor(d *Descriptor) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown operation kind %q", d.Kind)
	}
	if d.MinFiles < 1 || d.MaxFiles < d.MinFiles {
		return fmt.Errorf("operation %s: invalid file bounds %d..%d", d.Kind, d.MinFiles, d.MaxFiles)
	}
	if d.MinPages < 0 {
		return fmt.Errorf("operation %s: negative page minimum", d.Kind)
	}
	if len(d.InputKinds) == 0 {
		return fmt.Errorf("operation %s: no input kinds", d.Kind)
	}
	if d.Capability == nil {
		return fmt.Errorf("operation %s: capability missing", d.Kind)
	}
	if requiresParams[d.Kind] != (len(d.Params) > 0) {
		return fmt.Errorf("operation %s: parameter list does not match its requirements", d.Kind)
	}
	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" || p.Validate == nil {
			return fmt.Errorf("operation %s: parameter without name or validator", d.Kind)
		}
		if seen[p.Name] {
			return fmt.Errorf("operation %s: duplicate parameter %s", d.Kind, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// Lookup returns the descriptor of kind or an UnknownOperation error.
func (r *Registry) Lookup(kind models.OperationKind) (*Descriptor, error) {
	d, ok := r.byKind[kind]
	if !ok {
		return nil, models.NewError(models.KindUnknownOperation, fmt.Sprintf("operation %q is not available", kind))
	}
	return d, nil
}

// Kinds lists the registered kinds in catalog order.
func (r *Registry) Kinds() []models.OperationKind {
	out := make([]models.OperationKind, len(r.order))
	copy(out, r.order)
	return out
}

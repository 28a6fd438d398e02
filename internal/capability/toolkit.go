// Package capability implements the page level transformations with pdfcpu and x/image.
package capability

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"pdfbot/internal/models"
	"pdfbot/internal/operations"
)

// Rasterizer renders PDF pages to images. pdfcpu cannot render, so the
// pdf_to_images operation is only offered when one is supplied.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath string, dpi int, outDir string) ([]string, error)
}

// Toolkit bundles the transformation primitives.
type Toolkit struct {
	conf       *model.Configuration
	rasterizer Rasterizer
	dpi        int
	log        zerolog.Logger
}

// Option configures a Toolkit.
type Option func(*Toolkit)

// WithRasterizer enables pdf_to_images.
func WithRasterizer(r Rasterizer, dpi int) Option {
	return func(t *Toolkit) {
		t.rasterizer = r
		if dpi > 0 {
			t.dpi = dpi
		}
	}
}

const defaultDPI = 200

// NewToolkit creates a toolkit with a relaxed pdfcpu configuration.
func NewToolkit(logger zerolog.Logger, opts ...Option) *Toolkit {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	t := &Toolkit{conf: conf, dpi: defaultDPI, log: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Capabilities exposes the toolkit to the operation catalog.
func (t *Toolkit) Capabilities() operations.Capabilities {
	caps := operations.Capabilities{
		Merge:         operations.CapabilityFunc(t.Merge),
		Split:         operations.CapabilityFunc(t.Split),
		SplitChunks:   operations.CapabilityFunc(t.SplitChunks),
		DeletePages:   operations.CapabilityFunc(t.DeletePages),
		Rotate:        operations.CapabilityFunc(t.Rotate),
		Reorder:       operations.CapabilityFunc(t.Reorder),
		Compress:      operations.CapabilityFunc(t.Compress),
		ExtractText:   operations.CapabilityFunc(t.ExtractText),
		ExtractImages: operations.CapabilityFunc(t.ExtractImages),
		ImagesToPDF:   operations.CapabilityFunc(t.ImagesToPDF),
	}
	if t.rasterizer != nil {
		caps.PDFToImages = operations.CapabilityFunc(t.PDFToImages)
	}
	return caps
}

// Inspect validates a staged file and returns its page count. Images count as one page.
func (t *Toolkit) Inspect(path string, kind models.ContentKind) (int, error) {
	if kind == models.KindPDF {
		pages, err := api.PageCountFile(path)
		if err != nil {
			return 0, fmt.Errorf("read pdf: %w", err)
		}
		return pages, nil
	}
	if !kind.IsImage() {
		return 0, fmt.Errorf("cannot inspect %s", kind)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	if _, _, err := image.DecodeConfig(f); err != nil {
		return 0, fmt.Errorf("decode %s: %w", kind, err)
	}
	return 1, nil
}

func pageStrings(pages []int) []string {
	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = strconv.Itoa(p)
	}
	return out
}

// outputName derives a display name from the first input, e.g. "report_rotated.pdf".
func outputName(inputs []*models.StagedFile, suffix string, kind models.ContentKind) string {
	base := "document"
	if len(inputs) > 0 && inputs[0].Name != "" {
		base = strings.TrimSuffix(inputs[0].Name, filepath.Ext(inputs[0].Name))
	}
	return base + "_" + suffix + kind.Ext()
}

func singleInput(inputs []*models.StagedFile) (*models.StagedFile, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("expected one input, got %d", len(inputs))
	}
	return inputs[0], nil
}

func requirePages(params models.Params, name string) ([]int, error) {
	pages, ok := params.Pages(name)
	if !ok || len(pages) == 0 {
		return nil, fmt.Errorf("parameter %s missing", name)
	}
	return pages, nil
}

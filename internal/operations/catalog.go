package operations

import "pdfbot/internal/models"

// Capabilities supplies the transformation behind each operation. A nil entry
// leaves the operation out of the catalog.
type Capabilities struct {
	Merge         Capability
	Split         Capability
	SplitChunks   Capability
	DeletePages   Capability
	Rotate        Capability
	Reorder       Capability
	Compress      Capability
	ExtractText   Capability
	ExtractImages Capability
	ImagesToPDF   Capability
	PDFToImages   Capability
}

// CatalogOptions tunes the default catalog.
type CatalogOptions struct {
	MaxFiles int
	Enabled  func(models.OperationKind) bool
}

const defaultMaxFiles = 20

var pdfOnly = []models.ContentKind{models.KindPDF}

// Catalog returns the descriptors of every available, enabled operation.
func Catalog(caps Capabilities, opts CatalogOptions) []Descriptor {
	maxFiles := opts.MaxFiles
	if maxFiles < 2 {
		maxFiles = defaultMaxFiles
	}
	all := []Descriptor{
		{
			Kind:       models.OpMerge,
			Title:      "Merge PDFs",
			MinFiles:   2,
			MaxFiles:   maxFiles,
			InputKinds: pdfOnly,
			Capability: caps.Merge,
		},
		{
			Kind:       models.OpSplit,
			Title:      "Extract pages",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Params: []ParamSpec{
				{Name: "pages", Prompt: "Which pages should be kept? e.g. 1,3,5-7", Validate: pageSelectionValidator},
			},
			Capability: caps.Split,
		},
		{
			Kind:       models.OpSplitChunks,
			Title:      "Split into parts",
			MinFiles:   1,
			MaxFiles:   1,
			MinPages:   2,
			InputKinds: pdfOnly,
			Params: []ParamSpec{
				{Name: "chunk_size", Prompt: "How many pages per part?", Validate: chunkSizeValidator},
			},
			Capability: caps.SplitChunks,
		},
		{
			Kind:       models.OpDeletePages,
			Title:      "Delete pages",
			MinFiles:   1,
			MaxFiles:   1,
			MinPages:   2,
			InputKinds: pdfOnly,
			Params: []ParamSpec{
				{Name: "pages", Prompt: "Which pages should be deleted? e.g. 2,4-6", Validate: partialPageSelectionValidator},
			},
			Capability: caps.DeletePages,
		},
		{
			Kind:       models.OpRotate,
			Title:      "Rotate pages",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Params: []ParamSpec{
				{Name: "angle", Prompt: "Rotate by how many degrees clockwise?", Choices: []string{"90", "180", "270"}, Validate: angleValidator},
				{Name: "pages", Prompt: "Which pages? Send skip for all pages.", Optional: true, Default: "all", Choices: []string{"all"}, Validate: pageSelectionValidator},
			},
			Capability: caps.Rotate,
		},
		{
			Kind:       models.OpReorder,
			Title:      "Reorder pages",
			MinFiles:   1,
			MaxFiles:   1,
			MinPages:   2,
			InputKinds: pdfOnly,
			Params: []ParamSpec{
				{Name: "order", Prompt: "Send the new page order, e.g. 3,1,2", Validate: permutationValidator},
			},
			Capability: caps.Reorder,
		},
		{
			Kind:       models.OpCompress,
			Title:      "Compress PDF",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Capability: caps.Compress,
		},
		{
			Kind:       models.OpExtractText,
			Title:      "Extract text",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Capability: caps.ExtractText,
		},
		{
			Kind:       models.OpExtractImages,
			Title:      "Extract images",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Capability: caps.ExtractImages,
		},
		{
			Kind:       models.OpImagesToPDF,
			Title:      "Images to PDF",
			MinFiles:   1,
			MaxFiles:   maxFiles,
			InputKinds: models.ImageKinds,
			Capability: caps.ImagesToPDF,
		},
		{
			Kind:       models.OpPDFToImages,
			Title:      "PDF to images",
			MinFiles:   1,
			MaxFiles:   1,
			InputKinds: pdfOnly,
			Capability: caps.PDFToImages,
		},
	}

	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.Capability == nil || isNilCapability(d.Capability) {
			continue
		}
		if opts.Enabled != nil && !opts.Enabled(d.Kind) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// NewDefaultRegistry builds the registry from the default catalog.
func NewDefaultRegistry(caps Capabilities, opts CatalogOptions) (*Registry, error) {
	return NewRegistry(Catalog(caps, opts)...)
}

func isNilCapability(c Capability) bool {
	f, ok := c.(CapabilityFunc)
	return ok && f == nil
}

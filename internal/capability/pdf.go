package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"pdfbot/internal/models"
)

// Merge concatenates the inputs in the order they were staged.
func (t *Toolkit) Merge(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("merge needs at least two inputs, got %d", len(inputs))
	}
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = in.Path
	}
	out := filepath.Join(workDir, "merged.pdf")
	if err := api.MergeCreateFile(paths, out, false, t.conf); err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "merged", models.KindPDF), Kind: models.KindPDF}}, nil
}

// Split keeps the selected pages, in document order, in a single output.
func (t *Toolkit) Split(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	pages, err := requirePages(params, "pages")
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workDir, "pages.pdf")
	if err := api.TrimFile(in.Path, out, pageStrings(pages), t.conf); err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "pages", models.KindPDF), Kind: models.KindPDF}}, nil
}

// SplitChunks cuts the document into parts of chunk_size pages.
func (t *Toolkit) SplitChunks(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	span, ok := params.Int("chunk_size")
	if !ok || span < 1 {
		return nil, fmt.Errorf("parameter chunk_size missing")
	}
	if err := api.SplitFile(in.Path, workDir, span, t.conf); err != nil {
		return nil, fmt.Errorf("split into parts: %w", err)
	}
	paths, err := listByTrailingNumber(workDir, ".pdf")
	if err != nil {
		return nil, err
	}
	outputs := make([]models.ProducedFile, 0, len(paths))
	for i, p := range paths {
		outputs = append(outputs, models.ProducedFile{
			Path: p,
			Name: outputName(inputs, "part"+strconv.Itoa(i+1), models.KindPDF),
			Kind: models.KindPDF,
		})
	}
	return outputs, nil
}

// DeletePages removes the selected pages.
func (t *Toolkit) DeletePages(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	pages, err := requirePages(params, "pages")
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workDir, "trimmed.pdf")
	if err := api.RemovePagesFile(in.Path, out, pageStrings(pages), t.conf); err != nil {
		return nil, fmt.Errorf("delete pages: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "edited", models.KindPDF), Kind: models.KindPDF}}, nil
}

// Rotate turns the selected pages clockwise by angle degrees.
func (t *Toolkit) Rotate(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	angle, ok := params.Int("angle")
	if !ok {
		return nil, fmt.Errorf("parameter angle missing")
	}
	var selected []string
	if pages, ok := params.Pages("pages"); ok && len(pages) < in.Pages {
		selected = pageStrings(pages)
	}
	out := filepath.Join(workDir, "rotated.pdf")
	if err := api.RotateFile(in.Path, out, angle, selected, t.conf); err != nil {
		return nil, fmt.Errorf("rotate: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "rotated", models.KindPDF), Kind: models.KindPDF}}, nil
}

// Reorder writes the pages in the given order.
func (t *Toolkit) Reorder(ctx context.Context, inputs []*models.StagedFile, params models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	order, err := requirePages(params, "order")
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workDir, "reordered.pdf")
	if err := api.CollectFile(in.Path, out, pageStrings(order), t.conf); err != nil {
		return nil, fmt.Errorf("reorder: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "reordered", models.KindPDF), Kind: models.KindPDF}}, nil
}

// Compress rewrites the document with pdfcpu's optimizer.
func (t *Toolkit) Compress(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(workDir, "compressed.pdf")
	if err := api.OptimizeFile(in.Path, out, t.conf); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	produced := models.ProducedFile{Path: out, Name: outputName(inputs, "compressed", models.KindPDF), Kind: models.KindPDF}
	before := in.Size
	if before <= 0 {
		if info, err := os.Stat(in.Path); err == nil {
			before = info.Size()
		}
	}
	if info, err := os.Stat(out); err == nil {
		t.log.Debug().Int64("before", before).Int64("after", info.Size()).Msg("compressed pdf")
		produced.Note = compressionNote(before, info.Size())
	}
	return []models.ProducedFile{produced}, nil
}

// compressionNote describes the size change of a compressed file.
func compressionNote(before, after int64) string {
	if before <= 0 {
		return "Compressed size " + formatSize(after) + "."
	}
	if after >= before {
		return fmt.Sprintf("Original %s, compressed %s (no reduction).", formatSize(before), formatSize(after))
	}
	saved := float64(before-after) / float64(before) * 100
	return fmt.Sprintf("Original %s, compressed %s (%.0f%% smaller).", formatSize(before), formatSize(after), saved)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// listByTrailingNumber lists files in dir with ext ordered by the last number in their name,
// so "doc_10.pdf" sorts after "doc_9.pdf".
func listByTrailingNumber(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ext) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.SliceStable(paths, func(i, j int) bool {
		return trailingNumber(paths[i]) < trailingNumber(paths[j])
	})
	return paths, nil
}

func trailingNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	end := len(name)
	for end > 0 && (name[end-1] < '0' || name[end-1] > '9') {
		end--
	}
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	n, err := strconv.Atoi(name[start:end])
	if err != nil {
		return 0
	}
	return n
}

package capability

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"

	"pdfbot/internal/models"
)

// ExtractImages writes every embedded image as its own file.
func (t *Toolkit) ExtractImages(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	if err := api.ExtractImagesFile(in.Path, workDir, nil, t.conf); err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var outputs []models.ProducedFile
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		kind, ok := models.KindFromExt(e.Name())
		if !ok || !kind.IsImage() {
			continue
		}
		outputs = append(outputs, models.ProducedFile{
			Path: filepath.Join(workDir, e.Name()),
			Name: outputName(inputs, "image"+strconv.Itoa(len(outputs)+1), kind),
			Kind: kind,
		})
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no embedded images found")
	}
	return outputs, nil
}

// ImagesToPDF places each image on its own page, in staging order.
func (t *Toolkit) ImagesToPDF(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no images given")
	}
	paths := make([]string, 0, len(inputs))
	for i, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := normalizeImage(in, filepath.Join(workDir, "img_"+strconv.Itoa(i+1)+".png"))
		if err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	out := filepath.Join(workDir, "images.pdf")
	if err := api.ImportImagesFile(paths, out, pdfcpu.DefaultImportConfig(), t.conf); err != nil {
		return nil, fmt.Errorf("import images: %w", err)
	}
	return []models.ProducedFile{{Path: out, Name: outputName(inputs, "images", models.KindPDF), Kind: models.KindPDF}}, nil
}

// normalizeImage returns a path pdfcpu can import. JPEG and PNG are used as is,
// everything else is re-encoded as PNG at dst.
func normalizeImage(in *models.StagedFile, dst string) (string, error) {
	if in.Kind == models.KindJPEG || in.Kind == models.KindPNG {
		return in.Path, nil
	}
	f, err := os.Open(in.Path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", in.Name, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", in.Name, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	if err := png.Encode(out, img); err != nil {
		out.Close()
		return "", fmt.Errorf("encode %s: %w", in.Name, err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, nil
}

// PDFToImages renders each page with the configured rasterizer.
func (t *Toolkit) PDFToImages(ctx context.Context, inputs []*models.StagedFile, _ models.Params, workDir string) ([]models.ProducedFile, error) {
	if t.rasterizer == nil {
		return nil, fmt.Errorf("no rasterizer configured")
	}
	in, err := singleInput(inputs)
	if err != nil {
		return nil, err
	}
	paths, err := t.rasterizer.Rasterize(ctx, in.Path, t.dpi, workDir)
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	outputs := make([]models.ProducedFile, 0, len(paths))
	for i, p := range paths {
		kind, ok := models.KindFromExt(p)
		if !ok || !kind.IsImage() {
			return nil, fmt.Errorf("rasterizer produced unsupported file %s", filepath.Base(p))
		}
		outputs = append(outputs, models.ProducedFile{
			Path: p,
			Name: outputName(inputs, "page"+strconv.Itoa(i+1), kind),
			Kind: kind,
		})
	}
	return outputs, nil
}

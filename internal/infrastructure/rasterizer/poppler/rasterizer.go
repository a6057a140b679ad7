// Package poppler rasterizes PDF pages with the pdftoppm binary from poppler-utils.
package poppler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/statement-extractor/internal/core/domain"
	"github.com/kirillkom/statement-extractor/internal/infrastructure/rasterizer/imagefile"
)

type Options struct {
	Binary       string
	DPI          int
	Timeout      time.Duration
	MaxDimension int
	TempDir      string
}

type Rasterizer struct {
	opts Options
}

func New(opts Options) *Rasterizer {
	if opts.Binary == "" {
		opts.Binary = "pdftoppm"
	}
	if opts.DPI <= 0 {
		opts.DPI = 200
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = imagefile.DefaultMaxDimension
	}
	return &Rasterizer{opts: opts}
}

func (r *Rasterizer) Name() string { return "poppler" }

func (r *Rasterizer) Rasterize(ctx context.Context, doc *domain.Document) ([]domain.PageImage, error) {
	if doc.Format != domain.FormatPDF {
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "pdf rasterize", errors.New("not a pdf document"))
	}
	binary, err := exec.LookPath(r.opts.Binary)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "pdf rasterize", fmt.Errorf("%s not installed: %w", r.opts.Binary, err))
	}

	workDir, err := os.MkdirTemp(r.opts.TempDir, "rasterize-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(input, doc.Data, 0o600); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	prefix := filepath.Join(workDir, "page")
	cmd := exec.CommandContext(runCtx, binary, "-png", "-r", strconv.Itoa(r.opts.DPI), input, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "pdf rasterize", fmt.Errorf("pdftoppm: %w: %s", err, msg))
	}

	return r.collect(workDir)
}

// collect reads page-N.png files in page order. pdftoppm zero-pads N to the
// width of the page count.
func (r *Rasterizer) collect(dir string) ([]domain.PageImage, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "page-*.png"))
	if err != nil {
		return nil, fmt.Errorf("list rendered pages: %w", err)
	}
	if len(matches) == 0 {
		return nil, domain.WrapError(domain.ErrConversionUnavailable, "pdf rasterize", errors.New("no pages rendered"))
	}

	type rendered struct {
		number int
		path   string
	}
	pages := make([]rendered, 0, len(matches))
	for _, path := range matches {
		base := strings.TrimSuffix(filepath.Base(path), ".png")
		number, err := strconv.Atoi(strings.TrimPrefix(base, "page-"))
		if err != nil {
			continue
		}
		pages = append(pages, rendered{number: number, path: path})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].number < pages[j].number })

	out := make([]domain.PageImage, 0, len(pages))
	for _, page := range pages {
		raw, err := os.ReadFile(page.path)
		if err != nil {
			return nil, fmt.Errorf("read rendered page %d: %w", page.number, err)
		}
		data, err := imagefile.Normalize(raw, r.opts.MaxDimension)
		if err != nil {
			return nil, fmt.Errorf("normalize page %d: %w", page.number, err)
		}
		out = append(out, domain.PageImage{Index: page.number - 1, Data: data, MimeType: "image/png"})
	}
	return out, nil
}

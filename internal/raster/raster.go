package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/gen2brain/go-fitz"
	"golang.org/x/sync/errgroup"
)

// DPI is the resolution every page is rendered at
const DPI = 300

// Page is one rendered PDF page
type Page struct {
	Number int    // 1-based
	Path   string // <base>_page_<n>.png
}

// pageSource is the subset of *fitz.Document the rasterizer needs
type pageSource interface {
	NumPage() int
	ImageDPI(pageNumber int, dpi float64) (*image.RGBA, error)
	Close() error
}

// Rasterizer converts PDF documents into one PNG per page
type Rasterizer struct {
	open    func(path string) (pageSource, error)
	workers int
}

// NewRasterizer creates a Rasterizer backed by MuPDF
func NewRasterizer() *Rasterizer {
	return &Rasterizer{
		open: func(path string) (pageSource, error) {
			return fitz.New(path)
		},
		workers: max(runtime.NumCPU(), 2),
	}
}

// Rasterize renders every page of pdfPath into outputDir. Pages that fail
// to render are logged and skipped. The returned pages are in page order.
func (r *Rasterizer) Rasterize(ctx context.Context, pdfPath, outputDir string) ([]Page, error) {
	doc, err := r.open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	total := doc.NumPage()
	if total == 0 {
		slog.Warn("PDF has no pages", "path", pdfPath)
		return []Page{}, nil
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(pdfPath), filepath.Ext(pdfPath))
	logCtx := slog.With("pdf", filepath.Base(pdfPath), "pages", total)
	logCtx.Info("Rasterizing PDF")

	// MuPDF forbids concurrent use of one document handle
	var renderMu sync.Mutex
	render := func(index int) (*image.RGBA, error) {
		renderMu.Lock()
		defer renderMu.Unlock()
		return doc.ImageDPI(index, DPI)
	}

	var (
		mu    sync.Mutex
		pages = make([]Page, 0, total)
	)

	g := new(errgroup.Group)
	g.SetLimit(r.workers)

	for i := 0; i < total; i++ {
		// Dispatched pages finish; nothing new starts after cancellation
		if ctx.Err() != nil {
			break
		}
		pageNumber := i + 1
		g.Go(func() error {
			img, err := render(pageNumber - 1)
			if err != nil {
				logCtx.Error("Failed to render page", "page", pageNumber, "error", err)
				return nil
			}

			path := filepath.Join(outputDir, fmt.Sprintf("%s_page_%d.png", base, pageNumber))
			if err := writePNG(path, img); err != nil {
				logCtx.Error("Failed to write page image", "page", pageNumber, "error", err)
				return nil
			}

			mu.Lock()
			pages = append(pages, Page{Number: pageNumber, Path: path})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Number < pages[j].Number
	})

	if err := ctx.Err(); err != nil {
		return pages, err
	}

	logCtx.Info("PDF rasterized", "rendered", len(pages))
	return pages, nil
}

func writePNG(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("encoding PNG: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing PNG: %w", err)
	}
	return nil
}

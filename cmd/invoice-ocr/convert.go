package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zombor/invoice-ocr/internal/invoice"
	"github.com/zombor/invoice-ocr/internal/raster"
)

// convertedDir is created next to each PDF when no output directory is given
const convertedDir = "converted"

// convert renders PDFs to page images without calling any API
func (a *app) convert(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("at least one PDF or folder is required")
	}
	ui := newConsole(os.Stdout, os.Stderr)
	_, err := convertPDFs(ctx, raster.NewRasterizer(), args, *a.outDir, ui)
	return err
}

// convertPDFs splits every PDF found under paths into <stem>_page_<n>.png
// files and returns how many pages were written
func convertPDFs(ctx context.Context, rasterizer invoice.Rasterizer, paths []string, outDir string, ui *console) (int, error) {
	collected, err := invoice.CollectFiles(paths)
	if err != nil {
		return 0, err
	}

	var pdfs []string
	for _, p := range collected {
		if raster.IsPDF(p) {
			pdfs = append(pdfs, p)
		}
	}
	if len(pdfs) == 0 {
		return 0, errors.New("no PDF files found")
	}

	total, failed := 0, 0
	for _, pdf := range pdfs {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		dir := outDir
		if dir == "" {
			dir = filepath.Join(filepath.Dir(pdf), convertedDir)
		}
		pages, err := rasterizer.Rasterize(ctx, pdf, dir)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			failed++
			ui.failure("%s: %v", filepath.Base(pdf), err)
			continue
		}
		if len(pages) == 0 {
			ui.warn("%s: no pages to convert", filepath.Base(pdf))
			continue
		}

		ui.success("%s: Split into %d image(s)", filepath.Base(pdf), len(pages))
		for _, page := range pages {
			fmt.Fprintf(ui.out, "  %s\n", page.Path)
		}
		total += len(pages)
	}

	if failed > 0 {
		return total, fmt.Errorf("%d of %d PDF(s) could not be converted", failed, len(pdfs))
	}
	return total, nil
}

package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/zombor/invoice-ocr/internal/export"
	"github.com/zombor/invoice-ocr/internal/extract"
	"github.com/zombor/invoice-ocr/internal/raster"
)

// CredentialPool selects API keys and records their outcomes
type CredentialPool interface {
	Select() (string, error)
	MarkRateLimited(key string)
	MarkFailed(key string)
}

// Rasterizer splits a PDF into page images
type Rasterizer interface {
	Rasterize(ctx context.Context, pdfPath, outputDir string) ([]raster.Page, error)
}

// Exporter writes the collected records to a spreadsheet
type Exporter interface {
	Export(records []extract.Record, target string) (string, error)
	ExportWithSummary(records []extract.Record, target string) (string, error)
}

// Config tunes pacing and retries
type Config struct {
	MaxAttempts     int
	RequestDelay    time.Duration // after every attempt
	RateLimitBuffer time.Duration // added to the suggested wait
	RetryDelay      time.Duration // doubles on every generic failure
	WorkDir         string        // pages go to WorkDir/<file id>; a temporary directory removed after Run when empty
	MaxDimension    int
	Summary         bool // add a summary sheet to the export
}

// DefaultConfig returns the pacing used against Groq's free tier
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		RequestDelay:    1500 * time.Millisecond,
		RateLimitBuffer: 500 * time.Millisecond,
		RetryDelay:      time.Second,
		MaxDimension:    raster.DefaultMaxDimension,
	}
}

// Pipeline drives files through splitting, extraction and export
type Pipeline struct {
	extractor  extract.Extractor
	pool       CredentialPool
	rasterizer Rasterizer
	exporter   Exporter
	sleeper    Sleeper
	cfg        Config
}

// NewPipeline creates a Pipeline that sleeps on real timers
func NewPipeline(extractor extract.Extractor, pool CredentialPool, rasterizer Rasterizer, exporter Exporter, cfg Config) *Pipeline {
	return NewPipelineWithDeps(extractor, pool, rasterizer, exporter, timerSleeper{}, cfg)
}

// NewPipelineWithDeps creates a Pipeline with a custom Sleeper for testing
func NewPipelineWithDeps(extractor extract.Extractor, pool CredentialPool, rasterizer Rasterizer, exporter Exporter, sleeper Sleeper, cfg Config) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Pipeline{
		extractor:  extractor,
		pool:       pool,
		rasterizer: rasterizer,
		exporter:   exporter,
		sleeper:    sleeper,
		cfg:        cfg,
	}
}

// Run processes files in order and exports every completed record. On
// cancellation the observer receives an empty working set and Run returns
// the context error together with the partial result. Without a WorkDir,
// rendered pages live in a temporary directory removed before Run returns.
func (p *Pipeline) Run(ctx context.Context, files []File, obs Observer) (*Result, error) {
	workDir := p.cfg.WorkDir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "invoice_ocr_")
		if err != nil {
			return nil, fmt.Errorf("creating work directory: %w", err)
		}
		defer func() {
			if err := os.RemoveAll(tmp); err != nil {
				slog.Warn("Failed to remove work directory", "path", tmp, "error", err)
			}
		}()
		workDir = tmp
	}

	work := snapshot(files)
	obs.update(work)

	work, err := p.split(ctx, work, workDir, obs)
	if err != nil {
		return p.stopped(work, nil, obs, err)
	}

	var (
		records       []extract.Record
		badCredential bool
	)
	for i := range work {
		if err := ctx.Err(); err != nil {
			return p.stopped(work, records, obs, err)
		}
		if !work[i].start() {
			continue
		}
		obs.update(work)

		record, err := p.extractWithRetry(ctx, work[i])
		if err != nil && ctx.Err() != nil {
			return p.stopped(work, records, obs, ctx.Err())
		}
		if err != nil {
			work[i].fail(err.Error())
			var httpErr *extract.HTTPError
			if errors.As(err, &httpErr) && httpErr.InvalidKey() {
				badCredential = true
			}
		} else {
			work[i].complete(record)
			records = append(records, *record)
		}
		obs.update(work)
	}

	if badCredential {
		obs.message(Message{
			Text: "An API key was rejected as invalid. Review your API keys and try again.",
			Kind: MessageCredentials,
		})
	}

	result := newResult(work, records)
	result.ExportPath = p.export(records, obs)
	return result, nil
}

// split replaces every pending PDF with one pending entry per rendered page
func (p *Pipeline) split(ctx context.Context, work []File, workDir string, obs Observer) ([]File, error) {
	for i := 0; i < len(work); {
		if err := ctx.Err(); err != nil {
			return work, err
		}
		f := work[i]
		if !raster.IsPDF(f.Path) || !work[i].start() {
			i++
			continue
		}
		obs.update(work)

		pages, err := p.rasterizer.Rasterize(ctx, f.Path, filepath.Join(workDir, f.ID))
		if ctx.Err() != nil {
			return work, ctx.Err()
		}
		if err != nil {
			slog.Error("Failed to split PDF", "file", f.Name, "error", err)
			work[i].fail(err.Error())
			obs.update(work)
			i++
			continue
		}

		if len(pages) == 0 {
			work = slices.Delete(work, i, i+1)
			obs.message(Message{Text: fmt.Sprintf("%s: no pages to process", f.Name), Kind: MessageInfo})
			obs.update(work)
			continue
		}

		children := make([]File, len(pages))
		for j, page := range pages {
			children[j] = File{
				ID:     fmt.Sprintf("%s_page_%d", f.ID, page.Number),
				Name:   filepath.Base(page.Path),
				Path:   page.Path,
				Status: StatusPending,
			}
		}
		work = slices.Replace(work, i, i+1, children...)
		i += len(children)

		obs.message(Message{Text: fmt.Sprintf("✓ %s: Split into %d image(s)", f.Name, len(pages)), Kind: MessageInfo})
		obs.update(work)
	}
	return work, nil
}

// export writes the records and reports the outcome; it returns the file path on success
func (p *Pipeline) export(records []extract.Record, obs Observer) string {
	write := p.exporter.Export
	if p.cfg.Summary {
		write = p.exporter.ExportWithSummary
	}

	path, err := write(records, "")
	switch {
	case errors.Is(err, export.ErrNoRecords):
		obs.message(Message{Text: "No invoices to export", Kind: MessageInfo})
		return ""
	case err != nil:
		slog.Error("Export failed", "error", err)
		obs.message(Message{Text: "Failed to export Excel file: " + err.Error(), Kind: MessageError})
		return ""
	}

	obs.message(Message{
		Text:       fmt.Sprintf("All %d invoices exported!", len(records)),
		Kind:       MessageInfo,
		FolderPath: filepath.Dir(path),
	})
	return path
}

func (p *Pipeline) stopped(work []File, records []extract.Record, obs Observer, err error) (*Result, error) {
	slog.Warn("Processing stopped", "error", err)
	obs.update([]File{})
	obs.message(Message{Text: "Processing stopped.", Kind: MessageInfo})
	return newResult(work, records), err
}

func newResult(work []File, records []extract.Record) *Result {
	statuses := make(map[string]Status, len(work))
	for _, f := range work {
		statuses[f.ID] = f.Status
	}
	if records == nil {
		records = []extract.Record{}
	}
	return &Result{
		Records:  records,
		Statuses: statuses,
		Files:    snapshot(work),
	}
}

package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/invoice-ocr/internal/extract"
)

const (
	invoicesSheet = "Invoices"
	detailsSheet  = "Details"
	summarySheet  = "Summary"
)

// ErrNoRecords is returned instead of writing an empty spreadsheet
var ErrNoRecords = errors.New("no invoice records to export")

var headers = []any{"Invoice Number", "Date", "Vendor", "Amount", "Total HT"}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// File is a previously written export
type File struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Exporter writes invoice records to .xlsx files
type Exporter struct {
	dir        string
	timeSource TimeSource
}

// NewExporter creates an Exporter that writes into dir by default
func NewExporter(dir string) *Exporter {
	return NewExporterWithDeps(dir, &defaultTimeSource{})
}

// NewExporterWithDeps creates an Exporter with a custom clock for testing
func NewExporterWithDeps(dir string, timeSrc TimeSource) *Exporter {
	return &Exporter{dir: dir, timeSource: timeSrc}
}

// Dir returns the default export directory
func (e *Exporter) Dir() string {
	return e.dir
}

// DefaultPath returns invoices_<yyyyMMdd_HHmmss>.xlsx inside the export directory
func (e *Exporter) DefaultPath() string {
	name := fmt.Sprintf("invoices_%s.xlsx", e.timeSource.Now().Format("20060102_150405"))
	return filepath.Join(e.dir, name)
}

// Export writes one row per record to a single "Invoices" sheet. An empty
// target selects DefaultPath. The written path is returned.
func (e *Exporter) Export(records []extract.Record, target string) (string, error) {
	return e.write(records, target, false)
}

// ExportWithSummary writes a "Details" sheet plus a "Summary" sheet with the
// invoice count and total amount.
func (e *Exporter) ExportWithSummary(records []extract.Record, target string) (string, error) {
	return e.write(records, target, true)
}

func (e *Exporter) write(records []extract.Record, target string, summary bool) (string, error) {
	if len(records) == 0 {
		return "", ErrNoRecords
	}
	if target == "" {
		target = e.DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := invoicesSheet
	if summary {
		sheet = detailsSheet
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return "", fmt.Errorf("naming sheet: %w", err)
	}

	if err := writeRecords(f, sheet, records); err != nil {
		return "", err
	}

	if summary {
		if err := writeSummary(f, records); err != nil {
			return "", err
		}
	}

	if err := f.SaveAs(target); err != nil {
		return "", fmt.Errorf("saving spreadsheet: %w", err)
	}

	slog.Info("Exported invoices", "path", target, "records", len(records), "summary", summary)
	return target, nil
}

func writeRecords(f *excelize.File, sheet string, records []extract.Record) error {
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("writing header row: %w", err)
	}
	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{r.InvoiceNumber, r.Date, r.Vendor, r.Amount, r.TotalHT}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	return nil
}

func writeSummary(f *excelize.File, records []extract.Record) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("creating summary sheet: %w", err)
	}

	var total float64
	for _, r := range records {
		total += r.Amount
	}

	rows := [][]any{
		{"Total Invoices", len(records)},
		{"Total Amount", total},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}
	return nil
}

// List returns the spreadsheets in the export directory, newest first
func (e *Exporter) List() ([]File, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []File{}, nil
		}
		return nil, fmt.Errorf("reading export directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".xlsx") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, File{
			Name:    entry.Name(),
			Path:    filepath.Join(e.dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].Name > files[j].Name
		}
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// Open returns the path of a saved export by file name
func (e *Exporter) Open(name string) (string, error) {
	if name != filepath.Base(name) || !strings.EqualFold(filepath.Ext(name), ".xlsx") {
		return "", fmt.Errorf("invalid export name: %s", name)
	}
	path := filepath.Join(e.dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("export not found: %w", err)
	}
	return path, nil
}

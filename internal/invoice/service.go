package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-ocr/internal/export"
	"github.com/zombor/invoice-ocr/internal/keys"
	"github.com/zombor/invoice-ocr/internal/raster"
)

// ErrNoFiles is returned when a batch would contain nothing to process
var ErrNoFiles = errors.New("at least one invoice file is required")

// IDGenerator generates unique IDs for batches and files
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Runner runs a batch of files to completion
type Runner interface {
	Run(ctx context.Context, files []File, obs Observer) (*Result, error)
}

// KeyPool is the part of keys.Pool the service exposes
type KeyPool interface {
	Keys() []string
	Usage(key string) int
	InCooldown(key string) bool
	AvailableCount() int
	TotalCount() int
	Add(key string) (bool, error)
	Remove(key string) (bool, error)
	Reset()
}

// ExportStore lists and resolves written spreadsheets
type ExportStore interface {
	List() ([]export.File, error)
	Open(name string) (string, error)
}

// Upload is one file received for processing
type Upload struct {
	Filename string
	Data     []byte
}

// KeyInfo describes a stored API key without revealing it
type KeyInfo struct {
	Masked      string `json:"masked"`
	Usage       int    `json:"usage"`
	CoolingDown bool   `json:"cooling_down"`
}

// KeyStatus summarizes the key pool
type KeyStatus struct {
	Total     int       `json:"total"`
	Available int       `json:"available"`
	Keys      []KeyInfo `json:"keys"`
}

type runningBatch struct {
	batch  *Batch
	cancel context.CancelFunc
	done   chan struct{}
}

// Service runs batches in the background and keeps their history
type Service struct {
	db          DB
	runner      Runner
	storage     Storage
	pool        KeyPool
	exports     ExportStore
	idGenerator IDGenerator
	timeSource  TimeSource

	mu      sync.Mutex
	running map[string]*runningBatch
}

// NewService creates a new Service with default ID generator and time source
func NewService(db DB, runner Runner, storage Storage, pool KeyPool, exports ExportStore) *Service {
	return NewServiceWithDeps(db, runner, storage, pool, exports, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, runner Runner, storage Storage, pool KeyPool, exports ExportStore, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		runner:      runner,
		storage:     storage,
		pool:        pool,
		exports:     exports,
		idGenerator: idGen,
		timeSource:  timeSrc,
		running:     make(map[string]*runningBatch),
	}
}

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	// Keep only alphanumeric, spaces, hyphens, and underscores
	reg := regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	base = reg.ReplaceAllString(base, "")

	reg = regexp.MustCompile(`\s+`)
	base = strings.TrimSpace(reg.ReplaceAllString(base, " "))

	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "invoice"
	}

	return base + ext
}

// StartBatch stores the uploads and starts processing them in the background
func (s *Service) StartBatch(uploads []Upload) (*Batch, error) {
	if len(uploads) == 0 {
		return nil, ErrNoFiles
	}
	for _, u := range uploads {
		if !raster.Supported(u.Filename) {
			return nil, fmt.Errorf("unsupported file type: %s", u.Filename)
		}
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	files := make([]File, 0, len(uploads))
	for i, u := range uploads {
		// Prefix with the position so identical names stay distinct
		name := fmt.Sprintf("%02d_%s", i+1, sanitizeFilename(u.Filename))
		rel, err := s.storage.Save(id, name, u.Data)
		if err != nil {
			s.cleanup(id)
			return nil, fmt.Errorf("saving file: %w", err)
		}
		files = append(files, File{
			ID:     s.idGenerator.Generate(),
			Name:   u.Filename,
			Path:   s.storage.Path(rel),
			Status: StatusPending,
		})
	}

	batch := &Batch{
		ID:        id,
		State:     BatchRunning,
		Files:     files,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.SaveBatch(batch); err != nil {
		s.cleanup(id)
		return nil, fmt.Errorf("saving batch to database: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rb := &runningBatch{batch: batch, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[id] = rb
	out := copyBatch(batch)
	s.mu.Unlock()

	go s.run(ctx, rb, files)

	slog.Info("Batch started", "batch", id, "files", len(files))
	return out, nil
}

func (s *Service) run(ctx context.Context, rb *runningBatch, files []File) {
	defer close(rb.done)
	defer rb.cancel()

	obs := Observer{
		OnUpdate: func(files []File) {
			s.mu.Lock()
			defer s.mu.Unlock()
			rb.batch.Files = files
			rb.batch.UpdatedAt = s.timeSource.Now()
		},
		OnMessage: func(msg Message) {
			s.mu.Lock()
			defer s.mu.Unlock()
			rb.batch.Messages = append(rb.batch.Messages, msg)
			rb.batch.UpdatedAt = s.timeSource.Now()
		},
	}

	result, err := s.runner.Run(ctx, files, obs)

	s.mu.Lock()
	batch := rb.batch
	switch {
	case errors.Is(err, context.Canceled):
		batch.State = BatchStopped
	case err != nil:
		batch.State = BatchFailed
		batch.Messages = append(batch.Messages, Message{Text: err.Error(), Kind: MessageError})
	default:
		batch.State = BatchCompleted
	}
	if result != nil {
		batch.Files = result.Files
		batch.ExportPath = result.ExportPath
	}
	batch.UpdatedAt = s.timeSource.Now()
	final := copyBatch(batch)
	s.mu.Unlock()

	// Readers fall through to the database once the batch leaves the running set
	if err := s.db.SaveBatch(final); err != nil {
		slog.Error("Failed to save finished batch", "batch", final.ID, "error", err)
	}
	s.mu.Lock()
	delete(s.running, final.ID)
	s.mu.Unlock()

	slog.Info("Batch finished", "batch", final.ID, "state", final.State, "export", final.ExportPath)
}

func (s *Service) cleanup(id string) {
	if err := s.storage.RemoveAll(id); err != nil {
		slog.Warn("Failed to remove batch files", "batch", id, "error", err)
	}
}

func copyBatch(b *Batch) *Batch {
	out := *b
	out.Files = snapshot(b.Files)
	out.Messages = append([]Message{}, b.Messages...)
	return &out
}

// GetBatch returns a batch, live if it is still running
func (s *Service) GetBatch(id string) (*Batch, error) {
	s.mu.Lock()
	if rb, ok := s.running[id]; ok {
		out := copyBatch(rb.batch)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	batch, err := s.db.GetBatch(id)
	if err != nil {
		return nil, fmt.Errorf("getting batch: %w", err)
	}
	return batch, nil
}

// ListBatches returns every batch, newest first
func (s *Service) ListBatches() ([]*Batch, error) {
	batches, err := s.db.ListBatches()
	if err != nil {
		return nil, fmt.Errorf("listing batches: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range batches {
		if rb, ok := s.running[b.ID]; ok {
			batches[i] = copyBatch(rb.batch)
		}
	}
	return batches, nil
}

// StopOrDeleteBatch stops a running batch. A finished batch is deleted
// along with its uploaded files. It reports whether the batch was running.
func (s *Service) StopOrDeleteBatch(id string) (bool, error) {
	s.mu.Lock()
	rb, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		rb.cancel()
		slog.Info("Batch stop requested", "batch", id)
		return true, nil
	}

	if _, err := s.db.GetBatch(id); err != nil {
		return false, fmt.Errorf("getting batch for deletion: %w", err)
	}
	s.cleanup(id)
	if err := s.db.DeleteBatch(id); err != nil {
		return false, fmt.Errorf("deleting batch from database: %w", err)
	}
	return false, nil
}

// Wait blocks until the batch is no longer running or ctx is done
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	rb, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-rb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every running batch and waits for them to finish
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id, rb := range s.running {
		rb.cancel()
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// KeyStatus describes the key pool
func (s *Service) KeyStatus() KeyStatus {
	list := s.pool.Keys()
	infos := make([]KeyInfo, len(list))
	for i, k := range list {
		infos[i] = KeyInfo{
			Masked:      keys.Mask(k),
			Usage:       s.pool.Usage(k),
			CoolingDown: s.pool.InCooldown(k),
		}
	}
	return KeyStatus{
		Total:     s.pool.TotalCount(),
		Available: s.pool.AvailableCount(),
		Keys:      infos,
	}
}

// AddKey stores a new API key
func (s *Service) AddKey(key string) (bool, error) {
	return s.pool.Add(key)
}

// RemoveKey deletes an API key
func (s *Service) RemoveKey(key string) (bool, error) {
	return s.pool.Remove(key)
}

// ResetKeys clears every cooldown and usage counter
func (s *Service) ResetKeys() {
	s.pool.Reset()
}

// ListExports returns the written spreadsheets, newest first
func (s *Service) ListExports() ([]export.File, error) {
	files, err := s.exports.List()
	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}
	return files, nil
}

// ExportPath resolves a spreadsheet by file name
func (s *Service) ExportPath(name string) (string, error) {
	return s.exports.Open(name)
}

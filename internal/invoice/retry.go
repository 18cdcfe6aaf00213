package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zombor/invoice-ocr/internal/extract"
	"github.com/zombor/invoice-ocr/internal/raster"
)

// Sleeper waits for d or until ctx is done
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// errLocal marks failures that another attempt cannot fix
var errLocal = errors.New("local file error")

// backoff returns the delay before retrying after a generic failure
func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.cfg.RetryDelay << (attempt - 1)
}

// extractWithRetry runs up to MaxAttempts extraction attempts, rotating
// credentials between them. The pacing delay follows every attempt.
func (p *Pipeline) extractWithRetry(ctx context.Context, f File) (*extract.Record, error) {
	logCtx := slog.With("file", f.Name, "id", f.ID)

	data, mimeType, err := p.loadImage(f.Path)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		credential, err := p.pool.Select()
		if err != nil {
			return nil, err
		}

		record, err := p.extractor.Extract(ctx, data, mimeType, credential)
		if err == nil {
			logCtx.Info("Invoice extracted", "attempt", attempt, "invoice", record.InvoiceNumber)
			if err := p.sleeper.Sleep(ctx, p.cfg.RequestDelay); err != nil {
				return nil, err
			}
			return record, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		final := attempt == p.cfg.MaxAttempts

		var httpErr *extract.HTTPError
		switch {
		case errors.As(err, &httpErr) && httpErr.RateLimited():
			p.pool.MarkRateLimited(credential)
			wait := httpErr.RetryAfter + p.cfg.RateLimitBuffer
			logCtx.Warn("Rate limited", "attempt", attempt, "wait", wait)
			if !final {
				if err := p.sleeper.Sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
		case errors.As(err, &httpErr) && httpErr.Unauthorized():
			p.pool.MarkFailed(credential)
			logCtx.Warn("Credential rejected, rotating", "attempt", attempt, "status", httpErr.StatusCode)
		default:
			logCtx.Warn("Extraction attempt failed", "attempt", attempt, "error", err)
			if !final {
				if err := p.sleeper.Sleep(ctx, p.backoff(attempt)); err != nil {
					return nil, err
				}
			}
		}

		if err := p.sleeper.Sleep(ctx, p.cfg.RequestDelay); err != nil {
			return nil, err
		}
	}

	logCtx.Error("Extraction failed", "attempts", p.cfg.MaxAttempts, "error", lastErr)
	return nil, lastErr
}

// loadImage reads and normalizes an image from disk
func (p *Pipeline) loadImage(path string) ([]byte, string, error) {
	mimeType := raster.MimeType(path)
	if mimeType == "" || mimeType == "application/pdf" {
		return nil, "", fmt.Errorf("%w: unsupported file type %s", errLocal, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading image: %v", errLocal, err)
	}

	data, mimeType, err = raster.Normalize(data, mimeType, p.cfg.MaxDimension)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", errLocal, err)
	}
	return data, mimeType, nil
}

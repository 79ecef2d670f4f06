package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/observability"
	"github.com/estoque-live/estoque-live/internal/remote"
)

// ErrAborted marks a fetch superseded by cancellation. It is neither a
// success nor a failure; callers must discard the attempt without touching
// state.
var ErrAborted = errors.New("cache: fetch aborted")

// ErrBadResponse marks a store reply that failed shape validation. It still
// consumes retry budget but is logged separately for diagnosis.
var ErrBadResponse = errors.New("cache: malformed store response")

// FetchStore is the read side of the remote store used by the fetcher.
type FetchStore interface {
	QueryRows(ctx context.Context, p remote.QueryParams) (remote.QueryResult, error)
}

// FetcherConfig tunes the retry machinery.
type FetcherConfig struct {
	// Timeout bounds a single attempt. Defaults to 30s.
	Timeout time.Duration
	// MaxAttempts bounds the retry loop. Defaults to 3.
	MaxAttempts int
	// BaseDelay is the first backoff delay, doubled per attempt. Defaults to 1s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Defaults to 8s.
	MaxDelay time.Duration
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	return c
}

// Fetcher executes one page request with a per-attempt timeout and
// exponential backoff between attempts.
type Fetcher struct {
	store   FetchStore
	cfg     FetcherConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewFetcher constructs Fetcher.
func NewFetcher(store FetchStore, cfg FetcherConfig, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{store: store, cfg: cfg.withDefaults(), logger: logger, metrics: metrics}
}

// FetchPage loads one page for a category. The exact count is requested only
// for page zero; later pages infer has-more from page fullness.
func (f *Fetcher) FetchPage(ctx context.Context, categoryID uuid.UUID, page, size int) (remote.QueryResult, error) {
	params := remote.QueryParams{
		CategoryID: categoryID,
		Offset:     page * size,
		Limit:      size,
		WithCount:  page == 0,
	}

	delay := f.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return remote.QueryResult{}, ErrAborted
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		res, err := f.store.QueryRows(attemptCtx, params)
		cancel()
		if err == nil {
			err = validatePage(page, params, res)
			if err != nil {
				f.logger.Error("store response failed validation",
					slog.String("category", categoryID.String()),
					slog.Int("page", page),
					slog.Any("error", err))
			}
		}
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return remote.QueryResult{}, ErrAborted
		}
		lastErr = err
		if attempt == f.cfg.MaxAttempts {
			break
		}
		f.metrics.FetchRetry()
		f.logger.Warn("page fetch failed, retrying",
			slog.String("category", categoryID.String()),
			slog.Int("page", page),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return remote.QueryResult{}, ErrAborted
		}
		delay *= 2
		if delay > f.cfg.MaxDelay {
			delay = f.cfg.MaxDelay
		}
	}
	return remote.QueryResult{}, fmt.Errorf("cache: fetch page %d after %d attempts: %w", page, f.cfg.MaxAttempts, lastErr)
}

func validatePage(page int, params remote.QueryParams, res remote.QueryResult) error {
	if res.Rows == nil {
		return fmt.Errorf("%w: nil rows", ErrBadResponse)
	}
	if params.WithCount && res.Count < 0 {
		return fmt.Errorf("%w: count requested but missing", ErrBadResponse)
	}
	if page == 0 && res.Count > 0 && len(res.Rows) == 0 {
		return fmt.Errorf("%w: empty first page against count %d", ErrBadResponse, res.Count)
	}
	return nil
}

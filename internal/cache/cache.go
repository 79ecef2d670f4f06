// Package cache maintains the locally-held, paginated view of one
// category's product rows and reconciles it against the remote store:
// page fetches, optimistic mutations, and change-feed events all funnel
// through the same merge-by-id, re-sort path.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/observability"
	"github.com/estoque-live/estoque-live/internal/remote"
)

// ErrNoCategory indicates an operation before any category was selected.
var ErrNoCategory = errors.New("cache: no category selected")

// Store is the mutation-capable slice of the remote store the cache needs.
type Store interface {
	FetchStore
	GetRow(ctx context.Context, id uuid.UUID) (catalog.Row, error)
	InsertRows(ctx context.Context, categoryID uuid.UUID, fields []catalog.Fields) ([]catalog.Row, error)
	UpdateRow(ctx context.Context, id uuid.UUID, fields catalog.Fields) (catalog.Row, error)
	DeleteRow(ctx context.Context, id uuid.UUID) error
	DeleteByCategory(ctx context.Context, categoryID uuid.UUID) error
}

// HistoryRecorder receives price-history side effects. Recording is
// fire-and-forget: failures are logged by the cache, never propagated.
type HistoryRecorder interface {
	Record(ctx context.Context, e catalog.PriceHistoryEntry) error
}

// Snapshot is the reactive view handed to consumers.
type Snapshot struct {
	CategoryID     uuid.UUID     `json:"category_id"`
	Rows           []catalog.Row `json:"rows"`
	Page           int           `json:"page"`
	HasMore        bool          `json:"has_more"`
	Total          int64         `json:"total"`
	LoadingInitial bool          `json:"loading_initial"`
	LoadingMore    bool          `json:"loading_more"`
	Error          string        `json:"error,omitempty"`
}

// BatchError reports which import batch failed. Earlier batches are already
// committed; there is no transaction spanning batches.
type BatchError struct {
	Batch int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("cache: import batch %d: %v", e.Batch, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Options tunes a Cache.
type Options struct {
	// PageSize is the fetch page size. Defaults to 50.
	PageSize int
	// ImportBatchSize bounds bulk-insert batches. Defaults to 100.
	ImportBatchSize int
	Metrics         *observability.Metrics
}

type pageKey struct {
	category uuid.UUID
	page     int
}

// Cache owns the in-memory ordered row collection and pagination state for
// one selected category. The mutex stands in for the single logical thread
// of the original design: cache methods and the reconciliation handler are
// the only writers and both serialize on it.
type Cache struct {
	store   Store
	fetcher *Fetcher
	history HistoryRecorder
	logger  *slog.Logger
	metrics *observability.Metrics

	pageSize    int
	importBatch int

	mu         sync.Mutex
	categoryID uuid.UUID
	// epoch distinguishes category generations; results of fetches started
	// under an older epoch are discarded.
	epoch   uint64
	rows    []catalog.Row
	present map[uuid.UUID]struct{}
	page    int
	fetched int64
	total   int64
	hasMore bool

	loadingInitial bool
	loadingMore    bool
	lastErr        error
	failedPage     int

	inflight    map[pageKey]struct{}
	genCtx      context.Context
	cancelGen   context.CancelFunc
	fetchCtx    context.Context
	cancelFetch context.CancelFunc
}

// New constructs a Cache.
func New(store Store, fetcher *Fetcher, history HistoryRecorder, logger *slog.Logger, opts Options) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.ImportBatchSize <= 0 {
		opts.ImportBatchSize = 100
	}
	return &Cache{
		store:       store,
		fetcher:     fetcher,
		history:     history,
		logger:      logger,
		metrics:     opts.Metrics,
		pageSize:    opts.PageSize,
		importBatch: opts.ImportBatchSize,
		present:     make(map[uuid.UUID]struct{}),
		inflight:    make(map[pageKey]struct{}),
		total:       -1,
		failedPage:  -1,
	}
}

// SelectCategory switches the cache to a category, discarding all state of
// the previous one and loading the first page. Selecting the already-current
// category is a no-op; use Refresh to force a reload.
func (c *Cache) SelectCategory(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrNoCategory
	}
	c.mu.Lock()
	if id == c.categoryID {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked(ctx, id)
	c.mu.Unlock()
	return c.fetchPage(0, false)
}

// Refresh reloads page zero for the current category, replacing the loaded
// set, and cancels any in-flight page request first.
func (c *Cache) Refresh() error {
	c.mu.Lock()
	if c.categoryID == uuid.Nil {
		c.mu.Unlock()
		return ErrNoCategory
	}
	c.mu.Unlock()
	return c.fetchPage(0, true)
}

// LoadMore fetches the next page. It is guarded: while a load is running,
// after a failure, or once the set is complete it does nothing.
func (c *Cache) LoadMore() error {
	c.mu.Lock()
	if c.categoryID == uuid.Nil || c.loadingInitial || c.loadingMore || !c.hasMore || c.lastErr != nil {
		c.mu.Unlock()
		return nil
	}
	next := c.page + 1
	c.mu.Unlock()
	return c.fetchPage(next, false)
}

// RetryLoadMore re-issues the page that last failed, bypassing the
// in-flight dedup guard.
func (c *Cache) RetryLoadMore() error {
	c.mu.Lock()
	if c.lastErr == nil || c.failedPage < 0 {
		c.mu.Unlock()
		return nil
	}
	page := c.failedPage
	c.lastErr = nil
	c.mu.Unlock()
	return c.fetchPage(page, true)
}

// Stop cancels any in-flight work. The cache is unusable afterwards until a
// new category is selected.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelGen != nil {
		c.cancelGen()
	}
}

// fetchPage runs one deduplicated page request and applies the result.
// bypass skips the in-flight dedup guard (explicit retries and refreshes).
func (c *Cache) fetchPage(page int, bypass bool) error {
	c.mu.Lock()
	if c.categoryID == uuid.Nil {
		c.mu.Unlock()
		return ErrNoCategory
	}
	key := pageKey{category: c.categoryID, page: page}
	if _, busy := c.inflight[key]; busy && !bypass {
		c.mu.Unlock()
		return nil
	}
	c.inflight[key] = struct{}{}
	epoch := c.epoch
	categoryID := c.categoryID
	if page == 0 {
		// A fresh page-0 request supersedes anything still in flight for
		// this category.
		if c.cancelFetch != nil {
			c.cancelFetch()
		}
		c.fetchCtx, c.cancelFetch = context.WithCancel(c.genCtx)
		c.loadingInitial = true
	} else {
		c.loadingMore = true
	}
	ctx := c.fetchCtx
	c.mu.Unlock()

	res, err := c.fetcher.FetchPage(ctx, categoryID, page, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, key)
	if c.epoch == epoch {
		if page == 0 {
			c.loadingInitial = false
		} else {
			c.loadingMore = false
		}
	}
	if errors.Is(err, ErrAborted) || c.epoch != epoch {
		// Superseded: never apply results or surface errors.
		return nil
	}
	if err != nil {
		c.lastErr = err
		c.failedPage = page
		return err
	}
	c.applyPageLocked(page, res)
	return nil
}

// applyPageLocked merges one fetched page. Page zero replaces the whole set;
// later pages append. Both paths dedup by id and re-sort.
func (c *Cache) applyPageLocked(page int, res remote.QueryResult) {
	if page == 0 {
		c.rows = nil
		c.present = make(map[uuid.UUID]struct{})
		c.fetched = 0
	}
	for _, row := range res.Rows {
		c.mergeRowLocked(row)
	}
	c.sortLocked()
	c.page = page
	c.fetched += int64(len(res.Rows))
	if page == 0 {
		c.total = res.Count
	}
	if c.total >= 0 {
		c.hasMore = c.fetched < c.total
	} else {
		c.hasMore = len(res.Rows) == c.pageSize
	}
	c.lastErr = nil
	c.failedPage = -1
}

// Add writes a new row through to the store and merges the acknowledged row.
// No speculative local row is created; the authoritative copy arrives in the
// insert response or via the change feed, whichever lands first.
func (c *Cache) Add(ctx context.Context, fields catalog.Fields) (catalog.Row, error) {
	c.mu.Lock()
	categoryID := c.categoryID
	c.mu.Unlock()
	if categoryID == uuid.Nil {
		return catalog.Row{}, ErrNoCategory
	}

	clean := catalog.SanitizeFields(fields)
	rows, err := c.store.InsertRows(ctx, categoryID, []catalog.Fields{clean})
	if err != nil {
		return catalog.Row{}, fmt.Errorf("cache: add row: %w", err)
	}
	if len(rows) == 0 {
		return catalog.Row{}, fmt.Errorf("%w: insert returned no row", ErrBadResponse)
	}
	row := rows[0]

	c.mu.Lock()
	if row.CategoryID == c.categoryID {
		c.mergeRowLocked(row)
		c.sortLocked()
	}
	c.mu.Unlock()

	c.recordInitialHistory(ctx, row.ID, clean)
	return row, nil
}

// Update optimistically patches the local row, then merges the patch onto
// the authoritative field blob and writes it back. On failure the
// pre-mutation row set is restored verbatim.
func (c *Cache) Update(ctx context.Context, id uuid.UUID, patch catalog.Fields) error {
	patch = catalog.SanitizeFields(patch)

	c.mu.Lock()
	idx, ok := c.indexLocked(id)
	if !ok {
		c.mu.Unlock()
		return catalog.ErrNotFound
	}
	snapshot := make([]catalog.Row, len(c.rows))
	copy(snapshot, c.rows)
	oldFields := c.rows[idx].Fields
	merged := oldFields.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	c.rows[idx].Fields = merged
	c.sortLocked()
	epoch := c.epoch
	c.mu.Unlock()

	authoritative, err := c.store.GetRow(ctx, id)
	var updated catalog.Row
	if err == nil {
		next := authoritative.Fields.Clone()
		for k, v := range patch {
			next[k] = v
		}
		updated, err = c.store.UpdateRow(ctx, id, next)
	}
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch {
			c.restoreLocked(snapshot)
			c.metrics.Rollback()
		}
		c.mu.Unlock()
		return fmt.Errorf("cache: update row: %w", err)
	}

	c.mu.Lock()
	if c.epoch == epoch && updated.ID != uuid.Nil && updated.CategoryID == c.categoryID {
		c.mergeRowLocked(updated)
		c.sortLocked()
	}
	c.mu.Unlock()

	c.recordPriceChanges(ctx, id, oldFields, patch)
	return nil
}

// Delete removes a row. The local copy goes immediately on acknowledgement;
// the eventual feed echo for the same id is an idempotent no-op.
func (c *Cache) Delete(ctx context.Context, id uuid.UUID) error {
	if err := c.store.DeleteRow(ctx, id); err != nil {
		return fmt.Errorf("cache: delete row: %w", err)
	}
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
	return nil
}

// DeleteAll clears every row of the current category.
func (c *Cache) DeleteAll(ctx context.Context) error {
	c.mu.Lock()
	categoryID := c.categoryID
	c.mu.Unlock()
	if categoryID == uuid.Nil {
		return ErrNoCategory
	}
	if err := c.store.DeleteByCategory(ctx, categoryID); err != nil {
		return fmt.Errorf("cache: delete all: %w", err)
	}
	c.mu.Lock()
	if c.categoryID == categoryID {
		c.rows = nil
		c.present = make(map[uuid.UUID]struct{})
		c.page = 0
		c.fetched = 0
		c.total = 0
		c.hasMore = false
		c.lastErr = nil
		c.failedPage = -1
		c.inflight = make(map[pageKey]struct{})
	}
	c.mu.Unlock()
	return nil
}

// ImportBulk inserts rows in fixed-size sequential batches, then reloads
// page zero instead of merging the new rows by hand. A failed batch aborts
// the rest; batches already written stay written.
func (c *Cache) ImportBulk(ctx context.Context, list []catalog.Fields) error {
	c.mu.Lock()
	categoryID := c.categoryID
	c.mu.Unlock()
	if categoryID == uuid.Nil {
		return ErrNoCategory
	}
	for i := 0; i*c.importBatch < len(list); i++ {
		lo := i * c.importBatch
		hi := min(lo+c.importBatch, len(list))
		inserted, err := c.store.InsertRows(ctx, categoryID, list[lo:hi])
		if err != nil {
			return &BatchError{Batch: i, Err: err}
		}
		for _, row := range inserted {
			c.recordInitialHistory(ctx, row.ID, row.Fields)
		}
	}
	return c.Refresh()
}

// Snapshot returns a copy of the current view.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		CategoryID:     c.categoryID,
		Rows:           make([]catalog.Row, len(c.rows)),
		Page:           c.page,
		HasMore:        c.hasMore,
		Total:          c.total,
		LoadingInitial: c.loadingInitial,
		LoadingMore:    c.loadingMore,
	}
	for i, row := range c.rows {
		row.Fields = row.Fields.Clone()
		snap.Rows[i] = row
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	return snap
}

func (c *Cache) resetLocked(ctx context.Context, id uuid.UUID) {
	if c.cancelGen != nil {
		c.cancelGen()
	}
	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.genCtx, c.cancelGen = genCtx, cancel
	c.fetchCtx, c.cancelFetch = genCtx, nil
	c.epoch++
	c.categoryID = id
	c.rows = nil
	c.present = make(map[uuid.UUID]struct{})
	c.page = 0
	c.fetched = 0
	c.total = -1
	c.hasMore = true
	c.loadingInitial = false
	c.loadingMore = false
	c.lastErr = nil
	c.failedPage = -1
	c.inflight = make(map[pageKey]struct{})
}

func (c *Cache) indexLocked(id uuid.UUID) (int, bool) {
	if _, ok := c.present[id]; !ok {
		return -1, false
	}
	for i := range c.rows {
		if c.rows[i].ID == id {
			return i, true
		}
	}
	return -1, false
}

// mergeRowLocked inserts a row or shallow-merges its field snapshot into the
// existing copy. Callers re-sort afterwards.
func (c *Cache) mergeRowLocked(row catalog.Row) {
	if idx, ok := c.indexLocked(row.ID); ok {
		local := &c.rows[idx]
		merged := local.Fields.Clone()
		for k, v := range row.Fields {
			merged[k] = v
		}
		local.Fields = merged
		if !row.UpdatedAt.IsZero() {
			local.UpdatedAt = row.UpdatedAt
		}
		return
	}
	if row.Fields == nil {
		row.Fields = catalog.Fields{}
	}
	c.rows = append(c.rows, row)
	c.present[row.ID] = struct{}{}
}

func (c *Cache) removeLocked(id uuid.UUID) {
	idx, ok := c.indexLocked(id)
	if !ok {
		return
	}
	c.rows = append(c.rows[:idx], c.rows[idx+1:]...)
	delete(c.present, id)
}

func (c *Cache) restoreLocked(snapshot []catalog.Row) {
	c.rows = snapshot
	c.present = make(map[uuid.UUID]struct{}, len(snapshot))
	for i := range snapshot {
		c.present[snapshot[i].ID] = struct{}{}
	}
}

// sortLocked keeps rows in locale-aware display-name order. The sort is
// stable so equal names keep their fetch order.
func (c *Cache) sortLocked() {
	sort.SliceStable(c.rows, func(i, j int) bool {
		a := catalog.DisplayName(c.rows[i].Fields)
		b := catalog.DisplayName(c.rows[j].Fields)
		return catalog.CompareNames(a, b) < 0
	})
}

func (c *Cache) recordInitialHistory(ctx context.Context, productID uuid.UUID, fields catalog.Fields) {
	if c.history == nil {
		return
	}
	for key, value := range fields {
		if !catalog.IsPriceField(key) {
			continue
		}
		amount, ok := catalog.ParseAmount(value)
		if !ok || !amount.IsPositive() {
			continue
		}
		e := catalog.PriceHistoryEntry{
			ProductID: productID,
			Price:     amount,
			ColumnKey: key,
		}
		if err := c.history.Record(ctx, e); err != nil {
			c.logger.Warn("record initial price history",
				slog.String("product", productID.String()),
				slog.String("column", key),
				slog.Any("error", err))
		}
	}
}

func (c *Cache) recordPriceChanges(ctx context.Context, productID uuid.UUID, before catalog.Fields, patch catalog.Fields) {
	if c.history == nil {
		return
	}
	for key, value := range patch {
		if !catalog.IsPriceField(key) {
			continue
		}
		newVal, ok := catalog.ParseAmount(value)
		if !ok {
			continue
		}
		oldVal, ok := catalog.ParseAmount(before[key])
		if !ok || oldVal.Equal(newVal) {
			continue
		}
		e := catalog.PriceHistoryEntry{
			ProductID: productID,
			Price:     newVal,
			OldPrice:  oldVal,
			Variation: catalog.Variation(oldVal, newVal),
			ColumnKey: key,
		}
		if err := c.history.Record(ctx, e); err != nil {
			c.logger.Warn("record price history",
				slog.String("product", productID.String()),
				slog.String("column", key),
				slog.Any("error", err))
		}
	}
}

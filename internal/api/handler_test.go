package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/estoque-live/estoque-live/internal/cache"
	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/category"
	"github.com/estoque-live/estoque-live/internal/remote"
)

// memoryStore backs the whole handler stack in tests: product rows,
// categories, and history in one place.
type memoryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID][]catalog.Row
	cats    map[uuid.UUID]catalog.Category
	order   []uuid.UUID
	history []catalog.PriceHistoryEntry
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rows: make(map[uuid.UUID][]catalog.Row),
		cats: make(map[uuid.UUID]catalog.Category),
	}
}

func (s *memoryStore) addCategory(name string, columns ...catalog.ColumnDef) catalog.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(columns) == 0 {
		columns = []catalog.ColumnDef{
			{Key: "name", Label: "Nome", Type: "text", Required: true},
			{Key: "price", Label: "Preço", Type: "currency"},
		}
	}
	cat := catalog.Category{ID: uuid.New(), Name: name, Columns: columns}
	s.cats[cat.ID] = cat
	s.order = append(s.order, cat.ID)
	return cat
}

func (s *memoryStore) QueryRows(ctx context.Context, p remote.QueryParams) (remote.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.rows[p.CategoryID]
	res := remote.QueryResult{Rows: []catalog.Row{}, Count: -1}
	if p.WithCount {
		res.Count = int64(len(all))
	}
	for i := p.Offset; i < len(all) && i < p.Offset+p.Limit; i++ {
		row := all[i]
		row.Fields = row.Fields.Clone()
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (s *memoryStore) GetRow(ctx context.Context, id uuid.UUID) (catalog.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rows := range s.rows {
		for _, row := range rows {
			if row.ID == id {
				row.Fields = row.Fields.Clone()
				return row, nil
			}
		}
	}
	return catalog.Row{}, catalog.ErrNotFound
}

func (s *memoryStore) InsertRows(ctx context.Context, categoryID uuid.UUID, fields []catalog.Fields) ([]catalog.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Row, 0, len(fields))
	for _, f := range fields {
		row := catalog.Row{ID: uuid.New(), CategoryID: categoryID, Fields: f.Clone(), CreatedAt: time.Now(), UpdatedAt: time.Now()}
		s.rows[categoryID] = append(s.rows[categoryID], row)
		out = append(out, row)
	}
	return out, nil
}

func (s *memoryStore) UpdateRow(ctx context.Context, id uuid.UUID, fields catalog.Fields) (catalog.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for categoryID, rows := range s.rows {
		for i := range rows {
			if rows[i].ID == id {
				rows[i].Fields = fields.Clone()
				s.rows[categoryID] = rows
				return rows[i], nil
			}
		}
	}
	return catalog.Row{}, catalog.ErrNotFound
}

func (s *memoryStore) DeleteRow(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for categoryID, rows := range s.rows {
		for i := range rows {
			if rows[i].ID == id {
				s.rows[categoryID] = append(rows[:i], rows[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (s *memoryStore) DeleteByCategory(ctx context.Context, categoryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, categoryID)
	return nil
}

func (s *memoryStore) ListCategories(ctx context.Context) ([]catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Category, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.cats[id])
	}
	return out, nil
}

func (s *memoryStore) GetCategory(ctx context.Context, id uuid.UUID) (catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.cats[id]
	if !ok {
		return catalog.Category{}, catalog.ErrNotFound
	}
	return cat, nil
}

func (s *memoryStore) InsertCategory(ctx context.Context, cat catalog.Category) (catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.cats {
		if existing.Name == cat.Name {
			return catalog.Category{}, catalog.ErrDuplicate
		}
	}
	cat.ID = uuid.New()
	s.cats[cat.ID] = cat
	s.order = append(s.order, cat.ID)
	return cat, nil
}

func (s *memoryStore) UpdateCategory(ctx context.Context, id uuid.UUID, patch remote.CategoryPatch) (catalog.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, ok := s.cats[id]
	if !ok {
		return catalog.Category{}, catalog.ErrNotFound
	}
	if patch.Name != nil {
		cat.Name = *patch.Name
	}
	if patch.Description != nil {
		cat.Description = *patch.Description
	}
	if patch.Columns != nil {
		cat.Columns = *patch.Columns
	}
	s.cats[id] = cat
	return cat, nil
}

func (s *memoryStore) DeleteCategory(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cats[id]; !ok {
		return catalog.ErrNotFound
	}
	delete(s.cats, id)
	delete(s.rows, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memoryStore) InsertHistory(ctx context.Context, e catalog.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
	return nil
}

func (s *memoryStore) HistoryByProduct(ctx context.Context, productID uuid.UUID) ([]catalog.PriceHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []catalog.PriceHistoryEntry{}
	for _, e := range s.history {
		if e.ProductID == productID {
			out = append(out, e)
		}
	}
	return out, nil
}

type storeRecorder struct{ store *memoryStore }

func (r storeRecorder) Record(ctx context.Context, e catalog.PriceHistoryEntry) error {
	return r.store.InsertHistory(ctx, e)
}

func newTestServer(t *testing.T, store *memoryStore) http.Handler {
	t.Helper()
	fetcher := cache.NewFetcher(store, cache.FetcherConfig{
		Timeout:     time.Second,
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
	}, nil, nil)
	productCache := cache.New(store, fetcher, storeRecorder{store}, nil, cache.Options{})
	t.Cleanup(productCache.Stop)
	categories := category.NewService(store, nil)
	h := NewHandler(nil, productCache, categories, store)

	r := chi.NewRouter()
	r.Route("/api", h.MountRoutes)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) cache.Snapshot {
	t.Helper()
	var snap cache.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	return snap
}

func TestGetProductsReturnsSortedSnapshot(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	_, err := store.InsertRows(context.Background(), cat.ID, []catalog.Fields{
		{"name": "banana"}, {"name": "abacaxi"},
	})
	require.NoError(t, err)
	h := newTestServer(t, store)

	rec := do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decodeSnapshot(t, rec)
	require.Equal(t, cat.ID, snap.CategoryID)
	require.Len(t, snap.Rows, 2)
	require.Equal(t, "abacaxi", snap.Rows[0].Fields["name"])
	require.EqualValues(t, 2, snap.Total)
}

func TestGetProductsRejectsBadCategory(t *testing.T) {
	h := newTestServer(t, newMemoryStore())
	rec := do(t, h, http.MethodGet, "/api/products?category=not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestAddUpdateDeleteProduct(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	h := newTestServer(t, store)
	do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)

	rec := do(t, h, http.MethodPost, "/api/products", catalog.Fields{"name": "café", "price": 12})
	require.Equal(t, http.StatusCreated, rec.Code)
	var row catalog.Row
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&row))
	require.NotEqual(t, uuid.Nil, row.ID)

	rec = do(t, h, http.MethodPatch, "/api/products/"+row.ID.String(), catalog.Fields{"price": 15})
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decodeSnapshot(t, rec)
	require.InDelta(t, 15.0, snap.Rows[0].Fields["price"], 0.0001)

	rec = do(t, h, http.MethodGet, "/api/products/"+row.ID.String()+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []catalog.PriceHistoryEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&entries))
	require.Len(t, entries, 2)

	rec = do(t, h, http.MethodDelete, "/api/products/"+row.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUpdateUnknownProductIs404(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	h := newTestServer(t, store)
	do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)

	rec := do(t, h, http.MethodPatch, "/api/products/"+uuid.NewString(), catalog.Fields{"price": 1})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportMapsAndInserts(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	h := newTestServer(t, store)
	do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)

	rec := do(t, h, http.MethodPost, "/api/products/import", importRequest{
		Header: []string{"Nome", "Preço"},
		Rows:   [][]string{{"Café", "12,50"}, {"Leite", "4,00"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)
	snap := decodeSnapshot(t, rec)
	require.Len(t, snap.Rows, 2)
}

func TestImportRejectsMissingRequiredColumn(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	h := newTestServer(t, store)
	do(t, h, http.MethodGet, "/api/products?category="+cat.ID.String(), nil)

	rec := do(t, h, http.MethodPost, "/api/products/import", importRequest{
		Header: []string{"Preço"},
		Rows:   [][]string{{"12,50"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteLastCategoryIs409(t *testing.T) {
	store := newMemoryStore()
	cat := store.addCategory("Bebidas")
	h := newTestServer(t, store)

	rec := do(t, h, http.MethodDelete, "/api/categories/"+cat.ID.String(), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCategoryCRUD(t *testing.T) {
	store := newMemoryStore()
	store.addCategory("Bebidas")
	h := newTestServer(t, store)

	rec := do(t, h, http.MethodPost, "/api/categories", category.CreateInput{
		Name:    "Comidas",
		Columns: []category.ColumnInput{{Key: "name", Label: "Nome", Type: "text", Required: true}},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created catalog.Category
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = do(t, h, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cats []catalog.Category
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cats))
	require.Len(t, cats, 2)

	rec = do(t, h, http.MethodDelete, "/api/categories/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteAllRequiresSelectedCategory(t *testing.T) {
	store := newMemoryStore()
	catA := store.addCategory("Bebidas")
	catB := store.addCategory("Comidas")
	h := newTestServer(t, store)
	do(t, h, http.MethodGet, "/api/products?category="+catA.ID.String(), nil)

	rec := do(t, h, http.MethodDelete, "/api/categories/"+catB.ID.String()+"/products", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodDelete, "/api/categories/"+catA.ID.String()+"/products", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

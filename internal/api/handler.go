// Package api exposes the cache and category services over HTTP. It is the
// consumer surface: reactive snapshots plus imperative mutation intents.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/cache"
	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/category"
	"github.com/estoque-live/estoque-live/internal/importer"
	"github.com/estoque-live/estoque-live/internal/platform/httpx"
)

// HistoryReader lists recorded price changes for one product.
type HistoryReader interface {
	HistoryByProduct(ctx context.Context, productID uuid.UUID) ([]catalog.PriceHistoryEntry, error)
}

// Handler wires HTTP endpoints for the sync service.
type Handler struct {
	logger     *slog.Logger
	cache      *cache.Cache
	categories *category.Service
	history    HistoryReader
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, c *cache.Cache, categories *category.Service, history HistoryReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, cache: c, categories: categories, history: history}
}

// MountRoutes registers all API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.handleSnapshot)
		r.Post("/", h.handleAdd)
		r.Post("/load-more", h.handleLoadMore)
		r.Post("/retry", h.handleRetry)
		r.Post("/import", h.handleImport)
		r.Get("/{id}/history", h.handleHistory)
		r.Patch("/{id}", h.handleUpdate)
		r.Delete("/{id}", h.handleDelete)
	})
	r.Route("/categories", func(r chi.Router) {
		r.Get("/", h.handleListCategories)
		r.Post("/", h.handleCreateCategory)
		r.Get("/{id}", h.handleGetCategory)
		r.Patch("/{id}", h.handleUpdateCategory)
		r.Delete("/{id}", h.handleDeleteCategory)
		r.Delete("/{id}/products", h.handleDeleteAllProducts)
	})
}

// handleSnapshot selects the requested category (no-op when unchanged) and
// returns the current view. A failed first page is blocking: there is
// nothing to show.
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.URL.Query().Get("category"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Category", "category must be a valid id")
		return
	}
	if err := h.cache.SelectCategory(r.Context(), id); err != nil {
		h.logger.Error("select category", slog.String("category", id.String()), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Store Unavailable", "initial page load failed; retry")
		return
	}
	httpx.JSON(w, http.StatusOK, h.cache.Snapshot())
}

func (h *Handler) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	// Pagination failures are inline-retryable: existing rows stay visible
	// and the snapshot carries the error.
	if err := h.cache.LoadMore(); err != nil {
		h.logger.Warn("load more", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, h.cache.Snapshot())
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := h.cache.RetryLoadMore()
	snap := h.cache.Snapshot()
	if err != nil && len(snap.Rows) == 0 {
		httpx.Problem(w, http.StatusBadGateway, "Store Unavailable", "page load failed; retry")
		return
	}
	if err != nil {
		h.logger.Warn("retry load", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) handleAdd(w http.ResponseWriter, r *http.Request) {
	var fields catalog.Fields
	if err := httpx.DecodeJSON(w, r, &fields); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if len(fields) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "at least one field is required")
		return
	}
	row, err := h.cache.Add(r.Context(), fields)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, row)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	var patch catalog.Fields
	if err := httpx.DecodeJSON(w, r, &patch); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if len(patch) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "at least one field is required")
		return
	}
	if err := h.cache.Update(r.Context(), id, patch); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.cache.Snapshot())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	if err := h.cache.Delete(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type importRequest struct {
	Header []string   `json:"header"`
	Rows   [][]string `json:"rows"`
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	snap := h.cache.Snapshot()
	if snap.CategoryID == uuid.Nil {
		httpx.Problem(w, http.StatusBadRequest, "No Category", "select a category before importing")
		return
	}
	cat, err := h.categories.Get(r.Context(), snap.CategoryID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	fields, err := importer.MapRows(cat.Columns, req.Header, req.Rows)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Import", err.Error())
		return
	}
	if err := importer.Validate(cat.Columns, fields); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Import", err.Error())
		return
	}
	if err := h.cache.ImportBulk(r.Context(), fields); err != nil {
		var batchErr *cache.BatchError
		if errors.As(err, &batchErr) {
			// Earlier batches are committed; tell the caller where it broke.
			httpx.Problem(w, http.StatusBadGateway, "Import Incomplete", batchErr.Error())
			return
		}
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"imported": len(fields)})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	entries, err := h.history.HistoryByProduct(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.categories.List(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cats)
}

func (h *Handler) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var input category.CreateInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	cat, err := h.categories.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, cat)
}

func (h *Handler) handleGetCategory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	cat, err := h.categories.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cat)
}

func (h *Handler) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	var input category.UpdateInput
	if err := httpx.DecodeJSON(w, r, &input); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	cat, err := h.categories.Update(r.Context(), id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cat)
}

func (h *Handler) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	if err := h.categories.Delete(r.Context(), id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllProducts clears a category's rows. The confirmation dialog
// lives in the UI; the API only checks the id matches the selected category.
func (h *Handler) handleDeleteAllProducts(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Id", "id must be a valid id")
		return
	}
	snap := h.cache.Snapshot()
	if snap.CategoryID != id {
		httpx.Problem(w, http.StatusConflict, "Category Mismatch", "category is not currently selected")
		return
	}
	if err := h.cache.DeleteAll(r.Context()); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "resource not found")
	case errors.Is(err, catalog.ErrDuplicate):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "a resource with that name already exists")
	case errors.Is(err, category.ErrLastCategory):
		httpx.Problem(w, http.StatusConflict, "Last Category", err.Error())
	case errors.Is(err, category.ErrDuplicateColumn):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Schema", err.Error())
	case errors.Is(err, cache.ErrNoCategory):
		httpx.Problem(w, http.StatusBadRequest, "No Category", "select a category first")
	case errors.As(err, &validationErrs):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", validationErrs.Error())
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

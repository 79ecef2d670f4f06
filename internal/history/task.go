package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/estoque-live/estoque-live/internal/catalog"
)

// TaskHandler persists history entries on the worker side.
type TaskHandler struct {
	store  Writer
	logger *slog.Logger
}

// NewTaskHandler constructs TaskHandler.
func NewTaskHandler(store Writer, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{store: store, logger: logger}
}

// Register mounts the handler on an asynq mux.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeRecord, h.ProcessTask)
}

// ProcessTask decodes and persists one entry. Decode failures are permanent;
// store failures are retried by asynq.
func (h *TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var e catalog.PriceHistoryEntry
	if err := json.Unmarshal(task.Payload(), &e); err != nil {
		return fmt.Errorf("history: decode entry: %w: %w", err, asynq.SkipRetry)
	}
	if err := h.store.InsertHistory(ctx, e); err != nil {
		h.logger.Warn("persist history entry",
			slog.String("product", e.ProductID.String()),
			slog.Any("error", err))
		return err
	}
	return nil
}

// Queue returns the asynq queue config for the history queue.
func Queue() map[string]int {
	return map[string]int{queue: 1, "default": 1}
}

// Package history records price-change entries. Recording is a side effect
// of product mutations: it must never block or fail the mutation, so the
// default recorder only enqueues a background task.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/estoque-live/estoque-live/internal/catalog"
)

// TypeRecord is the asynq task type for one history entry.
const TypeRecord = "history:record"

// queue is the dedicated asynq queue for history tasks.
const queue = "history"

// Writer is the store slice the worker-side handler persists through.
type Writer interface {
	InsertHistory(ctx context.Context, e catalog.PriceHistoryEntry) error
}

// StoreRecorder writes entries straight to the store. Used by the worker
// and in library setups without a task queue.
type StoreRecorder struct {
	store Writer
}

// NewStoreRecorder constructs StoreRecorder.
func NewStoreRecorder(store Writer) *StoreRecorder {
	return &StoreRecorder{store: store}
}

// Record persists one entry.
func (r *StoreRecorder) Record(ctx context.Context, e catalog.PriceHistoryEntry) error {
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	return r.store.InsertHistory(ctx, e)
}

// AsynqRecorder enqueues entries as background tasks.
type AsynqRecorder struct {
	client *asynq.Client
}

// NewAsynqRecorder constructs AsynqRecorder.
func NewAsynqRecorder(client *asynq.Client) *AsynqRecorder {
	return &AsynqRecorder{client: client}
}

// Record enqueues one entry for the worker.
func (r *AsynqRecorder) Record(ctx context.Context, e catalog.PriceHistoryEntry) error {
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: encode entry: %w", err)
	}
	task := asynq.NewTask(TypeRecord, payload)
	if _, err := r.client.EnqueueContext(ctx, task, asynq.Queue(queue), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("history: enqueue entry: %w", err)
	}
	return nil
}

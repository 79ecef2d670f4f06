// Package remote defines the contract with the durable row store and its
// change feed. The store owns the data; everything in-process is a
// disposable projection rebuilt from it.
package remote

import (
	"context"

	"github.com/google/uuid"

	"github.com/estoque-live/estoque-live/internal/catalog"
)

// Table names of the logical row sets the feed carries.
const (
	TableProducts   = "products"
	TableCategories = "categories"
	TableHistory    = "price_history"
)

// EventType enumerates change feed operations.
type EventType string

const (
	// EventInsert signals a newly created row.
	EventInsert EventType = "insert"
	// EventUpdate signals a replaced field blob.
	EventUpdate EventType = "update"
	// EventDelete signals a removed row; only the old id is carried.
	EventDelete EventType = "delete"
)

// ChangeEvent is one push notification from the change feed. Delivery is
// best-effort and unordered across clients; consumers must apply events
// idempotently by id.
type ChangeEvent struct {
	Table    string            `json:"table"`
	Type     EventType         `json:"type"`
	Row      *catalog.Row      `json:"row,omitempty"`
	Category *catalog.Category `json:"category,omitempty"`
	OldID    uuid.UUID         `json:"old_id,omitempty"`
}

// QueryParams select one page of rows for a category.
type QueryParams struct {
	CategoryID uuid.UUID
	Offset     int
	Limit      int
	// WithCount requests the exact total; count queries are expensive and
	// only worth it for the first page.
	WithCount bool
}

// QueryResult carries one page plus the optional total. Count is -1 when not
// requested.
type QueryResult struct {
	Rows  []catalog.Row
	Count int64
}

// Publisher pushes change events into the feed transport.
type Publisher interface {
	Publish(ctx context.Context, evt ChangeEvent) error
}

// Subscriber opens a stream of change events for one table. The returned
// stop function tears the subscription down; the channel closes afterwards.
type Subscriber interface {
	Subscribe(ctx context.Context, table string) (<-chan ChangeEvent, func(), error)
}

// CategoryPatch updates parts of a category schema. Nil members are left
// untouched.
type CategoryPatch struct {
	Name        *string
	Description *string
	Columns     *[]catalog.ColumnDef
}

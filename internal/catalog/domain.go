package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Fields is the schema-driven value blob of a product row. Keys come from
// the owning category's column definitions; values are strings, numbers or
// date strings depending on the column type.
type Fields map[string]any

// Row models one inventory item.
type Row struct {
	ID         uuid.UUID `json:"id"`
	CategoryID uuid.UUID `json:"category_id"`
	Fields     Fields    `json:"data"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ColumnDef describes one column of a category schema.
type ColumnDef struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Visible  bool   `json:"visible"`
	Align    string `json:"align,omitempty"`
	Width    int    `json:"width,omitempty"`
}

// Category groups rows sharing one column schema.
type Category struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Columns     []ColumnDef `json:"columns"`
	CreatedAt   time.Time   `json:"created_at"`
}

// PriceHistoryEntry is an append-only record of one price change.
type PriceHistoryEntry struct {
	ID        uuid.UUID       `json:"id"`
	ProductID uuid.UUID       `json:"product_id"`
	Price     decimal.Decimal `json:"price"`
	OldPrice  decimal.Decimal `json:"old_price"`
	Variation decimal.Decimal `json:"variation"`
	Date      time.Time       `json:"date"`
	ColumnKey string          `json:"column_key"`
}

// ErrNotFound indicates a missing row or category.
var ErrNotFound = errors.New("catalog: not found")

// ErrDuplicate indicates a uniqueness violation.
var ErrDuplicate = errors.New("catalog: duplicate entry")

// Clone returns a copy of the field map. Nested values are not deep-copied;
// field values are treated as immutable once set.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// reservedKeys never belong inside the field blob. They either mirror row
// metadata or are client-side derived state.
var reservedKeys = map[string]struct{}{
	"id":           {},
	"category_id":  {},
	"created_at":   {},
	"updated_at":   {},
	"priceHistory": {},
	"price_history": {},
}

// SanitizeFields strips reserved and derived keys from a field map before it
// is written to the store.
func SanitizeFields(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}

// DisplayName resolves the sortable display key of a row. The dedicated
// "name" field wins, "product" is the legacy fallback, anything else sorts
// as empty.
func DisplayName(f Fields) string {
	for _, key := range [...]string{"name", "product"} {
		if v, ok := f[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

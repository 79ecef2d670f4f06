// Package importer converts spreadsheet-shaped input (a header row plus
// rows of strings) into schema-driven field maps ready for bulk insert.
// Parsing the spreadsheet file itself is the caller's problem.
package importer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/estoque-live/estoque-live/internal/catalog"
)

// ErrEmptyHeader indicates input without a usable header row.
var ErrEmptyHeader = errors.New("importer: empty header")

// ErrNoColumnsMatched indicates a header with no overlap with the category
// schema.
var ErrNoColumnsMatched = errors.New("importer: no header column matches the category schema")

// MapRows maps records onto the category's columns. Header cells match a
// column by key or label, case-insensitively. Cells of number and currency
// columns are parsed; unparseable cells keep their raw string so the user
// can fix them inline instead of losing data.
func MapRows(columns []catalog.ColumnDef, header []string, records [][]string) ([]catalog.Fields, error) {
	if len(header) == 0 {
		return nil, ErrEmptyHeader
	}

	byName := make(map[string]catalog.ColumnDef, len(columns)*2)
	for _, col := range columns {
		byName[normalize(col.Key)] = col
		byName[normalize(col.Label)] = col
	}

	mapped := make([]catalog.ColumnDef, len(header))
	matched := 0
	for i, cell := range header {
		if col, ok := byName[normalize(cell)]; ok {
			mapped[i] = col
			matched++
		}
	}
	if matched == 0 {
		return nil, ErrNoColumnsMatched
	}

	out := make([]catalog.Fields, 0, len(records))
	for _, record := range records {
		fields := catalog.Fields{}
		for i, cell := range record {
			if i >= len(mapped) || mapped[i].Key == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			fields[mapped[i].Key] = coerce(mapped[i], cell)
		}
		if len(fields) == 0 {
			continue
		}
		out = append(out, fields)
	}
	return out, nil
}

// Validate checks mapped rows against required columns before insert.
func Validate(columns []catalog.ColumnDef, rows []catalog.Fields) error {
	for i, fields := range rows {
		for _, col := range columns {
			if !col.Required {
				continue
			}
			if _, ok := fields[col.Key]; !ok {
				return fmt.Errorf("importer: row %d: missing required column %q", i, col.Key)
			}
		}
	}
	return nil
}

func coerce(col catalog.ColumnDef, cell string) any {
	switch col.Type {
	case "number", "currency":
		if amount, ok := catalog.ParseAmount(cell); ok {
			f, _ := amount.Float64()
			return f
		}
		return cell
	default:
		return cell
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

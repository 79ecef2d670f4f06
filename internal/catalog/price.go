package catalog

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// priceAliases are column keys always treated as price-like regardless of
// their spelling.
var priceAliases = map[string]struct{}{
	"price":      {},
	"valor":      {},
	"custo":      {},
	"cost":       {},
	"sale_price": {},
}

// IsPriceField reports whether a column key should trigger price-history
// recording when its value changes.
func IsPriceField(key string) bool {
	lower := strings.ToLower(key)
	if _, ok := priceAliases[lower]; ok {
		return true
	}
	return strings.Contains(lower, "price") || strings.Contains(lower, "valor")
}

// ParseAmount converts a schema-driven field value into a decimal amount.
// Strings may use either "." or "," as the decimal separator.
func ParseAmount(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return val, true
	case float64:
		return decimal.NewFromFloat(val), true
	case float32:
		return decimal.NewFromFloat32(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case string:
		s := normalizeAmount(val)
		if s == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// normalizeAmount strips currency noise and converts pt-BR decimal notation
// ("1.234,56") into parseable form.
func normalizeAmount(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return ""
	}
	return s
}

// Variation computes the percentage change between two prices. A change away
// from zero counts as a full 100% move.
func Variation(oldPrice, newPrice decimal.Decimal) decimal.Decimal {
	if oldPrice.IsZero() {
		return decimal.NewFromInt(100)
	}
	hundred := decimal.NewFromInt(100)
	return newPrice.Sub(oldPrice).Div(oldPrice).Mul(hundred)
}

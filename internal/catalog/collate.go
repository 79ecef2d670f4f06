package catalog

import (
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Display names compare with Brazilian Portuguese collation so that accented
// product names ("Água", "Cerâmica") sort where a pt-BR reader expects them.
var (
	collatorMu sync.Mutex
	collator   = collate.New(language.BrazilianPortuguese, collate.IgnoreCase)
)

// CompareNames compares two display names with locale-aware, case-insensitive
// ordering. The collator keeps internal buffers, hence the lock.
func CompareNames(a, b string) int {
	collatorMu.Lock()
	defer collatorMu.Unlock()
	return collator.CompareString(a, b)
}

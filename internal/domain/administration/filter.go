package administration

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// Filter narrows the queues to patients whose name or identifier contains
// Query, ignoring case and diacritics.
type Filter struct {
	Query string
}

func (f Filter) matcher() func(ledger.Patient) bool {
	q := fold(strings.TrimSpace(f.Query))
	if q == "" {
		return func(ledger.Patient) bool { return true }
	}
	return func(p ledger.Patient) bool {
		return strings.Contains(fold(p.FullName), q) || strings.Contains(fold(p.Identifier), q)
	}
}

var folder = cases.Fold()

// fold lowercases and strips combining marks, so "José" matches "jose".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return folder.String(out)
}

package administration

import (
	"strings"
	"time"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// DefaultInterval applies when neither a structured interval nor a known
// keyword is present in the frequency text.
const DefaultInterval = 24 * time.Hour

// frequencyKeywords is matched in order; the first hit wins.
var frequencyKeywords = []struct {
	token string
	hours int
}{
	{"8", 8},
	{"6", 6},
	{"12", 12},
	{"4", 4},
}

// Interval is the resolved dosing interval of an item.
type Interval struct {
	Every time.Duration
	// Assumed is set when the default was used because nothing matched.
	Assumed bool
	// Structured is set when the item carried an explicit interval.
	Structured bool
}

// ResolveInterval prefers the structured interval and falls back to the
// free-text heuristic.
func ResolveInterval(item ledger.PrescriptionItem) Interval {
	if item.IntervalHours != nil && *item.IntervalHours > 0 {
		return Interval{Every: time.Duration(*item.IntervalHours) * time.Hour, Structured: true}
	}
	return ParseFrequency(item.Frequency)
}

// ParseFrequency infers an interval from free text such as "every 8 hours"
// or "c/12h". Keywords are plain substrings tried in order, so "every 48
// hours" resolves to 8h; text with none of them falls back to 24h and is
// flagged as assumed.
func ParseFrequency(text string) Interval {
	for _, kw := range frequencyKeywords {
		if strings.Contains(text, kw.token) {
			return Interval{Every: time.Duration(kw.hours) * time.Hour}
		}
	}
	return Interval{Every: DefaultInterval, Assumed: true}
}

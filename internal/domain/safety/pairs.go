package safety

import "github.com/hospharm/medcore/internal/domain/ledger"

// Origin tells which comparison pass discovered a pair.
type Origin string

const (
	OriginHistory   Origin = "history"
	OriginCandidate Origin = "candidate"
)

// Policy is the call-site severity filter applied to interaction findings.
type Policy struct {
	Name        string
	MinSeverity ledger.Severity
}

var (
	// PrescribingPolicy surfaces only moderate and high interactions.
	PrescribingPolicy = Policy{Name: "prescribing", MinSeverity: ledger.SeverityModerate}
	// ReviewPolicy surfaces anything above low.
	ReviewPolicy = Policy{Name: "review", MinSeverity: ledger.SeverityModerate}
)

// Admits reports whether a rule of severity s passes the policy.
func (p Policy) Admits(s ledger.Severity) bool {
	return s.AtLeast(p.MinSeverity)
}

type discoveredPair struct {
	pair   ledger.DrugPair
	origin Origin
}

// generatePairs runs the candidate-vs-history pass followed by the
// candidate-vs-candidate pass. Each unordered pair appears at most once,
// attributed to the first pass that found it.
func generatePairs(candidates, active []int64) []discoveredPair {
	seen := make(map[ledger.DrugPair]struct{})
	var out []discoveredPair

	add := func(a, b int64, origin Origin) {
		if a == b {
			return
		}
		p := ledger.NewDrugPair(a, b)
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, discoveredPair{pair: p, origin: origin})
	}

	for _, c := range candidates {
		for _, h := range active {
			add(c, h, OriginHistory)
		}
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			add(candidates[i], candidates[j], OriginCandidate)
		}
	}
	return out
}

// uniqueIDs returns ids without duplicates, preserving first-seen order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// activeSet removes candidates from the patient's recent drugs so a candidate
// never matches against itself.
func activeSet(recent, candidates []int64) []int64 {
	exclude := make(map[int64]struct{}, len(candidates))
	for _, c := range candidates {
		exclude[c] = struct{}{}
	}
	var out []int64
	for _, id := range uniqueIDs(recent) {
		if _, ok := exclude[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

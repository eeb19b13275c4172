package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospharm/medcore/internal/domain/ledger"
)

// ── Mock store ──

type prescribed struct {
	drugID int64
	at     time.Time
}

type mockStore struct {
	history        map[int64][]prescribed
	rules          []ledger.InteractionRule
	allergies      map[int64][]ledger.PatientAllergy
	links          map[int64][]int64
	drugs          map[int64]ledger.Drug
	failOn         string
	allergyLookups int
	ruleLookups    int
}

func newMockStore() *mockStore {
	return &mockStore{
		history:   make(map[int64][]prescribed),
		allergies: make(map[int64][]ledger.PatientAllergy),
		links:     make(map[int64][]int64),
		drugs: map[int64]ledger.Drug{
			1: {ID: 1, Name: "Warfarin", ActivePrinciple: "warfarin sodium"},
			2: {ID: 2, Name: "Aspirin", ActivePrinciple: "acetylsalicylic acid"},
			3: {ID: 3, Name: "Amoxicillin", ActivePrinciple: "amoxicillin"},
			4: {ID: 4, Name: "Ibuprofen", ActivePrinciple: "ibuprofen"},
			5: {ID: 5, Name: "Omeprazole", ActivePrinciple: "omeprazole"},
		},
	}
}

// addRule stores the pair in the order given, like a hand-entered catalog row.
func (m *mockStore) addRule(a, b int64, sev ledger.Severity) {
	m.rules = append(m.rules, ledger.InteractionRule{
		Pair:           ledger.DrugPair{Low: a, High: b},
		Severity:       sev,
		Description:    "interaction",
		Recommendation: "monitor",
	})
}

func (m *mockStore) RecentDrugIDs(_ context.Context, patientID int64, since time.Time) ([]int64, error) {
	if m.failOn == "history" {
		return nil, errors.New("connection refused")
	}
	var out []int64
	for _, p := range m.history[patientID] {
		if !p.at.Before(since) {
			out = append(out, p.drugID)
		}
	}
	return out, nil
}

func (m *mockStore) FindInteractions(_ context.Context, pairs []ledger.DrugPair) ([]ledger.InteractionRule, error) {
	m.ruleLookups++
	if m.failOn == "rules" {
		return nil, errors.New("connection refused")
	}
	want := make(map[ledger.DrugPair]bool, len(pairs))
	for _, p := range pairs {
		want[p] = true
	}
	var out []ledger.InteractionRule
	for _, r := range m.rules {
		canonical := ledger.NewDrugPair(r.Pair.Low, r.Pair.High)
		if want[canonical] {
			r.Pair = canonical
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) PatientAllergies(_ context.Context, patientID int64) ([]ledger.PatientAllergy, error) {
	m.allergyLookups++
	if m.failOn == "allergies" {
		return nil, errors.New("connection refused")
	}
	return m.allergies[patientID], nil
}

func (m *mockStore) DrugAllergens(_ context.Context, drugIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64)
	for _, id := range drugIDs {
		if l, ok := m.links[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (m *mockStore) Drugs(_ context.Context, ids []int64) (map[int64]ledger.Drug, error) {
	out := make(map[int64]ledger.Drug)
	for _, id := range ids {
		if d, ok := m.drugs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

var now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

func newTestEngine(store *mockStore) *Engine {
	return NewEngine(store, DefaultConfig(), nil)
}

// ── Interactions ──

func TestCheckInteractions_HistoryScenario(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -2, 0)}}
	store.addRule(1, 2, ledger.SeverityHigh)

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{2}, PrescribingPolicy, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	f := findings[0]
	assert.Equal(t, ledger.SeverityHigh, f.Severity)
	assert.ElementsMatch(t, []int64{1, 2}, []int64{f.DrugAID, f.DrugBID})
	assert.Equal(t, OriginHistory, f.Origin)
	assert.Equal(t, "Warfarin", f.DrugA)
	assert.Equal(t, "Aspirin", f.DrugB)
}

func TestCheckInteractions_Symmetry(t *testing.T) {
	forward := newMockStore()
	forward.history[100] = []prescribed{{drugID: 2, at: now.AddDate(0, -1, 0)}}
	forward.addRule(1, 2, ledger.SeverityModerate)

	reverse := newMockStore()
	reverse.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -1, 0)}}
	reverse.addRule(2, 1, ledger.SeverityModerate)

	a, err := newTestEngine(forward).CheckInteractions(context.Background(), 100, []int64{1}, PrescribingPolicy, now)
	require.NoError(t, err)
	b, err := newTestEngine(reverse).CheckInteractions(context.Background(), 100, []int64{2}, PrescribingPolicy, now)
	require.NoError(t, err)

	require.Len(t, a, 1)
	assert.Equal(t, a, b)
}

func TestCheckInteractions_NoDuplicatePairs(t *testing.T) {
	store := newMockStore()
	// 1 and 2 are both in history and candidates; 1-2 must be reported once.
	store.history[100] = []prescribed{
		{drugID: 1, at: now.AddDate(0, -1, 0)},
		{drugID: 2, at: now.AddDate(0, -1, 0)},
		{drugID: 4, at: now.AddDate(0, -1, 0)},
		{drugID: 4, at: now.AddDate(0, 0, -3)},
	}
	store.addRule(1, 2, ledger.SeverityHigh)
	store.addRule(4, 2, ledger.SeverityModerate)
	store.addRule(1, 4, ledger.SeverityHigh)

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{1, 2, 2}, PrescribingPolicy, now)
	require.NoError(t, err)
	require.Len(t, findings, 3)

	seen := make(map[ledger.DrugPair]bool)
	for _, f := range findings {
		p := ledger.NewDrugPair(f.DrugAID, f.DrugBID)
		assert.False(t, seen[p], "pair %v reported twice", p)
		seen[p] = true
	}
	// 1-2 is only discoverable candidate-vs-candidate because candidates
	// are excluded from the active set.
	for _, f := range findings {
		if f.DrugAID == 1 && f.DrugBID == 2 {
			assert.Equal(t, OriginCandidate, f.Origin)
		}
	}
}

func TestCheckInteractions_CandidateVsCandidate(t *testing.T) {
	store := newMockStore()
	store.addRule(3, 5, ledger.SeverityHigh)

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 7, []int64{3, 5}, PrescribingPolicy, now)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, OriginCandidate, findings[0].Origin)
}

func TestCheckInteractions_SeverityFilter(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{
		{drugID: 1, at: now.AddDate(0, -1, 0)},
		{drugID: 3, at: now.AddDate(0, -1, 0)},
		{drugID: 4, at: now.AddDate(0, -1, 0)},
	}
	store.addRule(1, 5, ledger.SeverityNone)
	store.addRule(3, 5, ledger.SeverityLow)
	store.addRule(4, 5, ledger.SeverityModerate)

	for _, policy := range []Policy{PrescribingPolicy, ReviewPolicy} {
		findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{5}, policy, now)
		require.NoError(t, err)
		require.Len(t, findings, 1, policy.Name)
		for _, f := range findings {
			assert.NotEqual(t, ledger.SeverityNone, f.Severity)
			assert.NotEqual(t, ledger.SeverityLow, f.Severity)
		}
	}
}

func TestCheckInteractions_LookbackWindow(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -7, 0)}}
	store.addRule(1, 2, ledger.SeverityHigh)

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{2}, PrescribingPolicy, now)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCheckInteractions_OrderedBySeverity(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{
		{drugID: 1, at: now.AddDate(0, -1, 0)},
		{drugID: 4, at: now.AddDate(0, -1, 0)},
	}
	store.addRule(1, 2, ledger.SeverityModerate)
	store.addRule(4, 2, ledger.SeverityHigh)

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{2}, PrescribingPolicy, now)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, ledger.SeverityHigh, findings[0].Severity)
}

func TestCheckInteractions_Validation(t *testing.T) {
	store := newMockStore()
	engine := newTestEngine(store)

	tests := []struct {
		name       string
		patientID  int64
		candidates []int64
	}{
		{"zero patient", 0, []int64{1}},
		{"empty candidates", 100, nil},
		{"zero drug", 100, []int64{1, 0}},
		{"negative drug", 100, []int64{-4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CheckInteractions(context.Background(), tt.patientID, tt.candidates, PrescribingPolicy, now)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
	assert.Zero(t, store.ruleLookups, "validation must happen before any lookup")
}

func TestCheckInteractions_StoreFailure(t *testing.T) {
	store := newMockStore()
	store.failOn = "rules"
	store.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -1, 0)}}

	findings, err := newTestEngine(store).CheckInteractions(context.Background(), 100, []int64{2}, PrescribingPolicy, now)
	assert.Error(t, err)
	assert.Nil(t, findings)
	assert.NotErrorIs(t, err, ledger.ErrValidation)
}

// ── Allergies ──

func TestCheckAllergies(t *testing.T) {
	store := newMockStore()
	penicillin := ledger.Allergen{ID: 10, Name: "Penicillin", Category: "antibiotic"}
	nsaid := ledger.Allergen{ID: 11, Name: "NSAID", Category: "anti-inflammatory"}
	store.allergies[100] = []ledger.PatientAllergy{
		{PatientID: 100, Allergen: penicillin, Severity: ledger.SeverityLow, Reaction: "rash"},
		{PatientID: 100, Allergen: nsaid, Severity: ledger.SeverityHigh, Reaction: "anaphylaxis", Notes: "ICU 2024"},
	}
	store.links[3] = []int64{10}
	store.links[4] = []int64{11}
	store.links[2] = []int64{11}

	findings, err := newTestEngine(store).CheckAllergies(context.Background(), 100, []int64{3, 4, 5})
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, 1, store.allergyLookups, "patient allergies must be fetched once")

	// low severity allergies are still reported
	assert.Equal(t, "Amoxicillin", findings[0].DrugName)
	assert.Equal(t, ledger.SeverityLow, findings[0].Severity)
	assert.Equal(t, "Penicillin", findings[0].AllergenName)

	assert.Equal(t, "ibuprofen", findings[1].ActivePrinciple)
	assert.Equal(t, "anti-inflammatory", findings[1].AllergenCategory)
	assert.Equal(t, "ICU 2024", findings[1].Notes)
}

func TestCheckAllergies_UnknownPatientIsEmpty(t *testing.T) {
	findings, err := newTestEngine(newMockStore()).CheckAllergies(context.Background(), 999, []int64{1})
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestCheck_AllOrNothing(t *testing.T) {
	store := newMockStore()
	store.failOn = "allergies"
	store.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -1, 0)}}
	store.addRule(1, 2, ledger.SeverityHigh)

	report, err := newTestEngine(store).Check(context.Background(), 100, []int64{2}, now)
	assert.Error(t, err)
	assert.Nil(t, report)
}

func TestCheck_Report(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{{drugID: 1, at: now.AddDate(0, -1, 0)}}
	store.addRule(1, 2, ledger.SeverityModerate)
	store.allergies[100] = []ledger.PatientAllergy{
		{PatientID: 100, Allergen: ledger.Allergen{ID: 11, Name: "Salicylates"}, Severity: ledger.SeverityHigh},
	}
	store.links[2] = []int64{11}

	report, err := newTestEngine(store).Check(context.Background(), 100, []int64{2}, now)
	require.NoError(t, err)
	assert.True(t, report.HasFindings())
	assert.Equal(t, ledger.SeverityHigh, report.HighestSeverity())
	assert.Equal(t, "prescribing", report.Policy)
}

// ── Review ──

func TestReviewPatient(t *testing.T) {
	store := newMockStore()
	store.history[100] = []prescribed{
		{drugID: 1, at: now.AddDate(0, -1, 0)},
		{drugID: 2, at: now.AddDate(0, -2, 0)},
		{drugID: 4, at: now.AddDate(0, -1, 0)},
	}
	store.addRule(1, 2, ledger.SeverityHigh)
	store.addRule(2, 4, ledger.SeverityLow)

	report, err := newTestEngine(store).ReviewPatient(context.Background(), 100, now)
	require.NoError(t, err)
	require.Len(t, report.Interactions, 1)
	assert.Equal(t, ledger.SeverityHigh, report.Interactions[0].Severity)
	assert.Equal(t, "review", report.Policy)
}

func TestReviewPatient_NoHistory(t *testing.T) {
	report, err := newTestEngine(newMockStore()).ReviewPatient(context.Background(), 100, now)
	require.NoError(t, err)
	assert.False(t, report.HasFindings())
}

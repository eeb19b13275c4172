package postgres

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospharm/medcore/internal/domain/ledger"
	"github.com/hospharm/medcore/internal/infrastructure/redpanda"
)

func TestEntryFromEvent(t *testing.T) {
	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	event, err := ledger.NewEvent("PrescriptionItem", 42, ledger.EventDoseAdministered,
		map[string]int{"quantity": 1}, at)
	require.NoError(t, err)
	event.WithAuditInfo(7, 3, "corr-1")

	entry, err := EntryFromEvent(event, redpanda.TopicFor(event.EventType))
	require.NoError(t, err)

	assert.Equal(t, "42", entry.AggregateID)
	assert.Equal(t, "PrescriptionItem", entry.AggregateType)
	assert.Equal(t, "DoseAdministered", entry.EventType)
	assert.Equal(t, redpanda.TopicAdministrationEvents, entry.KafkaTopic)
	assert.Equal(t, "PrescriptionItem-42", entry.KafkaKey)

	var decoded ledger.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, int64(7), decoded.StaffID)
	assert.Equal(t, "corr-1", decoded.CorrelationID)
}

func TestOutboxEntryHeaders(t *testing.T) {
	entry := &OutboxEntry{ID: 99, AggregateType: "PrescriptionItem", EventType: "DoseAdministered"}

	h := entry.Headers()
	assert.Equal(t, "DoseAdministered", h[redpanda.HeaderEventType])
	assert.Equal(t, "PrescriptionItem", h[redpanda.HeaderAggregateType])
	assert.Equal(t, "99", h[redpanda.HeaderOutboxID])
}

func TestDeadLetterPayloadKeepsOriginalTopic(t *testing.T) {
	lastErr := "broker unavailable"
	entry := &OutboxEntry{
		ID:          5,
		AggregateID: "42",
		EventType:   "DoseAdministered",
		Payload:     json.RawMessage(`{"id":"e1"}`),
		KafkaTopic:  redpanda.TopicAdministrationEvents,
		RetryCount:  5,
		LastError:   &lastErr,
	}

	raw, err := entry.deadLetterPayload()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, redpanda.TopicAdministrationEvents, got["original_topic"])
	assert.Equal(t, "broker unavailable", got["last_error"])
	assert.Equal(t, float64(5), got["retry_count"])
	assert.Equal(t, map[string]interface{}{"id": "e1"}, got["payload"])
}

func TestDomainOutcome(t *testing.T) {
	assert.True(t, DomainOutcome(nil))
	assert.True(t, DomainOutcome(fmt.Errorf("item 3: %w", ledger.ErrNotFound)))
	assert.True(t, DomainOutcome(&ledger.ConsistencyError{Requested: 2, Remaining: 1}))
	assert.True(t, DomainOutcome(ledger.NewValidationError("quantity", "must be greater than zero")))
	assert.False(t, DomainOutcome(fmt.Errorf("query item ledgers: %w", errTimeout)))
}

var errTimeout = fmt.Errorf("i/o timeout")

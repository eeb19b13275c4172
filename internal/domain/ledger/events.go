package ledger

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of ledger event
type EventType string

const (
	EventDoseAdministered EventType = "DoseAdministered"
	EventSafetyOverridden EventType = "SafetyOverridden"
)

// Event is an audit event emitted alongside a ledger write. It is persisted
// through the transactional outbox and relayed to the message broker.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	StaffID       int64           `json:"staff_id,omitempty"`
	PatientID     int64           `json:"patient_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType string, aggregateID int64, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   strconv.FormatInt(aggregateID, 10),
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithAuditInfo sets audit fields
func (e *Event) WithAuditInfo(staffID, patientID int64, correlationID string) *Event {
	e.StaffID = staffID
	e.PatientID = patientID
	e.CorrelationID = correlationID
	return e
}

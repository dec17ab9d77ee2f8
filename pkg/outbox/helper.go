package outbox

import (
	"encoding/json"
	"fmt"
)

// NewPendingEvent builds an outbox row for payload. Storage fills in the id
// and timestamps.
func NewPendingEvent(eventID, aggregateType, aggregateID, routingKey string, payload any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", routingKey, err)
	}

	return &Event{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}, nil
}

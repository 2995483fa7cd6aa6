package amocrm

import (
	"bytes"
	"encoding/json"
)

// Event is one record of the amoCRM events log. The snapshots are kept raw
// so field order survives into the changelog.
type Event struct {
	ID          EventID         `json:"id"`
	Type        string          `json:"type"`
	EntityID    FlexInt         `json:"entity_id"`
	EntityType  string          `json:"entity_type,omitempty"`
	CreatedAt   FlexInt         `json:"created_at"`
	ValueBefore json.RawMessage `json:"value_before,omitempty"`
	ValueAfter  json.RawMessage `json:"value_after,omitempty"`
}

// EventID accepts the string ids amoCRM uses today and numeric ids.
type EventID string

func (id *EventID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if isJSONNull(trimmed) {
		*id = ""
		return nil
	}
	*id = EventID(scalarString(trimmed))
	return nil
}

// DedupKey is the idempotency key for the event.
func (e Event) DedupKey() string {
	return "event:" + string(e.ID)
}

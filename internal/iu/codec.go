package iu

import (
	"encoding/json"
	"time"
)

// wireIU is the JSON-on-the-wire shape. A dedicated struct (rather than
// json tags on IU itself) keeps the in-memory type free of serialization
// concerns, matching how loqa-core's Transcript/AudioFrame separate Go
// struct shape from wire shape.
type wireIU struct {
	ID         string         `json:"id"`
	Producer   string         `json:"producer"`
	Timestamp  time.Time      `json:"timestamp"`
	PreviousID string         `json:"previous_id,omitempty"`
	UpdateType UpdateType     `json:"update_type"`
	DataType   DataType       `json:"data_type"`
	Payload    []byte         `json:"payload,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON renders u in the wire shape used across the bus and the
// avatar/UI WebSocket bridge.
func (u IU) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireIU{
		ID:         u.ID,
		Producer:   u.Producer,
		Timestamp:  u.Timestamp,
		PreviousID: u.PreviousID,
		UpdateType: u.UpdateType,
		DataType:   u.DataType,
		Payload:    u.Payload,
		Metadata:   u.Metadata,
	})
}

// UnmarshalJSON parses the wire shape back into u.
func (u *IU) UnmarshalJSON(data []byte) error {
	var w wireIU
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u.ID = w.ID
	u.Producer = w.Producer
	u.Timestamp = w.Timestamp
	u.PreviousID = w.PreviousID
	u.UpdateType = w.UpdateType
	u.DataType = w.DataType
	u.Payload = w.Payload
	u.Metadata = w.Metadata
	return nil
}

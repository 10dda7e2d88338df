package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ChatID    string          `json:"chatId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope marshals payload into a frame for event.
func NewEnvelope(event, chatID string, payload any) (Envelope, error) {
	env := Envelope{Type: event, ChatID: chatID, Timestamp: time.Now().Unix()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	return env, nil
}

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/meditriage/internal/model/consultation"
)

// recordKey names the single durable record holding every consultation.
const recordKey = "chats"

const envelopeVersion = 1

// envelope is the v1 wire format of the persisted record.
type envelope struct {
	Version  int                    `json:"version"`
	Sessions []consultation.Session `json:"sessions"`
}

func encodeSessions(sessions []consultation.Session) ([]byte, error) {
	if sessions == nil {
		sessions = []consultation.Session{}
	}
	return json.Marshal(envelope{Version: envelopeVersion, Sessions: sessions})
}

// decodeSessions also accepts the bare array written by early app builds.
func decodeSessions(data []byte) ([]consultation.Session, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var legacy []consultation.Session
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("unmarshal legacy record: %w", err)
		}
		return normalize(legacy), nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Version)
	}
	return normalize(env.Sessions), nil
}

func normalize(sessions []consultation.Session) []consultation.Session {
	for i := range sessions {
		if sessions[i].IsCompleted() {
			sessions[i] = sessions[i].Complete()
		} else if sessions[i].Status == "" {
			sessions[i].Status = consultation.StatusActive
		}
		if sessions[i].Messages == nil {
			sessions[i].Messages = []consultation.Message{}
		}
	}
	return sessions
}

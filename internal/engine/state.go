package engine

import "github.com/zhouzirui/meditriage/internal/model/consultation"

// ConnectionStatus is the link state shown to the patient.
type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// SessionStatus tracks the consultation from the patient's point of view.
type SessionStatus string

const (
	// SessionWaiting: the patient spoke last and awaits a reply.
	SessionWaiting SessionStatus = "waiting"
	// SessionActive: a clinician has joined.
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// ViewModel is the snapshot rendered by the presentation layer.
type ViewModel struct {
	SessionID            string
	Title                string
	Messages             []consultation.Message
	ConnectionStatus     ConnectionStatus
	SessionStatus        SessionStatus
	Typing               bool
	PendingUrgencyPrompt bool
	ExitPromptVisible    bool
	// Err is the last termination failure, cleared by a successful retry.
	Err error
}

// ReadOnly reports whether input affordances should be hidden.
func (v ViewModel) ReadOnly() bool {
	return v.SessionStatus == SessionCompleted
}

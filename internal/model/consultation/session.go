package consultation

import "time"

// Status mirrors Completed in human readable form.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Session is one patient consultation and its transcript.
type Session struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Completed bool      `json:"completed"`
}

// NewSession returns an empty, active consultation.
func NewSession(id string, now time.Time) Session {
	return Session{
		ID:        id,
		Messages:  []Message{},
		CreatedAt: now,
		Status:    StatusActive,
	}
}

// IsCompleted also honours records that only carry the status mirror.
func (s Session) IsCompleted() bool {
	return s.Completed || s.Status == StatusCompleted
}

// Complete returns a copy marked completed. Completion never reverts.
func (s Session) Complete() Session {
	s.Completed = true
	s.Status = StatusCompleted
	return s
}

// Clone deep-copies the message log so callers cannot mutate cached state.
func (s Session) Clone() Session {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		if m.Analysis != nil {
			a := *m.Analysis
			m.Analysis = &a
		}
		msgs[i] = m
	}
	s.Messages = msgs
	return s
}

const (
	untitled      = "New Consultation"
	titleMaxRunes = 30
)

// Title is the opening of the patient's first message, or a placeholder.
func (s Session) Title() string {
	for _, m := range s.Messages {
		if !m.FromPatient() || m.Text == WelcomeText {
			continue
		}
		runes := []rune(m.Text)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleMaxRunes]) + "..."
		}
		return m.Text
	}
	return untitled
}

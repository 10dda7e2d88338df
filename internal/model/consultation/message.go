package consultation

import (
	"fmt"
	"strings"
	"time"
)

// Stable author identifiers. Patient messages carry the patient's own id.
const (
	AuthorSystemID    = "system"
	AuthorAssistantID = "ml"
	AuthorClinicianID = "doctor"
)

// Message id prefixes, one per origin.
const (
	WelcomeMessageID = "welcome"
	analysisPrefix   = "analysis-"
	clinicianPrefix  = "doctor-"
	systemPrefix     = "system-"
	adjustPrefix     = "adjust-"
)

// Author identifies who wrote a message.
type Author struct {
	ID   string `json:"_id"`
	Name string `json:"name,omitempty"`
}

var (
	WelcomeBot = Author{ID: AuthorSystemID, Name: "MediTriage Bot"}
	System     = Author{ID: AuthorSystemID, Name: "System"}
	Assistant  = Author{ID: AuthorAssistantID, Name: "AI Assistant"}
)

// Clinician returns the clinician author, defaulting the display name.
func Clinician(name string) Author {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Doctor"
	}
	return Author{ID: AuthorClinicianID, Name: name}
}

// Analysis is the structured triage result attached to AI assistant messages.
type Analysis struct {
	Urgency            string `json:"urgency"`
	SpecialistRequired string `json:"specialist_required"`
	LowConfidence      bool   `json:"low_confidence"`
}

// Message is one chat entry. Field names match the persisted transcript format.
type Message struct {
	ID        string    `json:"_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Author    Author    `json:"user"`
	Analysis  *Analysis `json:"analysisData,omitempty"`
}

// FromPatient reports whether the message was written by a patient.
func (m Message) FromPatient() bool {
	switch m.Author.ID {
	case AuthorSystemID, AuthorAssistantID, AuthorClinicianID:
		return false
	}
	return m.ID != WelcomeMessageID
}

// WelcomeText is shown when a consultation has no history yet.
const WelcomeText = "Welcome to MediTriage!\n\nPlease describe your symptoms in detail. Our AI will analyze them and connect you with the right specialist."

// NewWelcome synthesizes the first message of an empty consultation.
func NewWelcome(now time.Time) Message {
	return Message{ID: WelcomeMessageID, Text: WelcomeText, CreatedAt: now, Author: WelcomeBot}
}

// NewAnalysis renders a triage result as an AI assistant message.
func NewAnalysis(now time.Time, a Analysis) Message {
	text := fmt.Sprintf("AI Analysis Complete\n\nUrgency Level: %s\nRecommended Specialist: %s",
		strings.ToUpper(a.Urgency), a.SpecialistRequired)
	if a.LowConfidence {
		text += "\n\nOur AI has low confidence in this assessment."
	}
	analysis := a
	return Message{
		ID:        stampedID(analysisPrefix, now),
		Text:      text,
		CreatedAt: now,
		Author:    Assistant,
		Analysis:  &analysis,
	}
}

// NewClinicianMessage wraps a message pushed by the clinician.
func NewClinicianMessage(now time.Time, text, doctorName string) Message {
	return Message{ID: stampedID(clinicianPrefix, now), Text: text, CreatedAt: now, Author: Clinician(doctorName)}
}

// DefaultClosingRemark is used when the clinician ends without a message.
const DefaultClosingRemark = "The doctor has ended the consultation."

// NewClosingMessage records the clinician ending the consultation.
func NewClosingMessage(now time.Time, remark string) Message {
	if strings.TrimSpace(remark) == "" {
		remark = DefaultClosingRemark
	}
	return Message{ID: stampedID(systemPrefix, now), Text: remark, CreatedAt: now, Author: System}
}

// NewUrgencyAdjusted records a patient-initiated urgency override.
func NewUrgencyAdjusted(now time.Time, level string) Message {
	return Message{
		ID:        stampedID(adjustPrefix, now),
		Text:      "Urgency level adjusted to: " + strings.ToUpper(level),
		CreatedAt: now,
		Author:    System,
	}
}

func stampedID(prefix string, now time.Time) string {
	return fmt.Sprintf("%s%d", prefix, now.UnixMilli())
}

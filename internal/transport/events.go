package transport

import (
	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/model/profile"
)

// Wire event names. Outbound events come from the patient, inbound from the service.
const (
	EventTriageRequest     = "patient_message"
	EventChatMessage       = "patient_chat_message"
	EventUrgencyAdjustment = "adjust_urgency"
	EventSessionEnd        = "patient_end_chat"

	EventAnalysisResult   = "ml_analysis"
	EventClinicianMessage = "doctor_message_to_patient"
	EventClinicianEnded   = "doctor_ended_chat"
)

// PatientMessage is the payload of triage-request and chat-message events.
type PatientMessage struct {
	Message     string              `json:"message"`
	PatientID   string              `json:"patient_id"`
	ChatID      string              `json:"chatId"`
	PatientInfo profile.PatientInfo `json:"patientInfo"`
	AiNeeded    bool                `json:"AiNeeded,omitempty"`
}

type UrgencyAdjustment struct {
	ChatID             string `json:"chatId"`
	PatientID          string `json:"patient_id"`
	Urgency            string `json:"urgency"`
	SpecialistRequired string `json:"specialist_required"`
}

type SessionEnd struct {
	ChatID string `json:"chatId"`
}

// AnalysisResult is the triage classification pushed by the service.
type AnalysisResult struct {
	Urgency            string `json:"urgency"`
	SpecialistRequired string `json:"specialist_required"`
	LowConfidence      bool   `json:"low_confidence"`
}

func (r AnalysisResult) Analysis() consultation.Analysis {
	return consultation.Analysis{
		Urgency:            r.Urgency,
		SpecialistRequired: r.SpecialistRequired,
		LowConfidence:      r.LowConfidence,
	}
}

type ClinicianMessage struct {
	Message    string `json:"message"`
	DoctorName string `json:"doctorName,omitempty"`
}

type ClinicianEnded struct {
	Message string `json:"message,omitempty"`
}

package profile

import (
	"context"
	"strconv"
	"strings"
)

// Profile captures the medical context shared with triage.
type Profile struct {
	Name           string `json:"name"`
	Age            *int   `json:"age,omitempty"`
	Gender         string `json:"gender,omitempty"`
	Height         *int   `json:"height,omitempty"`
	MedicalHistory string `json:"medicalHistory,omitempty"`
}

// Identity tags outgoing patient messages.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Provider exposes the read-only patient profile.
type Provider interface {
	GetProfile(ctx context.Context) Profile
}

// IdentityProvider exposes the signed-in patient.
type IdentityProvider interface {
	GetPatientIdentity(ctx context.Context) Identity
}

// PatientInfo is the profile summary sent along with patient messages.
type PatientInfo struct {
	Age            string `json:"age"`
	Gender         string `json:"gender"`
	MedicalHistory string `json:"medicalHistory"`
}

const notProvided = "Not provided"

// Info fills blanks with the defaults the triage service expects.
func (p Profile) Info() PatientInfo {
	info := PatientInfo{Age: notProvided, Gender: notProvided, MedicalHistory: "None"}
	if p.Age != nil && *p.Age > 0 {
		info.Age = strconv.Itoa(*p.Age)
	}
	if g := strings.TrimSpace(p.Gender); g != "" {
		info.Gender = g
	}
	if h := strings.TrimSpace(p.MedicalHistory); h != "" {
		info.MedicalHistory = h
	}
	return info
}

// DisplayName falls back to "Patient" when the profile has no name.
func (p Profile) DisplayName() string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	return "Patient"
}

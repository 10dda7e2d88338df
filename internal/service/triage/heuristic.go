// Package triage classifies a patient's first symptom description into an
// urgency level and a recommended specialist.
package triage

import (
	"strings"
)

// Urgency levels understood by the patient app.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// DefaultSpecialist is recommended when no body system stands out.
const DefaultSpecialist = "General Practitioner"

// Result 表示一次分诊判断。
type Result struct {
	Urgency            string `json:"urgency"`
	SpecialistRequired string `json:"specialist_required"`
	LowConfidence      bool   `json:"low_confidence"`
	// Score is the keyword weight behind Urgency; zero for LLM results.
	Score  int    `json:"score,omitempty"`
	Source string `json:"source"`
}

var urgencyKeywords = map[string][]string{
	UrgencyCritical: {
		"chest pain", "can't breathe", "cannot breathe", "unconscious", "seizure", "stroke",
		"heart attack", "severe bleeding", "suicidal", "overdose", "胸痛", "呼吸困难", "昏迷", "抽搐",
	},
	UrgencyHigh: {
		"high fever", "vomiting blood", "fainted", "broken", "fracture", "severe", "worst",
		"blurred vision", "numb", "allergic reaction", "高烧", "骨折", "剧烈",
	},
	UrgencyMedium: {
		"fever", "headache", "migraine", "vomiting", "diarrhea", "infection", "swelling",
		"rash", "pain", "dizzy", "头痛", "发烧", "呕吐", "疼",
	},
	UrgencyLow: {
		"cough", "cold", "sore throat", "runny nose", "tired", "itch", "sneez", "mild",
		"咳嗽", "感冒", "流鼻涕",
	},
}

var specialistKeywords = map[string][]string{
	"Cardiologist":       {"chest pain", "heart", "palpitation", "blood pressure", "心脏", "胸痛"},
	"Neurologist":        {"headache", "migraine", "seizure", "numb", "stroke", "dizzy", "头痛", "头晕"},
	"Pulmonologist":      {"breath", "cough", "wheez", "asthma", "lung", "咳嗽", "呼吸"},
	"Gastroenterologist": {"stomach", "abdominal", "vomit", "diarrhea", "nausea", "腹痛", "呕吐"},
	"Dermatologist":      {"rash", "itch", "skin", "acne", "hives", "皮疹", "皮肤"},
	"Orthopedist":        {"fracture", "broken", "joint", "back pain", "sprain", "knee", "骨折", "关节"},
	"Psychiatrist":       {"anxiety", "depress", "panic", "suicidal", "insomnia", "焦虑", "抑郁"},
	"ENT Specialist":     {"earache", "sore throat", "sinus", "runny nose", "喉咙", "耳朵"},
	"Ophthalmologist":    {"eye", "vision", "blurred", "眼睛", "视力"},
}

// minConfidentScore is the keyword weight below which a result is flagged
// for patient review.
const minConfidentScore = 4

// Assess 基于关键词给出分诊建议，结合患者信息做轻微调整。
func Assess(symptoms string, medicalHistory string) Result {
	normalized := strings.ToLower(strings.TrimSpace(symptoms))
	if normalized == "" {
		return Result{Urgency: UrgencyLow, SpecialistRequired: DefaultSpecialist, LowConfidence: true, Source: "heuristic"}
	}

	// the most severe level with any hit wins
	urgency, urgencyScore := UrgencyLow, 0
	for _, level := range []string{UrgencyCritical, UrgencyHigh, UrgencyMedium, UrgencyLow} {
		hits := countHits(normalized, urgencyKeywords[level])
		if hits > 0 && urgencyScore == 0 {
			urgency = level
		}
		urgencyScore += hits
	}

	specialist, specialistScore := "", 0
	for name, keywords := range specialistKeywords {
		hits := countHits(normalized, keywords)
		if hits > specialistScore || (hits == specialistScore && hits > 0 && name < specialist) {
			specialist, specialistScore = name, hits
		}
	}
	if specialistScore == 0 {
		specialist = DefaultSpecialist
	}

	// 感叹号与既往病史会提升紧急程度
	if strings.Count(symptoms, "!") >= 2 && urgency == UrgencyMedium {
		urgency = UrgencyHigh
	}
	history := strings.ToLower(medicalHistory)
	if urgency == UrgencyMedium && (strings.Contains(history, "heart") || strings.Contains(history, "diabetes")) {
		urgency = UrgencyHigh
	}

	score := urgencyScore + specialistScore
	return Result{
		Urgency:            urgency,
		SpecialistRequired: specialist,
		LowConfidence:      score < minConfidentScore,
		Score:              score,
		Source:             "heuristic",
	}
}

func countHits(text string, keywords []string) int {
	score := 0
	for _, word := range keywords {
		if strings.Contains(text, strings.ToLower(word)) {
			score += 3
		}
	}
	return score
}

package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/model/profile"
)

// Config 控制分诊服务的行为。
type Config struct {
	// Enabled turns on the LLM classifier; the keyword heuristic is always available.
	Enabled bool
	// MinConfidence below which LLM results are flagged low-confidence.
	MinConfidence float32
}

// Request is one symptom description with its patient context.
type Request struct {
	ChatID      string
	Symptoms    string
	PatientInfo profile.PatientInfo
}

// Service 使用大模型进行分诊，并在必要时回退到关键词规则。
type Service struct {
	classifier    compose.Runnable[map[string]any, *schema.Message]
	minConfidence float32
	log           *logger.Logger
}

// NewService creates the triage service. chatModel may be nil, in which case
// only the heuristic runs.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config, log *logger.Logger) (*Service, error) {
	svc := &Service{
		minConfidence: cfg.MinConfidence,
		log:           logger.Component(log, "TriageService"),
	}
	if svc.minConfidence <= 0 {
		svc.minConfidence = 0.6
	}
	if !cfg.Enabled || chatModel == nil {
		return svc, nil
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(triageSystemPrompt),
		schema.UserMessage(triageUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile triage classifier chain: %w", err)
	}
	svc.classifier = runnable
	return svc, nil
}

// Enabled 返回大模型分诊是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.classifier != nil
}

// Analyze classifies req. It never fails: classifier errors fall back to the
// heuristic.
func (s *Service) Analyze(ctx context.Context, req Request) Result {
	if !s.Enabled() {
		return Assess(req.Symptoms, req.PatientInfo.MedicalHistory)
	}

	input := map[string]any{
		"age":             req.PatientInfo.Age,
		"gender":          req.PatientInfo.Gender,
		"medical_history": req.PatientInfo.MedicalHistory,
		"symptoms":        strings.TrimSpace(req.Symptoms),
	}

	msg, err := s.classifier.Invoke(ctx, input)
	if err != nil {
		s.log.Warn("classifier invoke failed, use fallback", "chatId", req.ChatID, "error", err)
		return Assess(req.Symptoms, req.PatientInfo.MedicalHistory)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return Assess(req.Symptoms, req.PatientInfo.MedicalHistory)
	}

	result, err := s.parse(msg.Content)
	if err != nil {
		s.log.Warn("classifier output parse failed, use fallback", "chatId", req.ChatID, "error", err)
		return Assess(req.Symptoms, req.PatientInfo.MedicalHistory)
	}
	return result
}

func (s *Service) parse(content string) (Result, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return Result{}, fmt.Errorf("missing json object")
	}

	var payload classifierPayload
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return Result{}, err
	}

	urgency, ok := parseUrgency(payload.Urgency)
	if !ok {
		return Result{}, fmt.Errorf("unknown urgency %q", payload.Urgency)
	}
	specialist := strings.TrimSpace(payload.Specialist)
	if specialist == "" {
		specialist = DefaultSpecialist
	}
	return Result{
		Urgency:            urgency,
		SpecialistRequired: specialist,
		LowConfidence:      payload.Confidence < s.minConfidence,
		Source:             "llm",
	}, nil
}

func parseUrgency(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case UrgencyLow:
		return UrgencyLow, true
	case UrgencyMedium, "moderate":
		return UrgencyMedium, true
	case UrgencyHigh, "urgent":
		return UrgencyHigh, true
	case UrgencyCritical, "emergency":
		return UrgencyCritical, true
	default:
		return "", false
	}
}

type classifierPayload struct {
	Urgency    string  `json:"urgency"`
	Specialist string  `json:"specialist_required"`
	Confidence float32 `json:"confidence"`
}

const triageSystemPrompt = "You are a medical triage assistant. Read the patient context and symptom description and classify how urgently they need care.\nReturn exactly one JSON object with fields: urgency (one of low/medium/high/critical), specialist_required (the kind of doctor to see, e.g. Neurologist), confidence (a number between 0 and 1). Output nothing else."

const triageUserPrompt = "Patient age: {age}\nGender: {gender}\nMedical history: {medical_history}\n\nSymptoms:\n{symptoms}"

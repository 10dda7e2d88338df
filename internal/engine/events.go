package engine

import (
	"encoding/json"
	"fmt"

	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/transport"
)

// Event is an inbound stimulus handled by Engine.Dispatch.
type Event interface {
	event()
}

// Connected is raised when the transport link comes up.
type Connected struct{}

// Disconnected is raised when the link drops; the transport keeps retrying.
type Disconnected struct {
	Err error
}

// AnalysisResult carries the triage classification.
type AnalysisResult struct {
	Analysis consultation.Analysis
}

// ClinicianMessage is a message typed by the clinician.
type ClinicianMessage struct {
	Text       string
	DoctorName string
}

// ClinicianEnded means the clinician closed the consultation.
type ClinicianEnded struct {
	Remark string
}

func (Connected) event()        {}
func (Disconnected) event()     {}
func (AnalysisResult) event()   {}
func (ClinicianMessage) event() {}
func (ClinicianEnded) event()   {}

// InboundEvents lists the wire events the engine subscribes to.
var InboundEvents = []string{
	transport.EventAnalysisResult,
	transport.EventClinicianMessage,
	transport.EventClinicianEnded,
}

// Decode maps a named wire event to its engine event.
func Decode(name string, data json.RawMessage) (Event, error) {
	switch name {
	case transport.EventAnalysisResult:
		var p transport.AnalysisResult
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		return AnalysisResult{Analysis: p.Analysis()}, nil
	case transport.EventClinicianMessage:
		var p transport.ClinicianMessage
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		return ClinicianMessage{Text: p.Message, DoctorName: p.DoctorName}, nil
	case transport.EventClinicianEnded:
		var p transport.ClinicianEnded
		if err := unmarshal(name, data, &p); err != nil {
			return nil, err
		}
		return ClinicianEnded{Remark: p.Message}, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}

func unmarshal(name string, data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

// Package relay is the development stand-in for the remote triage and
// clinician service. It keeps one case per consultation, triages the first
// patient message and lets a clinician reply or close the chat over HTTP.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/metrics"
	"github.com/zhouzirui/meditriage/internal/service/triage"
	"github.com/zhouzirui/meditriage/internal/transport"
)

var (
	ErrChatNotFound   = errors.New("chat not found")
	ErrChatEnded      = errors.New("chat already ended")
	ErrPatientOffline = errors.New("patient is not connected")
	ErrUnknownEvent   = errors.New("unsupported event")
	ErrEmptyMessage   = errors.New("message is required")
)

// Peer is the hub's handle on one patient connection.
type Peer interface {
	Send(env transport.Envelope) error
	Close() error
}

// Analyzer classifies symptom descriptions.
type Analyzer interface {
	Analyze(ctx context.Context, req triage.Request) triage.Result
}

// Entry is one line of the relay-side transcript.
type Entry struct {
	From string    `json:"from"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Case is the relay's view of one consultation.
type Case struct {
	ChatID     string         `json:"chatId"`
	PatientID  string         `json:"patientId,omitempty"`
	Triage     *triage.Result `json:"triage,omitempty"`
	Urgency    string         `json:"urgency,omitempty"`
	Specialist string         `json:"specialist,omitempty"`
	Transcript []Entry        `json:"transcript"`
	Online     bool           `json:"online"`
	Ended      bool           `json:"ended"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Hub routes events between patients and clinicians.
type Hub struct {
	analyzer Analyzer
	metrics  *metrics.Relay
	log      *logger.Logger
	now      func() time.Time

	mu    sync.RWMutex
	cases map[string]*Case
	peers map[string]Peer
}

// NewHub creates a hub. m may be nil.
func NewHub(analyzer Analyzer, m *metrics.Relay, log *logger.Logger) *Hub {
	return &Hub{
		analyzer: analyzer,
		metrics:  m,
		log:      logger.Component(log, "RelayHub"),
		now:      time.Now,
		cases:    make(map[string]*Case),
		peers:    make(map[string]Peer),
	}
}

// Attach registers the patient connection for chatID, closing any previous one.
func (h *Hub) Attach(chatID string, peer Peer) {
	h.mu.Lock()
	old, replaced := h.peers[chatID]
	h.peers[chatID] = peer
	c := h.caseLocked(chatID)
	c.Online = true
	c.UpdatedAt = h.now()
	h.refreshGaugesLocked()
	h.mu.Unlock()

	if replaced && old != peer {
		old.Close()
	}
	h.log.Info("patient attached", "chatId", chatID, "replaced", replaced)
}

// Detach forgets peer if it is still the registered connection for chatID.
func (h *Hub) Detach(chatID string, peer Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.peers[chatID]; !ok || current != peer {
		return
	}
	delete(h.peers, chatID)
	if c, ok := h.cases[chatID]; ok {
		c.Online = false
		c.UpdatedAt = h.now()
	}
	h.refreshGaugesLocked()
	h.log.Info("patient detached", "chatId", chatID)
}

// HandlePatient applies one event sent by the patient of chatID.
func (h *Hub) HandlePatient(ctx context.Context, chatID string, env transport.Envelope) error {
	h.metrics.Inbound(env.Type)

	switch env.Type {
	case transport.EventTriageRequest, transport.EventChatMessage:
		var msg transport.PatientMessage
		if err := decode(env, &msg); err != nil {
			return err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return ErrEmptyMessage
		}
		h.record(chatID, func(c *Case) {
			if msg.PatientID != "" {
				c.PatientID = msg.PatientID
			}
			c.Transcript = append(c.Transcript, Entry{From: "patient", Text: msg.Message, At: h.now()})
		})
		if env.Type == transport.EventTriageRequest && msg.AiNeeded {
			return h.triage(ctx, chatID, msg)
		}
		return nil

	case transport.EventUrgencyAdjustment:
		var adj transport.UrgencyAdjustment
		if err := decode(env, &adj); err != nil {
			return err
		}
		h.record(chatID, func(c *Case) {
			c.Urgency = adj.Urgency
			if adj.SpecialistRequired != "" {
				c.Specialist = adj.SpecialistRequired
			}
			c.Transcript = append(c.Transcript, Entry{From: "system", Text: "urgency adjusted to " + adj.Urgency, At: h.now()})
		})
		h.log.Info("patient adjusted urgency", "chatId", chatID, "urgency", adj.Urgency)
		return nil

	case transport.EventSessionEnd:
		h.record(chatID, func(c *Case) {
			c.Ended = true
			c.Transcript = append(c.Transcript, Entry{From: "system", Text: "patient ended the chat", At: h.now()})
		})
		h.log.Info("patient ended chat", "chatId", chatID)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
}

func (h *Hub) triage(ctx context.Context, chatID string, msg transport.PatientMessage) error {
	started := h.now()
	result := h.analyzer.Analyze(ctx, triage.Request{
		ChatID:      chatID,
		Symptoms:    msg.Message,
		PatientInfo: msg.PatientInfo,
	})
	h.metrics.ObserveTriage(result.Urgency, result.Source, h.now().Sub(started))

	h.record(chatID, func(c *Case) {
		r := result
		c.Triage = &r
		c.Urgency = result.Urgency
		c.Specialist = result.SpecialistRequired
	})
	h.log.Info("triage complete", "chatId", chatID, "urgency", result.Urgency,
		"specialist", result.SpecialistRequired, "lowConfidence", result.LowConfidence, "source", result.Source)

	return h.push(chatID, transport.EventAnalysisResult, transport.AnalysisResult{
		Urgency:            result.Urgency,
		SpecialistRequired: result.SpecialistRequired,
		LowConfidence:      result.LowConfidence,
	})
}

// SendClinicianMessage forwards a clinician reply to the patient.
func (h *Hub) SendClinicianMessage(chatID, text, doctorName string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if err := h.checkOpen(chatID); err != nil {
		return err
	}
	if err := h.push(chatID, transport.EventClinicianMessage, transport.ClinicianMessage{Message: text, DoctorName: doctorName}); err != nil {
		return err
	}
	from := "doctor"
	if doctorName != "" {
		from = doctorName
	}
	h.record(chatID, func(c *Case) {
		c.Transcript = append(c.Transcript, Entry{From: from, Text: text, At: h.now()})
	})
	return nil
}

// EndChat closes the consultation on the clinician's behalf. The closing
// remark is optional.
func (h *Hub) EndChat(chatID, remark string) error {
	if err := h.checkOpen(chatID); err != nil {
		return err
	}
	if err := h.push(chatID, transport.EventClinicianEnded, transport.ClinicianEnded{Message: strings.TrimSpace(remark)}); err != nil {
		return err
	}
	h.record(chatID, func(c *Case) {
		c.Ended = true
		c.Transcript = append(c.Transcript, Entry{From: "system", Text: "clinician ended the chat", At: h.now()})
	})
	h.log.Info("clinician ended chat", "chatId", chatID)
	return nil
}

func (h *Hub) checkOpen(chatID string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.cases[chatID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if c.Ended {
		return fmt.Errorf("%w: %s", ErrChatEnded, chatID)
	}
	return nil
}

func (h *Hub) push(chatID, event string, payload any) error {
	h.mu.RLock()
	peer, ok := h.peers[chatID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatientOffline, chatID)
	}
	env, err := transport.NewEnvelope(event, chatID, payload)
	if err != nil {
		return err
	}
	if err := peer.Send(env); err != nil {
		return fmt.Errorf("push %s: %w", event, err)
	}
	h.metrics.Outbound(event)
	return nil
}

// Get returns a copy of the case for chatID.
func (h *Hub) Get(chatID string) (Case, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.cases[chatID]
	if !ok {
		return Case{}, false
	}
	return c.clone(), true
}

// List returns every case, most recently updated first.
func (h *Hub) List() []Case {
	h.mu.RLock()
	out := make([]Case, 0, len(h.cases))
	for _, c := range h.cases {
		out = append(out, c.clone())
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// Prune drops ended, offline cases idle for longer than ttl.
func (h *Hub) Prune(ttl time.Duration) int {
	cutoff := h.now().Add(-ttl)
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, c := range h.cases {
		if _, online := h.peers[id]; online || !c.Ended || c.UpdatedAt.After(cutoff) {
			continue
		}
		delete(h.cases, id)
		removed++
	}
	if removed > 0 {
		h.refreshGaugesLocked()
		h.log.Debug("pruned ended chats", "count", removed)
	}
	return removed
}

// Run prunes periodically until ctx is done.
func (h *Hub) Run(ctx context.Context, interval, ttl time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Prune(ttl)
		}
	}
}

// CloseAll disconnects every patient.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	for _, c := range h.cases {
		c.Online = false
	}
	h.refreshGaugesLocked()
	h.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
}

func (h *Hub) record(chatID string, fn func(c *Case)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.caseLocked(chatID)
	fn(c)
	c.UpdatedAt = h.now()
	h.refreshGaugesLocked()
}

func (h *Hub) caseLocked(chatID string) *Case {
	c, ok := h.cases[chatID]
	if !ok {
		now := h.now()
		c = &Case{ChatID: chatID, Transcript: []Entry{}, CreatedAt: now, UpdatedAt: now}
		h.cases[chatID] = c
	}
	return c
}

func (h *Hub) refreshGaugesLocked() {
	if h.metrics == nil {
		return
	}
	open := 0
	for _, c := range h.cases {
		if !c.Ended {
			open++
		}
	}
	h.metrics.OpenChats.Set(float64(open))
	h.metrics.PatientsConnected.Set(float64(len(h.peers)))
}

func (c *Case) clone() Case {
	out := *c
	out.Transcript = append([]Entry(nil), c.Transcript...)
	if c.Triage != nil {
		t := *c.Triage
		out.Triage = &t
	}
	return out
}

func decode(env transport.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return nil
}

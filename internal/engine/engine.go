// Package engine drives one consultation: it owns the session and connection
// state machines, turns transport events into transcript changes, turns
// patient intents into outbound events, and finalizes the session.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/model/profile"
	"github.com/zhouzirui/meditriage/internal/transport"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyStarted  = errors.New("engine already started")
	// ErrPersist is returned when the final transcript could not be saved.
	ErrPersist = errors.New("failed to save consultation")
)

// Registry is the part of the session registry the engine needs.
type Registry interface {
	Get(id string) (consultation.Session, bool)
	AppendAndComplete(ctx context.Context, id string, messages []consultation.Message) error
	MarkCompleted(ctx context.Context, id string) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Registry  Registry
	Transport transport.Transport
	Profiles  profile.Provider
	Identity  profile.IdentityProvider
	Log       *logger.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
	// NewID generates patient message ids; defaults to uuid.NewString.
	NewID func() string
}

// Engine runs one consultation. All methods are safe for concurrent use.
type Engine struct {
	deps      Deps
	sessionID string
	log       *logger.Logger
	now       func() time.Time
	newID     func() string

	// sendMu keeps outbound emits in the order their messages were appended.
	// terminate holds it until session-end is out, so no send straddles it.
	sendMu sync.Mutex

	mu          sync.Mutex
	ctx         context.Context
	conn        transport.Conn
	messages    []consultation.Message
	dirty       bool
	patientSent int
	connStatus  ConnectionStatus
	sessStatus  SessionStatus
	typing      bool
	analysis    *consultation.Analysis
	urgencyUp   bool
	exitPrompt  bool
	started     bool
	detached    bool
	completed   bool
	// remoteEnded: the clinician closed the chat but saving has not succeeded yet.
	remoteEnded bool
	lastErr     error
	termination *termination
	subscribers []func(ViewModel)
}

// termination is shared by every caller racing on the same finalization.
type termination struct {
	done chan struct{}
	err  error
}

// New builds an engine for sessionID. Call Start to attach.
func New(deps Deps, sessionID string) *Engine {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	newID := deps.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		deps:       deps,
		sessionID:  sessionID,
		log:        logger.Component(deps.Log, "SessionEngine", "chatId", sessionID),
		now:        now,
		newID:      newID,
		connStatus: ConnectionConnecting,
		sessStatus: SessionWaiting,
	}
}

// SessionID returns the consultation id.
func (e *Engine) SessionID() string { return e.sessionID }

// Start loads the session and, unless it is completed, opens the transport.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	sess, ok := e.deps.Registry.Get(e.sessionID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, e.sessionID)
	}
	e.started = true
	e.ctx = context.WithoutCancel(ctx)

	e.messages = append([]consultation.Message(nil), sess.Messages...)
	for _, m := range e.messages {
		switch {
		case m.FromPatient():
			e.patientSent++
		case m.Author.ID == consultation.AuthorClinicianID:
			e.sessStatus = SessionActive
		}
	}

	if sess.IsCompleted() {
		e.completed = true
		e.sessStatus = SessionCompleted
		e.connStatus = ConnectionDisconnected
		if len(e.messages) == 0 {
			e.messages = []consultation.Message{consultation.NewWelcome(sess.CreatedAt)}
		}
		e.log.Info("session is completed, staying offline")
		e.mu.Unlock()
		e.notify()
		return nil
	}

	if len(e.messages) == 0 {
		e.messages = []consultation.Message{consultation.NewWelcome(e.now())}
		e.dirty = true
	}
	if e.sessStatus != SessionActive {
		e.sessStatus = SessionWaiting
	}
	e.connStatus = ConnectionConnecting

	conn := e.deps.Transport.NewConn(e.sessionID)
	for _, name := range InboundEvents {
		name := name
		conn.On(name, func(data json.RawMessage) {
			ev, err := Decode(name, data)
			if err != nil {
				e.log.Warn("dropping malformed event", "event", name, "error", err)
				return
			}
			e.Dispatch(ev)
		})
	}
	conn.OnConnect(func() { e.Dispatch(Connected{}) })
	conn.OnDisconnect(func(err error) { e.Dispatch(Disconnected{Err: err}) })
	e.conn = conn
	e.mu.Unlock()

	conn.Connect(ctx)
	e.log.Info("session attached", "messages", len(sess.Messages))
	e.notify()
	return nil
}

// Dispatch applies one inbound event. Events after completion or teardown
// are ignored.
func (e *Engine) Dispatch(ev Event) {
	e.mu.Lock()
	if !e.started || e.detached || e.completed {
		e.mu.Unlock()
		e.log.Debug("ignoring event on closed session", "event", fmt.Sprintf("%T", ev))
		return
	}

	switch ev := ev.(type) {
	case Connected:
		if e.termination == nil {
			e.connStatus = ConnectionConnected
		}
	case Disconnected:
		// the transport redials on its own
		e.connStatus = ConnectionConnecting
		e.log.Warn("transport disconnected", "error", ev.Err)
	case AnalysisResult:
		if e.dropDuringTermination("analysis") {
			return
		}
		a := ev.Analysis
		e.analysis = &a
		e.typing = false
		if a.LowConfidence {
			e.urgencyUp = true
		}
		e.appendLocked(consultation.NewAnalysis(e.now(), a))
	case ClinicianMessage:
		if e.dropDuringTermination("clinician message") {
			return
		}
		e.typing = false
		e.sessStatus = SessionActive
		e.appendLocked(consultation.NewClinicianMessage(e.now(), ev.Text, ev.DoctorName))
	case ClinicianEnded:
		if e.dropDuringTermination("clinician end") {
			return
		}
		e.appendLocked(consultation.NewClosingMessage(e.now(), ev.Remark))
		e.remoteEnded = true
		e.mu.Unlock()
		e.log.Info("clinician ended the consultation")
		if err := e.terminate(e.ctx); err != nil {
			e.log.Error("failed to finalize consultation ended by clinician", "error", err)
		}
		return
	}
	e.mu.Unlock()
	e.notify()
}

// dropDuringTermination unlocks and reports true when a transcript event
// arrives after the final snapshot was taken.
func (e *Engine) dropDuringTermination(what string) bool {
	if e.termination == nil && !e.remoteEnded {
		return false
	}
	e.mu.Unlock()
	e.log.Warn("dropping event received while closing", "event", what)
	return true
}

func (e *Engine) appendLocked(m consultation.Message) {
	e.messages = append(e.messages, m)
	e.dirty = true
}

// SendMessage appends a patient message and forwards it. It returns false
// when the message was not accepted.
func (e *Engine) SendMessage(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	identity := e.deps.Identity.GetPatientIdentity(ctx)
	info := e.deps.Profiles.GetProfile(ctx).Info()

	e.mu.Lock()
	if !e.acceptingLocked() {
		e.mu.Unlock()
		return false
	}
	msg := consultation.Message{
		ID:        e.newID(),
		Text:      text,
		CreatedAt: e.now(),
		Author:    consultation.Author{ID: identity.ID, Name: identity.DisplayName},
	}
	e.appendLocked(msg)
	first := e.patientSent == 0
	e.patientSent++
	e.sessStatus = SessionWaiting

	payload := transport.PatientMessage{
		Message:     text,
		PatientID:   identity.ID,
		ChatID:      e.sessionID,
		PatientInfo: info,
	}
	event := transport.EventChatMessage
	if first {
		e.typing = true
		payload.AiNeeded = true
		event = transport.EventTriageRequest
	}
	conn := e.conn
	e.mu.Unlock()

	if err := conn.Emit(event, payload); err != nil {
		e.log.Warn("failed to send patient message", "event", event, "error", err)
	}
	e.notify()
	return true
}

// AdjustUrgency overrides the urgency of the last analysis.
func (e *Engine) AdjustUrgency(ctx context.Context, level string) bool {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return false
	}
	identity := e.deps.Identity.GetPatientIdentity(ctx)
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.mu.Lock()
	if e.analysis == nil || !e.acceptingLocked() {
		e.mu.Unlock()
		return false
	}
	payload := transport.UrgencyAdjustment{
		ChatID:             e.sessionID,
		PatientID:          identity.ID,
		Urgency:            level,
		SpecialistRequired: e.analysis.SpecialistRequired,
	}
	e.appendLocked(consultation.NewUrgencyAdjusted(e.now(), level))
	e.urgencyUp = false
	conn := e.conn
	e.mu.Unlock()

	if err := conn.Emit(transport.EventUrgencyAdjustment, payload); err != nil {
		e.log.Warn("failed to send urgency adjustment", "error", err)
	}
	e.notify()
	return true
}

// DismissUrgencyPrompt hides the urgency affordance without emitting anything.
func (e *Engine) DismissUrgencyPrompt() {
	e.mu.Lock()
	e.urgencyUp = false
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) acceptingLocked() bool {
	return e.started && !e.detached && !e.completed && !e.remoteEnded &&
		e.termination == nil && e.connStatus == ConnectionConnected
}

// RequestEndChat finalizes the consultation on the patient's behalf.
func (e *Engine) RequestEndChat(ctx context.Context) error {
	return e.terminate(ctx)
}

// RequestExit reports whether the patient may leave right away. When the
// session is still open it raises the exit confirmation instead.
func (e *Engine) RequestExit() bool {
	e.mu.Lock()
	if e.completed || !e.started {
		e.mu.Unlock()
		return true
	}
	e.exitPrompt = true
	e.mu.Unlock()
	e.notify()
	return false
}

// ConfirmExit finalizes the consultation. Navigation may proceed only when it
// returns nil.
func (e *Engine) ConfirmExit(ctx context.Context) error {
	e.mu.Lock()
	e.exitPrompt = false
	e.mu.Unlock()
	return e.terminate(ctx)
}

// CancelExit hides the exit confirmation.
func (e *Engine) CancelExit() {
	e.mu.Lock()
	e.exitPrompt = false
	e.mu.Unlock()
	e.notify()
}

// terminate runs the termination protocol once. Concurrent callers wait for
// the in-flight run and share its result; later calls are no-ops.
func (e *Engine) terminate(ctx context.Context) error {
	e.sendMu.Lock()
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		e.sendMu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, e.sessionID)
	}
	if e.completed {
		e.mu.Unlock()
		e.sendMu.Unlock()
		return nil
	}
	if t := e.termination; t != nil {
		e.mu.Unlock()
		e.sendMu.Unlock()
		select {
		case <-t.done:
			return t.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	t := &termination{done: make(chan struct{})}
	e.termination = t
	e.typing = false
	conn := e.conn
	snapshot := append([]consultation.Message(nil), e.messages...)
	dirty := e.dirty
	e.mu.Unlock()
	e.notify()

	if conn != nil && conn.Connected() {
		if err := conn.Emit(transport.EventSessionEnd, transport.SessionEnd{ChatID: e.sessionID}); err != nil {
			e.log.Warn("failed to announce session end", "error", err)
		}
	}
	e.sendMu.Unlock()

	// the final write must outlive a cancelled caller
	err := e.persist(context.WithoutCancel(ctx), snapshot, dirty)

	e.mu.Lock()
	e.termination = nil
	if err != nil {
		t.err = fmt.Errorf("%w: %w", ErrPersist, err)
		e.lastErr = t.err
		if e.remoteEnded {
			// the relay already closed the chat; stay read-only until a retry saves it
			e.sessStatus = SessionCompleted
			e.typing = false
			e.urgencyUp = false
		}
		e.mu.Unlock()
		close(t.done)
		e.notify()
		return t.err
	}
	e.completed = true
	e.dirty = false
	e.lastErr = nil
	e.sessStatus = SessionCompleted
	e.connStatus = ConnectionDisconnected
	e.urgencyUp = false
	e.exitPrompt = false
	e.conn = nil
	e.mu.Unlock()
	close(t.done)

	if conn != nil {
		if err := conn.Close(); err != nil {
			e.log.Warn("failed to close transport", "error", err)
		}
	}
	e.log.Info("consultation completed", "messages", len(snapshot))
	e.notify()
	return nil
}

// persist writes the final transcript, retrying once.
func (e *Engine) persist(ctx context.Context, snapshot []consultation.Message, dirty bool) error {
	write := func() error {
		if dirty {
			return e.deps.Registry.AppendAndComplete(ctx, e.sessionID, snapshot)
		}
		return e.deps.Registry.MarkCompleted(ctx, e.sessionID)
	}
	err := write()
	if err == nil {
		return nil
	}
	e.log.Warn("saving consultation failed, retrying", "error", err)
	if err = write(); err != nil {
		e.log.Error("saving consultation failed", "error", err)
		return err
	}
	return nil
}

// Close detaches the engine and closes any open connection. It does not
// finalize the session; an in-flight termination still completes.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.detached {
		e.mu.Unlock()
		return nil
	}
	e.detached = true
	conn := e.conn
	e.conn = nil
	if !e.completed {
		e.connStatus = ConnectionDisconnected
	}
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// View returns the current view-model.
func (e *Engine) View() ViewModel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

func (e *Engine) viewLocked() ViewModel {
	sess := consultation.Session{ID: e.sessionID, Messages: e.messages}
	return ViewModel{
		SessionID:            e.sessionID,
		Title:                sess.Title(),
		Messages:             sess.Clone().Messages,
		ConnectionStatus:     e.connStatus,
		SessionStatus:        e.sessStatus,
		Typing:               e.typing,
		PendingUrgencyPrompt: e.urgencyUp,
		ExitPromptVisible:    e.exitPrompt,
		Err:                  e.lastErr,
	}
}

// Subscribe registers fn to receive a view-model after every state change.
// fn must not call back into the engine synchronously.
func (e *Engine) Subscribe(fn func(ViewModel)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

func (e *Engine) notify() {
	e.mu.Lock()
	if len(e.subscribers) == 0 {
		e.mu.Unlock()
		return
	}
	subs := append([]func(ViewModel){}, e.subscribers...)
	v := e.viewLocked()
	e.mu.Unlock()
	for _, fn := range subs {
		fn(v)
	}
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/meditriage/internal/engine"
	"github.com/zhouzirui/meditriage/internal/mock"
	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/model/profile"
	"github.com/zhouzirui/meditriage/internal/service/registry"
	"github.com/zhouzirui/meditriage/internal/store"
	"github.com/zhouzirui/meditriage/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store    store.Store
	registry *registry.Registry
	counting *mock.Registry
	conn     *mock.Conn
	conns    int
	writes   int
	engine   *engine.Engine
}

func newHarness(t *testing.T, sessionID string) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{store: store.NewMemoryStore(), conn: mock.NewConn()}

	reg, err := registry.Open(ctx, h.store, nil, registry.WithClock(func() time.Time { return epoch }))
	require.NoError(t, err)
	_, err = reg.Create(ctx, sessionID)
	require.NoError(t, err)
	h.registry = reg

	h.counting = &mock.Registry{
		GetFn: reg.Get,
		AppendAndCompleteFn: func(ctx context.Context, id string, messages []consultation.Message) error {
			h.writes++
			return reg.AppendAndComplete(ctx, id, messages)
		},
		MarkCompletedFn: func(ctx context.Context, id string) error {
			h.writes++
			return reg.MarkCompleted(ctx, id)
		},
	}
	return h
}

func (h *harness) start(t *testing.T, sessionID string) *engine.Engine {
	t.Helper()
	age := 34
	people := profile.NewMemoryStore(
		profile.Identity{ID: "patient-1", DisplayName: "Ana"},
		profile.Profile{Name: "Ana", Age: &age, Gender: "female", MedicalHistory: "migraine"},
	)
	var tick int64
	h.engine = engine.New(engine.Deps{
		Registry: h.counting,
		Transport: &mock.Transport{NewConnFn: func(string) transport.Conn {
			h.conns++
			return h.conn
		}},
		Profiles: people,
		Identity: people,
		Clock: func() time.Time {
			tick++
			return epoch.Add(time.Duration(tick) * time.Second)
		},
		NewID: func() string { return fmt.Sprintf("p-%d", tick) },
	}, sessionID)
	require.NoError(t, h.engine.Start(context.Background()))
	return h.engine
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.conn.SetConnected(true, nil)
	require.Equal(t, engine.ConnectionConnected, h.engine.View().ConnectionStatus)
}

func TestInitSynthesizesWelcome(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")

	v := e.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, consultation.WelcomeMessageID, v.Messages[0].ID)
	assert.Equal(t, consultation.AuthorSystemID, v.Messages[0].Author.ID)
	assert.Equal(t, engine.ConnectionConnecting, v.ConnectionStatus)
	assert.Equal(t, engine.SessionWaiting, v.SessionStatus)
	assert.Equal(t, "New Consultation", v.Title)
	assert.Equal(t, 1, h.conn.ConnectCalls())
	for _, name := range engine.InboundEvents {
		assert.True(t, h.conn.Subscribed(name), name)
	}
}

func TestStartUnknownSession(t *testing.T) {
	h := newHarness(t, "s1")
	e := engine.New(engine.Deps{Registry: h.counting}, "missing")
	assert.ErrorIs(t, e.Start(context.Background()), engine.ErrSessionNotFound)
}

func TestHeadacheScenario(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	require.True(t, e.SendMessage(context.Background(), "I have a headache"))

	// local echo happens before any server reply
	v := e.View()
	require.Len(t, v.Messages, 2)
	assert.Equal(t, "I have a headache", v.Messages[1].Text)
	assert.Equal(t, "patient-1", v.Messages[1].Author.ID)
	assert.Equal(t, engine.SessionWaiting, v.SessionStatus)
	assert.True(t, v.Typing)
	assert.Equal(t, "I have a headache", v.Title)

	emitted := h.conn.Emitted()
	require.Len(t, emitted, 1)
	assert.Equal(t, transport.EventTriageRequest, emitted[0].Event)
	req, ok := emitted[0].Payload.(transport.PatientMessage)
	require.True(t, ok)
	assert.True(t, req.AiNeeded)
	assert.Equal(t, "s1", req.ChatID)
	assert.Equal(t, "patient-1", req.PatientID)
	assert.Equal(t, profile.PatientInfo{Age: "34", Gender: "female", MedicalHistory: "migraine"}, req.PatientInfo)

	require.NoError(t, h.conn.Deliver(transport.EventAnalysisResult, transport.AnalysisResult{
		Urgency:            "medium",
		SpecialistRequired: "neurologist",
	}))

	v = e.View()
	require.Len(t, v.Messages, 3)
	last := v.Messages[2]
	assert.Equal(t, consultation.AuthorAssistantID, last.Author.ID)
	assert.Contains(t, last.Text, "MEDIUM")
	assert.Contains(t, last.Text, "neurologist")
	require.NotNil(t, last.Analysis)
	assert.Equal(t, "neurologist", last.Analysis.SpecialistRequired)
	assert.False(t, v.PendingUrgencyPrompt)
	assert.False(t, v.Typing)

	require.NoError(t, h.conn.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{
		Message:    "Hello, I am Dr. Lee",
		DoctorName: "Dr. Lee",
	}))
	v = e.View()
	require.Len(t, v.Messages, 4)
	assert.Equal(t, consultation.AuthorClinicianID, v.Messages[3].Author.ID)
	assert.Equal(t, "Dr. Lee", v.Messages[3].Author.Name)
	assert.Equal(t, engine.SessionActive, v.SessionStatus)

	// follow-ups go out as plain chat messages
	require.True(t, e.SendMessage(context.Background(), "It started yesterday"))
	emitted = h.conn.Emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, transport.EventChatMessage, emitted[1].Event)
	follow := emitted[1].Payload.(transport.PatientMessage)
	assert.False(t, follow.AiNeeded)
	assert.Equal(t, engine.SessionWaiting, e.View().SessionStatus)
	assert.False(t, e.View().Typing)
}

func TestRequestEndChatPersistsAndCloses(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)
	require.True(t, e.SendMessage(context.Background(), "I have a headache"))
	require.NoError(t, h.conn.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{Message: "Hi"}))

	want := e.View().Messages
	require.NoError(t, e.RequestEndChat(context.Background()))

	emitted := h.conn.Emitted()
	require.NotEmpty(t, emitted)
	assert.Equal(t, transport.EventSessionEnd, emitted[len(emitted)-1].Event)
	assert.Equal(t, transport.SessionEnd{ChatID: "s1"}, emitted[len(emitted)-1].Payload)

	v := e.View()
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
	assert.Equal(t, engine.ConnectionDisconnected, v.ConnectionStatus)
	assert.True(t, v.ReadOnly())
	assert.Equal(t, 1, h.conn.CloseCalls())

	stored, ok := h.registry.Get("s1")
	require.True(t, ok)
	assert.True(t, stored.Completed)
	assert.Equal(t, consultation.StatusCompleted, stored.Status)
	require.Len(t, stored.Messages, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, stored.Messages[i].ID)
		assert.Equal(t, want[i].Text, stored.Messages[i].Text)
	}
}

func TestTerminationIsIdempotent(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	require.NoError(t, e.RequestEndChat(context.Background()))
	require.NoError(t, e.RequestEndChat(context.Background()))
	require.NoError(t, e.ConfirmExit(context.Background()))

	assert.Equal(t, 1, h.writes)
	assert.Equal(t, 1, h.conn.CloseCalls())
	ends := 0
	for _, em := range h.conn.Emitted() {
		if em.Event == transport.EventSessionEnd {
			ends++
		}
	}
	assert.Equal(t, 1, ends)
}

func TestConcurrentTerminationWritesOnce(t *testing.T) {
	h := newHarness(t, "s1")
	release := make(chan struct{})
	var mu sync.Mutex
	writes := 0
	h.counting.AppendAndCompleteFn = func(ctx context.Context, id string, messages []consultation.Message) error {
		<-release
		mu.Lock()
		writes++
		mu.Unlock()
		return h.registry.AppendAndComplete(ctx, id, messages)
	}
	e := h.start(t, "s1")
	h.connect(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.ConfirmExit(context.Background())
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, writes)
	assert.Equal(t, engine.SessionCompleted, e.View().SessionStatus)
}

func TestClinicianEndedRunsTermination(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)
	require.True(t, e.SendMessage(context.Background(), "I have a headache"))

	require.NoError(t, h.conn.Deliver(transport.EventClinicianEnded, transport.ClinicianEnded{
		Message: "Consultation closed by clinician",
	}))

	v := e.View()
	last := v.Messages[len(v.Messages)-1]
	assert.Equal(t, "Consultation closed by clinician", last.Text)
	assert.Equal(t, consultation.AuthorSystemID, last.Author.ID)
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
	assert.Equal(t, engine.ConnectionDisconnected, v.ConnectionStatus)
	assert.Equal(t, 1, h.conn.CloseCalls())

	stored, _ := h.registry.Get("s1")
	assert.True(t, stored.Completed)
	assert.Equal(t, "Consultation closed by clinician", stored.Messages[len(stored.Messages)-1].Text)
}

func TestTerminationWaitsForInFlightSend(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)
	ctx := context.Background()
	require.True(t, e.SendMessage(ctx, "I have a headache"))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.conn.EmitFn = func(event string, _ any) error {
		if event == transport.EventChatMessage {
			close(entered)
			<-release
		}
		return nil
	}

	sent := make(chan bool, 1)
	go func() { sent <- e.SendMessage(ctx, "it is getting worse") }()
	<-entered

	ended := make(chan error, 1)
	go func() { ended <- e.RequestEndChat(ctx) }()
	select {
	case <-ended:
		t.Fatal("termination finished while a send was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.True(t, <-sent)
	require.NoError(t, <-ended)

	var order []string
	for _, em := range h.conn.Emitted() {
		order = append(order, em.Event)
	}
	assert.Equal(t, []string{
		transport.EventTriageRequest,
		transport.EventChatMessage,
		transport.EventSessionEnd,
	}, order)

	stored, _ := h.registry.Get("s1")
	assert.True(t, stored.Completed)
	assert.Equal(t, "it is getting worse", stored.Messages[len(stored.Messages)-1].Text)
}

func TestClinicianEndedSaveFailureTurnsReadOnly(t *testing.T) {
	h := newHarness(t, "s1")
	failing := true
	h.counting.AppendAndCompleteFn = func(ctx context.Context, id string, messages []consultation.Message) error {
		h.writes++
		if failing {
			return errors.New("disk full")
		}
		return h.registry.AppendAndComplete(ctx, id, messages)
	}
	e := h.start(t, "s1")
	h.connect(t)
	ctx := context.Background()
	require.True(t, e.SendMessage(ctx, "I have a headache"))

	require.NoError(t, h.conn.Deliver(transport.EventClinicianEnded, transport.ClinicianEnded{Message: "Closed"}))
	assert.Equal(t, 2, h.writes)

	v := e.View()
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
	assert.True(t, v.ReadOnly())
	assert.ErrorIs(t, v.Err, engine.ErrPersist)
	assert.Equal(t, 0, h.conn.CloseCalls())

	logLen := len(v.Messages)
	assert.False(t, e.SendMessage(ctx, "hello?"))
	require.NoError(t, h.conn.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{Message: "late"}))
	assert.Len(t, e.View().Messages, logLen)

	// not saved yet, so leaving still goes through the confirmation
	assert.False(t, e.RequestExit())
	failing = false
	require.NoError(t, e.ConfirmExit(ctx))
	assert.NoError(t, e.View().Err)
	assert.Equal(t, 1, h.conn.CloseCalls())

	stored, _ := h.registry.Get("s1")
	assert.True(t, stored.Completed)
	assert.Equal(t, "Closed", stored.Messages[len(stored.Messages)-1].Text)
}

func TestClinicianEndedDefaultRemark(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	require.NoError(t, h.conn.Deliver(transport.EventClinicianEnded, nil))

	v := e.View()
	assert.Equal(t, consultation.DefaultClosingRemark, v.Messages[len(v.Messages)-1].Text)
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
}

func TestNoOutboundEventsAfterCompletion(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)
	require.True(t, e.SendMessage(context.Background(), "I have a headache"))
	require.NoError(t, h.conn.Deliver(transport.EventAnalysisResult, transport.AnalysisResult{
		Urgency: "low", SpecialistRequired: "gp", LowConfidence: true,
	}))
	require.NoError(t, e.RequestEndChat(context.Background()))

	before := len(h.conn.Emitted())
	logLen := len(e.View().Messages)

	// a reconnect after completion must not revive the session
	h.conn.SetConnected(true, nil)
	assert.False(t, e.SendMessage(context.Background(), "hello?"))
	assert.False(t, e.AdjustUrgency(context.Background(), "high"))
	require.NoError(t, h.conn.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{Message: "late"}))

	assert.Len(t, h.conn.Emitted(), before)
	assert.Len(t, e.View().Messages, logLen)
	assert.Equal(t, engine.ConnectionDisconnected, e.View().ConnectionStatus)
}

func TestCompletedSessionStaysOffline(t *testing.T) {
	h := newHarness(t, "s1")
	ctx := context.Background()
	require.NoError(t, h.registry.AppendAndComplete(ctx, "s1", []consultation.Message{
		consultation.NewWelcome(epoch),
		{ID: "m1", Text: "old", CreatedAt: epoch, Author: consultation.Author{ID: "patient-1"}},
	}))

	e := h.start(t, "s1")
	v := e.View()
	assert.Equal(t, 0, h.conns)
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
	assert.Equal(t, engine.ConnectionDisconnected, v.ConnectionStatus)
	assert.Len(t, v.Messages, 2)
	assert.True(t, e.RequestExit())
	assert.False(t, e.SendMessage(ctx, "hello"))
	require.NoError(t, e.RequestEndChat(ctx))
	assert.Equal(t, 0, h.writes)
}

func TestSendRequiresConnection(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")

	assert.False(t, e.SendMessage(context.Background(), "hello"))
	assert.Len(t, e.View().Messages, 1)

	h.connect(t)
	h.conn.SetConnected(false, errors.New("network down"))
	assert.Equal(t, engine.ConnectionConnecting, e.View().ConnectionStatus)
	assert.False(t, e.SendMessage(context.Background(), "hello"))
	assert.False(t, e.SendMessage(context.Background(), "   "))
	assert.Empty(t, h.conn.Emitted())
}

func TestSendsAppendInCallOrder(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	texts := []string{"one", "two", "three", "four", "five"}
	for i, text := range texts {
		require.True(t, e.SendMessage(context.Background(), text))
		assert.Len(t, e.View().Messages, 2+i)
	}
	msgs := e.View().Messages[1:]
	for i, text := range texts {
		assert.Equal(t, text, msgs[i].Text)
	}
	emitted := h.conn.Emitted()
	require.Len(t, emitted, len(texts))
	assert.Equal(t, transport.EventTriageRequest, emitted[0].Event)
	for i := 1; i < len(texts); i++ {
		assert.Equal(t, transport.EventChatMessage, emitted[i].Event)
		assert.Equal(t, texts[i], emitted[i].Payload.(transport.PatientMessage).Message)
	}
}

func TestAdjustUrgency(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	// nothing to adjust yet
	assert.False(t, e.AdjustUrgency(context.Background(), "high"))
	assert.Len(t, e.View().Messages, 1)
	assert.Empty(t, h.conn.Emitted())

	require.True(t, e.SendMessage(context.Background(), "chest pain"))
	require.NoError(t, h.conn.Deliver(transport.EventAnalysisResult, transport.AnalysisResult{
		Urgency: "low", SpecialistRequired: "cardiologist", LowConfidence: true,
	}))
	v := e.View()
	assert.True(t, v.PendingUrgencyPrompt)
	assert.Contains(t, v.Messages[len(v.Messages)-1].Text, "low confidence")

	require.True(t, e.AdjustUrgency(context.Background(), "High"))
	v = e.View()
	assert.False(t, v.PendingUrgencyPrompt)
	assert.Equal(t, "Urgency level adjusted to: HIGH", v.Messages[len(v.Messages)-1].Text)

	emitted := h.conn.Emitted()
	last := emitted[len(emitted)-1]
	assert.Equal(t, transport.EventUrgencyAdjustment, last.Event)
	assert.Equal(t, transport.UrgencyAdjustment{
		ChatID: "s1", PatientID: "patient-1", Urgency: "high", SpecialistRequired: "cardiologist",
	}, last.Payload)
}

func TestDismissUrgencyPrompt(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)
	e.Dispatch(engine.AnalysisResult{Analysis: consultation.Analysis{Urgency: "low", LowConfidence: true}})
	require.True(t, e.View().PendingUrgencyPrompt)
	e.DismissUrgencyPrompt()
	assert.False(t, e.View().PendingUrgencyPrompt)
}

func TestExitGuard(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	assert.False(t, e.RequestExit())
	assert.True(t, e.View().ExitPromptVisible)
	e.CancelExit()
	assert.False(t, e.View().ExitPromptVisible)
	assert.Equal(t, 0, h.writes)

	assert.False(t, e.RequestExit())
	require.NoError(t, e.ConfirmExit(context.Background()))
	v := e.View()
	assert.False(t, v.ExitPromptVisible)
	assert.Equal(t, engine.SessionCompleted, v.SessionStatus)
	assert.True(t, e.RequestExit())
}

func TestTerminationRetriesOnceThenSurfacesError(t *testing.T) {
	h := newHarness(t, "s1")
	failures := 2
	h.counting.AppendAndCompleteFn = func(ctx context.Context, id string, messages []consultation.Message) error {
		h.writes++
		if failures > 0 {
			failures--
			return errors.New("disk full")
		}
		return h.registry.AppendAndComplete(ctx, id, messages)
	}
	e := h.start(t, "s1")
	h.connect(t)

	err := e.ConfirmExit(context.Background())
	require.ErrorIs(t, err, engine.ErrPersist)
	assert.Equal(t, 2, h.writes)
	v := e.View()
	assert.NotEqual(t, engine.SessionCompleted, v.SessionStatus)
	assert.ErrorIs(t, v.Err, engine.ErrPersist)
	assert.Equal(t, 0, h.conn.CloseCalls())
	assert.False(t, e.RequestExit())

	require.NoError(t, e.ConfirmExit(context.Background()))
	assert.Equal(t, 3, h.writes)
	assert.NoError(t, e.View().Err)
	stored, _ := h.registry.Get("s1")
	assert.True(t, stored.Completed)
}

func TestTerminationRecoversAfterOneFailure(t *testing.T) {
	h := newHarness(t, "s1")
	failed := false
	h.counting.AppendAndCompleteFn = func(ctx context.Context, id string, messages []consultation.Message) error {
		h.writes++
		if !failed {
			failed = true
			return errors.New("busy")
		}
		return h.registry.AppendAndComplete(ctx, id, messages)
	}
	e := h.start(t, "s1")
	h.connect(t)

	require.NoError(t, e.RequestEndChat(context.Background()))
	assert.Equal(t, 2, h.writes)
	assert.Equal(t, engine.SessionCompleted, e.View().SessionStatus)
}

func TestUnchangedLogUsesMarkCompleted(t *testing.T) {
	h := newHarness(t, "s1")
	ctx := context.Background()
	history := []consultation.Message{consultation.NewWelcome(epoch)}
	appended := false
	h.counting.AppendAndCompleteFn = func(ctx context.Context, id string, messages []consultation.Message) error {
		appended = true
		return h.registry.AppendAndComplete(ctx, id, messages)
	}
	// the stored transcript is non-empty and still active
	seeded := &mock.Registry{
		GetFn: func(id string) (consultation.Session, bool) {
			s, ok := h.registry.Get(id)
			s.Messages = history
			return s, ok
		},
		AppendAndCompleteFn: h.counting.AppendAndCompleteFn,
		MarkCompletedFn:     h.counting.MarkCompletedFn,
	}
	h.counting = seeded
	e := h.start(t, "s1")

	require.NoError(t, e.RequestEndChat(ctx))
	assert.False(t, appended)
	assert.Equal(t, 1, h.writes)
	stored, _ := h.registry.Get("s1")
	assert.True(t, stored.Completed)
}

func TestCloseTearsDownWithoutCompleting(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	h.connect(t)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, h.conn.CloseCalls())
	assert.Equal(t, engine.ConnectionDisconnected, e.View().ConnectionStatus)
	assert.False(t, e.SendMessage(context.Background(), "hello"))

	stored, _ := h.registry.Get("s1")
	assert.False(t, stored.Completed)
	assert.Equal(t, 0, h.writes)
}

func TestRoundTripThroughStore(t *testing.T) {
	h := newHarness(t, "s1")
	ctx := context.Background()
	e := h.start(t, "s1")
	h.connect(t)

	require.True(t, e.SendMessage(ctx, "I have a headache"))
	require.NoError(t, h.conn.Deliver(transport.EventAnalysisResult, transport.AnalysisResult{Urgency: "medium", SpecialistRequired: "neurologist"}))
	require.NoError(t, h.conn.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{Message: "Hello", DoctorName: "Dr. Lee"}))
	require.True(t, e.SendMessage(ctx, "Thanks"))
	want := e.View().Messages
	require.NoError(t, e.ConfirmExit(ctx))

	reopened, err := registry.Open(ctx, h.store, nil)
	require.NoError(t, err)
	got, ok := reopened.Get("s1")
	require.True(t, ok)
	assert.True(t, got.IsCompleted())
	require.Len(t, got.Messages, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got.Messages[i].ID)
		assert.Equal(t, want[i].Text, got.Messages[i].Text)
		assert.Equal(t, want[i].Author, got.Messages[i].Author)
		assert.True(t, want[i].CreatedAt.Equal(got.Messages[i].CreatedAt))
	}

	// re-entering rebuilds from persisted state and stays offline
	again := engine.New(engine.Deps{Registry: reopened, Transport: &mock.Transport{NewConnFn: func(string) transport.Conn {
		t.Fatal("completed session must not connect")
		return nil
	}}}, "s1")
	require.NoError(t, again.Start(ctx))
	assert.Len(t, again.View().Messages, len(want))
	assert.Equal(t, engine.SessionCompleted, again.View().SessionStatus)
}

func TestSubscribeReceivesViews(t *testing.T) {
	h := newHarness(t, "s1")
	e := h.start(t, "s1")
	var mu sync.Mutex
	var views []engine.ViewModel
	e.Subscribe(func(v engine.ViewModel) {
		mu.Lock()
		views = append(views, v)
		mu.Unlock()
	})
	h.connect(t)
	require.True(t, e.SendMessage(context.Background(), "hi"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, engine.ConnectionConnected, views[0].ConnectionStatus)
	assert.Len(t, views[1].Messages, 2)
}

func TestDecode(t *testing.T) {
	ev, err := engine.Decode(transport.EventAnalysisResult, []byte(`{"urgency":"high","specialist_required":"er","low_confidence":true}`))
	require.NoError(t, err)
	assert.Equal(t, engine.AnalysisResult{Analysis: consultation.Analysis{Urgency: "high", SpecialistRequired: "er", LowConfidence: true}}, ev)

	ev, err = engine.Decode(transport.EventClinicianEnded, nil)
	require.NoError(t, err)
	assert.Equal(t, engine.ClinicianEnded{}, ev)

	_, err = engine.Decode(transport.EventClinicianMessage, []byte(`{"message":`))
	assert.Error(t, err)

	_, err = engine.Decode("bogus", nil)
	assert.Error(t, err)
}

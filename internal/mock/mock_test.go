package mock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/meditriage/internal/model/consultation"
	"github.com/zhouzirui/meditriage/internal/transport"
)

func TestConnLifecycle(t *testing.T) {
	c := NewConn()
	assert.ErrorIs(t, c.Emit("x", nil), transport.ErrNotConnected)

	var ups, downs int
	c.OnConnect(func() { ups++ })
	c.OnDisconnect(func(error) { downs++ })
	c.Connect(context.Background())
	c.SetConnected(true, nil)
	assert.True(t, c.Connected())
	assert.Equal(t, 1, c.ConnectCalls())

	require.NoError(t, c.Emit("a", 1))
	c.EmitFn = func(string, any) error { return errors.New("boom") }
	assert.Error(t, c.Emit("b", 2))
	assert.Equal(t, []Emitted{{Event: "a", Payload: 1}}, c.Emitted())

	c.SetConnected(false, errors.New("lost"))
	assert.Equal(t, 1, ups)
	assert.Equal(t, 1, downs)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Emit("c", nil), transport.ErrClosed)
	assert.Equal(t, 1, c.CloseCalls())
}

func TestConnDeliver(t *testing.T) {
	c := NewConn()
	var got transport.ClinicianMessage
	c.On(transport.EventClinicianMessage, func(data json.RawMessage) {
		require.NoError(t, json.Unmarshal(data, &got))
	})
	assert.True(t, c.Subscribed(transport.EventClinicianMessage))
	assert.False(t, c.Subscribed(transport.EventAnalysisResult))

	require.NoError(t, c.Deliver(transport.EventClinicianMessage, transport.ClinicianMessage{Message: "hi", DoctorName: "Lee"}))
	assert.Equal(t, "hi", got.Message)
	assert.Equal(t, "Lee", got.DoctorName)
}

func TestRegistryDelegates(t *testing.T) {
	var completed string
	r := &Registry{
		GetFn: func(id string) (consultation.Session, bool) { return consultation.Session{ID: id}, true },
		MarkCompletedFn: func(_ context.Context, id string) error {
			completed = id
			return nil
		},
		AppendAndCompleteFn: func(context.Context, string, []consultation.Message) error {
			return errors.New("disk full")
		},
	}
	s, ok := r.Get("s1")
	assert.True(t, ok)
	assert.Equal(t, "s1", s.ID)
	require.NoError(t, r.MarkCompleted(context.Background(), "s1"))
	assert.Equal(t, "s1", completed)
	assert.Error(t, r.AppendAndComplete(context.Background(), "s1", nil))
}

// Package transport defines the realtime event channel between the patient
// app and the remote triage/clinician service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotConnected is returned by Emit while the channel is down.
var ErrNotConnected = errors.New("transport not connected")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("transport closed")

// Handler receives the raw data of one named inbound event.
type Handler func(data json.RawMessage)

// Transport opens per-consultation connections.
type Transport interface {
	NewConn(chatID string) Conn
}

// Conn is one consultation's event channel. Handlers must be registered
// before Connect; they run on the connection's reader goroutine, one at a
// time, in delivery order.
type Conn interface {
	On(event string, fn Handler)
	OnConnect(fn func())
	OnDisconnect(fn func(err error))
	// Connect starts connecting in the background and keeps reconnecting
	// until Close or ctx is done.
	Connect(ctx context.Context)
	Emit(event string, payload any) error
	Connected() bool
	// Close tears the connection down. It is idempotent and never blocks on
	// in-flight handlers.
	Close() error
}

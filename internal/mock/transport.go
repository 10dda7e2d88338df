// Package mock provides test doubles for the transport and registry
// contracts using function fields.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/zhouzirui/meditriage/internal/transport"
)

// Interface compliance checks.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*Conn)(nil)
)

// Transport is a test double for transport.Transport.
// Set NewConnFn before calling NewConn.
type Transport struct {
	NewConnFn func(chatID string) transport.Conn
}

// NewConn delegates to NewConnFn.
func (t *Transport) NewConn(chatID string) transport.Conn {
	return t.NewConnFn(chatID)
}

// Emitted is one outbound event captured by Conn.
type Emitted struct {
	Event   string
	Payload any
}

// Conn is an in-memory transport.Conn. It records subscriptions and emits,
// and lets tests drive connection state and inbound events. EmitFn, when
// set, decides the result of Emit.
type Conn struct {
	EmitFn func(event string, payload any) error

	mu           sync.Mutex
	handlers     map[string][]transport.Handler
	onConnect    []func()
	onDisconnect []func(error)
	connected    bool
	connectCalls int
	closeCalls   int
	emitted      []Emitted
}

// NewConn returns an unconnected Conn.
func NewConn() *Conn {
	return &Conn{handlers: make(map[string][]transport.Handler)}
}

func (c *Conn) On(event string, fn transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

// Connect only counts the call; use SetConnected to simulate the handshake.
func (c *Conn) Connect(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
}

func (c *Conn) Emit(event string, payload any) error {
	c.mu.Lock()
	if c.closeCalls > 0 {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	fn := c.EmitFn
	c.mu.Unlock()

	if fn != nil {
		if err := fn(event, payload); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.emitted = append(c.emitted, Emitted{Event: event, Payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.connected = false
	return nil
}

// SetConnected flips the link state and fires the matching callbacks.
func (c *Conn) SetConnected(up bool, err error) {
	c.mu.Lock()
	c.connected = up
	onConnect := append([]func(){}, c.onConnect...)
	onDisconnect := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	if up {
		for _, fn := range onConnect {
			fn()
		}
		return
	}
	for _, fn := range onDisconnect {
		fn(err)
	}
}

// Deliver marshals payload and hands it to the handlers registered for event.
func (c *Conn) Deliver(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	handlers := append([]transport.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

// Emitted returns a copy of every successful emit, oldest first.
func (c *Conn) Emitted() []Emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Emitted(nil), c.emitted...)
}

// Subscribed reports the events that have at least one handler.
func (c *Conn) Subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event]) > 0
}

func (c *Conn) ConnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *Conn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/meditriage/internal/logger"
)

// Options 连接选项
type Options struct {
	BaseURL           string        // ws(s)://host:port of the relay
	Header            http.Header   // extra handshake headers
	HandshakeTimeout  time.Duration // 握手超时时间
	ReadTimeout       time.Duration // 读取超时时间
	WriteTimeout      time.Duration // 写入超时时间
	PingInterval      time.Duration // Ping间隔
	ReconnectDelay    time.Duration // 重连基础间隔，按尝试次数线性增长
	MaxReconnectDelay time.Duration
}

// DefaultOptions 默认连接选项
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:           baseURL,
		HandshakeTimeout:  10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      30 * time.Second,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 10 * time.Second,
	}
}

// WebSocket opens consultation channels against the relay's /ws/{chatID} endpoint.
type WebSocket struct {
	opts   Options
	log    *logger.Logger
	dialer *websocket.Dialer
}

// NewWebSocket creates a websocket transport.
func NewWebSocket(opts Options, log *logger.Logger) *WebSocket {
	def := DefaultOptions(opts.BaseURL)
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = opts.ReconnectDelay * 10
	}
	return &WebSocket{
		opts:   opts,
		log:    logger.Component(log, "WebSocketTransport"),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
}

// NewConn implements Transport.
func (w *WebSocket) NewConn(chatID string) Conn {
	return &wsConn{
		transport: w,
		chatID:    chatID,
		handlers:  make(map[string][]Handler),
		log:       w.log.With("chatId", chatID),
	}
}

func (w *WebSocket) endpoint(chatID string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(w.opts.BaseURL), "/")
	if base == "" {
		return "", errors.New("relay url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String() + "/ws/" + url.PathEscape(chatID), nil
}

type wsConn struct {
	transport *WebSocket
	chatID    string
	log       *logger.Logger

	mu           sync.Mutex
	handlers     map[string][]Handler
	onConnect    []func()
	onDisconnect []func(error)
	conn         *websocket.Conn
	cancel       context.CancelFunc
	started      bool
	closed       bool

	writeMu   sync.Mutex
	connected atomic.Bool
}

func (c *wsConn) On(event string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], fn)
}

func (c *wsConn) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *wsConn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *wsConn) Connected() bool {
	return c.connected.Load()
}

func (c *wsConn) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
}

// run dials, reads until the socket breaks, then redials with linear backoff.
func (c *wsConn) run(ctx context.Context) {
	attempt := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := time.Duration(attempt) * c.transport.opts.ReconnectDelay
			if delay > c.transport.opts.MaxReconnectDelay {
				delay = c.transport.opts.MaxReconnectDelay
			}
			c.log.Warn("connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		if !c.attach(conn) {
			conn.Close()
			return
		}
		c.log.Info("connected")
		c.fireConnect()

		pingCtx, stopPing := context.WithCancel(ctx)
		go c.pingLoop(pingCtx, conn)
		readErr := c.readLoop(conn)
		stopPing()

		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("connection lost", "error", readErr)
		c.fireDisconnect(readErr)
	}
}

func (c *wsConn) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.transport.endpoint(c.chatID)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.transport.dialer.DialContext(ctx, endpoint, c.transport.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	readTimeout := c.transport.opts.ReadTimeout
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	return conn, nil
}

func (c *wsConn) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conn = conn
	c.connected.Store(true)
	return true
}

func (c *wsConn) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	conn.Close()
}

func (c *wsConn) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.transport.opts.ReadTimeout))

		if env.ChatID != "" && env.ChatID != c.chatID {
			c.log.Warn("dropping event for another chat", "event", env.Type, "eventChatId", env.ChatID)
			continue
		}

		c.mu.Lock()
		handlers := append([]Handler(nil), c.handlers[env.Type]...)
		c.mu.Unlock()
		if len(handlers) == 0 {
			c.log.Debug("unhandled event", "event", env.Type)
			continue
		}
		for _, fn := range handlers {
			fn(env.Data)
		}
	}
}

// pingLoop 定期发送ping消息
func (c *wsConn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.transport.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.transport.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Emit(event string, payload any) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}

	env, err := NewEnvelope(event, c.chatID, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.transport.opts.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.mu.Unlock()

	c.connected.Store(false)
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (c *wsConn) fireConnect() {
	c.mu.Lock()
	fns := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *wsConn) fireDisconnect(err error) {
	c.mu.Lock()
	fns := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

var _ Transport = (*WebSocket)(nil)


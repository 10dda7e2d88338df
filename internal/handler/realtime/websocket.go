package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/meditriage/internal/logger"
	"github.com/zhouzirui/meditriage/internal/service/relay"
	"github.com/zhouzirui/meditriage/internal/transport"
)

// EventError is pushed back to the patient when an event is rejected.
const EventError = "error"

// Options 连接超时配置
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// WebSocketHandler 患者实时通道处理器
type WebSocketHandler struct {
	hub      *relay.Hub
	log      *logger.Logger
	opts     Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(hub *relay.Hub, opts Options, log *logger.Logger) *WebSocketHandler {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 54 * time.Second
	}
	return &WebSocketHandler{
		hub:  hub,
		log:  logger.Component(log, "RealtimeHandler"),
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{chatID}", h.handleWebSocket)
}

// peer serializes writes to one patient socket.
type peer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (p *peer) Send(env transport.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(env)
}

func (p *peer) Close() error {
	return p.conn.Close()
}

func (p *peer) ping() error {
	return p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout))
}

// handleWebSocket 处理患者连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if chatID == "" {
		http.Error(w, "chatID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "chatId", chatID, "error", err)
		return
	}
	p := &peer{conn: conn, writeTimeout: h.opts.WriteTimeout}
	defer conn.Close()

	h.hub.Attach(chatID, p)
	defer h.hub.Detach(chatID, p)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		return nil
	})

	go h.pingLoop(ctx, p)

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("read error", "chatId", chatID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))

		if env.ChatID != "" && env.ChatID != chatID {
			h.sendError(p, chatID, "chat mismatch")
			continue
		}
		if err := h.hub.HandlePatient(ctx, chatID, env); err != nil {
			h.log.Warn("rejected patient event", "chatId", chatID, "event", env.Type, "error", err)
			h.sendError(p, chatID, err.Error())
		}
	}
}

func (h *WebSocketHandler) sendError(p *peer, chatID, message string) {
	env, err := transport.NewEnvelope(EventError, chatID, map[string]string{"message": message})
	if err != nil {
		return
	}
	if err := p.Send(env); err != nil {
		h.log.Warn("write error failed", "chatId", chatID, "error", err)
	}
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, p *peer) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.ping(); err != nil {
				return
			}
		}
	}
}

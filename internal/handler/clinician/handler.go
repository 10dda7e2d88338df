package clinician

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/meditriage/internal/service/relay"
	"github.com/zhouzirui/meditriage/pkg/utils"
)

// Handler 医生端HTTP处理器
type Handler struct {
	hub *relay.Hub
}

// New 创建医生端处理器
func New(hub *relay.Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes 注册医生端路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleListChats)
	r.Get("/chats/{chatID}", h.handleGetChat)
	r.Post("/chats/{chatID}/messages", h.handleSendMessage)
	r.Post("/chats/{chatID}/end", h.handleEndChat)
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{"chats": h.hub.List()})
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, ok := h.hub.Get(chi.URLParam(r, "chatID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "chat not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}

// handleSendMessage 向患者发送医生消息
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message    string `json:"message"`
		DoctorName string `json:"doctorName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.hub.SendClinicianMessage(chi.URLParam(r, "chatID"), payload.Message, payload.DoctorName); err != nil {
		respondHubError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// handleEndChat 结束会话，结束语可选
func (h *Handler) handleEndChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if r.ContentLength != 0 {
		// an empty chunked body means no closing remark
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
			utils.RespondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.hub.EndChat(chi.URLParam(r, "chatID"), payload.Message); err != nil {
		respondHubError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "ended"})
}

func respondHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrChatNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, relay.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, relay.ErrChatEnded), errors.Is(err, relay.ErrPatientOffline):
		utils.RespondError(w, http.StatusConflict, err.Error())
	default:
		utils.RespondError(w, http.StatusBadGateway, err.Error())
	}
}

package chat

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/history"
	"github.com/zhouzirui/z-terminal/backend/internal/service/presence"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
	"github.com/zhouzirui/z-terminal/backend/pkg/utils"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Handler 聊天室只读接口的 HTTP 处理器
type Handler struct {
	presence *presence.Broadcaster
	sessions *registry.Registry
	rooms    *room.Directory
	history  history.Store
}

// New 创建聊天室处理器，history 可以为空。
func New(presence *presence.Broadcaster, sessions *registry.Registry, rooms *room.Directory, history history.Store) *Handler {
	return &Handler{
		presence: presence,
		sessions: sessions,
		rooms:    rooms,
		history:  history,
	}
}

// RegisterRoutes 注册聊天室相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/rooms", h.handleListRooms)
	r.Get("/presence", h.handlePresence)
	r.Get("/rooms/{room}/history", h.handleHistory)
}

// handleListRooms 返回房间列表及人数
func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, _ := h.presence.Snapshot()
	utils.RespondJSON(w, http.StatusOK, rooms)
}

// handlePresence 返回完整的在线快照
func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	rooms, users := h.presence.Snapshot()
	connected := h.sessions.AllIdentities()
	if connected == nil {
		connected = []string{}
	}
	utils.RespondJSON(w, http.StatusOK, struct {
		Rooms     []chat.RoomSummary  `json:"rooms"`
		Users     []chat.UserPresence `json:"users"`
		Connected []string            `json:"connected"`
	}{
		Rooms:     nonNil(rooms.Rooms),
		Users:     nonNil(users.Users),
		Connected: connected,
	})
}

// handleHistory 返回某个房间最近的聊天记录
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "room")
	if !h.rooms.Exists(name) {
		utils.RespondError(w, http.StatusNotFound, "room not found")
		return
	}
	if h.history == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, "history unavailable")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	lines, err := h.history.LoadTranscript(r.Context(), name, limit)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"room":     name,
		"messages": nonNil(lines),
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

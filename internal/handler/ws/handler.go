package ws

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/auth"
	chatService "github.com/zhouzirui/z-terminal/backend/internal/service/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/pkg/utils"
)

// Handler 负责 WebSocket 握手、鉴权以及把帧交给聊天路由。
type Handler struct {
	router   *chatService.Router
	verifier auth.Verifier
	queue    int
	upgrader websocket.Upgrader
}

// New 创建 WebSocket 处理器，queue 为单连接的发送队列长度。
func New(router *chatService.Router, verifier auth.Verifier, queue int) *Handler {
	if queue <= 0 {
		queue = 64
	}
	return &Handler{
		router:   router,
		verifier: verifier,
		queue:    queue,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册 WebSocket 路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		log.Printf("[ws] authentication failed remote=%s: %v", r.RemoteAddr, err)
		utils.RespondError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := newClient(uuid.NewString(), conn, h.queue)
	go c.writePump()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if _, err := h.router.Admit(ctx, identity, c); err != nil {
		log.Printf("[ws] admission rejected identity=%s: %v", identity, err)
		if frame, encErr := chat.Encode(chat.Error{Content: admissionMessage(err)}); encErr == nil {
			c.Send(frame)
		}
		c.Close("admission rejected")
		<-c.stopped
		return
	}

	h.readLoop(ctx, c)

	h.router.Drop(c.handle)
	c.Close("connection closed")
	<-c.stopped
}

func (h *Handler) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] read error handle=%s: %v", c.handle, err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := chat.DecodeInbound(data)
		if err != nil {
			log.Printf("[ws] ignoring frame handle=%s: %v", c.handle, err)
			continue
		}
		if err := h.router.Handle(ctx, c.handle, ev); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return
			}
			log.Printf("[ws] handle event handle=%s: %v", c.handle, err)
		}
	}
}

func admissionMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyConnected):
		return "This user is already connected from another terminal."
	case errors.Is(err, chatService.ErrCoolingDown):
		return "You were disconnected for flooding. Please wait before reconnecting."
	default:
		return "Unable to join the chat right now."
	}
}

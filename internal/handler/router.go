package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/z-terminal/backend/internal/handler/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/z-terminal/backend/internal/middleware"
	"github.com/zhouzirui/z-terminal/backend/pkg/utils"
)

// NewRouter wires HTTP routes to core services.
func NewRouter(wsHandler *ws.Handler, chatHandler *chat.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	wsHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		chatHandler.RegisterRoutes(api)
	})

	return r
}

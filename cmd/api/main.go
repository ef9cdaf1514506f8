package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-terminal/backend/internal/config"
	"github.com/zhouzirui/z-terminal/backend/internal/handler"
	chatHandler "github.com/zhouzirui/z-terminal/backend/internal/handler/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/handler/ws"
	chatModel "github.com/zhouzirui/z-terminal/backend/internal/model/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/ai"
	"github.com/zhouzirui/z-terminal/backend/internal/service/auth"
	"github.com/zhouzirui/z-terminal/backend/internal/service/chat"
	"github.com/zhouzirui/z-terminal/backend/internal/service/grace"
	"github.com/zhouzirui/z-terminal/backend/internal/service/history"
	"github.com/zhouzirui/z-terminal/backend/internal/service/presence"
	"github.com/zhouzirui/z-terminal/backend/internal/service/ratelimit"
	"github.com/zhouzirui/z-terminal/backend/internal/service/registry"
	"github.com/zhouzirui/z-terminal/backend/internal/service/room"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := openHistory(cfg.History)
	if err != nil {
		log.Fatalf("failed to open history store: %v", err)
	}
	defer store.Close()
	recorder := history.NewRecorder(store, cfg.History.Buffer)
	defer recorder.Close()

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		log.Fatalf("failed to initialize authentication: %v", err)
	}

	sessions := registry.New()
	rooms := room.NewDirectory(chatModel.SeedRooms())
	broadcaster := presence.New(sessions, rooms)
	limiter := ratelimit.New(map[ratelimit.Category]ratelimit.Policy{
		ratelimit.Message: {Window: cfg.Chat.MessageWindow, MaxEvents: cfg.Chat.MessageMax, Mute: cfg.Chat.MessageMute},
		ratelimit.Command: {Window: cfg.Chat.CommandWindow, MaxEvents: cfg.Chat.CommandMax, Mute: cfg.Chat.CommandMute},
	})

	router := chat.NewRouter(chat.Deps{
		Config: chat.Config{
			DefaultRoom:      cfg.Chat.DefaultRoom,
			MaxMessageLength: cfg.Chat.MaxMessageLength,
			HoldMax:          cfg.Chat.HoldMax,
			KickCooldown:     cfg.Chat.KickCooldown,
		},
		Sessions:     sessions,
		Rooms:        rooms,
		Limiter:      limiter,
		Grace:        grace.NewKeeper(cfg.Chat.GraceWindow),
		Presence:     broadcaster,
		History:      recorder,
		Interceptors: newInterceptors(ctx, cfg.AI, store),
	})

	httpRouter := handler.NewRouter(
		ws.New(router, verifier, cfg.Chat.OutboundQueue),
		chatHandler.New(broadcaster, sessions, rooms, store),
	)

	startServer(ctx, cfg.Server, httpRouter)
}

func openHistory(cfg config.HistoryConfig) (history.Store, error) {
	if cfg.Driver != "sqlite" {
		log.Printf("chat history kept in memory, limit=%d per room", cfg.MemoryLimit)
		return history.NewMemoryStore(cfg.MemoryLimit), nil
	}
	if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	store, err := history.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	log.Printf("chat history stored in sqlite at %s", cfg.SQLitePath)
	return store, nil
}

func newVerifier(cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.UseJWT() {
		log.Println("websocket connections require a JWT")
		return auth.NewJWTVerifier(auth.Config{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer})
	}
	log.Println("AUTH_JWT_SECRET 未配置，使用用户名匿名登录")
	return auth.AnonymousVerifier{}, nil
}

func newInterceptors(ctx context.Context, cfg config.AIConfig, store history.Store) []chat.Interceptor {
	if !cfg.SoftenerEnabled && !cfg.CompanionEnabled {
		log.Println("AI interceptors disabled by configuration")
		return nil
	}
	if !cfg.Enabled() {
		log.Println("Ark 凭证未配置，跳过 AI 功能初始化")
		return nil
	}

	aiService, err := ai.NewService(ctx, cfg)
	if err != nil {
		log.Printf("warning: failed to initialize AI service: %v", err)
		log.Println("continuing without AI functionality - 请检查 Ark 模型相关环境变量")
		return nil
	}

	var interceptors []chat.Interceptor
	if cfg.SoftenerEnabled {
		interceptors = append(interceptors, ai.NewSoftener(aiService, cfg.SoftenerThreshold))
		log.Println("AI softener enabled")
	}
	if cfg.CompanionEnabled {
		interceptors = append(interceptors, ai.NewCompanion(aiService, store, cfg.CompanionHold))
		log.Println("AI companion enabled")
	}
	return interceptors
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Z Terminal chat backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Chat    ChatConfig
	Auth    AuthConfig
	History HistoryConfig
	AI      AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Chat: chat, Auth: auth, History: history, AI: ai}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// ChatConfig 描述聊天核心的策略参数。
type ChatConfig struct {
	DefaultRoom      string        `env:"CHAT_DEFAULT_ROOM" envDefault:"Lobby"`
	GraceWindow      time.Duration `env:"CHAT_GRACE_WINDOW" envDefault:"30s"`
	MessageWindow    time.Duration `env:"CHAT_MESSAGE_WINDOW" envDefault:"10s"`
	MessageMax       int           `env:"CHAT_MESSAGE_MAX" envDefault:"10"`
	MessageMute      time.Duration `env:"CHAT_MESSAGE_MUTE" envDefault:"30s"`
	CommandWindow    time.Duration `env:"CHAT_COMMAND_WINDOW" envDefault:"5s"`
	CommandMax       int           `env:"CHAT_COMMAND_MAX" envDefault:"5"`
	CommandMute      time.Duration `env:"CHAT_COMMAND_MUTE" envDefault:"0s"`
	KickCooldown     time.Duration `env:"CHAT_KICK_COOLDOWN" envDefault:"0s"`
	OutboundQueue    int           `env:"CHAT_OUTBOUND_QUEUE" envDefault:"64"`
	MaxMessageLength int           `env:"CHAT_MAX_MESSAGE_LENGTH" envDefault:"2000"`
	HoldMax          time.Duration `env:"CHAT_HOLD_MAX" envDefault:"2m"`
}

func loadChatConfig() (ChatConfig, error) {
	var cfg ChatConfig
	if err := env.Parse(&cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("parse chat config: %w", err)
	}
	cfg.DefaultRoom = strings.TrimSpace(cfg.DefaultRoom)

	var errs []error
	if cfg.DefaultRoom == "" {
		errs = append(errs, errors.New("CHAT_DEFAULT_ROOM must not be blank"))
	}
	if cfg.GraceWindow <= 0 {
		errs = append(errs, fmt.Errorf("CHAT_GRACE_WINDOW must be positive, got %s", cfg.GraceWindow))
	}
	if cfg.MessageWindow <= 0 || cfg.MessageMax <= 0 {
		errs = append(errs, errors.New("CHAT_MESSAGE_WINDOW and CHAT_MESSAGE_MAX must be positive"))
	}
	if cfg.CommandWindow <= 0 || cfg.CommandMax <= 0 {
		errs = append(errs, errors.New("CHAT_COMMAND_WINDOW and CHAT_COMMAND_MAX must be positive"))
	}
	if cfg.MessageMute < 0 || cfg.CommandMute < 0 || cfg.KickCooldown < 0 || cfg.HoldMax < 0 {
		errs = append(errs, errors.New("chat durations must not be negative"))
	}
	if cfg.OutboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("CHAT_OUTBOUND_QUEUE must be positive, got %d", cfg.OutboundQueue))
	}
	if cfg.MaxMessageLength < 0 {
		errs = append(errs, fmt.Errorf("CHAT_MAX_MESSAGE_LENGTH must not be negative, got %d", cfg.MaxMessageLength))
	}
	if len(errs) > 0 {
		return ChatConfig{}, errors.Join(errs...)
	}
	return cfg, nil
}

// AuthConfig 描述连接鉴权方式。未配置密钥时按用户名匿名登录。
type AuthConfig struct {
	JWTSecret      string `env:"AUTH_JWT_SECRET"`
	JWTIssuer      string `env:"AUTH_JWT_ISSUER"`
	AllowAnonymous bool   `env:"AUTH_ALLOW_ANONYMOUS" envDefault:"true"`
}

// UseJWT 表示是否启用 JWT 校验。
func (c AuthConfig) UseJWT() bool {
	return c.JWTSecret != ""
}

func loadAuthConfig() (AuthConfig, error) {
	var cfg AuthConfig
	if err := env.Parse(&cfg); err != nil {
		return AuthConfig{}, fmt.Errorf("parse auth config: %w", err)
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.JWTIssuer = strings.TrimSpace(cfg.JWTIssuer)
	if !cfg.UseJWT() && !cfg.AllowAnonymous {
		return AuthConfig{}, errors.New("AUTH_JWT_SECRET is required when AUTH_ALLOW_ANONYMOUS=false")
	}
	return cfg, nil
}

// HistoryConfig 描述聊天记录的存储方式。
type HistoryConfig struct {
	Driver      string `env:"HISTORY_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"HISTORY_SQLITE_PATH" envDefault:"data/history.db"`
	Buffer      int    `env:"HISTORY_BUFFER" envDefault:"256"`
	MemoryLimit int    `env:"HISTORY_MEMORY_LIMIT" envDefault:"500"`
}

func loadHistoryConfig() (HistoryConfig, error) {
	var cfg HistoryConfig
	if err := env.Parse(&cfg); err != nil {
		return HistoryConfig{}, fmt.Errorf("parse history config: %w", err)
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch cfg.Driver {
	case "memory", "sqlite":
	default:
		return HistoryConfig{}, fmt.Errorf("invalid HISTORY_DRIVER value %q: want memory or sqlite", cfg.Driver)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return cfg, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string `env:"ARK_API_KEY"`
	AccessKey   string `env:"ARK_ACCESS_KEY"`
	SecretKey   string `env:"ARK_SECRET_KEY"`
	Model       string `env:"ARK_MODEL"`
	BaseURL     string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	SoftenerEnabled   bool          `env:"AI_SOFTENER_ENABLED" envDefault:"false"`
	SoftenerThreshold int           `env:"AI_SOFTENER_THRESHOLD" envDefault:"6"`
	CompanionEnabled  bool          `env:"AI_COMPANION_ENABLED" envDefault:"false"`
	CompanionHold     time.Duration `env:"AI_COMPANION_HOLD" envDefault:"90s"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	var cfg AIConfig
	if err := env.Parse(&cfg); err != nil {
		return AIConfig{}, fmt.Errorf("parse ai config: %w", err)
	}

	// 采样参数未设置时保持 nil，交给模型默认值。
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}
	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.AccessKey = strings.TrimSpace(cfg.AccessKey)
	cfg.SecretKey = strings.TrimSpace(cfg.SecretKey)
	cfg.Model = strings.TrimSpace(cfg.Model)
	cfg.Temperature = temperature
	cfg.TopP = topP
	cfg.MaxTokens = maxTokens
	if cfg.SoftenerThreshold < 1 {
		cfg.SoftenerThreshold = 1
	}
	if cfg.CompanionHold <= 0 {
		cfg.CompanionHold = 90 * time.Second
	}
	return cfg, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

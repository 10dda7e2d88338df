package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/meditriage/internal/model/profile"
	"github.com/zhouzirui/meditriage/internal/service/triage"
	"github.com/zhouzirui/meditriage/internal/store"
	"github.com/zhouzirui/meditriage/internal/transport"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Relay   RelayConfig
	Patient PatientConfig
	AI      AIConfig
	Log     LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	st, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	patient, err := loadPatientConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Store:   st,
		Relay:   relay,
		Patient: patient,
		AI:      ai,
		Log:     LogConfig{Mode: getEnvOrDefault("LOG_MODE", "development")},
	}, nil
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

// StoreConfig 描述本地会话存储。
type StoreConfig struct {
	Driver      string
	Dir         string
	SQLitePath  string
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

// Options 转换为 store.Open 的参数。
func (c StoreConfig) Options() store.Options {
	return store.Options{
		Driver:      c.Driver,
		Dir:         c.Dir,
		SQLitePath:  c.SQLitePath,
		RedisAddr:   c.RedisAddr,
		RedisDB:     c.RedisDB,
		RedisPrefix: c.RedisPrefix,
	}
}

func loadStoreConfig() (StoreConfig, error) {
	driver := strings.ToLower(getEnvOrDefault("STORE_DRIVER", "file"))
	switch driver {
	case "file", "memory", "sqlite", "redis":
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value: %q", driver)
	}

	redisDB := 0
	if db, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return StoreConfig{}, err
	} else if db != nil {
		redisDB = *db
	}

	dir := getEnvOrDefault("STORE_DIR", defaultDataDir())
	return StoreConfig{
		Driver:      driver,
		Dir:         dir,
		SQLitePath:  getEnvOrDefault("SQLITE_PATH", filepath.Join(dir, "meditriage.db")),
		RedisAddr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisDB:     redisDB,
		RedisPrefix: getEnvOrDefault("REDIS_PREFIX", "meditriage:"),
	}, nil
}

func defaultDataDir() string {
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "meditriage")
	}
	return ".meditriage"
}

// RelayConfig 同时描述客户端连接 relay 和 relay 服务端自身的参数。
type RelayConfig struct {
	URL               string
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PruneInterval     time.Duration
	ChatTTL           time.Duration
}

// TransportOptions 供患者端 websocket 使用。
func (c RelayConfig) TransportOptions() transport.Options {
	return transport.Options{
		BaseURL:           c.URL,
		HandshakeTimeout:  c.HandshakeTimeout,
		ReadTimeout:       c.ReadTimeout,
		WriteTimeout:      c.WriteTimeout,
		PingInterval:      c.PingInterval,
		ReconnectDelay:    c.ReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
	}
}

func loadRelayConfig() (RelayConfig, error) {
	cfg := RelayConfig{URL: getEnvOrDefault("RELAY_URL", "ws://localhost:8080")}

	durations := []struct {
		key    string
		dst    *time.Duration
		defval time.Duration
	}{
		{"RELAY_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout, 10 * time.Second},
		{"RELAY_READ_TIMEOUT", &cfg.ReadTimeout, 60 * time.Second},
		{"RELAY_WRITE_TIMEOUT", &cfg.WriteTimeout, 10 * time.Second},
		{"RELAY_PING_INTERVAL", &cfg.PingInterval, 30 * time.Second},
		{"RELAY_RECONNECT_DELAY", &cfg.ReconnectDelay, time.Second},
		{"RELAY_MAX_RECONNECT_DELAY", &cfg.MaxReconnectDelay, 10 * time.Second},
		{"PRUNE_INTERVAL", &cfg.PruneInterval, 5 * time.Minute},
		{"CHAT_TTL", &cfg.ChatTTL, 24 * time.Hour},
	}
	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.defval)
		if err != nil {
			return RelayConfig{}, err
		}
		if v <= 0 {
			return RelayConfig{}, fmt.Errorf("invalid %s value: must be positive", d.key)
		}
		*d.dst = v
	}
	return cfg, nil
}

// PatientConfig 描述登录患者及其就诊资料。
type PatientConfig struct {
	ID             string
	Name           string
	Age            *int
	Gender         string
	Height         *int
	MedicalHistory string
}

// Identity 患者身份。
func (c PatientConfig) Identity() profile.Identity {
	return profile.Identity{ID: c.ID, DisplayName: c.Profile().DisplayName()}
}

// Profile 患者资料。
func (c PatientConfig) Profile() profile.Profile {
	return profile.Profile{
		Name:           c.Name,
		Age:            c.Age,
		Gender:         c.Gender,
		Height:         c.Height,
		MedicalHistory: c.MedicalHistory,
	}
}

func loadPatientConfig() (PatientConfig, error) {
	age, err := parseOptionalIntEnv("PATIENT_AGE")
	if err != nil {
		return PatientConfig{}, err
	}
	height, err := parseOptionalIntEnv("PATIENT_HEIGHT")
	if err != nil {
		return PatientConfig{}, err
	}
	return PatientConfig{
		ID:             getEnvOrDefault("PATIENT_ID", "patient"),
		Name:           strings.TrimSpace(os.Getenv("PATIENT_NAME")),
		Age:            age,
		Gender:         strings.TrimSpace(os.Getenv("PATIENT_GENDER")),
		Height:         height,
		MedicalHistory: strings.TrimSpace(os.Getenv("PATIENT_HISTORY")),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey              string
	AccessKey           string
	SecretKey           string
	Model               string
	BaseURL             string
	Region              string
	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	TriageLLMEnabled    bool
	TriageMinConfidence float32
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// TriageConfig 分诊分类器配置。
func (c AIConfig) TriageConfig() triage.Config {
	return triage.Config{Enabled: c.TriageLLMEnabled, MinConfidence: c.TriageMinConfidence}
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
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

	llmEnabled, err := parseBoolEnv("TRIAGE_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	minConfidence := float32(0.6)
	if override, err := parseOptionalFloatEnv("TRIAGE_MIN_CONFIDENCE"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 0 || *override > 1 {
			return AIConfig{}, fmt.Errorf("invalid TRIAGE_MIN_CONFIDENCE value %v: must be within [0, 1]", *override)
		}
		minConfidence = float32(*override)
	}

	return AIConfig{
		APIKey:              strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:           strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:           strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:               strings.TrimSpace(os.Getenv("Model")),
		BaseURL:             getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:              getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:         temperature,
		TopP:                topP,
		MaxTokens:           maxTokens,
		TriageLLMEnabled:    llmEnabled,
		TriageMinConfidence: minConfidence,
	}, nil
}

// LogConfig 日志模式，prod 或 development。
type LogConfig struct {
	Mode string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv 接受 time.ParseDuration 格式，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
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

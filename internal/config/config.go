package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 语音服务提供方
const (
	ProviderVolcengine = "volcengine"
	ProviderGoogle     = "google"
	ProviderOpenAI     = "openai"
)

// ErrMissingCredentials 表示必需的凭证缺失，属于启动期配置错误。
var ErrMissingCredentials = errors.New("missing credentials")

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Speech  SpeechConfig
	Session SessionConfig
	Log     LogConfig
}

// Load 从环境变量加载配置并校验凭证。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:  server,
		AI:      ai,
		Speech:  speech,
		Session: session,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "console"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查每个外部协作方的凭证是否齐全。
func (c *Config) Validate() error {
	if !c.AI.Enabled() {
		return fmt.Errorf("%w: LLM requires Model plus ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY", ErrMissingCredentials)
	}
	return c.Speech.Validate()
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

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Timeout     time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: ark model configuration incomplete", ErrMissingCredentials)
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
	if c.Timeout > 0 {
		timeout := c.Timeout
		cfg.Timeout = &timeout
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

	timeoutSeconds := 30
	if override, err := parseOptionalIntEnv("AI_TIMEOUT_SECONDS"); err != nil {
		return AIConfig{}, err
	} else if override != nil && *override > 0 {
		timeoutSeconds = *override
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Timeout:     time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// SpeechConfig 描述语音服务相关配置
type SpeechConfig struct {
	Provider string

	// Volcengine
	AppID          string
	AccessToken    string
	ConcurrentMode bool

	// Google Cloud
	GoogleAPIKey          string
	GoogleCredentialsFile string

	// OpenAI
	OpenAIAPIKey  string
	OpenAIBaseURL string

	TTSEnabled bool
	TTSVoice   string
	TTSVolume  float32
	Timeout    time.Duration
}

// Validate 校验所选提供方的凭证。
func (c SpeechConfig) Validate() error {
	switch c.Provider {
	case ProviderVolcengine:
		if c.AppID == "" || c.AccessToken == "" {
			return fmt.Errorf("%w: volcengine speech requires SPEECH_APP_ID and SPEECH_ACCESS_TOKEN", ErrMissingCredentials)
		}
	case ProviderGoogle:
		if c.GoogleAPIKey == "" && c.GoogleCredentialsFile == "" {
			return fmt.Errorf("%w: google speech requires GOOGLE_API_KEY or GOOGLE_APPLICATION_CREDENTIALS", ErrMissingCredentials)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: openai speech requires OPENAI_API_KEY", ErrMissingCredentials)
		}
	default:
		return fmt.Errorf("invalid SPEECH_PROVIDER value %q", c.Provider)
	}
	return nil
}

// LoadSpeech loads and validates only the speech section, for tools that
// never talk to the LLM.
func LoadSpeech() (SpeechConfig, error) {
	cfg, err := loadSpeechConfig()
	if err != nil {
		return SpeechConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SpeechConfig{}, err
	}
	return cfg, nil
}

func loadSpeechConfig() (SpeechConfig, error) {
	timeoutSeconds := 30 // 默认30秒
	if timeout, err := parseOptionalIntEnv("SPEECH_TIMEOUT"); err != nil {
		return SpeechConfig{}, err
	} else if timeout != nil && *timeout > 0 {
		timeoutSeconds = *timeout
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return SpeechConfig{}, err
	}
	ttsVolume := float32(1.0) // 默认1.0音量
	if volume != nil {
		ttsVolume = *volume
	}

	ttsEnabled, err := parseBoolEnv("SPEECH_TTS_ENABLED", true)
	if err != nil {
		return SpeechConfig{}, err
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	if accessToken == "" {
		accessToken = strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	}

	return SpeechConfig{
		Provider:              strings.ToLower(getEnvOrDefault("SPEECH_PROVIDER", ProviderVolcengine)),
		AppID:                 strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken:           accessToken,
		ConcurrentMode:        concurrent,
		GoogleAPIKey:          strings.TrimSpace(os.Getenv("GOOGLE_API_KEY")),
		GoogleCredentialsFile: strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		OpenAIAPIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:         getEnvOrDefault("OPENAI_BASE_URL", ""),
		TTSEnabled:            ttsEnabled,
		TTSVoice:              getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		TTSVolume:             ttsVolume,
		Timeout:               time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// SessionConfig 描述会话状态机的可调参数。
type SessionConfig struct {
	MinClipDuration time.Duration
	DefaultRateWPM  int
}

func loadSessionConfig() (SessionConfig, error) {
	minClip := 500
	if override, err := parseOptionalIntEnv("SESSION_MIN_CLIP_MS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil && *override >= 0 {
		minClip = *override
	}

	rate := 180
	if override, err := parseOptionalIntEnv("SESSION_DEFAULT_RATE"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		rate = *override
	}
	if rate < 100 || rate > 300 || (rate-180)%25 != 0 {
		return SessionConfig{}, fmt.Errorf("invalid SESSION_DEFAULT_RATE value %d: must be 100-300 in steps of 25 from 180", rate)
	}

	return SessionConfig{
		MinClipDuration: time.Duration(minClip) * time.Millisecond,
		DefaultRateWPM:  rate,
	}, nil
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
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

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
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
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}

package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoragePath string

	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string

	DashScopeAPIKey  string
	DashScopeBaseURL string
	QwenModel        string
	WanModel         string

	VeoModel string

	LumaAPIKey  string
	LumaBaseURL string
	LumaModel   string

	QueueMaxConcurrency int
	PollIntervalSeconds int
	PollMaxAttempts     int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		GeminiBaseURL: getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),

		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL: getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		QwenModel:        getEnv("QWEN_MODEL", "qwen-image-plus"),
		WanModel:         getEnv("WAN_MODEL", "wan2.1-t2v-turbo"),

		VeoModel: getEnv("VEO_MODEL", "veo-2.0-generate-001"),

		LumaAPIKey:  os.Getenv("LUMA_API_KEY"),
		LumaBaseURL: getEnv("LUMA_BASE_URL", "https://api.lumalabs.ai/dream-machine/v1"),
		LumaModel:   getEnv("LUMA_MODEL", "ray-2"),

		QueueMaxConcurrency: getEnvInt("QUEUE_MAX_CONCURRENCY", 2),
		PollIntervalSeconds: getEnvInt("POLL_INTERVAL_SECONDS", 5),
		PollMaxAttempts:     getEnvInt("POLL_MAX_ATTEMPTS", 60),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

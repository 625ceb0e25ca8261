package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config: всё, что бот читает из окружения. Ключ Gemini сюда намеренно не входит:
// он вводится пользователем на экране настроек и живёт только в памяти.
type Config struct {
	Port string

	TelegramBotToken string
	WebhookURL       string
	ChatID           int64

	GeminiModel     string
	GeminiBaseURL   string
	GeminiTransport string
	HTTPTimeout     time.Duration

	RenderDebounce  time.Duration
	MarqueeInterval time.Duration

	LogLevel  string
	LogFormat string
}

const (
	TransportREST = "rest"
	TransportSDK  = "sdk"
)

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getEnvDuration(k string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func getEnvInt64(k string) (int64, error) {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnv("PORT", "8080"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:   getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		GeminiTransport: strings.ToLower(getEnv("GEMINI_TRANSPORT", TransportREST)),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	var errs []error
	var err error
	if cfg.ChatID, err = getEnvInt64("HINTWISE_CHAT_ID"); err != nil {
		errs = append(errs, err)
	}
	if cfg.HTTPTimeout, err = getEnvDuration("HINTWISE_HTTP_TIMEOUT", 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.RenderDebounce, err = getEnvDuration("HINTWISE_RENDER_DEBOUNCE", 1200*time.Millisecond); err != nil {
		errs = append(errs, err)
	}
	if cfg.MarqueeInterval, err = getEnvDuration("HINTWISE_MARQUEE_INTERVAL", 5*time.Second); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN cannot be empty")
	}
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.GeminiModel == "" {
		return errors.New("GEMINI_MODEL cannot be empty")
	}
	switch c.GeminiTransport {
	case TransportREST, TransportSDK:
	default:
		return fmt.Errorf("GEMINI_TRANSPORT must be %q or %q, got %q", TransportREST, TransportSDK, c.GeminiTransport)
	}
	if c.HTTPTimeout < 0 || c.RenderDebounce < 0 || c.MarqueeInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

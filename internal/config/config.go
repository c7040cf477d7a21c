package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// Channel describes a channel link shown on the subscription buttons.
type Channel struct {
	Username string
	URL      string
	Emoji    string
}

// Config keeps runtime settings for the gate.
type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	TelegramToken        string
	TelegramMode         string
	TelegramSecretToken  string
	WebhookURL           string
	MaxConcurrentUpdates int

	OpenAIKey             string
	OpenAIAssistantID     string
	TranscriptionLanguage string

	DatabaseURL string
	RedisURL    string

	AdminUsername     string
	AdminPassword     string
	AdminPasswordHash string
	JWTSecret         string
	AdminTokenTTL     time.Duration
	AllowedIPs        []string
	AdminStaticDir    string

	InitialChannelIDs []string
	PrimaryChannelID  string
	MainChannel       Channel
	SecondChannel     Channel

	DailyRequestLimit int
	QuotaLocation     *time.Location
	QuotaResetTime    string

	SentryDSN string
}

// Load reads configuration from environment variables with sane defaults.
// Missing credentials are not an error here; Validate reports them.
func Load() (Config, error) {
	cfg := Config{
		Env:                   strings.ToLower(env("APP_ENV", EnvDevelopment)),
		HTTPAddr:              env("HTTP_ADDR", ""),
		LogLevel:              env("LOG_LEVEL", "info"),
		TelegramToken:         env("TELEGRAM_BOT_TOKEN", ""),
		TelegramMode:          strings.ToLower(env("TELEGRAM_MODE", "")),
		TelegramSecretToken:   env("TELEGRAM_SECRET_TOKEN", ""),
		WebhookURL:            env("WEBHOOK_URL", ""),
		OpenAIKey:             env("OPENAI_API_KEY", ""),
		OpenAIAssistantID:     env("OPENAI_ASSISTANT_ID", ""),
		TranscriptionLanguage: env("OPENAI_TRANSCRIPTION_LANGUAGE", "ru"),
		DatabaseURL:           env("DATABASE_URL", "assistant_gate.db"),
		RedisURL:              env("REDIS_URL", ""),
		AdminUsername:         env("ADMIN_USERNAME", "admin"),
		AdminPassword:         env("ADMIN_PASSWORD", ""),
		AdminPasswordHash:     env("ADMIN_PASSWORD_HASH", ""),
		JWTSecret:             env("JWT_SECRET", ""),
		AllowedIPs:            splitList(env("ALLOWED_IPS", "")),
		AdminStaticDir:        env("ADMIN_STATIC_DIR", "public/admin"),
		InitialChannelIDs:     splitList(env("INITIAL_CHANNEL_IDS", "")),
		PrimaryChannelID:      env("PRIMARY_CHANNEL_ID", ""),
		MainChannel: Channel{
			Username: env("CHANNEL_MAIN_USERNAME", "oh_my_zen"),
			URL:      env("CHANNEL_MAIN_URL", "https://t.me/oh_my_zen"),
			Emoji:    env("CHANNEL_MAIN_EMOJI", "📢"),
		},
		SecondChannel: Channel{
			Username: env("CHANNEL_SECOND_USERNAME", "avato_ai"),
			URL:      env("CHANNEL_SECOND_URL", "https://t.me/avato_ai"),
			Emoji:    env("CHANNEL_SECOND_EMOJI", "🎨"),
		},
		QuotaResetTime: env("QUOTA_RESET_TIME", "00:00"),
		SentryDSN:      env("SENTRY_DSN", ""),
	}

	if cfg.HTTPAddr == "" {
		port := env("PORT", "3000")
		cfg.HTTPAddr = ":" + strings.TrimPrefix(port, ":")
	}

	if cfg.TelegramMode == "" {
		cfg.TelegramMode = ModePolling
		if cfg.IsProduction() {
			cfg.TelegramMode = ModeWebhook
		}
	}
	if cfg.TelegramMode != ModePolling && cfg.TelegramMode != ModeWebhook {
		return cfg, fmt.Errorf("TELEGRAM_MODE must be %q or %q, got %q", ModePolling, ModeWebhook, cfg.TelegramMode)
	}

	var err error
	if cfg.DailyRequestLimit, err = parsePositiveInt("DAILY_REQUEST_LIMIT", 50); err != nil {
		return cfg, err
	}
	if cfg.MaxConcurrentUpdates, err = parsePositiveInt("MAX_CONCURRENT_UPDATES", 16); err != nil {
		return cfg, err
	}
	if cfg.AdminTokenTTL, err = parseDuration("ADMIN_TOKEN_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}

	zone := env("QUOTA_TIMEZONE", "UTC")
	cfg.QuotaLocation, err = time.LoadLocation(zone)
	if err != nil {
		return cfg, fmt.Errorf("QUOTA_TIMEZONE %q: %w", zone, err)
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// Validate reports missing mandatory settings as errors and risky ones as warnings.
func (c Config) Validate() (errs []string, warnings []string) {
	required := []struct {
		name  string
		value string
	}{
		{"DATABASE_URL", c.DatabaseURL},
		{"JWT_SECRET", c.JWTSecret},
		{"TELEGRAM_BOT_TOKEN", c.TelegramToken},
		{"OPENAI_API_KEY", c.OpenAIKey},
		{"ADMIN_USERNAME", c.AdminUsername},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Sprintf("%s is required", r.name))
		}
	}
	if c.AdminPassword == "" && c.AdminPasswordHash == "" {
		errs = append(errs, "ADMIN_PASSWORD or ADMIN_PASSWORD_HASH is required")
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		warnings = append(warnings, "JWT_SECRET should be at least 32 characters long")
	}
	if c.AdminPassword != "" && len(c.AdminPassword) < 8 {
		warnings = append(warnings, "ADMIN_PASSWORD should be at least 8 characters long")
	}
	if c.IsProduction() && c.WebhookURL != "" && !strings.HasPrefix(c.WebhookURL, "https://") {
		warnings = append(warnings, "WEBHOOK_URL should use HTTPS in production")
	}
	if c.OpenAIAssistantID == "" {
		warnings = append(warnings, "OPENAI_ASSISTANT_ID is not set, assistant replies are disabled")
	}
	if c.TelegramSecretToken == "" {
		warnings = append(warnings, "TELEGRAM_SECRET_TOKEN is not set, webhook requests are not verified")
	}
	if len(c.InitialChannelIDs) == 0 {
		warnings = append(warnings, "INITIAL_CHANNEL_IDS is empty, subscription gate is disabled")
	}
	return errs, warnings
}

func env(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePositiveInt(key string, fallback int) (int, error) {
	raw := env(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, raw)
	}
	return n, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := env(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration, got %q", key, raw)
	}
	return d, nil
}

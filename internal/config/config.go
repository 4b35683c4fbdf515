package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/suspectuso/pay-intake/internal/ratelimit"
)

// ErrConfiguration marks a missing or malformed setting. Fatal at startup.
var ErrConfiguration = errors.New("configuration error")

// Config is built once in main and passed to constructors. Treat it as read-only.
type Config struct {
	// HTTP
	HTTPPort       int
	Domain         string
	FrameAncestors string

	// Database
	DBPath string

	// Chain
	RPCURL                string
	ReceiverWallet        string
	TokenContract         string
	TokenDecimals         int32
	RequiredConfirmations int64
	ExplorerBaseURL       string
	ConfirmPollInterval   time.Duration

	// Rate limiting
	RateLimitWindow time.Duration
	RateLimitMax    int
	RedisURL        string
	TrustedProxies  string

	// Notifications
	PaymentWebhookURL string
	NotifyTimeout     time.Duration
	BotToken          string
	AdminChatID       int64

	// Card checkout
	StripeSecretKey     string
	StripeWebhookSecret string
	RecaptchaSecretKey  string

	DefaultOrg string
	LogLevel   slog.Level
}

func Load() *Config {
	return &Config{
		HTTPPort:       getEnvInt("HTTP_PORT", 8000),
		Domain:         strings.TrimSuffix(getEnv("DOMAIN", "http://localhost:8000"), "/"),
		FrameAncestors: getEnv("FRAME_ANCESTORS", "'self'"),

		DBPath: getEnv("DB_PATH", "./payments.db"),

		RPCURL:                strings.TrimSpace(getEnv("BASE_RPC_URL", "")),
		ReceiverWallet:        getEnv("RECEIVER_WALLET", "0x918e03d7c59d61b6505fed486082419941ffd77f"),
		TokenContract:         getEnv("USDC_CONTRACT_ADDRESS", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		TokenDecimals:         int32(getEnvInt("USDC_DECIMALS", 6)),
		RequiredConfirmations: int64(getEnvInt("REQUIRED_CONFIRMATIONS", 2)),
		ExplorerBaseURL:       strings.TrimSuffix(getEnv("EXPLORER_BASE_URL", "https://basescan.org"), "/"),
		ConfirmPollInterval:   getEnvDuration("CONFIRM_POLL_INTERVAL", 30*time.Second),

		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", 5*time.Second),
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 1),
		RedisURL:        getEnv("REDIS_URL", ""),
		TrustedProxies:  getEnv("TRUSTED_PROXIES", ""),

		PaymentWebhookURL: getEnv("PAYMENT_WEBHOOK_URL", ""),
		NotifyTimeout:     getEnvDuration("NOTIFY_TIMEOUT", 10*time.Second),
		BotToken:          getEnv("BOT_TOKEN", ""),
		AdminChatID:       getEnvInt64("ADMIN_CHAT_ID", 0),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		RecaptchaSecretKey:  getEnv("RECAPTCHA_SECRET_KEY", ""),

		DefaultOrg: getEnv("DEFAULT_ORG", "tanya-client"),
		LogLevel:   parseLevel(getEnv("LOG_LEVEL", "info")),
	}
}

// Validate checks the settings the verification core cannot run without.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("%w: BASE_RPC_URL must be set", ErrConfiguration)
	}
	if !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("%w: invalid USDC_CONTRACT_ADDRESS %q", ErrConfiguration, c.TokenContract)
	}
	if !common.IsHexAddress(c.ReceiverWallet) {
		return fmt.Errorf("%w: invalid RECEIVER_WALLET %q", ErrConfiguration, c.ReceiverWallet)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 36 {
		return fmt.Errorf("%w: USDC_DECIMALS out of range: %d", ErrConfiguration, c.TokenDecimals)
	}
	if c.RequiredConfirmations < 0 {
		return fmt.Errorf("%w: REQUIRED_CONFIRMATIONS must not be negative", ErrConfiguration)
	}
	if c.RateLimitMax < 1 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: rate limit needs a positive window and max", ErrConfiguration)
	}
	if _, err := ratelimit.ParseTrustedProxies(c.TrustedProxies); err != nil {
		return fmt.Errorf("%w: TRUSTED_PROXIES: %v", ErrConfiguration, err)
	}
	if c.ConfirmPollInterval <= 0 {
		return fmt.Errorf("%w: CONFIRM_POLL_INTERVAL must be positive", ErrConfiguration)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("%w: NOTIFY_TIMEOUT must be positive", ErrConfiguration)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

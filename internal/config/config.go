package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the bot and supporting services.
type Config struct {
	BotToken           string
	MySQLDSN           string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisQueueDB       int
	KIEAPIKey          string
	KIEBaseURL         string
	ModelEdit          string
	ModelTextToImage   string
	RequestTimeout     time.Duration
	PublicBaseURL      string
	WebhookSecretToken string
	ListenAddr         string
	MetricsNamespace   string
	LogLevel           string
	StarterCredits     int
	CreditsPerImage    int
	SupportContact     string

	PaymentProvider              string
	PaymentCurrency              string
	TelegramPaymentProviderToken string
	YooKassaShopID               string
	YooKassaSecretKey            string
	YooKassaReturnURL            string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	const defaultKIEBaseURL = "https://api.kie.ai/api/v1"

	cfg := Config{
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            getInt("REDIS_DB", 2),
		RedisQueueDB:       getInt("REDIS_QUEUE_DB", 3),
		KIEBaseURL:         normalizeBaseURL(getEnv("KIE_BASE_URL", defaultKIEBaseURL), defaultKIEBaseURL),
		ModelEdit:          getEnv("KIE_MODEL_EDIT", "bytedance/seedream-v4-edit"),
		ModelTextToImage:   getEnv("KIE_MODEL_TEXT_TO_IMAGE", "bytedance/seedream-v4-text-to-image"),
		RequestTimeout:     time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),
		ListenAddr:         getEnv("LISTEN_ADDR", ":8080"),
		MetricsNamespace:   getEnv("METRICS_NAMESPACE", "seedream_bot"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		StarterCredits:     getInt("STARTER_CREDITS", 5),
		CreditsPerImage:    getInt("CREDITS_PER_IMAGE", 1),
		SupportContact:     getEnv("SUPPORT_CONTACT", "@guard_gpt"),
		PaymentProvider:    getEnv("PAYMENT_PROVIDER", "yookassa"),
		PaymentCurrency:    getEnv("PAYMENT_CURRENCY", "RUB"),
		YooKassaReturnURL:  getEnv("YOOKASSA_RETURN_URL", "https://t.me"),
		S3Endpoint:         getEnv("S3_ENDPOINT", ""),
		S3Region:           os.Getenv("S3_REGION"),
		S3AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("S3_SECRET_KEY"),
		S3Bucket:           os.Getenv("S3_BUCKET"),
		S3PublicBaseURL:    os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:     getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:           getEnv("S3_PREFIX", "references"),
	}

	cfg.BotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.KIEAPIKey = os.Getenv("KIE_API_KEY")
	cfg.PublicBaseURL = strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")
	cfg.WebhookSecretToken = os.Getenv("WEBHOOK_SECRET_TOKEN")
	cfg.TelegramPaymentProviderToken = os.Getenv("TELEGRAM_PAYMENT_PROVIDER_TOKEN")
	cfg.YooKassaShopID = os.Getenv("YOOKASSA_SHOP_ID")
	cfg.YooKassaSecretKey = os.Getenv("YOOKASSA_SECRET_KEY")

	var missing []string
	if cfg.BotToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.KIEAPIKey == "" {
		missing = append(missing, "KIE_API_KEY")
	}
	if cfg.PublicBaseURL == "" {
		missing = append(missing, "PUBLIC_BASE_URL")
	}
	if cfg.WebhookSecretToken == "" {
		missing = append(missing, "WEBHOOK_SECRET_TOKEN")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// CallbackURL is the address the generation provider posts task results to.
func (c Config) CallbackURL() string {
	return fmt.Sprintf("%s/webhook/seedream?t=%s", c.PublicBaseURL, c.WebhookSecretToken)
}

// normalizeBaseURL ensures we always hit the documented API host. Some docs and UI pages
// use the root kie.ai domain, which returns HTML instead of JSON and causes 404s.
func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}

	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}

	// Force API subdomain to avoid landing on the marketing site.
	if parsed.Host == "kie.ai" {
		parsed.Host = "api.kie.ai"
	}

	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Service
	Port   string
	AppEnv string // development | test | production

	// Database
	DatabaseURL string

	// Discord
	BotToken        string
	ApplicationID   string
	ClientSecret    string
	CommandGuildIDs []string // optional allow-list for command registration
	OAuthScopes     string

	// Chain
	SolanaRPCURL string
	DasAPIURL    string

	// Verification
	VerifyPublicURL   string
	VerifyTokenSecret string
	InternalAPISecret string

	// Admin UI
	AdminBaseURL       string
	AdminSessionSecret string
	AdminSessionTTLH   int

	// Worker
	WorkerConcurrency  int
	ReconcileCron      string
	AuditRetentionDays int

	// Price provider
	PriceAPIURL string

	// Optional audit archive (S3-compatible)
	ArchiveBucket          string
	ArchiveAccountID       string
	ArchiveAccessKeyID     string
	ArchiveAccessKeySecret string
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading environment variables directly")
	}

	cfg := &Config{
		Port:               getenv("PORT", "8080"),
		AppEnv:             getenv("APP_ENV", "development"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		BotToken:           os.Getenv("DISCORD_BOT_TOKEN"),
		ApplicationID:      os.Getenv("DISCORD_APPLICATION_ID"),
		ClientSecret:       os.Getenv("DISCORD_CLIENT_SECRET"),
		OAuthScopes:        getenv("DISCORD_OAUTH_SCOPES", "identify guilds"),
		SolanaRPCURL:       os.Getenv("SOLANA_RPC_URL"),
		DasAPIURL:          os.Getenv("DAS_API_URL"),
		VerifyPublicURL:    strings.TrimRight(os.Getenv("VERIFY_PUBLIC_URL"), "/"),
		VerifyTokenSecret:  os.Getenv("VERIFY_TOKEN_SECRET"),
		InternalAPISecret:  os.Getenv("INTERNAL_API_SECRET"),
		AdminBaseURL:       strings.TrimRight(os.Getenv("ADMIN_BASE_URL"), "/"),
		AdminSessionSecret: os.Getenv("ADMIN_SESSION_SECRET"),
		AdminSessionTTLH:   getint("ADMIN_SESSION_TTL_HOURS", 12),
		WorkerConcurrency:  getint("WORKER_CONCURRENCY", 20),
		ReconcileCron:      getenv("RECONCILE_CRON", "0 */12 * * *"),
		AuditRetentionDays: getint("AUDIT_RETENTION_DAYS", 90),
		PriceAPIURL:        getenv("PRICE_API_URL", "https://api.coingecko.com/api/v3"),

		ArchiveBucket:          os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		ArchiveAccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		ArchiveAccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		ArchiveAccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
	}

	if raw := os.Getenv("DISCORD_GUILD_IDS"); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				cfg.CommandGuildIDs = append(cfg.CommandGuildIDs, id)
			}
		}
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.AppEnv {
	case "development", "test", "production":
	default:
		return fmt.Errorf("APP_ENV must be development, test or production, got %q", c.AppEnv)
	}
	required := map[string]string{
		"DATABASE_URL":           c.DatabaseURL,
		"DISCORD_BOT_TOKEN":      c.BotToken,
		"DISCORD_APPLICATION_ID": c.ApplicationID,
		"DISCORD_CLIENT_SECRET":  c.ClientSecret,
		"SOLANA_RPC_URL":         c.SolanaRPCURL,
		"DAS_API_URL":            c.DasAPIURL,
		"VERIFY_PUBLIC_URL":      c.VerifyPublicURL,
		"ADMIN_BASE_URL":         c.AdminBaseURL,
	}
	for key, val := range required {
		if val == "" {
			return fmt.Errorf("%s environment variable not set", key)
		}
	}
	if len(c.VerifyTokenSecret) < 32 {
		return fmt.Errorf("VERIFY_TOKEN_SECRET must be at least 32 characters")
	}
	if len(c.InternalAPISecret) < 16 {
		return fmt.Errorf("INTERNAL_API_SECRET must be at least 16 characters")
	}
	if len(c.AdminSessionSecret) < 32 {
		return fmt.Errorf("ADMIN_SESSION_SECRET must be at least 32 characters")
	}
	return nil
}

func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

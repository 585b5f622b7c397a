// Package config handles application configuration from environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mbd888/middleman/internal/escrow"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage. DATABASE_URL selects Postgres, SQLITE_PATH selects SQLite,
	// neither selects in-memory.
	DatabaseURL string
	SQLitePath  string

	// Chat transport
	BotToken      string
	BotName       string // bot username, for @-addressed commands in groups
	ChatAPIURL    string // empty selects the public Bot API
	WebhookSecret string

	// Desk identities
	AdminIDs           []int64
	OwnerID            int64
	ArbitrationContact string
	ReceiptContact     string
	Destinations       map[string][]escrow.Destination

	// Operator auth
	OperatorKey string // seeds the first API key when set

	// Chain watcher (informational). Disabled without an RPC URL.
	RPCURL        string
	TokenContract string
	DeskAddress   string
	TokenSymbol   string

	// Observability
	OTLPEndpoint string
	RateLimitRPS int

	// Audit sweep cadence in minutes
	AuditSweepMinutes int
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultBotName       = "middleman_bot"
	DefaultTokenContract = "0xc2132D05D31c914a87C6611C10748AEb04B58e8F" // USDT on Polygon
	DefaultTokenSymbol   = "USDT"
	DefaultRateLimit     = 100
	DefaultAuditMinutes  = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		SQLitePath:         os.Getenv("SQLITE_PATH"),
		BotToken:           os.Getenv("BOT_TOKEN"),
		BotName:            getEnv("BOT_NAME", DefaultBotName),
		ChatAPIURL:         os.Getenv("CHAT_API_URL"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		OwnerID:            getEnvInt64("OWNER_ID", 0),
		ArbitrationContact: os.Getenv("ARBITRATION_CONTACT"),
		ReceiptContact:     os.Getenv("RECEIPT_CONTACT"),
		OperatorKey:        os.Getenv("OPERATOR_KEY"),
		RPCURL:             os.Getenv("RPC_URL"),
		TokenContract:      getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		DeskAddress:        os.Getenv("DESK_ADDRESS"),
		TokenSymbol:        getEnv("TOKEN_SYMBOL", DefaultTokenSymbol),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:       int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		AuditSweepMinutes:  int(getEnvInt64("AUDIT_SWEEP_MINUTES", DefaultAuditMinutes)),
	}

	admins, err := parseIDList(os.Getenv("ADMIN_IDS"))
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS: %w", err)
	}
	cfg.AdminIDs = admins

	dests, err := parseDestinations(os.Getenv("PAYMENT_DESTINATIONS"))
	if err != nil {
		return nil, fmt.Errorf("PAYMENT_DESTINATIONS: %w", err)
	}
	cfg.Destinations = dests

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency. Development runs with almost
// nothing set; production requires the chat transport and at least one admin.
func (c *Config) Validate() error {
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		return fmt.Errorf("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	}

	if c.OperatorKey != "" && !strings.HasPrefix(c.OperatorKey, "ok_") {
		return fmt.Errorf("OPERATOR_KEY must start with ok_")
	}

	if c.IsProduction() {
		if c.BotToken == "" {
			return fmt.Errorf("BOT_TOKEN is required in production")
		}
		if c.WebhookSecret == "" {
			return fmt.Errorf("WEBHOOK_SECRET is required in production")
		}
		if len(c.AdminIDs) == 0 {
			return fmt.Errorf("ADMIN_IDS is required in production")
		}
	}

	return nil
}

// Driver reports which store backend the configuration selects.
func (c *Config) Driver() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// EscrowConfig assembles the engine configuration from the desk identity
// settings.
func (c *Config) EscrowConfig() escrow.Config {
	return escrow.Config{
		AdminIDs:           c.AdminIDs,
		OwnerID:            c.OwnerID,
		ArbitrationContact: c.ArbitrationContact,
		ReceiptContact:     c.ReceiptContact,
		Destinations:       c.Destinations,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// parseIDList parses a comma-separated account id list, e.g. "123, 456".
// Malformed entries are errors: a silently dropped admin id would demote
// that admin without anyone noticing.
func parseIDList(value string) ([]int64, error) {
	if value == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// parseDestinations decodes the payment destination map, e.g.
// {"USD":[{"method":"PayPal","address":"ops@desk.example"}]}.
// Currency keys are uppercased.
func parseDestinations(value string) (map[string][]escrow.Destination, error) {
	if value == "" {
		return nil, nil
	}
	var raw map[string][]escrow.Destination
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	dests := make(map[string][]escrow.Destination, len(raw))
	for currency, list := range raw {
		dests[strings.ToUpper(strings.TrimSpace(currency))] = list
	}
	return dests, nil
}

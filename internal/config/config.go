// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MastodonAccount holds the credentials of one federated destination.
type MastodonAccount struct {
	Name        string
	BaseURL     string
	AccessToken string
}

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AdminUsers       []int64

	MastodonAccounts []MastodonAccount

	EventHost    string
	EventPort    int
	EventEnabled bool

	DescriberEndpoint string
	DescriberAPIKey   string

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RatePerSecond    float64
	RateBurst        int

	PollTick              time.Duration
	RetentionDays         int
	EventLogRetentionDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	dbPath := envOrDefault("DATABASE_PATH", "./data/relay.db")
	logLevel := envOrDefault("LOG_LEVEL", "info")

	admins, err := parseInt64List(os.Getenv("ADMIN_USERS"))
	if err != nil {
		return nil, fmt.Errorf("parse ADMIN_USERS: %w", err)
	}

	accounts, err := parseMastodonAccounts(os.Getenv("MASTODON_ACCOUNTS"))
	if err != nil {
		return nil, fmt.Errorf("parse MASTODON_ACCOUNTS: %w", err)
	}

	eventPort, err := envInt("EVENT_PORT", 8123)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := envInt("RETRY_MAX_ATTEMPTS", 4)
	if err != nil {
		return nil, err
	}
	retryBase, err := envDuration("RETRY_BASE_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	ratePerSec, err := envFloat("RATE_PER_SECOND", 1)
	if err != nil {
		return nil, err
	}
	rateBurst, err := envInt("RATE_BURST", 5)
	if err != nil {
		return nil, err
	}
	pollTick, err := envDuration("POLL_TICK", 30*time.Second)
	if err != nil {
		return nil, err
	}
	retentionDays, err := envInt("RETENTION_DAYS", 90)
	if err != nil {
		return nil, err
	}
	eventLogDays, err := envInt("EVENT_LOG_RETENTION_DAYS", 7)
	if err != nil {
		return nil, err
	}

	return &Config{
		TelegramBotToken:      token,
		DatabasePath:          dbPath,
		LogLevel:              logLevel,
		AdminUsers:            admins,
		MastodonAccounts:      accounts,
		EventHost:             envOrDefault("EVENT_HOST", "127.0.0.1"),
		EventPort:             eventPort,
		EventEnabled:          envBool("EVENT_ENABLED", true),
		DescriberEndpoint:     os.Getenv("DESCRIBER_ENDPOINT"),
		DescriberAPIKey:       os.Getenv("DESCRIBER_API_KEY"),
		RetryMaxAttempts:      retryAttempts,
		RetryBaseDelay:        retryBase,
		RatePerSecond:         ratePerSec,
		RateBurst:             rateBurst,
		PollTick:              pollTick,
		RetentionDays:         retentionDays,
		EventLogRetentionDays: eventLogDays,
	}, nil
}

// IsAdmin checks whether a user ID is in the admin list.
// Returns true if the list is empty (all users permitted).
func (c *Config) IsAdmin(userID int64) bool {
	if len(c.AdminUsers) == 0 {
		return true
	}
	for _, id := range c.AdminUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// parseMastodonAccounts parses "name|base_url|token" entries separated
// by semicolons, e.g. "opnv_berlin|https://berlin.social|tok;...".
func parseMastodonAccounts(raw string) ([]MastodonAccount, error) {
	if raw == "" {
		return nil, nil
	}
	var accounts []MastodonAccount
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid entry %q, expected name|base_url|token", entry)
		}
		accounts = append(accounts, MastodonAccount{
			Name:        strings.TrimSpace(parts[0]),
			BaseURL:     strings.TrimSpace(parts[1]),
			AccessToken: strings.TrimSpace(parts[2]),
		})
	}
	return accounts, nil
}

func parseInt64List(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	var out []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ID %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envBool(key string, def bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	if raw == "" {
		return def
	}
	return raw != "0" && raw != "false" && raw != "no"
}

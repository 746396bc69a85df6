// Package config loads runtime configuration from the environment, with an
// optional TOML policy file for the limit and sponsorship knobs operators
// tune most often.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the payment service.
type Config struct {
	Port        string
	DatabaseURL string

	RelayRPCBase   string
	RelayAuthToken string

	FeeOracleBaseURL string
	FeeOracleAPIKey  string

	SponsorBaseURL string
	SponsorAPIKey  string

	NotifyWebhookURL string
	NotifyAPIKey     string
	ClaimBaseURL     string

	JWTSecret string
	JWTIssuer string

	SweepInterval    time.Duration
	RateLimitPerMin  int
	OTLPEndpoint     string
	LogLevel         string
	LogFile          string
	SignerKeyHex     string
	Policy           Policy
}

// Policy holds the tunable business limits.
type Policy struct {
	PerTxMax               string `toml:"per_tx_max"`
	DailyCap               string `toml:"daily_cap"`
	DefaultExpirationDays  int    `toml:"default_expiration_days"`
	SponsorshipEnabled     bool   `toml:"sponsorship_enabled"`
	SponsoredOpsPerAccount int64  `toml:"sponsored_ops_per_account"`
}

// FromEnv loads configuration from environment variables required by the
// service. PAYLINK_POLICY_FILE, when set, overlays the policy section from a
// TOML file.
func FromEnv() (*Config, error) {
	port := getEnvDefault("PAYLINK_PORT", "8080")

	dbURL := os.Getenv("PAYLINK_DB_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("PAYLINK_DB_URL is required")
	}

	relayBase := os.Getenv("PAYLINK_RELAY_RPC_BASE")
	if relayBase == "" {
		return nil, fmt.Errorf("PAYLINK_RELAY_RPC_BASE is required")
	}

	jwtSecret := strings.TrimSpace(os.Getenv("PAYLINK_JWT_SECRET"))
	if jwtSecret == "" {
		return nil, fmt.Errorf("PAYLINK_JWT_SECRET is required")
	}

	signerKey := strings.TrimSpace(os.Getenv("PAYLINK_SIGNER_KEY"))
	if signerKey == "" {
		return nil, fmt.Errorf("PAYLINK_SIGNER_KEY is required")
	}

	sweepSeconds := parseIntEnv("PAYLINK_SWEEP_INTERVAL_SECONDS", 60)
	if sweepSeconds <= 0 {
		return nil, fmt.Errorf("invalid PAYLINK_SWEEP_INTERVAL_SECONDS %d", sweepSeconds)
	}

	rateLimit := parseIntEnv("PAYLINK_RATE_LIMIT_PER_MINUTE", 60)
	if rateLimit < 0 {
		rateLimit = 0
	}

	cfg := &Config{
		Port:             port,
		DatabaseURL:      dbURL,
		RelayRPCBase:     relayBase,
		RelayAuthToken:   strings.TrimSpace(os.Getenv("PAYLINK_RELAY_AUTH_TOKEN")),
		FeeOracleBaseURL: strings.TrimSpace(os.Getenv("PAYLINK_FEE_ORACLE_BASE_URL")),
		FeeOracleAPIKey:  strings.TrimSpace(os.Getenv("PAYLINK_FEE_ORACLE_API_KEY")),
		SponsorBaseURL:   strings.TrimSpace(os.Getenv("PAYLINK_SPONSOR_BASE_URL")),
		SponsorAPIKey:    strings.TrimSpace(os.Getenv("PAYLINK_SPONSOR_API_KEY")),
		NotifyWebhookURL: strings.TrimSpace(os.Getenv("PAYLINK_NOTIFY_WEBHOOK_URL")),
		NotifyAPIKey:     strings.TrimSpace(os.Getenv("PAYLINK_NOTIFY_API_KEY")),
		ClaimBaseURL:     getEnvDefault("PAYLINK_CLAIM_BASE_URL", "http://localhost:8080/claim"),
		JWTSecret:        jwtSecret,
		JWTIssuer:        getEnvDefault("PAYLINK_JWT_ISSUER", "paylink"),
		SweepInterval:    time.Duration(sweepSeconds) * time.Second,
		RateLimitPerMin:  rateLimit,
		OTLPEndpoint:     strings.TrimSpace(os.Getenv("PAYLINK_OTLP_ENDPOINT")),
		LogLevel:         getEnvDefault("PAYLINK_LOG_LEVEL", "info"),
		LogFile:          strings.TrimSpace(os.Getenv("PAYLINK_LOG_FILE")),
		SignerKeyHex:     signerKey,
		Policy: Policy{
			DefaultExpirationDays:  7,
			SponsorshipEnabled:     parseBoolEnv("PAYLINK_SPONSORSHIP_ENABLED", true),
			SponsoredOpsPerAccount: int64(parseIntEnv("PAYLINK_SPONSORED_OPS_PER_ACCOUNT", 10)),
		},
	}

	if policyFile := strings.TrimSpace(os.Getenv("PAYLINK_POLICY_FILE")); policyFile != "" {
		if err := loadPolicyFile(policyFile, &cfg.Policy); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func loadPolicyFile(path string, policy *Policy) error {
	if _, err := toml.DecodeFile(path, policy); err != nil {
		return fmt.Errorf("parse policy file %q: %w", path, err)
	}
	if policy.DefaultExpirationDays <= 0 {
		policy.DefaultExpirationDays = 7
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Package config loads facilitator settings from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	x402 "github.com/Blessedbiello/402pay-sub000"
	"github.com/Blessedbiello/402pay-sub000/mechanisms/svm"
	"github.com/Blessedbiello/402pay-sub000/ratelimit"
	"github.com/Blessedbiello/402pay-sub000/settlement"
)

// Config holds every facilitator setting.
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Networks are the Solana clusters served; the first is primary and holds
	// escrows and challenge payments.
	Networks []x402.Network
	// SolanaRPCURL overrides the primary network's default RPC endpoint.
	SolanaRPCURL string
	PayTo        string
	// Routes prices resources for the challenge flow, in whole units of the
	// primary network's default asset, paid to PayTo.
	Routes map[string]string

	DatabaseURL string
	RedisURL    string

	DelegateURL    string
	DelegateAPIKey string

	VaultMasterKey []byte
	JWTSecret      string
	AdminAPIKey    string

	EscrowReserve      *big.Int
	ChallengeMinAmount *big.Int

	RateLimits ratelimit.Config

	ReplayTTL      time.Duration
	SettlementTTL  time.Duration
	ReplayFallback bool
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Port:           env("PORT", "4022"),
		Environment:    env("ENVIRONMENT", "development"),
		LogLevel:       env("LOG_LEVEL", "info"),
		SolanaRPCURL:   env("SOLANA_RPC_URL", ""),
		PayTo:          env("PAY_TO", ""),
		DatabaseURL:    env("DATABASE_URL", ""),
		RedisURL:       env("REDIS_URL", ""),
		DelegateURL:    env("DELEGATE_URL", ""),
		DelegateAPIKey: env("DELEGATE_API_KEY", ""),
		JWTSecret:      env("JWT_SECRET", ""),
		AdminAPIKey:    env("ADMIN_API_KEY", ""),
	}

	for _, n := range strings.Split(env("NETWORKS", "solana-devnet"), ",") {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		network, err := svm.NormalizeNetwork(n)
		if err != nil {
			return nil, x402.NewConfigurationError("NETWORKS", err.Error())
		}
		cfg.Networks = append(cfg.Networks, network)
	}

	routes, err := parseRoutes(env("ROUTES", ""))
	if err != nil {
		return nil, err
	}
	cfg.Routes = routes

	if raw := env("VAULT_MASTER_KEY", ""); raw != "" {
		if cfg.VaultMasterKey, err = base64.StdEncoding.DecodeString(raw); err != nil {
			return nil, x402.NewConfigurationError("VAULT_MASTER_KEY", "must be base64")
		}
	}
	if cfg.EscrowReserve, err = parseAmount("ESCROW_RESERVE", env("ESCROW_RESERVE", strconv.Itoa(svm.DefaultReserveLamports))); err != nil {
		return nil, err
	}
	if cfg.ChallengeMinAmount, err = parseAmount("CHALLENGE_MIN_AMOUNT", env("CHALLENGE_MIN_AMOUNT", "1")); err != nil {
		return nil, err
	}

	defaults := ratelimit.DefaultConfig()
	cfg.RateLimits.IdleTimeout = defaults.IdleTimeout
	if cfg.RateLimits.Verify.RPS, err = parseFloat("VERIFY_RPS", env("VERIFY_RPS", ""), defaults.Verify.RPS); err != nil {
		return nil, err
	}
	if cfg.RateLimits.Verify.Burst, err = parseInt("VERIFY_BURST", env("VERIFY_BURST", ""), defaults.Verify.Burst); err != nil {
		return nil, err
	}
	if cfg.RateLimits.Default.RPS, err = parseFloat("DEFAULT_RPS", env("DEFAULT_RPS", ""), defaults.Default.RPS); err != nil {
		return nil, err
	}
	if cfg.RateLimits.Default.Burst, err = parseInt("DEFAULT_BURST", env("DEFAULT_BURST", ""), defaults.Default.Burst); err != nil {
		return nil, err
	}

	if cfg.ReplayTTL, err = parseDuration("REPLAY_TTL", env("REPLAY_TTL", ""), settlement.DefaultRecordTTL); err != nil {
		return nil, err
	}
	if cfg.SettlementTTL, err = parseDuration("SETTLEMENT_TTL", env("SETTLEMENT_TTL", ""), settlement.DefaultRecordTTL); err != nil {
		return nil, err
	}
	if cfg.ReplayFallback, err = strconv.ParseBool(env("REPLAY_FALLBACK", "true")); err != nil {
		return nil, x402.NewConfigurationError("REPLAY_FALLBACK", "must be a boolean")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings are usable together.
func (c *Config) Validate() error {
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return x402.NewConfigurationError("PORT", "must be a port number")
	}
	if len(c.Networks) == 0 {
		return x402.NewConfigurationError("NETWORKS", "at least one network is required")
	}
	for _, n := range c.Networks {
		if !svm.IsValidNetwork(string(n)) {
			return x402.NewConfigurationError("NETWORKS", "unsupported network "+string(n))
		}
	}
	if c.PayTo != "" && !svm.ValidateSolanaAddress(c.PayTo) {
		return x402.NewConfigurationError("PAY_TO", "must be a solana address")
	}
	if len(c.Routes) > 0 && c.PayTo == "" {
		return x402.NewConfigurationError("ROUTES", "priced routes need PAY_TO")
	}
	if c.VaultMasterKey != nil && len(c.VaultMasterKey) != 32 {
		return x402.NewConfigurationError("VAULT_MASTER_KEY", "must decode to 32 bytes")
	}
	if c.IsProduction() {
		switch {
		case c.DatabaseURL == "":
			return x402.NewConfigurationError("DATABASE_URL", "required in production")
		case c.VaultMasterKey == nil:
			return x402.NewConfigurationError("VAULT_MASTER_KEY", "required in production")
		case c.AdminAPIKey == "" && c.JWTSecret == "":
			return x402.NewConfigurationError("ADMIN_API_KEY", "an admin credential is required in production")
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return x402.NewConfigurationError("JWT_SECRET", "must be at least 32 bytes")
	}
	if c.ReplayTTL < time.Duration(x402.DefaultMaxTimeoutSeconds)*time.Second {
		return x402.NewConfigurationError("REPLAY_TTL", "must outlive the payment timeout window")
	}
	if c.SettlementTTL < c.ReplayTTL {
		return x402.NewConfigurationError("SETTLEMENT_TTL", "must not be shorter than REPLAY_TTL")
	}
	if c.RateLimits.Verify.RPS > c.RateLimits.Default.RPS && c.RateLimits.Default.RPS > 0 {
		return x402.NewConfigurationError("VERIFY_RPS", "must not exceed DEFAULT_RPS")
	}
	return nil
}

// IsProduction reports whether the facilitator runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PrimaryNetwork returns the network holding escrows and challenge payments.
func (c *Config) PrimaryNetwork() x402.Network {
	return c.Networks[0]
}

// RPCURL returns the RPC endpoint for network.
func (c *Config) RPCURL(network x402.Network) (string, error) {
	if network == c.PrimaryNetwork() && c.SolanaRPCURL != "" {
		return c.SolanaRPCURL, nil
	}
	nc, err := svm.GetNetworkConfig(string(network))
	if err != nil {
		return "", err
	}
	return nc.RPCURL, nil
}

// ReplayKeyPrefix namespaces replay keys in shared stores.
const ReplayKeyPrefix = "x402:replay:"

// parseRoutes reads "resource=price" pairs separated by commas.
func parseRoutes(raw string) (map[string]string, error) {
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		resource, price, ok := strings.Cut(pair, "=")
		resource, price = strings.TrimSpace(resource), strings.TrimSpace(price)
		if !ok || resource == "" || price == "" {
			return nil, x402.NewConfigurationError("ROUTES", fmt.Sprintf("expected resource=price, got %q", pair))
		}
		routes[resource] = price
	}
	return routes, nil
}

func parseAmount(key, raw string) (*big.Int, error) {
	v, ok := x402.ParseAtomicAmount(raw)
	if !ok {
		return nil, x402.NewConfigurationError(key, "must be a non-negative integer")
	}
	return v, nil
}

func parseFloat(key, raw string, def float64) (float64, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return 0, x402.NewConfigurationError(key, "must be a non-negative number")
	}
	return v, nil
}

func parseInt(key, raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, x402.NewConfigurationError(key, "must be a non-negative integer")
	}
	return v, nil
}

func parseDuration(key, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return 0, x402.NewConfigurationError(key, fmt.Sprintf("must be a positive duration, got %q", raw))
	}
	return v, nil
}

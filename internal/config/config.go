// Package config loads the gateway's environment-driven configuration,
// following the same required-field Validate() shape the teacher SDK uses
// for its payment configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of environment-driven settings for the gateway
// process: KV pool, abuse detector, batch coalescer, facilitator and chain
// RPC endpoints, and the HTTP listener.
type Config struct {
	// Redis / pooled KV client
	RedisURL          string
	PoolMin           int
	PoolMax           int
	AcquireTimeout    time.Duration
	IdleTimeout       time.Duration
	CommandTimeout    time.Duration
	PoolPingTimeout   time.Duration
	HealthCheckPeriod time.Duration

	// Abuse detector
	AbuseWindow      time.Duration
	AbuseMaxRequests int
	AbuseBanDuration time.Duration

	// Batch settlement coalescer
	BatchSize       int
	BatchTimeout    time.Duration
	BatchMaxRetries int
	StaleAge        time.Duration
	SweepInterval   time.Duration

	// Facilitator
	FacilitatorURL        string
	FacilitatorVerifyTO   time.Duration
	FacilitatorSettleTO   time.Duration
	FacilitatorGenericTO  time.Duration
	FacilitatorRPS        int // 0 disables pacing

	// Chain RPC
	ChainRPCURLs []string

	// HTTP surface
	ListenAddr        string
	InternalMintPath  string // opaque secret path segment for /internal/mint/<secret>
	CORSAllowOrigins  []string

	// Mint capacity caches
	MintCountCacheTTL time.Duration
	PendingCounterTTL time.Duration

	// Payment challenge template (the "exact" scheme parameters advertised
	// in every 402 response)
	ChallengeNetwork           string
	ChallengeAssetName         string
	ChallengeAssetVersion      string
	ChallengePriceMinorUnits   string
	ChallengeMaxTimeoutSeconds int
}

// Load reads configuration from the environment, applying the same
// defaults the spec names for every timeout and threshold.
func Load() (*Config, error) {
	c := &Config{
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		PoolMin:           getEnvInt("KV_POOL_MIN", 2),
		PoolMax:           getEnvInt("KV_POOL_MAX", 10),
		AcquireTimeout:    getEnvDuration("KV_ACQUIRE_TIMEOUT", 5*time.Second),
		IdleTimeout:       getEnvDuration("KV_IDLE_TIMEOUT", 5*time.Minute),
		CommandTimeout:    getEnvDuration("KV_COMMAND_TIMEOUT", 30*time.Second),
		PoolPingTimeout:   getEnvDuration("KV_PING_TIMEOUT", 500*time.Millisecond),
		HealthCheckPeriod: getEnvDuration("KV_HEALTH_CHECK_PERIOD", 30*time.Second),

		AbuseWindow:      getEnvDuration("ABUSE_WINDOW", time.Minute),
		AbuseMaxRequests: getEnvInt("ABUSE_MAX_REQUESTS", 60),
		AbuseBanDuration: getEnvDuration("ABUSE_BAN_DURATION", 10*time.Minute),

		BatchSize:       getEnvInt("BATCH_SIZE", 10),
		BatchTimeout:    getEnvDuration("BATCH_TIMEOUT", 250*time.Millisecond),
		BatchMaxRetries: getEnvInt("BATCH_MAX_RETRIES", 3),
		StaleAge:        getEnvDuration("BATCH_STALE_AGE", 2*time.Minute),
		SweepInterval:   getEnvDuration("BATCH_SWEEP_INTERVAL", 30*time.Second),

		FacilitatorURL:       getEnv("FACILITATOR_URL", ""),
		FacilitatorVerifyTO:  getEnvDuration("FACILITATOR_VERIFY_TIMEOUT", 60*time.Second),
		FacilitatorSettleTO:  getEnvDuration("FACILITATOR_SETTLE_TIMEOUT", 180*time.Second),
		FacilitatorGenericTO: getEnvDuration("FACILITATOR_GENERIC_TIMEOUT", 30*time.Second),
		FacilitatorRPS:       getEnvInt("FACILITATOR_RPS", 0),

		ChainRPCURLs: splitCSV(getEnv("CHAIN_RPC_URLS", "")),

		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		InternalMintPath: getEnv("INTERNAL_MINT_SECRET", ""),
		CORSAllowOrigins: splitCSV(getEnv("CORS_ALLOW_ORIGINS", "*")),

		MintCountCacheTTL: getEnvDuration("MINT_COUNT_CACHE_TTL", 6*time.Second),
		PendingCounterTTL: getEnvDuration("PENDING_COUNTER_TTL", time.Hour),

		ChallengeNetwork:           getEnv("CHALLENGE_NETWORK", "bsc"),
		ChallengeAssetName:         getEnv("CHALLENGE_ASSET_NAME", "USD Coin"),
		ChallengeAssetVersion:      getEnv("CHALLENGE_ASSET_VERSION", "2"),
		ChallengePriceMinorUnits:   getEnv("CHALLENGE_PRICE_MINOR_UNITS", "10000000"),
		ChallengeMaxTimeoutSeconds: getEnvInt("CHALLENGE_MAX_TIMEOUT_SECONDS", 300),
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the required fields the gateway cannot run without.
func (c *Config) Validate() error {
	if c.FacilitatorURL == "" {
		return fmt.Errorf("config: FACILITATOR_URL is required")
	}
	if len(c.ChainRPCURLs) == 0 {
		return fmt.Errorf("config: CHAIN_RPC_URLS is required")
	}
	if c.PoolMin < 0 || c.PoolMax <= 0 || c.PoolMin > c.PoolMax {
		return fmt.Errorf("config: invalid KV_POOL_MIN/KV_POOL_MAX (%d/%d)", c.PoolMin, c.PoolMax)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: BATCH_SIZE must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

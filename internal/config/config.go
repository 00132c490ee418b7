// Package config defines the gateway's runtime configuration: listen port,
// payment network and wallet, facilitator endpoint, subnet backend tuning and
// rate limits. Values are layered: defaults, then an optional YAML file, then
// environment variables, then command-line flags applied by main. Validate
// fills implicit defaults and checks required fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config holds every gateway setting.
type Config struct {
	// Port is the HTTP listen port. Default: 4021.
	Port int `json:"port" yaml:"port"`
	// Env is development, production or test. It selects the log format.
	Env      string `json:"env" yaml:"env"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	// FacilitatorURL is the x402 facilitator used to verify and settle.
	FacilitatorURL string `json:"facilitator_url" yaml:"facilitator_url"`
	// WalletAddress receives payments (required). Normalized to EIP-55.
	WalletAddress string `json:"wallet_address" yaml:"wallet_address"`
	// Network is the CAIP-2 id payments are requested on.
	Network string `json:"network" yaml:"network"`
	// MaxTimeoutSeconds is the validity window advertised in challenges.
	// Default: 60.
	MaxTimeoutSeconds int `json:"max_timeout_seconds" yaml:"max_timeout_seconds"`

	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Enable only behind a proxy that overwrites those headers.
	TrustProxy bool `json:"trust_proxy" yaml:"trust_proxy"`

	// CatalogFile optionally replaces the built-in service catalog.
	CatalogFile   string `json:"catalog_file" yaml:"catalog_file"`
	MaxTopResults int    `json:"max_top_results" yaml:"max_top_results"`

	Subnets   Subnets   `json:"subnets" yaml:"subnets"`
	RateLimit RateLimit `json:"rate_limit" yaml:"rate_limit"`
	Timeouts  Timeouts  `json:"timeouts" yaml:"timeouts"`
}

// Subnets tunes the subnet query layer.
type Subnets struct {
	// Timeout bounds each subnet call. Default: 2s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// Seed makes the simulator reproducible. Zero means time-seeded.
	Seed        int64   `json:"seed" yaml:"seed"`
	FailureRate float64 `json:"failure_rate" yaml:"failure_rate"`
	// BreakerFailures consecutive failures open a subnet's breaker (HTTP
	// backend only). Default: 5.
	BreakerFailures uint32        `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerOpen     time.Duration `json:"breaker_open" yaml:"breaker_open"`
}

// RateLimit configures the per-client token bucket on the API routes.
// A zero RequestsPerSecond disables limiting.
type RateLimit struct {
	RequestsPerSecond int64 `json:"rps" yaml:"rps"`
	Burst             int64 `json:"burst" yaml:"burst"`
}

// Timeouts controls server and client deadlines.
// Zero values will be replaced by defaults in WithDefaults.
type Timeouts struct {
	Read           time.Duration `json:"read" yaml:"read"`
	Write          time.Duration `json:"write" yaml:"write"`
	Idle           time.Duration `json:"idle" yaml:"idle"`
	Shutdown       time.Duration `json:"shutdown" yaml:"shutdown"`
	Facilitator    time.Duration `json:"facilitator" yaml:"facilitator"`
	SupportedCache time.Duration `json:"supported_cache" yaml:"supported_cache"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:              4021,
		Env:               EnvDevelopment,
		LogLevel:          "info",
		FacilitatorURL:    "https://x402.org/facilitator",
		Network:           "eip155:84532",
		MaxTimeoutSeconds: 60,
		MaxTopResults:     5,
		Subnets: Subnets{
			Timeout:         2 * time.Second,
			BreakerFailures: 5,
			BreakerOpen:     30 * time.Second,
		},
		RateLimit: RateLimit{RequestsPerSecond: 10, Burst: 20},
	}
}

// Load builds a configuration from defaults, the YAML file at path (if
// non-empty) and the environment read through getenv (os.Getenv if nil).
// It does not validate; call Validate once flags have been applied.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("NODE_ENV", &c.Env)
	str("APP_ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("FACILITATOR_URL", &c.FacilitatorURL)
	str("WALLET_ADDRESS", &c.WalletAddress)
	str("NETWORK", &c.Network)
	str("CATALOG_FILE", &c.CatalogFile)

	var errs []error
	parse := func(key string, set func(string) error) {
		if v := getenv(key); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}
	parse("PORT", func(v string) (err error) { c.Port, err = strconv.Atoi(v); return })
	parse("MAX_TOP_RESULTS", func(v string) (err error) { c.MaxTopResults, err = strconv.Atoi(v); return })
	parse("SUBNET_TIMEOUT", func(v string) (err error) { c.Subnets.Timeout, err = time.ParseDuration(v); return })
	parse("SIMULATOR_SEED", func(v string) (err error) { c.Subnets.Seed, err = strconv.ParseInt(v, 10, 64); return })
	parse("SUBNET_FAILURE_RATE", func(v string) (err error) { c.Subnets.FailureRate, err = strconv.ParseFloat(v, 64); return })
	parse("RATE_LIMIT_RPS", func(v string) (err error) { c.RateLimit.RequestsPerSecond, err = strconv.ParseInt(v, 10, 64); return })
	parse("RATE_LIMIT_BURST", func(v string) (err error) { c.RateLimit.Burst, err = strconv.ParseInt(v, 10, 64); return })
	parse("PAYMENT_TIMEOUT", func(v string) (err error) { c.MaxTimeoutSeconds, err = strconv.Atoi(v); return })
	parse("TRUST_PROXY", func(v string) (err error) { c.TrustProxy, err = strconv.ParseBool(v); return })
	return errors.Join(errs...)
}

// Validate normalizes the configuration and reports the first problem found.
// WalletAddress is required and is rewritten in checksum form.
func (c *Config) Validate() error {
	if c.Env == "" {
		c.Env = EnvDevelopment
	}
	switch c.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return fmt.Errorf("unknown environment %q", c.Env)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.WalletAddress == "" {
		return errors.New("wallet address is required")
	}
	if !common.IsHexAddress(c.WalletAddress) {
		return fmt.Errorf("wallet address %q is not a valid EVM address", c.WalletAddress)
	}
	c.WalletAddress = common.HexToAddress(c.WalletAddress).Hex()

	if c.FacilitatorURL == "" {
		c.FacilitatorURL = "https://x402.org/facilitator"
	}
	if c.Network == "" {
		c.Network = "eip155:84532"
	}
	switch {
	case c.MaxTimeoutSeconds < 0:
		return fmt.Errorf("payment timeout %ds must not be negative", c.MaxTimeoutSeconds)
	case c.MaxTimeoutSeconds == 0:
		c.MaxTimeoutSeconds = 60
	}
	if c.MaxTopResults <= 0 {
		c.MaxTopResults = 5
	}

	if c.Subnets.Timeout <= 0 {
		c.Subnets.Timeout = 2 * time.Second
	}
	if c.Subnets.FailureRate < 0 || c.Subnets.FailureRate > 1 {
		return fmt.Errorf("subnet failure rate %v outside [0,1]", c.Subnets.FailureRate)
	}
	if c.Subnets.BreakerFailures == 0 {
		c.Subnets.BreakerFailures = 5
	}
	if c.Subnets.BreakerOpen <= 0 {
		c.Subnets.BreakerOpen = 30 * time.Second
	}

	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit values must not be negative")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst < c.RateLimit.RequestsPerSecond {
		c.RateLimit.Burst = c.RateLimit.RequestsPerSecond
	}

	c.Timeouts = c.Timeouts.WithDefaults()
	if need := c.Timeouts.PaidRequestBudget(c.Subnets.Timeout); c.Timeouts.Write < need {
		return fmt.Errorf("write timeout %s is shorter than a paid request can take (%s)", c.Timeouts.Write, need)
	}
	return nil
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Read:           10s
//	Write:          2 x Facilitator + 10s
//	Idle:           60s
//	Shutdown:       15s
//	Facilitator:    30s
//	SupportedCache: 5m
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Read == 0 {
		tt.Read = 10 * time.Second
	}
	if tt.Idle == 0 {
		tt.Idle = 60 * time.Second
	}
	if tt.Shutdown == 0 {
		tt.Shutdown = 15 * time.Second
	}
	if tt.Facilitator == 0 {
		tt.Facilitator = 30 * time.Second
	}
	if tt.SupportedCache == 0 {
		tt.SupportedCache = 5 * time.Minute
	}
	if tt.Write == 0 {
		tt.Write = 2*tt.Facilitator + 10*time.Second
	}
	return tt
}

// PaidRequestBudget is the longest a paid request can run before its body is
// written: a verify call, the subnet broadcast and a settle call.
func (t Timeouts) PaidRequestBudget(subnetTimeout time.Duration) time.Duration {
	return 2*t.Facilitator + subnetTimeout
}

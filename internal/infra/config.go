package infra

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/GarethWright/magic8bot/internal/domain"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PlaceholderKey is the value shipped in sample configs.
const PlaceholderKey = "YOUR-API-KEY"

var userAgent = GetPlatformUserAgent()

// GetUserAgent returns the User-Agent sent by REST clients.
func GetUserAgent() string {
	return userAgent
}

// GetPlatformUserAgent identifies the bot and the host platform.
func GetPlatformUserAgent() string {
	return fmt.Sprintf("magic8bot/1.0 (%s; %s)", runtime.GOOS, runtime.GOARCH)
}

// Credentials for one exchange account.
type Credentials struct {
	Key        string `yaml:"key"`
	Secret     string `yaml:"secret"`
	Passphrase string `yaml:"passphrase"`
}

// Configured reports whether usable (non-placeholder) credentials are present.
func (c Credentials) Configured() bool {
	return c.Key != "" && c.Key != PlaceholderKey && c.Secret != ""
}

// ExchangeConfig is the per-exchange bundle handed to an adapter.
type ExchangeConfig struct {
	Name        string      `yaml:"name"`
	Credentials Credentials `yaml:"credentials"`
	RestURL     string      `yaml:"rest_url"`
	WSURL       string      `yaml:"ws_url"`
	Products    []string    `yaml:"products"`

	// Retry policy. Zero values fall back to the exchange defaults.
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	MaxAttempts   int           `yaml:"max_attempts"`

	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`

	TradeCacheSize    int           `yaml:"trade_cache_size"`
	BackfillRateLimit time.Duration `yaml:"backfill_rate_limit"`
}

// Config holds all application settings.
// Secrets in the file are overridden by environment variables.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
		Mode    string `yaml:"mode"` // live | paper
	} `yaml:"app"`

	Exchanges []ExchangeConfig `yaml:"exchanges"`

	Status struct {
		Addr string `yaml:"addr"`
	} `yaml:"status"`

	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`

	// Paper seeds the simulated exchange used in paper mode.
	Paper struct {
		Balances map[string]string `yaml:"balances"`
	} `yaml:"paper"`

	SecretsPath string `yaml:"secrets_path"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// LoadConfig reads and validates the config file. A .env file next to the
// working directory is loaded first if present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes yaml, applies env overrides and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Exchange returns the named exchange bundle.
func (c *Config) Exchange(name string) (ExchangeConfig, bool) {
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return ex, true
		}
	}
	return ExchangeConfig{}, false
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch strings.ToLower(c.App.Mode) {
	case "", "live", "paper":
	default:
		return &domain.ConfigurationError{Field: "app.mode", Reason: fmt.Sprintf("unknown mode %q", c.App.Mode)}
	}

	for currency, amount := range c.Paper.Balances {
		if _, err := decimal.NewFromString(amount); err != nil {
			return &domain.ConfigurationError{Field: "paper.balances." + currency, Reason: "not a decimal"}
		}
	}

	seen := make(map[string]bool)
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return &domain.ConfigurationError{Field: "exchanges.name", Reason: "required"}
		}
		if seen[ex.Name] {
			return &domain.ConfigurationError{Exchange: ex.Name, Field: "name", Reason: "duplicate"}
		}
		seen[ex.Name] = true

		if err := ex.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks one exchange bundle.
func (e ExchangeConfig) Validate() error {
	if e.WSURL != "" && !strings.HasPrefix(e.WSURL, "ws://") && !strings.HasPrefix(e.WSURL, "wss://") {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "ws_url", Reason: "must be ws:// or wss://"}
	}
	if e.RestURL != "" && !strings.HasPrefix(e.RestURL, "http://") && !strings.HasPrefix(e.RestURL, "https://") {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "rest_url", Reason: "must be http:// or https://"}
	}
	if len(e.Products) == 0 {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "products", Reason: "at least one product is required"}
	}
	if e.Credentials.Key != "" && e.Credentials.Key != PlaceholderKey && e.Credentials.Secret == "" {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "credentials.secret", Reason: "key set without secret"}
	}
	if e.MaxRetryDelay > 0 && e.MaxRetryDelay < e.RetryDelay {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "max_retry_delay", Reason: "below retry_delay"}
	}
	if e.TradeCacheSize < 0 || e.MaxAttempts < 0 {
		return &domain.ConfigurationError{Exchange: e.Name, Field: "limits", Reason: "must not be negative"}
	}
	return nil
}

// envName maps an exchange name to its env prefix: "coinbase" -> MAGIC8_COINBASE.
func envName(exchange, field string) string {
	name := strings.ToUpper(strings.ReplaceAll(exchange, "-", "_"))
	return "MAGIC8_" + name + "_" + field
}

// overrideWithEnv lets environment variables take precedence over the file.
func overrideWithEnv(cfg *Config) {
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		if ex.Credentials.Secret != "" && os.Getenv(envName(ex.Name, "SECRET")) == "" {
			fmt.Printf("⚠️  SECURITY WARNING: API secret for %s found in config file. Prefer %s.\n",
				ex.Name, envName(ex.Name, "SECRET"))
		}
		if v := os.Getenv(envName(ex.Name, "KEY")); v != "" {
			ex.Credentials.Key = v
		}
		if v := os.Getenv(envName(ex.Name, "SECRET")); v != "" {
			ex.Credentials.Secret = v
		}
		if v := os.Getenv(envName(ex.Name, "PASSPHRASE")); v != "" {
			ex.Credentials.Passphrase = v
		}
	}
	if v := os.Getenv("MAGIC8_MODE"); v != "" {
		cfg.App.Mode = v
	}
	if v := os.Getenv("MAGIC8_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

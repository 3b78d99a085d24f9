package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the gateway service.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Vault         VaultConfig         `mapstructure:"vault"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Credit        CreditConfig        `mapstructure:"credit"`
	Providers     []ProviderConfig    `mapstructure:"providers"`
	Catalog       []CatalogEntry      `mapstructure:"catalog"`
	Health        HealthConfig        `mapstructure:"health"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	SyncTimeout           time.Duration `mapstructure:"sync_timeout"`
	StreamIdleTimeout     time.Duration `mapstructure:"stream_idle_timeout"`
	StreamMaxDuration     time.Duration `mapstructure:"stream_max_duration"`
	ProviderTimeout       time.Duration `mapstructure:"provider_timeout"`
	ReadHeaderTimeout     time.Duration `mapstructure:"read_header_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MinConns        int32         `mapstructure:"min_conns"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// VaultConfig holds the key material for API-key encryption. Keyring maps
// version numbers (as strings, viper keys are always strings) to base64
// AES keys. An empty keyring runs the vault in plaintext mode, which is only
// acceptable for local development.
type VaultConfig struct {
	Keyring        map[string]string `mapstructure:"keyring"`
	CurrentVersion int               `mapstructure:"current_version"`
	HashSalt       string            `mapstructure:"hash_salt"`
}

// ParsedKeyring converts the string-keyed keyring to integer versions.
func (v VaultConfig) ParsedKeyring() (map[int]string, error) {
	if len(v.Keyring) == 0 {
		return nil, nil
	}
	out := make(map[int]string, len(v.Keyring))
	for raw, key := range v.Keyring {
		version, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("vault.keyring: version %q is not an integer", raw)
		}
		out[version] = key
	}
	return out, nil
}

type RateLimitConfig struct {
	DefaultRequestsPerMinute int `mapstructure:"default_requests_per_minute"`
	DefaultRequestsPerHour   int `mapstructure:"default_requests_per_hour"`
	DefaultRequestsPerDay    int `mapstructure:"default_requests_per_day"`
	DefaultTokensPerMinute   int `mapstructure:"default_tokens_per_minute"`
	DefaultTokensPerHour     int `mapstructure:"default_tokens_per_hour"`
	DefaultTokensPerDay      int `mapstructure:"default_tokens_per_day"`
	DefaultParallelRequests  int `mapstructure:"default_parallel_requests"`
}

type CreditConfig struct {
	Currency      string  `mapstructure:"currency"`
	TrialGrantUSD float64 `mapstructure:"trial_grant_usd"`
	// MinimumReserveUSD is charged as the estimate floor so empty prompts
	// still need a live balance.
	MinimumReserveUSD float64 `mapstructure:"minimum_reserve_usd"`
	// Fallback per-million-token prices for passthrough models that have no
	// catalog entry.
	DefaultPriceInputUSD  float64 `mapstructure:"default_price_input_usd"`
	DefaultPriceOutputUSD float64 `mapstructure:"default_price_output_usd"`
}

// ProviderConfig declares one upstream. Type selects the adapter
// ("openai", "openai-compatible", "anthropic"); it defaults to the slug.
type ProviderConfig struct {
	Slug         string `mapstructure:"slug"`
	Type         string `mapstructure:"type"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Version      string `mapstructure:"version"`
	Organization string `mapstructure:"organization"`
}

// CatalogEntry maps a public model alias to a provider-native model.
type CatalogEntry struct {
	Alias           string   `mapstructure:"alias"`
	Provider        string   `mapstructure:"provider"`
	ProviderModel   string   `mapstructure:"provider_model"`
	Priority        int      `mapstructure:"priority"`
	ContextWindow   int32    `mapstructure:"context_window"`
	MaxOutputTokens int32    `mapstructure:"max_output_tokens"`
	Modalities      []string `mapstructure:"modalities"`
	PriceInput      float64  `mapstructure:"price_input"`
	PriceOutput     float64  `mapstructure:"price_output"`
	Enabled         *bool    `mapstructure:"enabled"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else {
		if cfg := os.Getenv("TOLLGATE_CONFIG_FILE"); cfg != "" {
			v.SetConfigFile(cfg)
			explicitFile = true
		}
	}

	if !explicitFile {
		// Allow standard lookup locations when no explicit file is provided.
		v.SetConfigName("tollgate")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TOLLGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
func (c *Config) Validate() error {
	var missing []string

	if c.Database.URL == "" {
		missing = append(missing, "TOLLGATE_DATABASE_URL")
	}
	if c.Vault.HashSalt == "" {
		missing = append(missing, "TOLLGATE_VAULT_HASH_SALT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if len(c.Vault.HashSalt) < 16 {
		return fmt.Errorf("vault.hash_salt must be at least 16 characters")
	}

	if len(c.Vault.Keyring) > 0 {
		keyring, err := c.Vault.ParsedKeyring()
		if err != nil {
			return err
		}
		if c.Vault.CurrentVersion == 0 {
			// Default to the highest configured version.
			versions := make([]int, 0, len(keyring))
			for ver := range keyring {
				versions = append(versions, ver)
			}
			sort.Ints(versions)
			c.Vault.CurrentVersion = versions[len(versions)-1]
		} else if _, ok := keyring[c.Vault.CurrentVersion]; !ok {
			return fmt.Errorf("vault.current_version %d has no keyring entry", c.Vault.CurrentVersion)
		}
	}

	if c.RateLimits.DefaultRequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limits.default_requests_per_minute must be > 0")
	}
	if c.RateLimits.DefaultTokensPerMinute <= 0 {
		return fmt.Errorf("rate_limits.default_tokens_per_minute must be > 0")
	}
	if c.RateLimits.DefaultParallelRequests <= 0 {
		return fmt.Errorf("rate_limits.default_parallel_requests must be > 0")
	}

	if c.Credit.TrialGrantUSD < 0 {
		return fmt.Errorf("credit.trial_grant_usd must be >= 0")
	}
	if c.Credit.MinimumReserveUSD < 0 {
		return fmt.Errorf("credit.minimum_reserve_usd must be >= 0")
	}
	if c.Credit.Currency == "" {
		c.Credit.Currency = "USD"
	}

	if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
		return fmt.Errorf("database.migrations_dir must be provided when run_migrations is true")
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("database.max_conns must be >= 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}

	slugs := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		slug := strings.ToLower(strings.TrimSpace(p.Slug))
		if slug == "" {
			return fmt.Errorf("providers[%d].slug must be provided", i)
		}
		if _, dup := slugs[slug]; dup {
			return fmt.Errorf("providers[%d].slug %q is duplicated", i, slug)
		}
		slugs[slug] = struct{}{}
		c.Providers[i].Slug = slug
	}

	for i, entry := range c.Catalog {
		if entry.Alias == "" {
			return fmt.Errorf("catalog[%d].alias must be provided", i)
		}
		provider := strings.ToLower(strings.TrimSpace(entry.Provider))
		if provider == "" {
			return fmt.Errorf("catalog[%d].provider must be provided", i)
		}
		if _, ok := slugs[provider]; !ok {
			return fmt.Errorf("catalog[%d].provider %q is not a configured provider", i, provider)
		}
		if entry.ProviderModel == "" {
			return fmt.Errorf("catalog[%d].provider_model must be provided", i)
		}
		if entry.PriceInput < 0 || entry.PriceOutput < 0 {
			return fmt.Errorf("catalog[%d] price_input and price_output must be >= 0", i)
		}
		c.Catalog[i].Provider = provider
	}

	return nil
}

// DefaultLimits returns the plan-level rate limit configuration.
func (c *Config) DefaultLimits() RateLimitConfig {
	return c.RateLimits
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 20)
	v.SetDefault("server.sync_timeout", "300s")
	v.SetDefault("server.stream_idle_timeout", "30s")
	v.SetDefault("server.stream_max_duration", "300s")
	v.SetDefault("server.provider_timeout", "280s")
	v.SetDefault("server.read_header_timeout", "5s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")

	v.SetDefault("rate_limits.default_requests_per_minute", 1_000)
	v.SetDefault("rate_limits.default_requests_per_hour", 0)
	v.SetDefault("rate_limits.default_requests_per_day", 0)
	v.SetDefault("rate_limits.default_tokens_per_minute", 1_000_000)
	v.SetDefault("rate_limits.default_tokens_per_hour", 0)
	v.SetDefault("rate_limits.default_tokens_per_day", 0)
	v.SetDefault("rate_limits.default_parallel_requests", 10)

	v.SetDefault("credit.currency", "USD")
	v.SetDefault("credit.trial_grant_usd", 5.0)
	v.SetDefault("credit.minimum_reserve_usd", 0.0001)
	v.SetDefault("credit.default_price_input_usd", 5.0)
	v.SetDefault("credit.default_price_output_usd", 15.0)

	v.SetDefault("health.check_interval", "60s")
	v.SetDefault("health.check_timeout", "5s")
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	// Env-only keys still need to exist for AutomaticEnv to surface them
	// during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("vault.hash_salt", "")
	v.SetDefault("vault.current_version", 0)

	v.SetDefault("database.run_migrations", true)
	v.SetDefault("database.migrations_dir", "./migrations")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}

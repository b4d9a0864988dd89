package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modusec/blacklist/pkg/types"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultPort           = 2542
	DefaultTimezone       = "Asia/Seoul"
	DefaultRetentionDays  = 90
	DefaultMaxAuthFails   = 5
	DefaultBlockDuration  = time.Hour
	DefaultWorkers        = 4
	DefaultGlobalJobCap   = 2
	DefaultRegtechEvery   = 6 * time.Hour
	DefaultBackoffBase    = 5 * time.Minute
	DefaultBackoffMax     = 2 * time.Hour
	DefaultCancelGrace    = 30 * time.Second
	DefaultCacheEntries   = 10000
	DefaultCacheTTL       = 5 * time.Minute
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// SourceConfig holds the per-feed schedule flag and env fallback account.
type SourceConfig struct {
	Enabled  bool
	Interval time.Duration
	Username string // fallback when the vault has no entry
	Password string
	Token    string
	BaseURL  string
}

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Port        int
	DatabaseURL string
	CacheURL    string
	Timezone    *time.Location

	RetentionDays int

	CollectionEnabled      bool
	ForceDisableCollection bool
	Sources                map[types.Source]*SourceConfig

	Workers      int
	GlobalJobCap int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	CancelGrace  time.Duration

	VaultPath string
	SeedPath  string

	SecretKey     string
	JWTSecretKey  string
	DefaultAPIKey string
	// RequireReadAuth gates the read endpoints behind the API key too.
	RequireReadAuth bool

	MaxAuthAttempts int
	BlockDuration   time.Duration

	CacheEntries int
	CacheTTL     time.Duration

	HTTPTimeout    time.Duration
	ConnectTimeout time.Duration

	LogLevel string
	LogJSON  bool

	// guards CollectionEnabled and the per-source Enabled flags, which
	// the control plane flips at runtime
	mu sync.RWMutex
}

// Load reads configuration from the environment, applying defaults and
// validating values. Invalid values are config errors, fatal at startup.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            DefaultPort,
		DatabaseURL:     "blacklist.db",
		RetentionDays:   DefaultRetentionDays,
		Workers:         DefaultWorkers,
		GlobalJobCap:    DefaultGlobalJobCap,
		BackoffBase:     DefaultBackoffBase,
		BackoffMax:      DefaultBackoffMax,
		CancelGrace:     DefaultCancelGrace,
		MaxAuthAttempts: DefaultMaxAuthFails,
		BlockDuration:   DefaultBlockDuration,
		CacheEntries:    DefaultCacheEntries,
		CacheTTL:        DefaultCacheTTL,
		HTTPTimeout:     DefaultHTTPTimeout,
		ConnectTimeout:  DefaultConnectTimeout,
		VaultPath:       "credentials.vault",
		SeedPath:        "vault.seed",
		LogLevel:        "info",
		LogJSON:         true,
	}

	var err error
	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = strings.TrimPrefix(v, "file:")
	}
	cfg.CacheURL = os.Getenv("CACHE_URL")

	tz := os.Getenv("TIMEZONE")
	if tz == "" {
		tz = DefaultTimezone
	}
	cfg.Timezone, err = time.LoadLocation(tz)
	if err != nil {
		return nil, types.Ef(types.KindConfigError, "invalid TIMEZONE %q: %v", tz, err)
	}

	if cfg.RetentionDays, err = intEnv("RETENTION_DAYS", cfg.RetentionDays); err != nil {
		return nil, err
	}
	if cfg.RetentionDays <= 0 {
		return nil, types.Ef(types.KindConfigError, "RETENTION_DAYS must be positive, got %d", cfg.RetentionDays)
	}

	cfg.CollectionEnabled = boolEnv("COLLECTION_ENABLED", true)
	cfg.ForceDisableCollection = boolEnv("FORCE_DISABLE_COLLECTION", false)

	cfg.Sources = map[types.Source]*SourceConfig{
		types.SourceREGTECH: {
			Enabled:  true,
			Interval: DefaultRegtechEvery,
			Username: os.Getenv("REGTECH_USERNAME"),
			Password: os.Getenv("REGTECH_PASSWORD"),
			Token:    os.Getenv("REGTECH_TOKEN"),
			BaseURL:  envOr("REGTECH_BASE_URL", "https://regtech.fsec.or.kr"),
		},
		types.SourceSECUDIUM: {
			Enabled:  boolEnv("SECUDIUM_ENABLED", false),
			Interval: DefaultRegtechEvery,
			Username: os.Getenv("SECUDIUM_USERNAME"),
			Password: os.Getenv("SECUDIUM_PASSWORD"),
			BaseURL:  envOr("SECUDIUM_BASE_URL", "https://secudium.skinfosec.co.kr"),
		},
	}

	if v := os.Getenv("VAULT_PATH"); v != "" {
		cfg.VaultPath = v
	}
	if v := os.Getenv("VAULT_SEED_PATH"); v != "" {
		cfg.SeedPath = v
	}

	cfg.SecretKey = os.Getenv("SECRET_KEY")
	cfg.JWTSecretKey = os.Getenv("JWT_SECRET_KEY")
	cfg.DefaultAPIKey = os.Getenv("DEFAULT_API_KEY")
	cfg.RequireReadAuth = boolEnv("REQUIRE_READ_AUTH", false)

	if cfg.MaxAuthAttempts, err = intEnv("MAX_AUTH_ATTEMPTS", cfg.MaxAuthAttempts); err != nil {
		return nil, err
	}
	if hours, herr := intEnv("BLOCK_DURATION_HOURS", 1); herr != nil {
		return nil, herr
	} else {
		cfg.BlockDuration = time.Duration(hours) * time.Hour
	}

	if cfg.Workers, err = intEnv("COLLECTION_WORKERS", cfg.Workers); err != nil {
		return nil, err
	}
	if cfg.GlobalJobCap, err = intEnv("COLLECTION_MAX_INFLIGHT", cfg.GlobalJobCap); err != nil {
		return nil, err
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.LogJSON = boolEnv("LOG_JSON", true)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, types.Ef(types.KindConfigError, "PORT out of range: %d", cfg.Port)
	}
	if cfg.DefaultAPIKey == "" && cfg.JWTSecretKey == "" {
		// Control endpoints would be unreachable otherwise.
		return nil, types.E(types.KindConfigError, "one of DEFAULT_API_KEY or JWT_SECRET_KEY must be set")
	}

	return cfg, nil
}

// CollectionActive reports whether a source may run, honoring the global
// kill switch and the hard override.
func (c *Config) CollectionActive(src types.Source) bool {
	if c.ForceDisableCollection {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.CollectionEnabled {
		return false
	}
	sc, ok := c.Sources[src]
	return ok && sc.Enabled
}

// CollectionEnabledNow reads the runtime collection toggle.
func (c *Config) CollectionEnabledNow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CollectionEnabled
}

// SetCollectionEnabled flips the runtime collection toggle. The
// FORCE_DISABLE_COLLECTION override cannot be undone at runtime.
func (c *Config) SetCollectionEnabled(v bool) error {
	if v && c.ForceDisableCollection {
		return types.E(types.KindValidationError, "collection is force-disabled by configuration")
	}
	c.mu.Lock()
	c.CollectionEnabled = v
	c.mu.Unlock()
	return nil
}

// SetSourceEnabled flips one source's periodic schedule flag. It never
// cancels an in-flight run.
func (c *Config) SetSourceEnabled(src types.Source, v bool) error {
	if v && c.ForceDisableCollection {
		return types.E(types.KindValidationError, "collection is force-disabled by configuration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	sc, ok := c.Sources[src]
	if !ok {
		return types.Ef(types.KindNotFound, "unknown source %s", src)
	}
	sc.Enabled = v
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, types.Ef(types.KindConfigError, "invalid %s: %q", key, v)
	}
	return n, nil
}

func boolEnv(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// String renders the non-secret parts of the config for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf("port=%d db=%s cache=%q tz=%s retention=%dd workers=%d",
		c.Port, c.DatabaseURL, c.CacheURL, c.Timezone, c.RetentionDays, c.Workers)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when no --config flag or PROMO_CONFIG is given.
	DefaultConfigPath = "config.yaml"
	envPrefix         = "PROMO_"
)

// Signature modes for gateway callbacks.
const (
	SignatureStrict     = "strict"
	SignaturePermissive = "permissive"
)

// AppConfig carries process-level flags.
type AppConfig struct {
	ConfigPath string
	EnvFile    string
}

// Config is the full file-backed configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DatabaseConfig holds the DSN and pool limits.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	TimeZone        string        `yaml:"timezone"`
	MaxOpenConns    int           `yaml:"max-open-conns"`
	MaxIdleConns    int           `yaml:"max-idle-conns"`
	ConnMaxLifetime time.Duration `yaml:"conn-max-lifetime"`
	SlowThreshold   time.Duration `yaml:"slow-threshold"`
}

// RedisConfig enables the cross-replica scheduler guard when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled reports whether a Redis address is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// JWTConfig holds the token secrets for account and admin sessions.
type JWTConfig struct {
	Secret      string        `yaml:"secret"`
	AdminSecret string        `yaml:"admin-secret"`
	Expiry      time.Duration `yaml:"expiry"`
}

// LoggingConfig selects level, format and optional rotated file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// GatewayConfig describes the payment gateway merchant account.
type GatewayConfig struct {
	BaseURL       string        `yaml:"base-url"`
	MerchantID    string        `yaml:"merchant-id"`
	SecretKey     string        `yaml:"secret-key"`
	Currency      string        `yaml:"currency"`
	CallbackURL   string        `yaml:"callback-url"`
	ResponseURL   string        `yaml:"response-url"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryMax      int           `yaml:"retry-max"`
	SignatureMode string        `yaml:"signature-mode"`
}

// ReconcileConfig tunes the polling verifier.
type ReconcileConfig struct {
	Grace          time.Duration `yaml:"grace"`
	MaxPendingAge  time.Duration `yaml:"max-pending-age"`
	BatchSize      int           `yaml:"batch-size"`
	MaxConcurrency int           `yaml:"max-concurrency"`
	Pacing         time.Duration `yaml:"pacing"`
}

// SchedulerConfig holds cron expressions for the background sweeps.
type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	TimeZone      string        `yaml:"timezone"`
	Renewal       string        `yaml:"renewal"`
	Expiration    string        `yaml:"expiration"`
	SafetySweep   string        `yaml:"safety-sweep"`
	Reconcile     string        `yaml:"reconcile"`
	LockTTL       time.Duration `yaml:"lock-ttl"`
	RenewalWindow time.Duration `yaml:"renewal-window"`
}

// Default returns a config with every default applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Mode:            "release",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:      "file:data/promotions.db",
			TimeZone: "UTC",
		},
		JWT: JWTConfig{Expiry: 24 * time.Hour},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Gateway: GatewayConfig{
			BaseURL:       "https://pay.fondy.eu",
			Currency:      "GEL",
			Timeout:       10 * time.Second,
			RetryMax:      2,
			SignatureMode: SignatureStrict,
		},
		Reconcile: ReconcileConfig{
			Grace:          2 * time.Minute,
			MaxPendingAge:  15 * time.Minute,
			BatchSize:      20,
			MaxConcurrency: 3,
			Pacing:         500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TimeZone:      "Asia/Tbilisi",
			Renewal:       "0 3 * * *",
			Expiration:    "0 3 * * *",
			SafetySweep:   "*/15 * * * *",
			Reconcile:     "* * * * *",
			LockTTL:       5 * time.Minute,
			RenewalWindow: 24 * time.Hour,
		},
	}
}

// ResolveConfigPath picks the config path from the flag, PROMO_CONFIG, or the default.
func ResolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads the .env file, the YAML config and the PROMO_* overrides, in that order.
// A missing config file is not an error; defaults and env still apply.
func Load(app AppConfig) (Config, error) {
	envFile := strings.TrimSpace(app.EnvFile)
	if envFile == "" {
		envFile = ".env"
	}
	if errEnv := godotenv.Load(envFile); errEnv != nil && !os.IsNotExist(errEnv) {
		log.WithError(errEnv).Warnf("config: failed to load %s", envFile)
	}

	cfg := Default()
	path := ResolveConfigPath(app.ConfigPath)
	data, errRead := os.ReadFile(filepath.Clean(path))
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	case os.IsNotExist(errRead):
		log.Debugf("config: %s not found, using defaults", path)
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	if errEnv := applyEnv(&cfg); errEnv != nil {
		return Config{}, errEnv
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

// ConfigExists reports whether a config file exists at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(ResolveConfigPath(path))
	return err == nil && !info.IsDir()
}

// Validate checks values that have no safe default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	mode := strings.ToLower(strings.TrimSpace(c.Gateway.SignatureMode))
	switch mode {
	case "":
		mode = SignatureStrict
	case SignatureStrict, SignaturePermissive:
	default:
		return fmt.Errorf("config: gateway.signature-mode must be %q or %q", SignatureStrict, SignaturePermissive)
	}
	c.Gateway.SignatureMode = mode
	if c.Reconcile.MaxConcurrency > 5 {
		c.Reconcile.MaxConcurrency = 5
	}
	if c.Reconcile.MaxPendingAge > 0 && c.Reconcile.Grace > c.Reconcile.MaxPendingAge {
		return fmt.Errorf("config: reconcile.grace must not exceed reconcile.max-pending-age")
	}
	if c.Scheduler.TimeZone != "" {
		if _, errLoc := time.LoadLocation(c.Scheduler.TimeZone); errLoc != nil {
			return fmt.Errorf("config: scheduler.timezone: %w", errLoc)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SERVER_ADDR":            &cfg.Server.Addr,
		"SERVER_MODE":            &cfg.Server.Mode,
		"DATABASE_DSN":           &cfg.Database.DSN,
		"DATABASE_TIMEZONE":      &cfg.Database.TimeZone,
		"REDIS_ADDR":             &cfg.Redis.Addr,
		"REDIS_PASSWORD":         &cfg.Redis.Password,
		"JWT_SECRET":             &cfg.JWT.Secret,
		"JWT_ADMIN_SECRET":       &cfg.JWT.AdminSecret,
		"LOG_LEVEL":              &cfg.Logging.Level,
		"LOG_FORMAT":             &cfg.Logging.Format,
		"LOG_FILE":               &cfg.Logging.File,
		"GATEWAY_BASE_URL":       &cfg.Gateway.BaseURL,
		"GATEWAY_MERCHANT_ID":    &cfg.Gateway.MerchantID,
		"GATEWAY_SECRET_KEY":     &cfg.Gateway.SecretKey,
		"GATEWAY_CURRENCY":       &cfg.Gateway.Currency,
		"GATEWAY_CALLBACK_URL":   &cfg.Gateway.CallbackURL,
		"GATEWAY_RESPONSE_URL":   &cfg.Gateway.ResponseURL,
		"GATEWAY_SIGNATURE_MODE": &cfg.Gateway.SignatureMode,
		"SCHEDULER_TIMEZONE":     &cfg.Scheduler.TimeZone,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"REDIS_DB":                  &cfg.Redis.DB,
		"RECONCILE_BATCH_SIZE":      &cfg.Reconcile.BatchSize,
		"RECONCILE_MAX_CONCURRENCY": &cfg.Reconcile.MaxConcurrency,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		n, errAtoi := strconv.Atoi(strings.TrimSpace(v))
		if errAtoi != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, errAtoi)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"JWT_EXPIRY":                &cfg.JWT.Expiry,
		"RECONCILE_GRACE":           &cfg.Reconcile.Grace,
		"RECONCILE_MAX_PENDING_AGE": &cfg.Reconcile.MaxPendingAge,
		"RECONCILE_PACING":          &cfg.Reconcile.Pacing,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		d, errParse := time.ParseDuration(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, errParse)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv(envPrefix + "SCHEDULER_ENABLED"); ok {
		enabled, errParse := strconv.ParseBool(strings.TrimSpace(v))
		if errParse != nil {
			return fmt.Errorf("config: %sSCHEDULER_ENABLED: %w", envPrefix, errParse)
		}
		cfg.Scheduler.Enabled = enabled
	}
	return nil
}

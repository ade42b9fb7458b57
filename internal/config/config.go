package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Addr          string `envconfig:"API_ADDR" default:":8787"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	JWTSecret     string `envconfig:"BASELINE_JWT_SECRET" default:"baseline-dev-secret"`
	AccessTTLSec  int    `envconfig:"BASELINE_ACCESS_TTL_SECONDS" default:"900"`
	RefreshTTLSec int    `envconfig:"BASELINE_REFRESH_TTL_SECONDS" default:"2592000"`
	MigrationsDir string `envconfig:"BASELINE_MIGRATIONS_DIR" default:"./db/migrations"`
	CORSOrigin    string `envconfig:"BASELINE_CORS_ORIGIN" default:"*"`
	RegistryFile  string `envconfig:"BASELINE_REGISTRY_FILE"`
	LogLevel      string `envconfig:"BASELINE_LOG_LEVEL" default:"info"`

	BcryptCost int `envconfig:"BASELINE_BCRYPT_COST" default:"10"`

	// When both are set, serve creates this admin account at startup (or
	// restores its admin role) so the first PMO accounts can be created.
	BootstrapAdmin         string `envconfig:"BASELINE_BOOTSTRAP_ADMIN"`
	BootstrapAdminPassword string `envconfig:"BASELINE_BOOTSTRAP_ADMIN_PASSWORD"`

	// Pending change requests older than PendingTTL are rejected by the
	// expirer. Zero keeps them pending until a PMO decides.
	PendingTTL     time.Duration `envconfig:"BASELINE_PENDING_TTL" default:"0s"`
	ExpiryInterval time.Duration `envconfig:"BASELINE_EXPIRY_INTERVAL" default:"1m"`

	MeiliURL       string `envconfig:"MEILI_URL"`
	MeiliMasterKey string `envconfig:"MEILI_MASTER_KEY"`

	// Redis backs refresh sessions and the event fan-out channel.
	RedisURL      string `envconfig:"REDIS_URL"`
	EventsChannel string `envconfig:"BASELINE_EVENTS_CHANNEL" default:"baseline:events"`

	// Compliance archive of decided change requests (S3 compatible)
	ArchiveEndpoint  string `envconfig:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `envconfig:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `envconfig:"ARCHIVE_SECRET_KEY"`
	ArchiveBucket    string `envconfig:"ARCHIVE_BUCKET" default:"baseline-audit"`
	ArchiveUseSSL    bool   `envconfig:"ARCHIVE_USE_SSL" default:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if cfg.AccessTTLSec <= 0 {
		return Config{}, fmt.Errorf("load config: BASELINE_ACCESS_TTL_SECONDS must be positive")
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		return Config{}, fmt.Errorf("load config: BASELINE_BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if (cfg.BootstrapAdmin == "") != (cfg.BootstrapAdminPassword == "") {
		return Config{}, fmt.Errorf("load config: BASELINE_BOOTSTRAP_ADMIN and BASELINE_BOOTSTRAP_ADMIN_PASSWORD must be set together")
	}
	if cfg.PendingTTL < 0 {
		return Config{}, fmt.Errorf("load config: BASELINE_PENDING_TTL must not be negative")
	}
	if cfg.PendingTTL > 0 && cfg.ExpiryInterval <= 0 {
		return Config{}, fmt.Errorf("load config: BASELINE_EXPIRY_INTERVAL must be positive when BASELINE_PENDING_TTL is set")
	}
	return cfg, nil
}

func (c Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTTLSec) * time.Second
}

func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLSec) * time.Second
}

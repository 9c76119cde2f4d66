package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/simaogato/tokenwallet-backend/internal/logging"
)

// EnvPrefix is prepended to every environment override, e.g. WALLET_LEDGER_TIMEOUT.
const EnvPrefix = "WALLET"

// Config is the complete process configuration.
type Config struct {
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Store       StoreConfig       `mapstructure:"store"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Reconcile   ReconcileConfig   `mapstructure:"reconcile"`
	Log         logging.Config    `mapstructure:"log"`
	Seed        []SeedUser        `mapstructure:"seed"`
}

type GRPCConfig struct {
	Listen    string  `mapstructure:"listen"`
	APIToken  string  `mapstructure:"api-token"`
	RateLimit float64 `mapstructure:"rate-limit"` // requests per second per caller, 0 disables
	RateBurst int     `mapstructure:"rate-burst"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// StoreConfig selects the projection store: "postgres" or "memory".
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// DatabaseConfig holds postgres connection settings.
// DSN wins over the individual fields when set.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// Atomic applies balance legs and record completion in one database transaction.
	Atomic         bool          `mapstructure:"atomic"`
	ConnectRetries int           `mapstructure:"connect-retries"`
	RetryInterval  time.Duration `mapstructure:"retry-interval"`
}

// ConnectionString returns DSN or one assembled from the individual fields.
func (c DatabaseConfig) ConnectionString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

// LedgerConfig describes how to reach the ledger network.
type LedgerConfig struct {
	Driver             string        `mapstructure:"driver"` // fabric or memory
	Endpoint           string        `mapstructure:"endpoint"`
	ServerNameOverride string        `mapstructure:"server-name-override"`
	TLSCertPath        string        `mapstructure:"tls-cert-path"`
	ChannelName        string        `mapstructure:"channel"`
	ContractName       string        `mapstructure:"contract"`
	Timeout            time.Duration `mapstructure:"timeout"`
	KeyDir             string        `mapstructure:"key-dir"`
	OperatorUserID     string        `mapstructure:"operator-user-id"`
}

type CoordinatorConfig struct {
	IdentityCacheSize int  `mapstructure:"identity-cache-size"`
	CrossCheckBalance bool `mapstructure:"cross-check-balance"`
}

// ReconcileConfig controls the background reconciliation job.
type ReconcileConfig struct {
	Schedule    string `mapstructure:"schedule"` // cron spec, empty disables
	Repair      bool   `mapstructure:"repair"`
	Concurrency int    `mapstructure:"concurrency"`
}

// SeedUser is a development user created at startup by the memory store.
type SeedUser struct {
	ID    string `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email"`
	Pin   string `mapstructure:"pin"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		GRPC: GRPCConfig{
			Listen:    ":8080",
			APIToken:  "dev-token",
			RateLimit: 20,
			RateBurst: 40,
		},
		HTTP:  HTTPConfig{Listen: ":9090"},
		Store: StoreConfig{Driver: "postgres"},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			User:           "postgres",
			Password:       "postgres",
			Name:           "wallet",
			Atomic:         true,
			ConnectRetries: 10,
			RetryInterval:  2 * time.Second,
		},
		Ledger: LedgerConfig{
			Driver:             "fabric",
			Endpoint:           "localhost:7051",
			ServerNameOverride: "peer0.org1.example.com",
			ChannelName:        "mychannel",
			ContractName:       "basic",
			Timeout:            30 * time.Second,
			KeyDir:             "./wallet",
			OperatorUserID:     "peer-admin",
		},
		Coordinator: CoordinatorConfig{
			IdentityCacheSize: 1024,
		},
		Reconcile: ReconcileConfig{
			Schedule:    "@every 5m",
			Repair:      true,
			Concurrency: 4,
		},
		Log: logging.Config{
			Level:      "info",
			Encoder:    "json",
			MaxSizeMB:  100,
			MaxAgeDays: 14,
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Ledger.Driver {
	case "fabric", "memory":
	default:
		return fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger timeout must be positive")
	}
	if c.Ledger.ChannelName == "" || c.Ledger.ContractName == "" {
		return fmt.Errorf("ledger channel and contract are required")
	}
	if c.Ledger.OperatorUserID == "" {
		return fmt.Errorf("ledger operator user id is required")
	}
	if c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("reconcile concurrency must be positive")
	}
	return nil
}

// Load reads the optional config file into vip, applies WALLET_* environment
// overrides and decodes the result on top of DefaultConfig.
func Load(vip *viper.Viper, fileLocation string) (Config, error) {
	conf := DefaultConfig()

	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	for _, key := range envKeys {
		if err := vip.BindEnv(key); err != nil {
			return conf, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if fileLocation != "" {
		vip.SetConfigFile(fileLocation)
		if err := vip.ReadInConfig(); err != nil {
			return conf, fmt.Errorf("failed to read config file %s: %w", fileLocation, err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := vip.Unmarshal(&conf, viper.DecodeHook(hook)); err != nil {
		return conf, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}

var envKeys = []string{
	"grpc.listen", "grpc.api-token", "grpc.rate-limit", "grpc.rate-burst",
	"http.listen",
	"store.driver",
	"database.dsn", "database.host", "database.port", "database.user", "database.password", "database.name",
	"database.atomic", "database.connect-retries", "database.retry-interval",
	"ledger.driver", "ledger.endpoint", "ledger.server-name-override", "ledger.tls-cert-path",
	"ledger.channel", "ledger.contract", "ledger.timeout", "ledger.key-dir", "ledger.operator-user-id",
	"coordinator.identity-cache-size", "coordinator.cross-check-balance",
	"reconcile.schedule", "reconcile.repair", "reconcile.concurrency",
	"log.level", "log.encoder", "log.file", "log.max-size-mb", "log.max-age-days",
}

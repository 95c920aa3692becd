package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lightning-store/internal/launch"
	"lightning-store/internal/logging"
)

const (
	DefaultConfigFileName = "agl"
	DefaultPort           = 4747

	BackendMemory   = "memory"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Mongo       MongoConfig       `mapstructure:"mongo"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	NWorkers    int      `mapstructure:"n_workers"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	APIToken    string   `mapstructure:"api_token"`
	Prometheus  bool     `mapstructure:"prometheus"`
}

type StoreConfig struct {
	Backend        string        `mapstructure:"backend"`
	MaxQueueLength int64         `mapstructure:"max_queue_length"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
}

type MaintenanceConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
	RedisAddr     string        `mapstructure:"redis_addr"`
}

type ArchiveConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// LoadConfig resolves configuration with the priority flags > environment
// (AGL_ prefix) > config file > defaults.
func LoadConfig(v *viper.Viper, cfgFile string) (*Config, error) {
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".agl"))
		}
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix("AGL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.n_workers", 1)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.prometheus", false)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.max_queue_length", 0)
	v.SetDefault("store.poll_interval", 100*time.Millisecond)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "agentlightning")
	v.SetDefault("postgres.dsn", os.Getenv("DATABASE_URL"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.development", false)

	v.SetDefault("maintenance.interval", 10*time.Second)
	v.SetDefault("maintenance.worker_timeout", 60*time.Second)
	v.SetDefault("maintenance.redis_addr", "")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.access_key", "")
	v.SetDefault("archive.secret_key", "")
	v.SetDefault("archive.prefix", "")
}

// Shared reports whether the configured backend can serve several processes.
func (c *Config) Shared() bool {
	return c.Store.Backend != BackendMemory
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendMongo:
		if c.Mongo.URI == "" {
			return errors.New("mongo backend requires --mongo-uri")
		}
		if c.Mongo.Database == "" {
			return errors.New("mongo backend requires --mongo-database")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("postgres backend requires --postgres-dsn or DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown backend %q (memory, mongo, postgres)", c.Store.Backend)
	}
	if err := launch.CheckWorkers(c.Server.NWorkers, c.Shared()); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Store.MaxQueueLength < 0 {
		return fmt.Errorf("max-queue-length must not be negative, got %d", c.Store.MaxQueueLength)
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("healthcheck-interval must be positive, got %s", c.Maintenance.Interval)
	}
	if c.Maintenance.WorkerTimeout <= 0 {
		return fmt.Errorf("worker-timeout must be positive, got %s", c.Maintenance.WorkerTimeout)
	}
	if c.Archive.Bucket == "" && (c.Archive.Endpoint != "" || c.Archive.Prefix != "") {
		return errors.New("archive settings require --archive-bucket")
	}
	return nil
}

// Package config loads and validates fleet configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bus backends.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendZeroMQ = "zeromq"
)

// Storage backends for fetched pages.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	Bus         BusConfig         `mapstructure:"bus"`
	Participant ParticipantConfig `mapstructure:"participant"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	Server      ServerConfig      `mapstructure:"server"`
	Local       LocalConfig       `mapstructure:"local"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BusConfig selects and tunes the message bus.
type BusConfig struct {
	Backend  string        `mapstructure:"backend"`
	Exchange string        `mapstructure:"exchange"`
	Codec    string        `mapstructure:"codec"`
	PubSub   PubSubConfig  `mapstructure:"pubsub"`
	ZeroMQ   ZeroMQConfig  `mapstructure:"zeromq"`
	Publish  PublishConfig `mapstructure:"publish"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID       string        `mapstructure:"project_id"`
	SubscriptionTTL time.Duration `mapstructure:"subscription_ttl"`
	AckDeadline     time.Duration `mapstructure:"ack_deadline"`
}

// ZeroMQConfig holds the proxy endpoints participants connect to and the
// endpoints the proxy binds.
type ZeroMQConfig struct {
	PubAddr      string        `mapstructure:"pub_addr"`
	SubAddr      string        `mapstructure:"sub_addr"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ProxyXSub    string        `mapstructure:"proxy_xsub"`
	ProxyXPub    string        `mapstructure:"proxy_xpub"`
}

// PublishConfig controls publish retries.
type PublishConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// ParticipantConfig optionally pins the participant id.
type ParticipantConfig struct {
	ID string `mapstructure:"id"`
}

// DispatcherConfig governs scheduling.
type DispatcherConfig struct {
	LivenessWindow time.Duration `mapstructure:"liveness_window"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	TargetsFile    string        `mapstructure:"targets_file"`
}

// ScraperConfig governs the worker and its fetch pipeline.
type ScraperConfig struct {
	AvailabilityInterval time.Duration `mapstructure:"availability_interval"`
	UserAgent            string        `mapstructure:"user_agent"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	MaxPages             int           `mapstructure:"max_pages"`
	RateLimitPerDomain   float64       `mapstructure:"rate_limit_per_domain"`
	RateLimitBurst       int           `mapstructure:"rate_limit_burst"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
}

// StorageConfig selects where fetched pages are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls the optional Postgres target store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ServerConfig controls the dispatcher admin HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// LocalConfig sizes the single-process fleet.
type LocalConfig struct {
	Scrapers int `mapstructure:"scrapers"`
}

// Load builds a Config from disk/environment. Environment variables use the
// CRAWLFLEET_ prefix with dots replaced by underscores.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("bus.backend", BackendMemory)
	v.SetDefault("bus.exchange", "crawlfleet")
	v.SetDefault("bus.codec", "json")
	v.SetDefault("bus.pubsub.project_id", "")
	v.SetDefault("bus.pubsub.subscription_ttl", 24*time.Hour)
	v.SetDefault("bus.pubsub.ack_deadline", 20*time.Second)
	v.SetDefault("bus.zeromq.pub_addr", "tcp://127.0.0.1:5559")
	v.SetDefault("bus.zeromq.sub_addr", "tcp://127.0.0.1:5560")
	v.SetDefault("bus.zeromq.poll_interval", 100*time.Millisecond)
	v.SetDefault("bus.zeromq.proxy_xsub", "tcp://*:5559")
	v.SetDefault("bus.zeromq.proxy_xpub", "tcp://*:5560")
	v.SetDefault("bus.publish.max_attempts", 5)
	v.SetDefault("bus.publish.backoff_initial", 100*time.Millisecond)
	v.SetDefault("bus.publish.backoff_max", 2*time.Second)
	v.SetDefault("bus.publish.timeout", 10*time.Second)
	v.SetDefault("participant.id", "")
	v.SetDefault("dispatcher.liveness_window", 30*time.Second)
	v.SetDefault("dispatcher.sweep_interval", 5*time.Second)
	v.SetDefault("dispatcher.targets_file", "")
	v.SetDefault("scraper.availability_interval", 5*time.Second)
	v.SetDefault("scraper.user_agent", "crawlfleet-bot/0.1")
	v.SetDefault("scraper.request_timeout", 15*time.Second)
	v.SetDefault("scraper.max_pages", 25)
	v.SetDefault("scraper.rate_limit_per_domain", 2.0)
	v.SetDefault("scraper.rate_limit_burst", 1)
	v.SetDefault("scraper.respect_robots", true)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_targets")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("local.scrapers", 2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	switch c.Bus.Backend {
	case BackendMemory:
	case BackendPubSub:
		if c.Bus.PubSub.ProjectID == "" {
			return fmt.Errorf("bus.pubsub.project_id is required for the pubsub backend")
		}
	case BackendZeroMQ:
		if c.Bus.ZeroMQ.PubAddr == "" || c.Bus.ZeroMQ.SubAddr == "" {
			return fmt.Errorf("bus.zeromq.pub_addr and bus.zeromq.sub_addr are required for the zeromq backend")
		}
	default:
		return fmt.Errorf("bus.backend %q is not one of memory, pubsub, zeromq", c.Bus.Backend)
	}
	if strings.TrimSpace(c.Bus.Exchange) == "" {
		return fmt.Errorf("bus.exchange is required")
	}
	if c.Bus.Codec != "json" && c.Bus.Codec != "msgpack" {
		return fmt.Errorf("bus.codec %q is not one of json, msgpack", c.Bus.Codec)
	}
	if c.Bus.Publish.MaxAttempts <= 0 {
		return fmt.Errorf("bus.publish.max_attempts must be > 0")
	}
	if c.Dispatcher.LivenessWindow <= 0 {
		return fmt.Errorf("dispatcher.liveness_window must be > 0")
	}
	if c.Dispatcher.SweepInterval <= 0 {
		return fmt.Errorf("dispatcher.sweep_interval must be > 0")
	}
	if c.Scraper.AvailabilityInterval <= 0 {
		return fmt.Errorf("scraper.availability_interval must be > 0")
	}
	if c.Scraper.AvailabilityInterval >= c.Dispatcher.LivenessWindow {
		return fmt.Errorf("scraper.availability_interval must be shorter than dispatcher.liveness_window")
	}
	if c.Scraper.RateLimitPerDomain < 0 {
		return fmt.Errorf("scraper.rate_limit_per_domain must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend)
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if c.Local.Scrapers <= 0 {
		return fmt.Errorf("local.scrapers must be > 0")
	}
	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. Commands unmarshal it
// from viper (config file + DREDGE_* env + bound flags) and hand it, already
// validated, to the components.
type Config struct {
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	DNS         DNSConfig         `mapstructure:"dns" yaml:"dns"`
	Probe       ProbeConfig       `mapstructure:"probe" yaml:"probe"`
	Distributed DistributedConfig `mapstructure:"distributed" yaml:"distributed"`

	// Scan gets its marching orders from CLI flags, not the config file.
	Scan ScanConfig `mapstructure:"-" yaml:"-"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig locates the on-disk result store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DNSConfig tunes the resolution cache.
type DNSConfig struct {
	CachePath   string        `mapstructure:"cache_path" yaml:"cache_path"`
	Servers     []string      `mapstructure:"servers" yaml:"servers"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl"`
	NegativeTTL time.Duration `mapstructure:"negative_ttl" yaml:"negative_ttl"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// QueueSize bounds the async persistence queue; writes beyond it are
	// dropped rather than blocking resolution.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// ProbeConfig tunes the HTTP execution pipeline.
type ProbeConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Retries     int           `mapstructure:"retries" yaml:"retries"`
	// RateLimit caps outbound requests per second across the whole process.
	// Zero disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	UserAgent string  `mapstructure:"user_agent" yaml:"user_agent"`
	// Scheme selects http or https for probe URLs.
	Scheme string `mapstructure:"scheme" yaml:"scheme"`
}

// DistributedConfig carries the master/worker protocol timing knobs. The
// re-lease timing constants are deliberately configurable; all re-delivery is
// safe under the store's idempotent upserts.
type DistributedConfig struct {
	Listen            string        `mapstructure:"listen" yaml:"listen"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	// SuspectAfter is how many consecutive missed heartbeats move a worker
	// from active to suspected.
	SuspectAfter int `mapstructure:"suspect_after" yaml:"suspect_after"`
	// DeadGrace is the additional silence after suspicion before a worker is
	// declared dead and its leases revert.
	DeadGrace     time.Duration `mapstructure:"dead_grace" yaml:"dead_grace"`
	LeaseDuration time.Duration `mapstructure:"lease_duration" yaml:"lease_duration"`
	ChunkSize     int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	// PollInterval is how long a worker waits after NoWork before asking again.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	// MasterAddr is where a worker dials in.
	MasterAddr string `mapstructure:"master_addr" yaml:"master_addr"`
}

// ScanConfig holds settings populated from CLI flags for a specific scan run.
type ScanConfig struct {
	InputFile string
	RulesFile string
	Rescan    bool
	DNSOnly   bool
}

// SetDefaults registers default values for every configuration key.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "dredge")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Database --
	v.SetDefault("database.path", "dredge.db")

	// -- DNS --
	v.SetDefault("dns.cache_path", "cache/dns.db")
	v.SetDefault("dns.servers", []string{})
	v.SetDefault("dns.ttl", time.Hour)
	v.SetDefault("dns.negative_ttl", 5*time.Minute)
	v.SetDefault("dns.timeout", 5*time.Second)
	v.SetDefault("dns.queue_size", 4096)

	// -- Probe --
	v.SetDefault("probe.concurrency", 100)
	v.SetDefault("probe.batch_size", 1000)
	v.SetDefault("probe.timeout", 10*time.Second)
	v.SetDefault("probe.retries", 2)
	v.SetDefault("probe.rate_limit", 0.0)
	v.SetDefault("probe.scheme", "https")
	v.SetDefault("probe.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")

	// -- Distributed --
	v.SetDefault("distributed.listen", "")
	v.SetDefault("distributed.heartbeat_interval", 10*time.Second)
	v.SetDefault("distributed.suspect_after", 3)
	v.SetDefault("distributed.dead_grace", 30*time.Second)
	v.SetDefault("distributed.lease_duration", 5*time.Minute)
	v.SetDefault("distributed.chunk_size", 1000)
	v.SetDefault("distributed.poll_interval", 2*time.Second)
	v.SetDefault("distributed.master_addr", "127.0.0.1:7460")
}

// NewDefaultConfig returns a Config populated with the registered defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; anything else is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a Config from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Probe.Concurrency <= 0 {
		return fmt.Errorf("probe.concurrency must be a positive integer")
	}
	if c.Probe.BatchSize <= 0 {
		return fmt.Errorf("probe.batch_size must be a positive integer")
	}
	if c.Probe.Retries < 0 {
		return fmt.Errorf("probe.retries must not be negative")
	}
	if c.Probe.Scheme != "" && c.Probe.Scheme != "http" && c.Probe.Scheme != "https" {
		return fmt.Errorf("probe.scheme must be http or https")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is a required configuration field")
	}
	if c.DNS.TTL <= 0 || c.DNS.NegativeTTL <= 0 {
		return fmt.Errorf("dns.ttl and dns.negative_ttl must be positive durations")
	}
	if err := c.Distributed.Validate(); err != nil {
		return fmt.Errorf("distributed configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the distributed protocol timings.
func (d *DistributedConfig) Validate() error {
	if d.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be a positive duration")
	}
	if d.SuspectAfter <= 0 {
		return fmt.Errorf("suspect_after must be greater than 0")
	}
	if d.DeadGrace <= 0 {
		return fmt.Errorf("dead_grace must be a positive duration")
	}
	if d.LeaseDuration <= 0 {
		return fmt.Errorf("lease_duration must be a positive duration")
	}
	if d.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be greater than 0")
	}
	return nil
}

package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from spec §6.4. NewConfig applies the
// same three-layer precedence as the teacher framework's Config: defaults,
// then environment variables, then functional options. LoadYAML overlays a
// YAML file onto an existing Config; NewConfig does not call it.
type Config struct {
	// HssMode selects the HSS connection implementation: "diameter" or
	// "provisioning_store".
	HssMode string `yaml:"hss_mode" env:"HSS_MODE" default:"diameter"`

	// Cx / Diameter addressing.
	DestRealm         string        `yaml:"dest_realm" env:"DEST_REALM"`
	DestHost          string        `yaml:"dest_host" env:"DEST_HOST"`
	DiameterTimeout   time.Duration `yaml:"diameter_timeout_ms" env:"DIAMETER_TIMEOUT_MS" default:"1000ms"`
	DigestScheme      string        `yaml:"digest_scheme" env:"DIGEST_SCHEME" default:"SIP Digest"`
	AkaScheme         string        `yaml:"aka_scheme" env:"AKA_SCHEME" default:"Digest-AKAv1-MD5"`
	Akav2Scheme       string        `yaml:"akav2_scheme" env:"AKAV2_SCHEME" default:"Digest-AKAv2-SHA-256"`
	LocalServerName   string        `yaml:"local_server_name" env:"LOCAL_SERVER_NAME"`

	// KV store replica topology (C1).
	KvLocalAddr   string   `yaml:"kv_local_addr" env:"KV_LOCAL_ADDR" default:"localhost:6379"`
	KvRemoteAddrs []string `yaml:"kv_remote_addrs" env:"KV_REMOTE_ADDRS"`

	// Worker pool sizing (C7).
	WorkerThreads int `yaml:"worker_threads" env:"WORKER_THREADS" default:"10"`
	MaxQueue      int `yaml:"max_queue" env:"MAX_QUEUE" default:"1000"`

	// Cache behavior.
	RegTTL        time.Duration `yaml:"reg_ttl_s" env:"REG_TTL_S" default:"3600s"`
	CasMaxRetries int           `yaml:"cas_max_retries" env:"CAS_MAX_RETRIES" default:"5"`

	// Provisioning-store HA read policy (C4).
	ConsistencyLevelRead string   `yaml:"consistency_level_read" env:"CONSISTENCY_LEVEL_READ" default:"two"`
	ProvStoreDSNs        []string `yaml:"prov_store_dsns" env:"PROV_STORE_DSNS"`

	Logging     LoggingConfig     `yaml:"logging"`
	Development DevelopmentConfig `yaml:"development"`

	logger Logger
}

// LoggingConfig controls the structured logger (ambient stack, §A).
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" default:"json"`
	Output string `yaml:"output" env:"LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig enables verbose/local-friendly behavior.
type DevelopmentConfig struct {
	DebugLogging bool `yaml:"debug_logging" env:"DEBUG_LOGGING"`
}

// Option mutates a Config during NewConfig, following the teacher's
// functional-options pattern (core.Option in the original framework).
type Option func(*Config) error

// WithHssMode overrides the HSS connection implementation.
func WithHssMode(mode string) Option {
	return func(c *Config) error {
		if mode != "diameter" && mode != "provisioning_store" {
			return fmt.Errorf("hss_mode %q: %w", mode, ErrInvalidConfig)
		}
		c.HssMode = mode
		return nil
	}
}

// WithKvReplicas sets the local and remote KV store addresses.
func WithKvReplicas(local string, remotes []string) Option {
	return func(c *Config) error {
		c.KvLocalAddr = local
		c.KvRemoteAddrs = remotes
		return nil
	}
}

// WithWorkerPool overrides worker pool sizing.
func WithWorkerPool(threads, maxQueue int) Option {
	return func(c *Config) error {
		if threads <= 0 {
			return fmt.Errorf("worker_threads must be positive: %w", ErrInvalidConfig)
		}
		c.WorkerThreads = threads
		c.MaxQueue = maxQueue
		return nil
	}
}

// WithDiameterTimeout overrides the per-transaction Diameter timer.
func WithDiameterTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.DiameterTimeout = d
		return nil
	}
}

// WithLogger attaches a logger used only during config loading/validation.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}

// DefaultConfig returns a Config populated with every `default:"..."` tag.
func DefaultConfig() *Config {
	return &Config{
		HssMode:              "diameter",
		DiameterTimeout:      time.Second,
		DigestScheme:         "SIP Digest",
		AkaScheme:            "Digest-AKAv1-MD5",
		Akav2Scheme:          "Digest-AKAv2-SHA-256",
		KvLocalAddr:          "localhost:6379",
		WorkerThreads:        10,
		MaxQueue:             1000,
		RegTTL:               time.Hour,
		CasMaxRetries:        5,
		ConsistencyLevelRead: "two",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv overlays recognized environment variables onto c.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("HSS_MODE"); v != "" {
		c.HssMode = v
	}
	if v := os.Getenv("DEST_REALM"); v != "" {
		c.DestRealm = v
	}
	if v := os.Getenv("DEST_HOST"); v != "" {
		c.DestHost = v
	}
	if v := os.Getenv("DIAMETER_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.DiameterTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DIGEST_SCHEME"); v != "" {
		c.DigestScheme = v
	}
	if v := os.Getenv("AKA_SCHEME"); v != "" {
		c.AkaScheme = v
	}
	if v := os.Getenv("AKAV2_SCHEME"); v != "" {
		c.Akav2Scheme = v
	}
	if v := os.Getenv("KV_LOCAL_ADDR"); v != "" {
		c.KvLocalAddr = v
	}
	if v := os.Getenv("KV_REMOTE_ADDRS"); v != "" {
		c.KvRemoteAddrs = strings.Split(v, ",")
	}
	if v := os.Getenv("WORKER_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerThreads = n
		}
	}
	if v := os.Getenv("MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueue = n
		}
	}
	if v := os.Getenv("REG_TTL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RegTTL = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("CONSISTENCY_LEVEL_READ"); v != "" {
		c.ConsistencyLevelRead = v
	}
	if v := os.Getenv("PROV_STORE_DSNS"); v != "" {
		c.ProvStoreDSNs = strings.Split(v, ",")
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("DEBUG_LOGGING"); v != "" {
		c.Development.DebugLogging = v == "true" || v == "1"
	}
	if v := os.Getenv("LOCAL_SERVER_NAME"); v != "" {
		c.LocalServerName = v
	}
	if v := os.Getenv("CAS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CasMaxRetries = n
		}
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	return nil
}

// LoadYAML overlays a YAML options file onto c. Unset fields in the file
// leave c's current values untouched.
func (c *Config) LoadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects configurations the rest of the tree cannot act on.
func (c *Config) Validate() error {
	if c.HssMode != "diameter" && c.HssMode != "provisioning_store" {
		return fmt.Errorf("hss_mode must be \"diameter\" or \"provisioning_store\", got %q: %w", c.HssMode, ErrInvalidConfig)
	}
	if c.HssMode == "diameter" && (c.DestRealm == "" || c.DestHost == "") {
		return fmt.Errorf("dest_realm and dest_host are required for hss_mode=diameter: %w", ErrInvalidConfig)
	}
	if c.KvLocalAddr == "" {
		return fmt.Errorf("kv_local_addr is required: %w", ErrInvalidConfig)
	}
	if c.ConsistencyLevelRead != "one" && c.ConsistencyLevelRead != "two" {
		return fmt.Errorf("consistency_level_read must be \"one\" or \"two\": %w", ErrInvalidConfig)
	}
	if c.CasMaxRetries <= 0 {
		return fmt.Errorf("cas_max_retries must be positive: %w", ErrInvalidConfig)
	}
	return nil
}

// NewConfig builds a Config from defaults, then environment variables, then
// the supplied options, validating the result.
func NewConfig(opts ...Option) (*Config, error) {
	c := DefaultConfig()
	if err := c.LoadFromEnv(); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Logger returns the logger attached via WithLogger, or a no-op logger.
func (c *Config) Logger() Logger {
	if c.logger != nil {
		return c.logger
	}
	return NoOpLogger{}
}

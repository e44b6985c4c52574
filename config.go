package paygate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Config represents the complete configuration of the proxy, the
// approval authority and the reviewer CLI.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Authority  AuthorityConfig  `mapstructure:"authority"`
	Gate       GateConfig       `mapstructure:"gate"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	BlockPage  BlockPageConfig  `mapstructure:"block_page"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig contains proxy listener settings.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080", "0.0.0.0:8080")
	Addr string `mapstructure:"addr"`

	// IdleTimeout closes intercepted connections with no new request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Metrics enables /metrics on the proxy listener.
	Metrics bool `mapstructure:"metrics"`

	// RateLimit is requests per second per client (0 disables).
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// TLSConfig contains CA settings.
type TLSConfig struct {
	CACert string `mapstructure:"ca_cert"`
	CAKey  string `mapstructure:"ca_key"`

	// Organization name for a generated CA
	Organization string `mapstructure:"organization"`
}

// CacheConfig selects the decision cache backend.
type CacheConfig struct {
	// Backend is one of memory, redis, sqlite, postgres or none.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// DSN for the sqlite and postgres backends.
	DSN string `mapstructure:"dsn"`

	// SweepInterval for expiring entries (memory and SQL backends).
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AuthorityConfig is shared by the proxy (client side) and the authority
// service (server side).
type AuthorityConfig struct {
	// URL of the authority, used by the proxy and the reviewer.
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`

	// WaitTimeout is how long the proxy holds a flow.
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`

	Retries         int           `mapstructure:"retries"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`

	// Server side.
	ListenAddr  string        `mapstructure:"listen_addr"`
	APIKeys     []string      `mapstructure:"api_keys"`
	WaitWindow  time.Duration `mapstructure:"wait_window"`
	Retention   time.Duration `mapstructure:"retention"`
	PendingTTL  time.Duration `mapstructure:"pending_ttl"`
	IntakeRPS   float64       `mapstructure:"intake_rps"`
	IntakeBurst int           `mapstructure:"intake_burst"`
	Compression bool          `mapstructure:"compression"`
}

// GateConfig bounds concurrently held flows.
type GateConfig struct {
	Workers        int           `mapstructure:"workers"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// BlockPageConfig contains block page settings.
type BlockPageConfig struct {
	// TemplatePath to a custom block page template
	TemplatePath string `mapstructure:"template_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// AccessLog enables per request access records.
	AccessLog bool `mapstructure:"access_log"`
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	client := DefaultClientConfig()
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			IdleTimeout: 30 * time.Second,
			RateBurst:   20,
		},
		TLS: TLSConfig{
			CACert:       "ca.crt",
			CAKey:        "ca.key",
			Organization: "Paygate",
		},
		Classifier: DefaultClassifierConfig(),
		Cache: CacheConfig{
			Backend:       "memory",
			TTL:           DefaultCacheTTL,
			RedisAddr:     "localhost:6379",
			SweepInterval: time.Minute,
		},
		Authority: AuthorityConfig{
			URL:             client.BaseURL,
			WaitTimeout:     DefaultDecisionTimeout,
			PollInterval:    client.PollInterval,
			Retries:         client.Retries,
			BreakerFailures: client.BreakerFailures,
			BreakerCooldown: client.BreakerCooldown,
			ListenAddr:      ":5000",
			WaitWindow:      DefaultWaitWindow,
			Retention:       DefaultRetention,
			PendingTTL:      DefaultPendingTTL,
			IntakeRPS:       50,
			IntakeBurst:     100,
			Compression:     true,
		},
		Gate: GateConfig{
			Workers:        DefaultPoolSize,
			AcquireTimeout: 5 * time.Second,
		},
		Upstream: DefaultUpstreamConfig(),
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stderr",
			AccessLog: true,
		},
		Tracing: TracingConfig{
			Output: "stdout",
		},
	}
}

// LoadConfig loads configuration from file, environment, and defaults.
// It searches for config files in the following order:
// 1. Explicit path (if provided)
// 2. ./paygate.yaml
// 3. $HOME/.paygate/paygate.yaml
// 4. /etc/paygate/paygate.yaml
//
// Environment variables use the PAYGATE_ prefix, e.g.
// PAYGATE_AUTHORITY_API_KEY.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("paygate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.paygate")
	v.AddConfigPath("/etc/paygate")

	v.SetEnvPrefix("PAYGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// no file, defaults and environment only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadConfigFromReader loads configuration from a reader.
// Useful for testing or embedded configs.
func LoadConfigFromReader(configType string, r io.Reader) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType(configType)

	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.metrics", d.Server.Metrics)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)

	v.SetDefault("tls.ca_cert", d.TLS.CACert)
	v.SetDefault("tls.ca_key", d.TLS.CAKey)
	v.SetDefault("tls.organization", d.TLS.Organization)

	v.SetDefault("classifier.domains", d.Classifier.Domains)
	v.SetDefault("classifier.keywords", d.Classifier.Keywords)
	v.SetDefault("classifier.skip_methods", d.Classifier.SkipMethods)
	v.SetDefault("classifier.rules_file", d.Classifier.RulesFile)
	v.SetDefault("classifier.max_body", d.Classifier.MaxBody)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.redis_addr", d.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", d.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", d.Cache.RedisDB)
	v.SetDefault("cache.dsn", d.Cache.DSN)
	v.SetDefault("cache.sweep_interval", d.Cache.SweepInterval)

	v.SetDefault("authority.url", d.Authority.URL)
	v.SetDefault("authority.api_key", d.Authority.APIKey)
	v.SetDefault("authority.wait_timeout", d.Authority.WaitTimeout)
	v.SetDefault("authority.poll_interval", d.Authority.PollInterval)
	v.SetDefault("authority.retries", d.Authority.Retries)
	v.SetDefault("authority.breaker_failures", d.Authority.BreakerFailures)
	v.SetDefault("authority.breaker_cooldown", d.Authority.BreakerCooldown)
	v.SetDefault("authority.listen_addr", d.Authority.ListenAddr)
	v.SetDefault("authority.api_keys", d.Authority.APIKeys)
	v.SetDefault("authority.wait_window", d.Authority.WaitWindow)
	v.SetDefault("authority.retention", d.Authority.Retention)
	v.SetDefault("authority.pending_ttl", d.Authority.PendingTTL)
	v.SetDefault("authority.intake_rps", d.Authority.IntakeRPS)
	v.SetDefault("authority.intake_burst", d.Authority.IntakeBurst)
	v.SetDefault("authority.compression", d.Authority.Compression)

	v.SetDefault("gate.workers", d.Gate.Workers)
	v.SetDefault("gate.acquire_timeout", d.Gate.AcquireTimeout)

	v.SetDefault("upstream.max_idle_conns", d.Upstream.MaxIdleConns)
	v.SetDefault("upstream.max_idle_conns_per_host", d.Upstream.MaxIdleConnsPerHost)
	v.SetDefault("upstream.idle_conn_timeout", d.Upstream.IdleConnTimeout)
	v.SetDefault("upstream.dial_timeout", d.Upstream.DialTimeout)
	v.SetDefault("upstream.tls_handshake_timeout", d.Upstream.TLSHandshakeTimeout)
	v.SetDefault("upstream.response_header_timeout", d.Upstream.ResponseHeaderTimeout)
	v.SetDefault("upstream.enable_http2", d.Upstream.EnableHTTP2)

	v.SetDefault("block_page.template_path", d.BlockPage.TemplatePath)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.access_log", d.Logging.AccessLog)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.output", d.Tracing.Output)
}

// ClientConfig derives the approval client settings.
func (c *Config) ClientConfig() ClientConfig {
	cc := DefaultClientConfig()
	if c.Authority.URL != "" {
		cc.BaseURL = strings.TrimRight(c.Authority.URL, "/")
	}
	cc.APIKey = c.Authority.APIKey
	if c.Authority.Retries > 0 {
		cc.Retries = c.Authority.Retries
	}
	if c.Authority.BreakerFailures > 0 {
		cc.BreakerFailures = c.Authority.BreakerFailures
	}
	if c.Authority.BreakerCooldown > 0 {
		cc.BreakerCooldown = c.Authority.BreakerCooldown
	}
	if c.Authority.PollInterval > 0 {
		cc.PollInterval = c.Authority.PollInterval
	}
	if c.Authority.WaitWindow > 0 {
		cc.WaitWindow = c.Authority.WaitWindow
	}
	return cc
}

// BuildDecisionCache opens the configured cache backend. The returned
// closer releases it and ready reports whether it is reachable; both are
// always non-nil.
func (c *Config) BuildDecisionCache(ctx context.Context, logger *slog.Logger) (cache DecisionCache, closer func(), ready ReadinessCheck, err error) {
	noop := func() {}
	alwaysReady := func() error { return nil }

	switch strings.ToLower(c.Cache.Backend) {
	case "", "memory":
		mc := NewMemoryCache()
		stop := mc.StartJanitor(c.Cache.SweepInterval)
		return mc, stop, alwaysReady, nil

	case "none", "off":
		return NopCache{}, noop, alwaysReady, nil

	case "redis":
		rc := NewRedisCache(redis.NewClient(&redis.Options{
			Addr:     c.Cache.RedisAddr,
			Password: c.Cache.RedisPassword,
			DB:       c.Cache.RedisDB,
		}))
		rc.Logger = logger
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis decision cache unreachable", "addr", c.Cache.RedisAddr, "error", err)
		}
		ready = func() error {
			pctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := rc.Ping(pctx); err != nil {
				return fmt.Errorf("decision cache: %w", err)
			}
			return nil
		}
		return rc, func() { _ = rc.Close() }, ready, nil

	case "sqlite", "postgres":
		driver := "sqlite"
		if strings.EqualFold(c.Cache.Backend, "postgres") {
			driver = "postgres"
		}
		dsn := c.Cache.DSN
		if dsn == "" && driver == "sqlite" {
			dsn = ":memory:"
		}
		sc, err := OpenSQLCache(ctx, driver, dsn)
		if err != nil {
			return nil, noop, nil, err
		}
		sc.Logger = logger
		stop := sc.StartJanitor(c.Cache.SweepInterval)
		ready = func() error {
			pctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := sc.Ping(pctx); err != nil {
				return fmt.Errorf("decision cache: %w", err)
			}
			return nil
		}
		return sc, func() { stop(); _ = sc.Close() }, ready, nil

	default:
		return nil, noop, nil, fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}
}

// NewLogger builds a slog.Logger from the logging section. The returned
// closer releases a log file, if one was opened.
func (l LoggingConfig) NewLogger() (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}

	var w io.Writer
	closer := func() {}
	switch l.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(l.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, closer, fmt.Errorf("open log file: %w", err)
		}
		w = f
		closer = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), closer, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closer, nil
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Paygate configuration
# Every key can be overridden from the environment, e.g.
# PAYGATE_AUTHORITY_API_KEY=secret

server:
  addr: ":8080"
  idle_timeout: 30s
  metrics: false
  # requests per second per client, 0 disables
  rate_limit: 0
  rate_burst: 20

tls:
  ca_cert: "ca.crt"
  ca_key: "ca.key"
  organization: "Paygate"

classifier:
  # substrings of the lowercased URL
  domains:
    - "stripe.com"
    - "paypal.com"
    - "checkout"
  # matched against the body and headers
  keywords:
    - "card_number"
    - "amount"
    - "payment"
  skip_methods: ["OPTIONS"]
  # optional YAML file with domains/keywords/skip_methods, reloaded on SIGHUP
  # rules_file: "/etc/paygate/rules.yaml"
  max_body: 65536

cache:
  # memory, redis, sqlite, postgres or none
  backend: memory
  ttl: 2m
  sweep_interval: 1m
  # redis_addr: "localhost:6379"
  # dsn: "file:paygate.db"
  # dsn: "postgres://paygate@localhost/paygate?sslmode=disable"

authority:
  url: "http://localhost:5000"
  api_key: ""
  wait_timeout: 35s
  poll_interval: 1s
  retries: 3
  breaker_failures: 5
  breaker_cooldown: 60s

  # authority service
  listen_addr: ":5000"
  api_keys: []
  wait_window: 30s
  retention: 5m
  pending_ttl: 10m
  intake_rps: 50
  intake_burst: 100
  compression: true

gate:
  workers: 256
  acquire_timeout: 5s

upstream:
  max_idle_conns: 200
  max_idle_conns_per_host: 10
  idle_conn_timeout: 90s
  dial_timeout: 30s
  tls_handshake_timeout: 10s
  response_header_timeout: 60s
  enable_http2: true

block_page:
  # template_path: "/etc/paygate/block.html"

logging:
  level: "info"
  format: "text"
  output: "stderr"
  access_log: true

tracing:
  enabled: false
  output: "stdout"
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}
	return os.WriteFile(path, []byte(example), 0644)
}

// Package relayconfig loads the relay's runtime tunables and backend
// descriptors from a YAML file, the environment and optional .env files.
package relayconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
	"github.com/vikashloomba/mcp-relay-go/pkg/relay"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MCPRELAY_"

// Config is the top-level configuration file.
type Config struct {
	Pool    PoolConfig    `yaml:"pool"`
	Retry   RetryConfig   `yaml:"retry"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
	Servers []ServerEntry `yaml:"servers"`
}

// PoolConfig mirrors mcppool.Options.
type PoolConfig struct {
	MaxConnections            int           `yaml:"maxConnections"`
	IdleTimeout               time.Duration `yaml:"idleTimeout"`
	ReapInterval              time.Duration `yaml:"reapInterval"`
	ConnectTimeout            time.Duration `yaml:"connectTimeout"`
	RequestTimeout            time.Duration `yaml:"requestTimeout"`
	KeepAlive                 time.Duration `yaml:"keepAlive"`
	HealthCheckTimeout        time.Duration `yaml:"healthCheckTimeout"`
	HealthCheckPing           bool          `yaml:"healthCheckPing"`
	ShutdownTimeout           time.Duration `yaml:"shutdownTimeout"`
	MaxCheckoutsPerConnection int           `yaml:"maxCheckoutsPerConnection"`
	HTTPRetryMax              int           `yaml:"httpRetryMax"`
	// CredentialDir holds per-connection credential files.
	CredentialDir string `yaml:"credentialDir"`
}

// RetryConfig controls how often the relay retries establishing a backend
// connection for one tool call.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"maxDelay"`
}

type RelayConfig struct {
	Addr           string   `yaml:"addr"`
	Path           string   `yaml:"path"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	ConsumerHeader string   `yaml:"consumerHeader"`
	JSONResponse   bool     `yaml:"jsonResponse"`
	Stateless      bool     `yaml:"stateless"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ServerEntry describes one backend. Transport is inferred from Command or
// Endpoint when omitted.
type ServerEntry struct {
	Name       string            `yaml:"name"`
	Operations []string          `yaml:"operations"`
	Transport  string            `yaml:"transport"`
	Command    string            `yaml:"command"`
	Args       []string          `yaml:"args"`
	Env        map[string]string `yaml:"env"`
	Dir        string            `yaml:"dir"`
	Endpoint   string            `yaml:"endpoint"`
	Headers    map[string]string `yaml:"headers"`
	PreferSSE  *bool             `yaml:"preferSSE"`
	Timeout    time.Duration     `yaml:"timeout"`
	LogJSONRPC bool              `yaml:"logJSONRPC"`

	Credentials *CredentialsEntry `yaml:"credentials"`
}

// CredentialsEntry scopes a per-consumer secret to a stdio backend. File is a
// path template where "{consumer}" is replaced by the consumer id; the file's
// contents are copied into a private per-connection file whose path is
// exported as EnvVar.
type CredentialsEntry struct {
	EnvVar string `yaml:"envVar"`
	File   string `yaml:"file"`
}

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

// Load reads path, applies environment overrides and fills defaults. It does
// not validate; call Validate on the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relayconfig: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("relayconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML data, applies environment overrides and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment, skipping
// the ones that do not exist. Variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("relayconfig: load %s: %w", p, err)
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	def := mcppool.DefaultOptions()
	if c.Pool.MaxConnections == 0 {
		c.Pool.MaxConnections = def.MaxConnections
	}
	if c.Pool.IdleTimeout == 0 {
		c.Pool.IdleTimeout = def.IdleTimeout
	}
	if c.Pool.ReapInterval == 0 {
		c.Pool.ReapInterval = def.ReapInterval
	}
	if c.Pool.ConnectTimeout == 0 {
		c.Pool.ConnectTimeout = def.ConnectTimeout
	}
	if c.Pool.RequestTimeout == 0 {
		c.Pool.RequestTimeout = def.RequestTimeout
	}
	if c.Pool.HealthCheckTimeout == 0 {
		c.Pool.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if c.Pool.ShutdownTimeout == 0 {
		c.Pool.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Pool.HTTPRetryMax == 0 {
		c.Pool.HTTPRetryMax = def.HTTPRetryMax
	}

	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.Delay == 0 {
		c.Retry.Delay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 5 * time.Second
	}

	if c.Relay.Addr == "" {
		c.Relay.Addr = ":8700"
	}
	if c.Relay.Path == "" {
		c.Relay.Path = "/mcp"
	}
	if c.Relay.ConsumerHeader == "" {
		c.Relay.ConsumerHeader = "X-Consumer-ID"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	for i := range c.Servers {
		s := &c.Servers[i]
		s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
		if s.Transport == "" {
			switch {
			case s.Command != "":
				s.Transport = transportStdio
			case s.Endpoint != "":
				s.Transport = transportHTTP
			}
		}
	}
}

// applyEnv overrides file values with MCPRELAY_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	num("MAX_CONNECTIONS", &c.Pool.MaxConnections)
	dur("IDLE_TIMEOUT", &c.Pool.IdleTimeout)
	dur("REAP_INTERVAL", &c.Pool.ReapInterval)
	dur("CONNECT_TIMEOUT", &c.Pool.ConnectTimeout)
	dur("REQUEST_TIMEOUT", &c.Pool.RequestTimeout)
	str("CREDENTIAL_DIR", &c.Pool.CredentialDir)
	num("RETRY_ATTEMPTS", &c.Retry.Attempts)
	dur("RETRY_DELAY", &c.Retry.Delay)
	str("ADDR", &c.Relay.Addr)
	str("PATH", &c.Relay.Path)
	str("CONSUMER_HEADER", &c.Relay.ConsumerHeader)
	str("LOG_LEVEL", &c.Logging.Level)
	if v, ok := lookup(EnvPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.Relay.AllowedOrigins = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Pool.MaxConnections <= 0 {
		add("pool.maxConnections must be positive")
	}
	if c.Pool.MaxCheckoutsPerConnection < 0 {
		add("pool.maxCheckoutsPerConnection must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"pool.idleTimeout":    c.Pool.IdleTimeout,
		"pool.reapInterval":   c.Pool.ReapInterval,
		"pool.connectTimeout": c.Pool.ConnectTimeout,
		"retry.delay":         c.Retry.Delay,
	} {
		if d < 0 {
			add("%s must not be negative", name)
		}
	}
	if c.Retry.Attempts <= 0 {
		add("retry.attempts must be positive")
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		add("relay.path %q must start with /", c.Relay.Path)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}

	if len(c.Servers) == 0 {
		add("at least one server is required")
	}
	seen := make(map[string]struct{}, len(c.Servers))
	for i, s := range c.Servers {
		label := fmt.Sprintf("servers[%d]", i)
		if s.Name != "" {
			label = fmt.Sprintf("servers[%d] (%s)", i, s.Name)
			if _, dup := seen[s.Name]; dup {
				add("%s: duplicate name", label)
			}
			seen[s.Name] = struct{}{}
		}
		switch s.Transport {
		case transportStdio:
			if s.Endpoint != "" {
				add("%s: endpoint is not used by stdio servers", label)
			}
		case transportHTTP:
			if s.Credentials != nil {
				add("%s: credentials are only supported for stdio servers", label)
			}
		case "":
			add("%s: set command or endpoint", label)
			continue
		default:
			add("%s: unknown transport %q", label, s.Transport)
			continue
		}
		if len(s.Operations) == 0 {
			add("%s: operations must list at least one tool", label)
		}
		if cred := s.Credentials; cred != nil {
			if cred.EnvVar == "" {
				add("%s: credentials.envVar is required", label)
			}
			if cred.File == "" {
				add("%s: credentials.file is required", label)
			}
		}
		if err := mcppool.Validate(s.serverConfig()); err != nil {
			add("%s: %v", label, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("relayconfig: invalid configuration: %w", errors.Join(errs...))
}

func (s ServerEntry) serverConfig() mcppool.ServerConfig {
	base := mcppool.BaseServerConfig{
		Name:       s.Name,
		Operations: append([]string(nil), s.Operations...),
		Timeout:    s.Timeout,
		LogJSONRPC: s.LogJSONRPC,
	}
	if s.Transport == transportHTTP {
		var headers http.Header
		if len(s.Headers) > 0 {
			headers = make(http.Header, len(s.Headers))
			for k, v := range s.Headers {
				headers.Set(k, os.ExpandEnv(v))
			}
		}
		return &mcppool.HTTPServerConfig{
			BaseServerConfig: base,
			Endpoint:         s.Endpoint,
			Headers:          headers,
			PreferSSE:        s.PreferSSE,
		}
	}
	var env map[string]string
	if len(s.Env) > 0 {
		env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = os.ExpandEnv(v)
		}
	}
	return &mcppool.StdioServerConfig{
		BaseServerConfig: base,
		Command:          s.Command,
		Args:             append([]string(nil), s.Args...),
		Env:              env,
		Dir:              s.Dir,
	}
}

// ServerConfigs converts every entry into an mcppool.ServerConfig. Values of
// env and headers go through os.ExpandEnv.
func (c *Config) ServerConfigs() []mcppool.ServerConfig {
	out := make([]mcppool.ServerConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		out = append(out, s.serverConfig())
	}
	return out
}

// PoolOptions builds registry options. Servers with a credentials entry get a
// per-connection credential file.
func (c *Config) PoolOptions(logger *zap.Logger) mcppool.Options {
	opts := mcppool.DefaultOptions()
	opts.MaxConnections = c.Pool.MaxConnections
	opts.IdleTimeout = c.Pool.IdleTimeout
	opts.ReapInterval = c.Pool.ReapInterval
	opts.ConnectTimeout = c.Pool.ConnectTimeout
	opts.RequestTimeout = c.Pool.RequestTimeout
	opts.KeepAlive = c.Pool.KeepAlive
	opts.HealthCheckTimeout = c.Pool.HealthCheckTimeout
	opts.HealthCheckPing = c.Pool.HealthCheckPing
	opts.ShutdownTimeout = c.Pool.ShutdownTimeout
	opts.MaxCheckoutsPerConnection = c.Pool.MaxCheckoutsPerConnection
	opts.HTTPRetryMax = c.Pool.HTTPRetryMax
	opts.Logger = logger
	if provider := c.credentialProvider(); provider != nil {
		opts.Credentials = provider
	}
	if logger != nil {
		errLogger := logger.Named("pool")
		opts.ErrorRecorder = func(key mcppool.PoolKey, err error) {
			errLogger.Warn("connection establishment failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
	return opts
}

// RelayOptions builds relay options from the relay, retry and server settings.
func (c *Config) RelayOptions(logger *zap.Logger) *relay.Options {
	return &relay.Options{
		Addr:           c.Relay.Addr,
		Path:           c.Relay.Path,
		AllowedOrigins: append([]string(nil), c.Relay.AllowedOrigins...),
		ConsumerHeader: c.Relay.ConsumerHeader,
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: c.Relay.JSONResponse,
			Stateless:    c.Relay.Stateless,
		},
		Logger:          logger,
		RetryAttempts:   c.Retry.Attempts,
		RetryDelay:      c.Retry.Delay,
		MaxRetryDelay:   c.Retry.MaxDelay,
		ShutdownTimeout: c.Pool.ShutdownTimeout,
	}
}

// Logger builds a zap logger for the configured level. development selects
// the console encoder regardless of the file setting.
func (c *Config) Logger(development bool) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("relayconfig: %w", err)
	}
	zc := zap.NewProductionConfig()
	if development || c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

package mcppool

import (
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// Name identifies the backend within a consumer's scope. It is one half of
	// the pool key.
	Name string
	// Operations lists the tool names the backend is expected to serve.
	Operations []string
	// Timeout overrides Options.ConnectTimeout for this backend.
	Timeout time.Duration
	// Version is the client version advertised during initialization.
	Version       string
	ClientOptions mcp.ClientOptions
	// LogJSONRPC logs every JSON-RPC message exchanged with the backend at
	// debug level.
	LogJSONRPC bool
}

// StdioServerConfig describes an MCP server launched as a child process that
// speaks the protocol over stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes an MCP server reachable over the streamable HTTP
// (or legacy SSE) transport.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	Headers    http.Header
	HTTPClient *http.Client
	// MaxRetries bounds reconnect attempts of the streamable transport's
	// standalone stream. Zero keeps the SDK default.
	MaxRetries int
	PreferSSE  *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// ServerName returns cfg's name, or "" for a nil config.
func ServerName(cfg ServerConfig) string {
	if cfg == nil || isNilConfig(cfg) {
		return ""
	}
	return cfg.base().Name
}

// ErrorRecorder receives every establishment failure. Implementations must not
// block.
type ErrorRecorder func(key PoolKey, err error)

// Options configures a Registry.
type Options struct {
	// MaxConnections is the ceiling on live connections across every pool.
	MaxConnections int
	// IdleTimeout is how long a connection may stay checked in before the
	// reaper closes it.
	IdleTimeout time.Duration
	// ReapInterval is the period of the idle reaper.
	ReapInterval time.Duration
	// ConnectTimeout bounds transport creation plus the protocol handshake.
	ConnectTimeout time.Duration
	// RequestTimeout bounds calls made through Connection helpers.
	RequestTimeout time.Duration
	// KeepAlive enables protocol pings on every session when positive.
	KeepAlive time.Duration
	// HealthCheckTimeout bounds the ping issued by Connection.HealthCheck.
	HealthCheckTimeout time.Duration
	// HealthCheckPing makes the reaper ping idle connections in addition to
	// checking their transport state.
	HealthCheckPing bool
	// ShutdownTimeout is how long a stdio backend gets to exit after its
	// stdin is closed before it is signalled.
	ShutdownTimeout time.Duration
	// MaxCheckoutsPerConnection caps concurrent checkouts of one connection.
	// Zero means unlimited, so every caller for a key shares one connection.
	MaxCheckoutsPerConnection int
	// HTTPRetryMax bounds retries of individual HTTP requests issued by
	// streamable transports.
	HTTPRetryMax int

	ClientName    string
	ClientVersion string

	Logger           *zap.Logger
	Credentials      CredentialProvider
	TransportFactory TransportFactory
	ErrorRecorder    ErrorRecorder

	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
}

// DefaultOptions returns the tunables used by Default.
func DefaultOptions() Options {
	return Options{
		MaxConnections:     100,
		IdleTimeout:        5 * time.Minute,
		ReapInterval:       30 * time.Second,
		ConnectTimeout:     30 * time.Second,
		RequestTimeout:     60 * time.Second,
		HealthCheckTimeout: 2 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		HTTPRetryMax:       2,
		ClientName:         "mcp-relay",
		ClientVersion:      "1.0.0",
	}
}

func (o *Options) withDefaults() Options {
	def := DefaultOptions()
	if o == nil {
		o = &def
	}
	opts := *o
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = def.MaxConnections
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = def.ReapInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = def.ShutdownTimeout
	}
	if opts.HTTPRetryMax < 0 {
		opts.HTTPRetryMax = 0
	}
	if opts.MaxCheckoutsPerConnection < 0 {
		opts.MaxCheckoutsPerConnection = 0
	}
	if opts.ClientName == "" {
		opts.ClientName = def.ClientName
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = def.ClientVersion
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TransportFactory == nil {
		opts.TransportFactory = &DefaultTransportFactory{
			Logger:          opts.Logger.Named("transport"),
			ShutdownTimeout: opts.ShutdownTimeout,
			HTTPRetryMax:    opts.HTTPRetryMax,
		}
	}
	return opts
}

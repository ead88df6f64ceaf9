package relay

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Options configure a Relay instance.
type Options struct {
	// Implementation identifies the relay's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Namespace customizes how backend tool names are exposed. Defaults to
	// ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	Logger     *zap.Logger

	// ConsumerHeader names the request header identifying the consumer. It is
	// ignored when TokenVerifier is set. Defaults to "X-Consumer-ID".
	ConsumerHeader string
	// AllowedOrigins enables CORS for the listed origins.
	AllowedOrigins []string

	// TokenVerifier, when set, requires a bearer token on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	TokenOptions  *auth.RequireBearerTokenOptions

	// RetryAttempts bounds connection attempts per tool call. Defaults to 3.
	RetryAttempts int
	// RetryDelay is the wait before the first retry; it doubles per attempt
	// up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown and pool cleanup when the
	// ListenAndServe context ends.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcprelay",
			Title:   "MCP Relay",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ConsumerHeader == "" {
		opts.ConsumerHeader = "X-Consumer-ID"
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = 10 * opts.RetryDelay
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}

package mcppool

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// TransportFactory turns a validated ServerConfig into an MCP transport for
// one connection. cred may be nil.
type TransportFactory interface {
	Build(ctx context.Context, key PoolKey, cfg ServerConfig, cred *Credential) (mcp.Transport, error)
}

// TransportFactoryFunc adapts a function to TransportFactory.
type TransportFactoryFunc func(ctx context.Context, key PoolKey, cfg ServerConfig, cred *Credential) (mcp.Transport, error)

func (f TransportFactoryFunc) Build(ctx context.Context, key PoolKey, cfg ServerConfig, cred *Credential) (mcp.Transport, error) {
	return f(ctx, key, cfg, cred)
}

// DefaultTransportFactory spawns stdio backends as child processes and dials
// HTTP backends with a retrying client.
type DefaultTransportFactory struct {
	Logger *zap.Logger
	// ShutdownTimeout is how long a child gets to exit after stdin closes.
	ShutdownTimeout time.Duration
	// HTTPRetryMax bounds retries of a single HTTP request.
	HTTPRetryMax int
}

func (f *DefaultTransportFactory) Build(_ context.Context, key PoolKey, cfg ServerConfig, cred *Credential) (mcp.Transport, error) {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return f.buildStdio(key, c, cred)
	case *HTTPServerConfig:
		return f.buildHTTP(key, c, cred)
	default:
		return nil, &ConfigurationError{Server: ServerName(cfg), Field: "transport", Reason: fmt.Sprintf("unsupported server config type %T", cfg)}
	}
}

func (f *DefaultTransportFactory) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func (f *DefaultTransportFactory) buildStdio(key PoolKey, cfg *StdioServerConfig, cred *Credential) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, &ConfigurationError{Server: cfg.Name, Field: "command", Reason: "is required for stdio servers"}
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	var credEnv map[string]string
	if cred != nil {
		credEnv = cred.Env
	}
	cmd.Env = processEnv(os.Environ(), cfg.Env, credEnv)
	cmd.Stderr = newLineWriter(f.logger().With(zap.String("key", key.String())))
	configureProcess(cmd)
	return &mcp.CommandTransport{Command: cmd, TerminateDuration: f.ShutdownTimeout}, nil
}

// processEnv layers config and credential variables over the inherited
// environment. Later layers win; keys are emitted in sorted order.
func processEnv(inherited []string, layers ...map[string]string) []string {
	env := append([]string(nil), inherited...)
	for _, layer := range layers {
		keys := make([]string, 0, len(layer))
		for k := range layer {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, fmt.Sprintf("%s=%s", k, layer[k]))
		}
	}
	return env
}

func (f *DefaultTransportFactory) buildHTTP(key PoolKey, cfg *HTTPServerConfig, cred *Credential) (mcp.Transport, error) {
	if cfg.Endpoint == "" {
		return nil, &ConfigurationError{Server: cfg.Name, Field: "endpoint", Reason: "is required for http servers"}
	}
	var credHeaders http.Header
	if cred != nil {
		credHeaders = cred.Headers
	}
	client := f.decorateHTTPClient(key, cfg.HTTPClient, mergeHeaders(cfg.Headers, credHeaders))
	if shouldPreferSSE(cfg) {
		return &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client}, nil
	}
	return &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: client,
		MaxRetries: cfg.MaxRetries,
	}, nil
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

// decorateHTTPClient wraps base in a retrying client and stamps headers on
// every request. A caller-supplied client keeps its own transport and is only
// decorated.
func (f *DefaultTransportFactory) decorateHTTPClient(key PoolKey, base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = f.HTTPRetryMax
		rc.RetryWaitMin = 100 * time.Millisecond
		rc.RetryWaitMax = 2 * time.Second
		rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
		rc.Logger = &retryLogger{logger: f.logger().With(zap.String("key", key.String()))}
		base = rc.StandardClient()
	}
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone := *base
	clone.Transport = &headerDecorator{next: next, headers: cloneHeader(headers)}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(d.headers) == 0 {
		return d.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return d.next.RoundTrip(req)
}

func mergeHeaders(headers ...http.Header) http.Header {
	result := http.Header{}
	for _, hdr := range headers {
		for k, values := range hdr {
			result[http.CanonicalHeaderKey(k)] = append([]string(nil), values...)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

// retryLogger adapts zap to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *zap.Logger
}

var _ retryablehttp.LeveledLogger = (*retryLogger)(nil)

func (l *retryLogger) Error(msg string, kv ...interface{}) { l.logger.Sugar().Errorw(msg, kv...) }
func (l *retryLogger) Info(msg string, kv ...interface{})  { l.logger.Sugar().Debugw(msg, kv...) }
func (l *retryLogger) Debug(msg string, kv ...interface{}) { l.logger.Sugar().Debugw(msg, kv...) }
func (l *retryLogger) Warn(msg string, kv ...interface{})  { l.logger.Sugar().Warnw(msg, kv...) }

// lineWriter forwards a child's stderr to the logger one line at a time.
type lineWriter struct {
	logger *zap.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func newLineWriter(logger *zap.Logger) *lineWriter {
	return &lineWriter{logger: logger}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// partial line, keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			w.logger.Debug("backend stderr", zap.String("line", line))
		}
	}
	return len(p), nil
}

// observedTransport remembers the connection it produced so a failed handshake
// can be torn down, and optionally logs every JSON-RPC message.
type observedTransport struct {
	delegate mcp.Transport
	logger   *zap.Logger // nil disables message logging

	mu   sync.Mutex
	conn mcp.Connection
}

func (t *observedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if t.logger != nil {
		conn = &loggingConnection{delegate: conn, logger: t.logger}
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return conn, nil
}

// closeConn closes the produced connection, if any.
func (t *observedTransport) closeConn() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

type loggingConnection struct {
	delegate mcp.Connection
	logger   *zap.Logger
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("recv", msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction string, msg jsonrpc.Message) {
	if ce := c.logger.Check(zap.DebugLevel, "jsonrpc"); ce != nil {
		encoded, err := jsonrpc.EncodeMessage(msg)
		if err != nil {
			encoded = []byte(err.Error())
		}
		ce.Write(zap.String("direction", direction), zap.ByteString("message", encoded))
	}
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"
	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
	"go.uber.org/zap"
)

// ErrUpstreamUnavailable wraps the last establishment error once every retry
// for a backend has failed.
var ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")

// AnonymousConsumer is used when a request carries no consumer identity.
const AnonymousConsumer = "anonymous"

type toolTarget struct {
	Server     string
	NativeName string
	Config     mcppool.ServerConfig
}

// Relay exposes a Streamable MCP server whose tools forward to backends held
// in an mcppool.Registry.
type Relay struct {
	registry *mcppool.Registry
	opts     Options
	logger   *zap.Logger

	targets  map[string]toolTarget
	progress *progressTracker

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Relay that publishes, for every server, one tool per entry of
// its Operations. A nil registry uses mcppool.Default().
func New(registry *mcppool.Registry, servers []mcppool.ServerConfig, opts *Options) (*Relay, error) {
	if registry == nil {
		registry = mcppool.Default()
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, errors.New("relay: TokenOptions requires a TokenVerifier")
	}
	r := &Relay{
		registry: registry,
		opts:     options,
		logger:   options.Logger.Named("relay"),
		targets:  make(map[string]toolTarget),
	}
	r.progress = newProgressTracker(r.logger.Named("progress"))
	r.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{HasTools: true})

	seen := make(map[string]struct{}, len(servers))
	for _, cfg := range servers {
		if err := mcppool.Validate(cfg); err != nil {
			return nil, err
		}
		name := mcppool.ServerName(cfg)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("relay: duplicate server %q", name)
		}
		seen[name] = struct{}{}
		cfg = r.withProgress(name, cfg)
		for _, op := range operationsOf(cfg) {
			exposed := options.Namespace.ToolName(name, op)
			if _, dup := r.targets[exposed]; dup {
				return nil, fmt.Errorf("relay: tool %q exposed twice", exposed)
			}
			target := toolTarget{Server: name, NativeName: op, Config: cfg}
			r.targets[exposed] = target
			r.server.AddTool(&mcp.Tool{
				Name:        exposed,
				Description: fmt.Sprintf("Calls %q on backend %q.", op, name),
				InputSchema: map[string]any{"type": "object"},
			}, r.makeToolHandler(target))
		}
	}

	r.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return r.server
	}, &options.Streamable)
	r.httpHandler = r.mountHandler()
	return r, nil
}

// withProgress returns a copy of cfg whose clients forward progress
// notifications to the calling session.
func (r *Relay) withProgress(name string, cfg mcppool.ServerConfig) mcppool.ServerConfig {
	if c, ok := mcppool.AsStdio(cfg); ok {
		cp := *c
		cp.ClientOptions.ProgressNotificationHandler = r.progress.handler(name, c.ClientOptions.ProgressNotificationHandler)
		return &cp
	}
	if c, ok := mcppool.AsHTTP(cfg); ok {
		cp := *c
		cp.ClientOptions.ProgressNotificationHandler = r.progress.handler(name, c.ClientOptions.ProgressNotificationHandler)
		return &cp
	}
	return cfg
}

func operationsOf(cfg mcppool.ServerConfig) []string {
	var ops []string
	if c, ok := mcppool.AsStdio(cfg); ok {
		ops = c.Operations
	} else if c, ok := mcppool.AsHTTP(cfg); ok {
		ops = c.Operations
	}
	out := make([]string, 0, len(ops))
	for _, op := range ops {
		if op = strings.TrimSpace(op); op != "" {
			out = append(out, op)
		}
	}
	return out
}

// Tools returns the exposed tool names, sorted.
func (r *Relay) Tools() []string {
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry returns the registry backing the relay.
func (r *Relay) Registry() *mcppool.Registry { return r.registry }

// Handler exposes the HTTP handler serving the Streamable endpoint and the
// diagnostic routes.
func (r *Relay) Handler() http.Handler {
	return r.httpHandler
}

// ServeMux exposes the underlying mux so callers can add routes.
func (r *Relay) ServeMux() *http.ServeMux {
	return r.mux
}

// ListenAndServe runs an HTTP server until ctx is cancelled or the server
// stops. On cancellation the server is shut down and the pool cleaned up.
func (r *Relay) ListenAndServe(ctx context.Context) error {
	r.httpServerMu.Lock()
	if r.httpServer != nil {
		serv := r.httpServer
		r.httpServerMu.Unlock()
		return fmt.Errorf("relay: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: r.opts.Addr, Handler: r.Handler(), ReadHeaderTimeout: 10 * time.Second}
	r.httpServer = srv
	r.httpServerMu.Unlock()
	defer func() {
		r.httpServerMu.Lock()
		if r.httpServer == srv {
			r.httpServer = nil
		}
		r.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	r.logger.Info("relay listening", zap.String("addr", r.opts.Addr), zap.String("path", r.opts.Path),
		zap.Int("tools", len(r.targets)))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err := r.registry.Cleanup(shutdownCtx); err != nil {
			r.logError("pool cleanup", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server, if running, and closes every pooled
// connection.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.httpServerMu.Lock()
	srv := r.httpServer
	r.httpServer = nil
	r.httpServerMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.registry.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Relay) makeToolHandler(target toolTarget) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		consumer := r.consumerID(req)
		conn, err := r.acquire(ctx, consumer, target)
		if err != nil {
			r.logError("acquire backend", err, zap.String("server", target.Server), zap.String("consumer", consumer))
			return nil, err
		}
		defer r.registry.ReleaseConnection(conn, consumer, target.Server)

		params := &mcp.CallToolParams{Name: target.NativeName}
		if req.Params != nil {
			params.Meta = req.Params.Meta
			if len(req.Params.Arguments) > 0 {
				params.Arguments = req.Params.Arguments
			}
		}
		if req.Session != nil {
			defer r.progress.track(target.Server, req.Session, params)()
		}
		return conn.CallTool(ctx, params)
	}
}

// acquire gets a connection, retrying establishment failures with exponential
// backoff. Other errors are returned at once.
func (r *Relay) acquire(ctx context.Context, consumer string, target toolTarget) (*mcppool.Connection, error) {
	delay := r.opts.RetryDelay
	var lastErr error
	for attempt := 1; attempt <= r.opts.RetryAttempts; attempt++ {
		conn, err := r.registry.GetConnection(ctx, consumer, target.Config)
		if err == nil {
			return conn, nil
		}
		if !mcppool.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == r.opts.RetryAttempts {
			break
		}
		r.logger.Warn("backend connection failed, retrying",
			zap.String("server", target.Server), zap.String("consumer", consumer),
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, r.opts.MaxRetryDelay)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUpstreamUnavailable, target.Server, r.opts.RetryAttempts, lastErr)
}

// consumerID resolves who is calling: the bearer token's consumer_id or sub
// claim, then the MCP session. The consumer header is honored only when the
// endpoint does not verify tokens, since callers can set it freely.
func (r *Relay) consumerID(req *mcp.CallToolRequest) string {
	if req.Extra != nil {
		if info := req.Extra.TokenInfo; info != nil {
			for _, claim := range []string{"consumer_id", "sub"} {
				if v, ok := info.Extra[claim].(string); ok && strings.TrimSpace(v) != "" {
					return v
				}
			}
		}
		if r.opts.TokenVerifier == nil {
			if v := strings.TrimSpace(req.Extra.Header.Get(r.opts.ConsumerHeader)); v != "" {
				return v
			}
		}
	}
	if req.Session != nil {
		if id := req.Session.ID(); id != "" {
			return "session-" + id
		}
	}
	return AnonymousConsumer
}

func (r *Relay) mountHandler() http.Handler {
	path := r.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	var stream http.Handler = r.streamHandler
	if r.opts.TokenVerifier != nil {
		stream = auth.RequireBearerToken(r.opts.TokenVerifier, r.opts.TokenOptions)(stream)
	}
	mux := http.NewServeMux()
	mux.Handle(path, stream)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", stream)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /debug/pool", r.serveStats)
	r.mux = mux

	if len(r.opts.AllowedOrigins) == 0 {
		return mux
	}
	return cors.New(cors.Options{
		AllowedOrigins:   r.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Mcp-Session-Id"},
		AllowCredentials: true,
	}).Handler(mux)
}

func (r *Relay) serveStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.registry.Stats()); err != nil {
		r.logError("encode stats", err)
	}
}

func (r *Relay) logError(msg string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	r.logger.Error(msg, append([]zap.Field{zap.Error(err)}, fields...)...)
}

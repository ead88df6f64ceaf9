package mcppool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateCreated ConnState = iota
	StateConnecting
	StateActive
	StateIdle
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Connection is one live MCP session to a backend, owned by the server pool of
// its key. A Connection is Active while checked out by at least one caller and
// Idle otherwise. Once closed it is never handed out again.
type Connection struct {
	id        string
	key       PoolKey
	cfg       ServerConfig
	seq       uint64
	gen       uint64
	createdAt time.Time
	opts      *Options
	logger    *zap.Logger

	client    *mcp.Client
	session   *mcp.ClientSession
	transport *observedTransport
	cred      *Credential

	mu           sync.Mutex
	state        ConnState
	active       bool
	lastUsed     time.Time
	checkouts    int
	transportErr error

	closeOnce sync.Once
	closeErr  error
}

func newConnection(key PoolKey, cfg ServerConfig, seq, gen uint64, opts *Options) *Connection {
	id := uuid.NewString()
	now := opts.Clock()
	return &Connection{
		id:        id,
		key:       key,
		cfg:       cfg,
		seq:       seq,
		gen:       gen,
		createdAt: now,
		lastUsed:  now,
		opts:      opts,
		logger:    opts.Logger.Named("pool").With(zap.String("key", key.String()), zap.String("conn", id)),
		state:     StateCreated,
	}
}

// connect materializes credentials, builds the transport and performs the
// protocol handshake. Any partially acquired resource is released on failure.
// It never retries.
func (c *Connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	base := c.cfg.base()

	var cred *Credential
	if c.opts.Credentials != nil {
		var err error
		cred, err = c.opts.Credentials.Materialize(ctx, c.key.ConsumerID, c.cfg)
		if err != nil {
			return c.failConnect(&EstablishmentError{Key: c.key, Phase: PhaseCredentials, Err: err}, nil)
		}
	}

	transport, err := c.opts.TransportFactory.Build(ctx, c.key, c.cfg, cred)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			return c.failConnect(err, cred)
		}
		return c.failConnect(&EstablishmentError{Key: c.key, Phase: PhaseTransport, Err: err}, cred)
	}

	observed := &observedTransport{delegate: transport}
	if base.LogJSONRPC {
		observed.logger = c.logger
	}
	impl := &mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion}
	if base.Version != "" {
		impl.Version = base.Version
	}
	clientOpts := base.ClientOptions
	if clientOpts.KeepAlive == 0 {
		clientOpts.KeepAlive = c.opts.KeepAlive
	}
	client := mcp.NewClient(impl, &clientOpts)
	session, err := client.Connect(ctx, observed, nil)
	if err != nil {
		phase := PhaseHandshake
		observed.mu.Lock()
		if observed.conn == nil {
			phase = PhaseTransport
		}
		observed.mu.Unlock()
		// Connect does not always close what it opened.
		_ = observed.closeConn()
		return c.failConnect(&EstablishmentError{Key: c.key, Phase: phase, Err: err}, cred)
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.transport = observed
	c.cred = cred
	c.state = StateIdle
	c.active = true
	c.touchLocked()
	c.mu.Unlock()

	go c.monitor(session)
	c.logger.Debug("connection established", zap.String("session", session.ID()))
	return nil
}

func (c *Connection) failConnect(err error, cred *Credential) error {
	relCtx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	if relErr := cred.release(relCtx); relErr != nil {
		c.logger.Warn("credential cleanup after failed connect", zap.Error(relErr))
	}
	c.setState(StateClosed)
	return err
}

// monitor marks the connection unhealthy when the backend goes away.
func (c *Connection) monitor(session *mcp.ClientSession) {
	err := session.Wait()
	if err == nil {
		err = mcp.ErrConnectionClosed
	}
	c.markUnhealthy(err)
}

func (c *Connection) markUnhealthy(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transportErr != nil || c.state >= StateClosing {
		return
	}
	c.transportErr = err
	c.logger.Debug("connection marked unhealthy", zap.Error(err))
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// touchLocked advances lastUsed, never moving it backwards or standing still.
func (c *Connection) touchLocked() {
	now := c.opts.Clock()
	if !now.After(c.lastUsed) {
		now = c.lastUsed.Add(time.Nanosecond)
	}
	c.lastUsed = now
}

// UpdateLastUsed records activity on the connection.
func (c *Connection) UpdateLastUsed() {
	c.mu.Lock()
	c.touchLocked()
	c.mu.Unlock()
}

// tryCheckout hands the connection to one more caller if it is healthy and
// below limit (zero means unlimited).
func (c *Connection) tryCheckout(limit int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.healthyLocked() || (limit > 0 && c.checkouts >= limit) {
		return false
	}
	c.checkouts++
	c.state = StateActive
	c.touchLocked()
	return true
}

func (c *Connection) checkin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkouts > 0 {
		c.checkouts--
	}
	if c.checkouts == 0 && c.state == StateActive {
		c.state = StateIdle
	}
	c.touchLocked()
}

// idleSince reports whether nobody holds the connection and it was last used
// before cutoff.
func (c *Connection) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkouts == 0 && c.lastUsed.Before(cutoff)
}

func (c *Connection) idle() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkouts == 0, c.lastUsed
}

func (c *Connection) healthyLocked() bool {
	return c.active && c.state < StateClosing && c.transportErr == nil
}

// Healthy reports whether the connection is open and its transport has not
// failed. It does no I/O.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthyLocked()
}

// HealthCheck is Healthy plus a protocol ping bounded by the registry's
// health-check timeout. A failed ping marks the connection unhealthy.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	if !c.Healthy() {
		return false
	}
	session, err := c.liveSession()
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.HealthCheckTimeout)
	defer cancel()
	if err := session.Ping(ctx, nil); err != nil {
		c.markUnhealthy(fmt.Errorf("ping: %w", err))
		return false
	}
	return true
}

// Close tears the connection down: the session is closed, which terminates a
// stdio backend or aborts an HTTP stream, and the credential material is
// released. Close is idempotent; concurrent callers block until teardown
// completes and all observe the same error.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.active = false
		c.state = StateClosing
		session, cred := c.session, c.cred
		c.mu.Unlock()

		var errs []error
		if session != nil {
			if err := session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close session: %w", err))
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
		if err := cred.release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("release credentials: %w", err))
		}
		cancel()

		c.setState(StateClosed)
		if len(errs) > 0 {
			c.closeErr = &CloseError{Key: c.key, Errs: errs}
		}
		c.logger.Debug("connection closed", zap.Int("errors", len(errs)))
	})
	return c.closeErr
}

func (c *Connection) ID() string           { return c.id }
func (c *Connection) Key() PoolKey         { return c.key }
func (c *Connection) ServerName() string   { return c.key.ServerName }
func (c *Connection) ConsumerID() string   { return c.key.ConsumerID }
func (c *Connection) Config() ServerConfig { return c.cfg }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Session returns the underlying MCP client session, nil before connect.
func (c *Connection) Session() *mcp.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Connection) Client() *mcp.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// IsActive is false once Close has begun and stays false.
func (c *Connection) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// InUse reports how many callers currently hold the connection.
func (c *Connection) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkouts
}

func (c *Connection) liveSession() (*mcp.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active || c.session == nil {
		return nil, ErrConnectionClosed
	}
	return c.session, nil
}

// observe marks the connection unhealthy when a request fails because the
// transport is gone or the backend stopped answering within the request
// timeout. A deadline carried in by the caller's own context does not count.
func (c *Connection) observe(parent context.Context, err error) {
	switch {
	case err == nil:
	case errors.Is(err, mcp.ErrConnectionClosed):
		c.markUnhealthy(err)
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		c.markUnhealthy(fmt.Errorf("request timed out after %s: %w", c.opts.RequestTimeout, err))
	}
}

// CallTool invokes a tool on the backend, bounded by the request timeout.
func (c *Connection) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	res, err := session.CallTool(ctx, params)
	c.observe(parent, err)
	return res, err
}

// ListTools lists the backend's tools, bounded by the request timeout.
func (c *Connection) ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	session, err := c.liveSession()
	if err != nil {
		return nil, err
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	res, err := session.ListTools(ctx, params)
	c.observe(parent, err)
	return res, err
}

func (c *Connection) Ping(ctx context.Context) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	err = session.Ping(ctx, nil)
	c.observe(parent, err)
	return err
}

package mcppool

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// Default returns the process-wide registry, creating it with DefaultOptions
// on first use.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(nil)
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry and returns the previous one,
// which is left running.
func SetDefault(r *Registry) *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultRegistry
	defaultRegistry = r
	return prev
}

// ResetDefault closes the process-wide registry, if any. The next Default call
// builds a fresh one.
func ResetDefault(ctx context.Context) error {
	defaultMu.Lock()
	r := defaultRegistry
	defaultRegistry = nil
	defaultMu.Unlock()
	if r == nil {
		return nil
	}
	return r.Close(ctx)
}

// Registry owns every server pool of the process and enforces the global
// connection ceiling.
type Registry struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	pools map[PoolKey]*serverPool
	// live counts registered connections plus reservations of in-flight
	// creations.
	live       int
	seq        uint64
	generation uint64
	closed     bool
	reaper     *reaper

	flights singleflight.Group
}

// NewRegistry builds a registry and starts its idle reaper. A nil opts uses
// DefaultOptions.
func NewRegistry(opts *Options) *Registry {
	normalized := opts.withDefaults()
	r := &Registry{
		opts:   normalized,
		logger: normalized.Logger.Named("pool"),
		pools:  make(map[PoolKey]*serverPool),
	}
	r.mu.Lock()
	r.startReaperLocked()
	r.mu.Unlock()
	return r
}

// Options returns the normalized options the registry runs with.
func (r *Registry) Options() Options { return r.opts }

type flightResult struct {
	conn *Connection
	// held is true when the flight already checked conn out for its leader.
	held bool
}

// GetConnection returns a healthy connection to cfg's backend scoped to
// consumerID, creating one when none is available. The caller must hand it
// back with ReleaseConnection.
func (r *Registry) GetConnection(ctx context.Context, consumerID string, cfg ServerConfig) (*Connection, error) {
	if strings.TrimSpace(consumerID) == "" {
		return nil, &ConfigurationError{Server: ServerName(cfg), Field: "consumerId", Reason: "is required"}
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	key := PoolKey{ConsumerID: consumerID, ServerName: ServerName(cfg)}
	for {
		conn, err := r.acquireExisting(key)
		if err != nil || conn != nil {
			return conn, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err = r.create(ctx, key, cfg)
		if err != nil || conn != nil {
			return conn, err
		}
		// The new connection died or filled up before this caller could
		// check it out.
	}
}

func (r *Registry) acquireExisting(key PoolKey) (*Connection, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r.reaper == nil {
		r.startReaperLocked()
	}
	conn, dead := r.acquireLocked(key)
	r.mu.Unlock()
	r.closeAll(dead, "unhealthy")
	return conn, nil
}

func (r *Registry) acquireLocked(key PoolKey) (*Connection, []*Connection) {
	pool, ok := r.pools[key]
	if !ok {
		return nil, nil
	}
	conn, dead := pool.acquire(r.opts.MaxCheckoutsPerConnection)
	r.live -= len(dead)
	if pool.len() == 0 {
		delete(r.pools, key)
	}
	return conn, dead
}

// create runs or joins the single creation flight for key. It returns a nil
// connection without error when the caller should start over.
func (r *Registry) create(ctx context.Context, key PoolKey, cfg ServerConfig) (*Connection, error) {
	led := false
	ch := r.flights.DoChan(key.String(), func() (any, error) {
		led = true
		return r.establish(ctx, key, cfg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		fr := res.Val.(flightResult)
		if led && fr.held {
			return fr.conn, nil
		}
		return r.checkoutRegistered(key, fr.conn), nil
	case <-ctx.Done():
		go func() {
			res := <-ch
			if res.Err == nil && led {
				if fr := res.Val.(flightResult); fr.held {
					r.ReleaseConnection(fr.conn, key.ConsumerID, key.ServerName)
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (r *Registry) checkoutRegistered(key PoolKey, conn *Connection) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	pool, ok := r.pools[key]
	if !ok || !pool.contains(conn) {
		return nil
	}
	if conn.tryCheckout(r.opts.MaxCheckoutsPerConnection) {
		return conn
	}
	return nil
}

// establish is the body of a creation flight. It outlives the leader's
// context cancellation but is bounded by the connect timeout.
func (r *Registry) establish(ctx context.Context, key PoolKey, cfg ServerConfig) (flightResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return flightResult{}, ErrRegistryClosed
	}
	// A flight that finished just before this one may have left a usable
	// connection behind.
	conn, dead := r.acquireLocked(key)
	if conn != nil {
		r.mu.Unlock()
		r.closeAll(dead, "unhealthy")
		return flightResult{conn: conn, held: true}, nil
	}
	victim, err := r.reserveLocked()
	if err != nil {
		r.mu.Unlock()
		r.closeAll(dead, "unhealthy")
		r.record(key, err)
		return flightResult{}, err
	}
	r.seq++
	seq, gen := r.seq, r.generation
	r.mu.Unlock()
	r.closeAll(dead, "unhealthy")

	if victim != nil {
		r.logger.Info("evicting least recently used connection",
			zap.String("key", key.String()), zap.String("victim", victim.key.String()), zap.String("conn", victim.id))
		r.closeConn(victim, "evicted")
	}

	timeout := r.opts.ConnectTimeout
	if t := cfg.base().Timeout; t > 0 {
		timeout = t
	}
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	conn = newConnection(key, cfg, seq, gen, &r.opts)
	if err := conn.connect(dialCtx); err != nil {
		r.mu.Lock()
		if r.generation == gen {
			r.live--
		}
		r.mu.Unlock()
		r.logger.Warn("connection establishment failed", zap.String("key", key.String()), zap.Error(err))
		r.record(key, err)
		return flightResult{}, err
	}

	r.mu.Lock()
	if r.closed || r.generation != gen {
		closed := r.closed
		r.mu.Unlock()
		r.closeConn(conn, "registry reset during connect")
		if closed {
			return flightResult{}, ErrRegistryClosed
		}
		err := &EstablishmentError{Key: key, Phase: PhaseRegister, Err: errors.New("registry was cleaned up during connect")}
		r.record(key, err)
		return flightResult{}, err
	}
	pool, ok := r.pools[key]
	if !ok {
		pool = newServerPool(key)
		r.pools[key] = pool
	}
	pool.add(conn)
	held := conn.tryCheckout(0)
	r.mu.Unlock()
	r.logger.Debug("connection registered", zap.String("key", key.String()), zap.String("conn", conn.id))
	return flightResult{conn: conn, held: held}, nil
}

// reserveLocked claims one unit of capacity. At the ceiling it detaches a
// victim, which the caller closes outside the lock; the victim's unit passes to
// the new connection.
func (r *Registry) reserveLocked() (*Connection, error) {
	if r.live < r.opts.MaxConnections {
		r.live++
		return nil, nil
	}
	victim := r.victimLocked()
	if victim == nil {
		return nil, &CapacityError{Max: r.opts.MaxConnections}
	}
	r.detachLocked(victim)
	r.live++
	return victim, nil
}

// victimLocked picks a connection to evict: a dead one if any, otherwise the
// globally least recently used idle one.
func (r *Registry) victimLocked() *Connection {
	var (
		best     *Connection
		bestUsed time.Time
	)
	for _, pool := range r.pools {
		for _, c := range pool.conns {
			if !c.Healthy() && (best == nil || c.seq < best.seq) {
				best = c
			}
		}
	}
	if best != nil {
		return best
	}
	for _, pool := range r.pools {
		c, used := pool.oldestIdle()
		if c == nil {
			continue
		}
		if best == nil || lessRecentlyUsed(c, used, best, bestUsed) {
			best, bestUsed = c, used
		}
	}
	return best
}

// detachLocked removes c from its pool, dropping the pool when it empties, and
// returns c's capacity unit.
func (r *Registry) detachLocked(c *Connection) bool {
	pool, ok := r.pools[c.key]
	if !ok || !pool.remove(c) {
		return false
	}
	r.live--
	if pool.len() == 0 {
		delete(r.pools, c.key)
	}
	return true
}

// ReleaseConnection hands conn back. When its pool still holds it the
// connection stays open for reuse; otherwise it is closed. The connection's
// own key decides the pool; names that disagree with it are logged and
// ignored. Close failures are logged, never returned.
func (r *Registry) ReleaseConnection(conn *Connection, consumerID, serverName string) {
	if conn == nil {
		return
	}
	if claimed := (PoolKey{ConsumerID: consumerID, ServerName: serverName}); claimed != conn.key {
		r.logger.Warn("release names do not match connection", zap.String("key", conn.key.String()),
			zap.String("conn", conn.id), zap.String("claimed", claimed.String()))
	}
	r.mu.Lock()
	if pool, ok := r.pools[conn.key]; ok && pool.release(conn) {
		if conn.InUse() > 0 || conn.Healthy() {
			r.mu.Unlock()
			return
		}
		r.detachLocked(conn)
		r.mu.Unlock()
		r.closeConn(conn, "released unhealthy")
		return
	}
	r.mu.Unlock()
	r.closeConn(conn, "released without pool")
}

// Stats returns a snapshot of every pool, sorted by key.
func (r *Registry) Stats() PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := PoolStats{TotalPools: len(r.pools), PerPool: make([]PoolStat, 0, len(r.pools))}
	for _, pool := range r.pools {
		st := pool.stats()
		stats.TotalConnections += st.TotalConnections
		stats.ActiveConnections += st.ActiveConnections
		stats.PerPool = append(stats.PerPool, st)
	}
	sort.Slice(stats.PerPool, func(i, j int) bool { return stats.PerPool[i].Key < stats.PerPool[j].Key })
	return stats
}

// Cleanup stops the reaper and closes every connection concurrently. The
// registry stays usable afterwards. It returns ctx's error if ctx ends before
// every connection is closed; the remaining closes continue in the
// background.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.stopReaper()

	r.mu.Lock()
	var conns []*Connection
	for _, pool := range r.pools {
		conns = append(conns, pool.conns...)
	}
	r.pools = make(map[PoolKey]*serverPool)
	r.live = 0
	r.generation++
	r.mu.Unlock()

	if len(conns) > 0 {
		r.logger.Info("closing all connections", zap.Int("count", len(conns)))
	}
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			r.closeConn(c, "cleanup")
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs Cleanup and refuses further GetConnection calls.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Cleanup(ctx)
}

func (r *Registry) closeConn(c *Connection, reason string) {
	if err := c.Close(); err != nil {
		r.logger.Warn("connection close failed", zap.String("key", c.key.String()),
			zap.String("conn", c.id), zap.String("reason", reason), zap.Error(err))
		return
	}
	r.logger.Debug("connection closed", zap.String("key", c.key.String()),
		zap.String("conn", c.id), zap.String("reason", reason))
}

func (r *Registry) closeAll(conns []*Connection, reason string) {
	for _, c := range conns {
		r.closeConn(c, reason)
	}
}

func (r *Registry) record(key PoolKey, err error) {
	if r.opts.ErrorRecorder != nil {
		r.opts.ErrorRecorder(key, err)
	}
}

package mcppool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGetConnectionReusesConnection(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	first, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	r.ReleaseConnection(first, "instance1", "test-server")

	second, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	defer r.ReleaseConnection(second, "instance1", "test-server")

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), backends.dials.Load())
	assert.True(t, second.IsActive())
	assert.Equal(t, PoolKey{ConsumerID: "instance1", ServerName: "test-server"}, second.Key())
}

func TestGetConnectionSharesConnectionBeforeRelease(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	a, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 2, a.InUse())

	r.ReleaseConnection(a, "instance1", "test-server")
	r.ReleaseConnection(b, "instance1", "test-server")
	assert.Equal(t, 0, a.InUse())
	assert.Equal(t, StateIdle, a.State())
}

func TestMaxCheckoutsPerConnectionOpensAnother(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, func(o *Options) { o.MaxCheckoutsPerConnection = 1 })
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	a, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	defer r.ReleaseConnection(a, "instance1", "test-server")
	defer r.ReleaseConnection(b, "instance1", "test-server")

	assert.NotSame(t, a, b)
	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalPools)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.ActiveConnections)
}

func TestConnectionsAreIsolatedByServerAndConsumer(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()

	base, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	otherServer, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server-2"))
	require.NoError(t, err)
	otherConsumer, err := r.GetConnection(ctx, "instance2", stdioConfig("test-server"))
	require.NoError(t, err)

	assert.NotSame(t, base, otherServer)
	assert.NotSame(t, base, otherConsumer)
	assert.NotEqual(t, base.ID(), otherConsumer.ID())
	assert.Equal(t, "instance2", otherConsumer.ConsumerID())
	assert.Equal(t, "test-server-2", otherServer.ServerName())
	assert.Equal(t, int32(3), backends.dials.Load())
}

func TestReleaseKeepsConnectionWhilePoolExists(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	ctx := context.Background()

	conn, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Stats().ActiveConnections)

	r.ReleaseConnection(conn, "instance1", "test-server")

	assert.True(t, conn.IsActive())
	stats := r.Stats()
	assert.Equal(t, 0, stats.ActiveConnections)
	assert.Equal(t, 1, stats.TotalConnections)
	require.Len(t, stats.PerPool, 1)
	assert.Equal(t, 1, stats.PerPool[0].IdleConnections)
}

func TestReleaseClosesConnectionWithoutPool(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	ctx := context.Background()

	conn, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	require.NoError(t, r.Cleanup(ctx))

	r.ReleaseConnection(conn, "instance1", "test-server")
	assert.False(t, conn.IsActive())
	assert.Equal(t, StateClosed, conn.State())
}

func TestReleaseWithMismatchedNamesUsesConnectionKey(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) { o.Logger = zap.New(core) })
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	a, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	require.Same(t, a, b)

	r.ReleaseConnection(a, "nobody", "other-server")

	assert.True(t, b.IsActive())
	assert.Equal(t, 1, b.InUse())
	stats := r.Stats()
	assert.Equal(t, 1, stats.TotalConnections)
	require.Len(t, stats.PerPool, 1)
	assert.Equal(t, "instance1/test-server", stats.PerPool[0].Key)
	assert.Equal(t, 1, stats.PerPool[0].ActiveConnections)
	assert.Equal(t, 1, logs.FilterMessage("release names do not match connection").Len())

	r.ReleaseConnection(b, "instance1", "test-server")
	assert.True(t, b.IsActive())
	assert.Equal(t, StateIdle, b.State())
}

func TestReleaseWithoutPoolLogsFailedClose(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	var cleanups atomic.Int32
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.Logger = zap.New(core)
		o.Credentials = CredentialProviderFunc(func(context.Context, string, ServerConfig) (*Credential, error) {
			return &Credential{Cleanup: func(context.Context) error {
				cleanups.Add(1)
				return errors.New("revoke failed")
			}}, nil
		})
	})
	ctx := context.Background()

	conn, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)

	// Drop the pool entry while the caller still holds the connection.
	r.mu.Lock()
	require.True(t, r.detachLocked(conn))
	r.mu.Unlock()

	require.NotPanics(t, func() { r.ReleaseConnection(conn, "instance1", "test-server") })

	assert.False(t, conn.IsActive())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, int32(1), cleanups.Load())
	warnings := logs.FilterMessage("connection close failed").FilterField(zap.String("reason", "released without pool"))
	require.Equal(t, 1, warnings.Len())
	assert.Equal(t, zap.WarnLevel, warnings.All()[0].Level)

	// A second release of the same connection is harmless.
	require.NotPanics(t, func() { r.ReleaseConnection(conn, "instance1", "test-server") })
	assert.Equal(t, int32(1), cleanups.Load())
}

func TestStatsEmptyRegistry(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	stats := r.Stats()

	assert.Zero(t, stats.TotalPools)
	assert.Zero(t, stats.TotalConnections)
	assert.Zero(t, stats.ActiveConnections)
	assert.NotNil(t, stats.PerPool)
	assert.Empty(t, stats.PerPool)
}

func TestStatsTwoConsumers(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	ctx := context.Background()

	for _, consumer := range []string{"consumer-b", "consumer-a"} {
		_, err := r.GetConnection(ctx, consumer, stdioConfig("test-server"))
		require.NoError(t, err)
	}

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalPools)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.ActiveConnections)
	require.Len(t, stats.PerPool, 2)
	assert.Equal(t, "consumer-a/test-server", stats.PerPool[0].Key)
	assert.Equal(t, "consumer-b/test-server", stats.PerPool[1].Key)
}

func TestScenarioTwoServersOneConsumer(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	ctx := context.Background()

	a, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server-2"))
	require.NoError(t, err)
	require.NotSame(t, a, b)

	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalPools)
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.ActiveConnections)
}

func TestCleanupClosesEverything(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()

	var conns []*Connection
	for _, name := range []string{"test-server", "test-server-2"} {
		conn, err := r.GetConnection(ctx, "instance1", stdioConfig(name))
		require.NoError(t, err)
		conns = append(conns, conn)
	}

	require.NoError(t, r.Cleanup(ctx))

	for _, conn := range conns {
		assert.False(t, conn.IsActive())
		assert.False(t, conn.Healthy())
	}
	stats := r.Stats()
	assert.Zero(t, stats.TotalPools)
	assert.Zero(t, stats.TotalConnections)

	// The registry stays usable and hands out fresh connections.
	fresh, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	assert.NotSame(t, conns[0], fresh)
	assert.True(t, fresh.Healthy())
}

func TestCleanupContinuesPastFailingClose(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	var siblingCleanups atomic.Int32
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.Logger = zap.New(core)
		o.Credentials = CredentialProviderFunc(func(_ context.Context, consumerID string, _ ServerConfig) (*Credential, error) {
			if consumerID == "broken" {
				return &Credential{Cleanup: func(context.Context) error { return errors.New("revoke failed") }}, nil
			}
			return &Credential{Cleanup: func(context.Context) error {
				siblingCleanups.Add(1)
				return nil
			}}, nil
		})
	})
	ctx := context.Background()

	broken, err := r.GetConnection(ctx, "broken", stdioConfig("test-server"))
	require.NoError(t, err)
	sibling, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)

	require.NoError(t, r.Cleanup(ctx))

	assert.False(t, broken.IsActive())
	assert.False(t, sibling.IsActive())
	assert.Equal(t, StateClosed, sibling.State())
	assert.Equal(t, int32(1), siblingCleanups.Load())
	var closeErr *CloseError
	require.ErrorAs(t, broken.Close(), &closeErr)
	assert.Equal(t, PoolKey{ConsumerID: "broken", ServerName: "test-server"}, closeErr.Key)

	stats := r.Stats()
	assert.Zero(t, stats.TotalPools)
	assert.Zero(t, stats.TotalConnections)
	assert.Equal(t, 1, logs.FilterMessage("connection close failed").FilterField(zap.String("reason", "cleanup")).Len())
}

func TestCleanupReturnsWhenCloseBlocks(t *testing.T) {
	t.Parallel()

	unblock := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(unblock) }) }
	var siblingCleanups atomic.Int32
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.Credentials = CredentialProviderFunc(func(_ context.Context, consumerID string, _ ServerConfig) (*Credential, error) {
			if consumerID == "stuck" {
				return &Credential{Cleanup: func(context.Context) error {
					<-unblock
					return nil
				}}, nil
			}
			return &Credential{Cleanup: func(context.Context) error {
				siblingCleanups.Add(1)
				return nil
			}}, nil
		})
	})
	// Registered after the registry so it runs before the registry's Close.
	t.Cleanup(release)

	stuck, err := r.GetConnection(context.Background(), "stuck", stdioConfig("test-server"))
	require.NoError(t, err)
	sibling, err := r.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, r.Cleanup(ctx), context.DeadlineExceeded)

	stats := r.Stats()
	assert.Zero(t, stats.TotalPools)
	assert.Zero(t, stats.TotalConnections)
	assert.Eventually(t, func() bool {
		return sibling.State() == StateClosed && siblingCleanups.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return stuck.State() == StateClosing }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, stuck.IsActive())

	release()
	assert.Eventually(t, func() bool { return stuck.State() == StateClosed }, 2*time.Second, 10*time.Millisecond)

	fresh, err := r.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	assert.NotSame(t, sibling, fresh)
	r.ReleaseConnection(fresh, "instance1", "test-server")
}

func TestCloseRejectsNewConnections(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	require.NoError(t, r.Close(context.Background()))

	_, err := r.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestClosedConnectionIsNeverReturned(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	conn, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	assert.True(t, conn.Healthy())
	r.ReleaseConnection(conn, "instance1", "test-server")

	require.NoError(t, conn.Close())
	assert.False(t, conn.Healthy())

	next, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	assert.True(t, next.Healthy())
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestDeadBackendIsReplaced(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()
	cfg := stdioConfig("test-server")
	key := PoolKey{ConsumerID: "instance1", ServerName: "test-server"}

	conn, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	r.ReleaseConnection(conn, "instance1", "test-server")

	backends.kill(key)
	require.Eventually(t, func() bool { return !conn.Healthy() }, 5*time.Second, 10*time.Millisecond)

	next, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	assert.NotSame(t, conn, next)
	assert.False(t, conn.IsActive())
	assert.Equal(t, int32(2), backends.dials.Load())
}

func TestCapacityEvictsLeastRecentlyUsedIdle(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.MaxConnections = 2
		o.Clock = clock.Now
	})
	ctx := context.Background()

	a, err := r.GetConnection(ctx, "instance1", stdioConfig("server-a"))
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance1", stdioConfig("server-b"))
	require.NoError(t, err)

	// b is released first, then a: b is the least recently used.
	clock.Advance(time.Second)
	r.ReleaseConnection(b, "instance1", "server-b")
	clock.Advance(time.Second)
	r.ReleaseConnection(a, "instance1", "server-a")

	c, err := r.GetConnection(ctx, "instance1", stdioConfig("server-c"))
	require.NoError(t, err)
	defer r.ReleaseConnection(c, "instance1", "server-c")

	assert.False(t, b.IsActive())
	assert.True(t, a.IsActive())
	stats := r.Stats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 2, stats.TotalPools)
}

func TestCapacityTieBreaksOnInsertionOrder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.MaxConnections = 2
		o.Clock = clock.Now
	})
	ctx := context.Background()

	a, err := r.GetConnection(ctx, "instance1", stdioConfig("server-a"))
	require.NoError(t, err)
	b, err := r.GetConnection(ctx, "instance2", stdioConfig("server-a"))
	require.NoError(t, err)

	// Force identical timestamps.
	a.mu.Lock()
	a.checkouts, a.lastUsed = 0, clock.Now()
	a.mu.Unlock()
	b.mu.Lock()
	b.checkouts, b.lastUsed = 0, clock.Now()
	b.mu.Unlock()

	_, err = r.GetConnection(ctx, "instance3", stdioConfig("server-a"))
	require.NoError(t, err)

	assert.False(t, a.IsActive())
	assert.True(t, b.IsActive())
}

func TestCapacityErrorWhenAllCheckedOut(t *testing.T) {
	t.Parallel()

	var recorded []error
	var mu sync.Mutex
	r := newTestRegistry(t, newFakeBackends(), func(o *Options) {
		o.MaxConnections = 1
		o.ErrorRecorder = func(_ PoolKey, err error) {
			mu.Lock()
			recorded = append(recorded, err)
			mu.Unlock()
		}
	})
	ctx := context.Background()

	held, err := r.GetConnection(ctx, "instance1", stdioConfig("server-a"))
	require.NoError(t, err)
	defer r.ReleaseConnection(held, "instance1", "server-a")

	_, err = r.GetConnection(ctx, "instance1", stdioConfig("server-b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacity)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Max)
	assert.False(t, IsRetryable(err))
	assert.True(t, held.IsActive())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, recorded, 1)
}

func TestConcurrentCallersShareOneCreation(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	backends.gate = make(chan struct{})
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	const callers = 8
	results := make([]*Connection, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = r.GetConnection(ctx, "instance1", cfg)
		}()
	}

	require.Eventually(t, func() bool { return backends.dials.Load() == 1 }, 5*time.Second, time.Millisecond)
	// Give the remaining callers time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(backends.gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), backends.dials.Load())
	assert.Equal(t, callers, results[0].InUse())
	assert.Equal(t, 1, r.Stats().TotalConnections)
}

func TestEstablishmentFailureIsRetryableAndReleasesCapacity(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	backends.failFor(1, errDialRefused)
	r := newTestRegistry(t, backends, func(o *Options) { o.MaxConnections = 1 })
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	_, err := r.GetConnection(ctx, "instance1", cfg)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, errDialRefused)
	var est *EstablishmentError
	require.ErrorAs(t, err, &est)
	assert.Equal(t, PhaseTransport, est.Phase)
	assert.Zero(t, r.Stats().TotalPools)

	conn, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	assert.True(t, conn.Healthy())
}

func TestCredentialFailureReleasesNothing(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, func(o *Options) {
		o.Credentials = CredentialProviderFunc(func(context.Context, string, ServerConfig) (*Credential, error) {
			return nil, errors.New("vault sealed")
		})
	})

	_, err := r.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	var est *EstablishmentError
	require.ErrorAs(t, err, &est)
	assert.Equal(t, PhaseCredentials, est.Phase)
	assert.Zero(t, backends.dials.Load())
}

func TestGetConnectionConfigurationErrors(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	r := newTestRegistry(t, backends, nil)
	ctx := context.Background()

	cases := map[string]struct {
		consumer string
		cfg      ServerConfig
	}{
		"empty consumer": {consumer: "", cfg: stdioConfig("test-server")},
		"nil config":     {consumer: "instance1", cfg: nil},
		"missing name":   {consumer: "instance1", cfg: &StdioServerConfig{Command: "node"}},
		"missing command": {consumer: "instance1", cfg: &StdioServerConfig{
			BaseServerConfig: BaseServerConfig{Name: "x"},
		}},
		"bad endpoint": {consumer: "instance1", cfg: &HTTPServerConfig{
			BaseServerConfig: BaseServerConfig{Name: "x"},
			Endpoint:         "ftp://example.com",
		}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.GetConnection(ctx, tc.consumer, tc.cfg)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.False(t, IsRetryable(err))
		})
	}
	assert.Zero(t, backends.dials.Load())
}

func TestConnectionCallsBackendTool(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, newFakeBackends(), nil)
	ctx := context.Background()

	conn, err := r.GetConnection(ctx, "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	defer r.ReleaseConnection(conn, "instance1", "test-server")

	tools, err := conn.ListTools(ctx, nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "echo", tools.Tools[0].Name)

	res, err := conn.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Text)
	require.NoError(t, conn.Ping(ctx))
}

func TestRequestTimeoutMarksConnectionUnhealthy(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	backends.hang = true
	r := newTestRegistry(t, backends, func(o *Options) { o.RequestTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	cfg := stdioConfig("test-server")

	conn, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)

	_, err = conn.CallTool(ctx, &mcp.CallToolParams{Name: "hang", Arguments: map[string]any{"text": "wait"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, conn.Healthy())

	r.ReleaseConnection(conn, "instance1", "test-server")
	assert.False(t, conn.IsActive())

	next, err := r.GetConnection(ctx, "instance1", cfg)
	require.NoError(t, err)
	defer r.ReleaseConnection(next, "instance1", "test-server")
	assert.NotSame(t, conn, next)
	assert.Equal(t, int32(2), backends.dials.Load())
}

func TestCallerDeadlineKeepsConnectionHealthy(t *testing.T) {
	t.Parallel()

	backends := newFakeBackends()
	backends.hang = true
	r := newTestRegistry(t, backends, nil)

	conn, err := r.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	require.NoError(t, err)
	defer r.ReleaseConnection(conn, "instance1", "test-server")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.CallTool(ctx, &mcp.CallToolParams{Name: "hang", Arguments: map[string]any{"text": "wait"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, conn.Healthy())
}

func TestDefaultRegistrySingleton(t *testing.T) {
	// Not parallel: mutates the process-wide registry.
	prev := SetDefault(nil)
	t.Cleanup(func() { SetDefault(prev) })

	a := Default()
	b := Default()
	assert.Same(t, a, b)

	require.NoError(t, ResetDefault(context.Background()))
	c := Default()
	assert.NotSame(t, a, c)
	_, err := a.GetConnection(context.Background(), "instance1", stdioConfig("test-server"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
	require.NoError(t, ResetDefault(context.Background()))
}

package mcppool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type echoArgs struct {
	Text string `json:"text"`
}

func echoTool(_ context.Context, _ *mcp.CallToolRequest, in echoArgs) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
}

// hangTool never answers on its own; it returns once the caller gives up.
func hangTool(ctx context.Context, _ *mcp.CallToolRequest, _ echoArgs) (*mcp.CallToolResult, any, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// fakeBackends is a TransportFactory serving every key from an in-memory MCP
// server.
type fakeBackends struct {
	dials atomic.Int32
	// gate, when set, holds every Build until it is closed.
	gate chan struct{}
	// hang adds a "hang" tool that blocks until the request is cancelled.
	hang bool

	mu       sync.Mutex
	failNext int
	failErr  error
	sessions map[PoolKey][]*mcp.ServerSession
	creds    []*Credential
}

func newFakeBackends() *fakeBackends {
	return &fakeBackends{sessions: make(map[PoolKey][]*mcp.ServerSession)}
}

func (f *fakeBackends) failFor(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext, f.failErr = n, err
}

func (f *fakeBackends) Build(ctx context.Context, key PoolKey, _ ServerConfig, cred *Credential) (mcp.Transport, error) {
	f.dials.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	f.creds = append(f.creds, cred)
	f.mu.Unlock()

	server := mcp.NewServer(&mcp.Implementation{Name: key.ServerName, Version: "test"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echoes text"}, echoTool)
	if f.hang {
		mcp.AddTool(server, &mcp.Tool{Name: "hang", Description: "never replies"}, hangTool)
	}
	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions[key] = append(f.sessions[key], ss)
	f.mu.Unlock()
	return clientT, nil
}

// kill drops the server side of every session of key, as if the backend
// crashed.
func (f *fakeBackends) kill(key PoolKey) {
	f.mu.Lock()
	sessions := f.sessions[key]
	f.mu.Unlock()
	for _, ss := range sessions {
		_ = ss.Close()
	}
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, backends *fakeBackends, mutate func(*Options)) *Registry {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = zaptest.NewLogger(t)
	opts.TransportFactory = backends
	opts.ReapInterval = time.Hour
	opts.ConnectTimeout = 5 * time.Second
	if mutate != nil {
		mutate(&opts)
	}
	r := NewRegistry(&opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, r.Close(ctx))
	})
	return r
}

func stdioConfig(name string) *StdioServerConfig {
	return &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Name: name, Operations: []string{"echo"}},
		Command:          "node",
		Args:             []string{"test.js"},
	}
}

var errDialRefused = errors.New("dial refused")

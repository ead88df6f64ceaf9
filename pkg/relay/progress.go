package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

// progressRoute remembers which caller asked for progress and under which
// token.
type progressRoute struct {
	sink  progressSink
	token any
	seq   uint64
}

// progressTracker rewrites caller progress tokens into relay-unique ones.
// Pooled connections are shared by every call of a consumer, so caller
// tokens alone could collide on one backend session.
type progressTracker struct {
	counter atomic.Uint64

	mu     sync.Mutex
	routes map[string]progressRoute

	logger       *zap.Logger
	cleanupGrace time.Duration
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *zap.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track swaps the caller's progress token in params for a fresh one and
// routes notifications carrying it back to sink. Calls without a token are
// left alone. The returned func unregisters the route after a short grace
// period so trailing notifications still arrive.
func (pt *progressTracker) track(server string, sink progressSink, params *mcp.CallToolParams) func() {
	original := params.GetProgressToken()
	if original == nil || sink == nil {
		return func() {}
	}
	seq := pt.counter.Add(1)
	token := fmt.Sprintf("relay/%s/%d", server, seq)

	meta := make(mcp.Meta, len(params.Meta)+1)
	for k, v := range params.Meta {
		meta[k] = v
	}
	params.Meta = meta
	params.SetProgressToken(token)

	pt.mu.Lock()
	pt.routes[token] = progressRoute{sink: sink, token: original, seq: seq}
	pt.mu.Unlock()

	return func() {
		if pt.cleanupGrace <= 0 {
			pt.remove(token, seq)
			return
		}
		time.AfterFunc(pt.cleanupGrace, func() { pt.remove(token, seq) })
	}
}

func (pt *progressTracker) remove(token string, seq uint64) {
	pt.mu.Lock()
	if r, ok := pt.routes[token]; ok && r.seq == seq {
		delete(pt.routes, token)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(token any) (progressRoute, bool) {
	s, ok := token.(string)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	r, ok := pt.routes[s]
	return r, ok
}

// forward delivers a backend progress notification to the caller that owns
// its token.
func (pt *progressTracker) forward(ctx context.Context, server string, params *mcp.ProgressNotificationParams) {
	if params == nil {
		return
	}
	route, ok := pt.lookup(params.ProgressToken)
	if !ok {
		pt.logger.Debug("dropping progress for unknown token", zap.String("server", server), zap.Any("token", params.ProgressToken))
		return
	}
	out := *params
	out.ProgressToken = route.token
	if err := route.sink.NotifyProgress(ctx, &out); err != nil {
		pt.logger.Debug("forward progress", zap.String("server", server), zap.Error(err))
	}
}

// handler returns a client progress handler for server's connections that
// chains to next.
func (pt *progressTracker) handler(server string, next func(context.Context, *mcp.ProgressNotificationClientRequest)) func(context.Context, *mcp.ProgressNotificationClientRequest) {
	return func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
		pt.forward(ctx, server, req.Params)
		if next != nil {
			next(ctx, req)
		}
	}
}

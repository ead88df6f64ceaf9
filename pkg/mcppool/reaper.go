package mcppool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type reaper struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Registry) startReaperLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	rp := &reaper{cancel: cancel, done: make(chan struct{})}
	r.reaper = rp
	logger := r.opts.Logger.Named("reaper")
	go func() {
		defer close(rp.done)
		ticker := time.NewTicker(r.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Reap(ctx); n > 0 {
					logger.Debug("reaped connections", zap.Int("count", n))
				}
			}
		}
	}()
}

// stopReaper cancels the reaper and waits for an in-progress tick to finish.
func (r *Registry) stopReaper() {
	r.mu.Lock()
	rp := r.reaper
	r.reaper = nil
	r.mu.Unlock()
	if rp == nil {
		return
	}
	rp.cancel()
	<-rp.done
}

// Reap runs one reaper pass: connections idle for longer than IdleTimeout and
// connections whose transport failed are detached and closed. With
// HealthCheckPing set, the remaining idle connections are pinged and the ones
// that fail are closed too. It returns how many connections were closed.
func (r *Registry) Reap(ctx context.Context) int {
	cutoff := r.opts.Clock().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var doomed []*Connection
	for _, pool := range r.pools {
		for _, c := range pool.expired(cutoff) {
			if r.detachLocked(c) {
				doomed = append(doomed, c)
			}
		}
	}
	var probe []*Connection
	if r.opts.HealthCheckPing {
		for _, pool := range r.pools {
			probe = append(probe, pool.idleConns()...)
		}
	}
	r.mu.Unlock()

	for _, c := range probe {
		if ctx.Err() != nil {
			break
		}
		if c.HealthCheck(ctx) {
			continue
		}
		r.mu.Lock()
		// Only take it if nobody checked it out while the ping ran.
		if idle, _ := c.idle(); idle && r.detachLocked(c) {
			doomed = append(doomed, c)
		}
		r.mu.Unlock()
	}

	for _, c := range doomed {
		reason := "idle"
		if !c.Healthy() {
			reason = "unhealthy"
		}
		r.closeConn(c, reason)
	}
	return len(doomed)
}

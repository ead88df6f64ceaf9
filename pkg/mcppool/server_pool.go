package mcppool

import "time"

// serverPool holds the connections of one key in insertion order. The
// registry mutex guards it.
type serverPool struct {
	key   PoolKey
	conns []*Connection
}

func newServerPool(key PoolKey) *serverPool {
	return &serverPool{key: key}
}

// acquire checks out the first connection accepting another caller. Unhealthy
// connections met on the way are detached and returned in dead so the caller
// can close them outside the lock.
func (p *serverPool) acquire(limit int) (conn *Connection, dead []*Connection) {
	kept := p.conns[:0]
	for _, c := range p.conns {
		if !c.Healthy() {
			dead = append(dead, c)
			continue
		}
		kept = append(kept, c)
		if conn == nil && c.tryCheckout(limit) {
			conn = c
		}
	}
	clear(p.conns[len(kept):])
	p.conns = kept
	return conn, dead
}

func (p *serverPool) add(c *Connection) {
	p.conns = append(p.conns, c)
}

func (p *serverPool) contains(c *Connection) bool {
	for _, existing := range p.conns {
		if existing == c {
			return true
		}
	}
	return false
}

// release checks c back in. It reports false when c does not belong here.
func (p *serverPool) release(c *Connection) bool {
	if !p.contains(c) {
		return false
	}
	c.checkin()
	return true
}

func (p *serverPool) remove(c *Connection) bool {
	for i, existing := range p.conns {
		if existing == c {
			copy(p.conns[i:], p.conns[i+1:])
			p.conns[len(p.conns)-1] = nil
			p.conns = p.conns[:len(p.conns)-1]
			return true
		}
	}
	return false
}

func (p *serverPool) len() int { return len(p.conns) }

// expired returns the connections the reaper should close: idle ones last
// used before cutoff and any whose transport has failed.
func (p *serverPool) expired(cutoff time.Time) []*Connection {
	var out []*Connection
	for _, c := range p.conns {
		if !c.Healthy() || c.idleSince(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// idleConns returns the healthy connections nobody holds.
func (p *serverPool) idleConns() []*Connection {
	var out []*Connection
	for _, c := range p.conns {
		if idle, _ := c.idle(); idle && c.Healthy() {
			out = append(out, c)
		}
	}
	return out
}

// oldestIdle returns the least recently used connection nobody holds, ties
// going to the one created first.
func (p *serverPool) oldestIdle() (*Connection, time.Time) {
	var (
		best     *Connection
		bestUsed time.Time
	)
	for _, c := range p.conns {
		idle, used := c.idle()
		if !idle {
			continue
		}
		if best == nil || lessRecentlyUsed(c, used, best, bestUsed) {
			best, bestUsed = c, used
		}
	}
	return best, bestUsed
}

func lessRecentlyUsed(a *Connection, aUsed time.Time, b *Connection, bUsed time.Time) bool {
	if aUsed.Equal(bUsed) {
		return a.seq < b.seq
	}
	return aUsed.Before(bUsed)
}

func (p *serverPool) stats() PoolStat {
	st := PoolStat{
		Key:              p.key.String(),
		ConsumerID:       p.key.ConsumerID,
		ServerName:       p.key.ServerName,
		TotalConnections: len(p.conns),
	}
	for _, c := range p.conns {
		if c.InUse() > 0 {
			st.ActiveConnections++
		} else {
			st.IdleConnections++
		}
	}
	return st
}

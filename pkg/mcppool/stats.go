package mcppool

// PoolKey identifies one server pool: a backend as seen by one consumer.
type PoolKey struct {
	ConsumerID string
	ServerName string
}

func (k PoolKey) String() string { return k.ConsumerID + "/" + k.ServerName }

// PoolStats is a point-in-time snapshot of the registry.
type PoolStats struct {
	TotalPools        int        `json:"totalPools"`
	TotalConnections  int        `json:"totalConnections"`
	ActiveConnections int        `json:"activeConnections"`
	PerPool           []PoolStat `json:"perPool"`
}

// PoolStat describes a single server pool. Active connections are the ones
// currently checked out by at least one caller.
type PoolStat struct {
	Key               string `json:"key"`
	ConsumerID        string `json:"consumerId"`
	ServerName        string `json:"serverName"`
	TotalConnections  int    `json:"totalConnections"`
	ActiveConnections int    `json:"activeConnections"`
	IdleConnections   int    `json:"idleConnections"`
}

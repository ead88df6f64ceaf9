// Package relay serves a single Streamable MCP endpoint whose tools forward to
// backend MCP servers drawn from an mcppool.Registry. Every call checks a
// connection out for the calling consumer, invokes the backend tool and hands
// the connection back, so backends are spawned or dialed lazily, reused across
// calls and isolated per consumer.
package relay

// Package mcppool keeps outbound Model Context Protocol (MCP) connections from a
// relay process to many independently configured backend servers. Each
// consumer (tenant) gets its own connections per backend, so two consumers never
// share a subprocess or credential material even when they target the same
// server configuration.
//
// # Core entry points
//
//   - Registry is the long-lived owner of every pool. Use Default for the
//     process-wide instance or NewRegistry for an explicitly scoped one, then
//     call GetConnection / ReleaseConnection around each use of a backend and
//     Cleanup (or Close) at shutdown.
//   - ServerConfig (and the StdioServerConfig / HTTPServerConfig variants)
//     declare how a backend is spawned or dialed.
//   - Options carry the runtime tunables: global connection ceiling, idle
//     timeout, connect/request timeouts, the credential provider and the
//     transport factory.
//
// Connection creation is serialized per (consumer, server) key: concurrent
// callers for the same key wait for and share the connection being created.
// The registry enforces a global ceiling on live connections, evicting the
// least recently used idle connection when the ceiling is reached, and a
// background reaper closes connections that stay idle past the idle timeout or
// whose transport died.
//
// Short-lived credential material (for example a service-account key file) is
// materialized per connection through a CredentialProvider, exposed only to that
// connection's transport and removed when the connection closes.
//
// GetConnection performs a single establishment attempt; retrying belongs to
// callers, which can tell retryable failures apart with IsRetryable.
package mcppool

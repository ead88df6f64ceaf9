package mcppool

import (
	"net/url"
	"strings"
)

// Helpers for narrowing and inspecting ServerConfig values without forcing
// consumers to use a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportHTTP  ConfigTransport = "http"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c != nil {
			return TransportStdio
		}
	case *HTTPServerConfig:
		if c != nil {
			return TransportHTTP
		}
	}
	return ""
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	return TransportOf(cfg) == TransportStdio
}

// IsHTTP reports whether cfg is a *HTTPServerConfig.
func IsHTTP(cfg ServerConfig) bool {
	return TransportOf(cfg) == TransportHTTP
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok && c != nil
}

// AsHTTP narrows cfg to *HTTPServerConfig, returning (nil, false) when it
// does not match.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok && c != nil
}

func isNilConfig(cfg ServerConfig) bool {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return c == nil
	case *HTTPServerConfig:
		return c == nil
	}
	return false
}

// Validate checks that cfg names a supported transport and carries the fields
// that transport needs. Failures are *ConfigurationError values.
func Validate(cfg ServerConfig) error {
	if cfg == nil || isNilConfig(cfg) {
		return &ConfigurationError{Field: "config", Reason: "is required"}
	}
	name := cfg.base().Name
	if strings.TrimSpace(name) == "" {
		return &ConfigurationError{Field: "name", Reason: "is required"}
	}
	if strings.Contains(name, "/") {
		return &ConfigurationError{Server: name, Field: "name", Reason: "must not contain '/'"}
	}
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if strings.TrimSpace(c.Command) == "" {
			return &ConfigurationError{Server: name, Field: "command", Reason: "is required for stdio servers"}
		}
	case *HTTPServerConfig:
		if c.Endpoint == "" {
			return &ConfigurationError{Server: name, Field: "endpoint", Reason: "is required for http servers"}
		}
		u, err := url.Parse(c.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return &ConfigurationError{Server: name, Field: "endpoint", Reason: "must be an absolute http(s) URL"}
		}
	default:
		return &ConfigurationError{Server: name, Field: "transport", Reason: "unsupported server config type"}
	}
	return nil
}

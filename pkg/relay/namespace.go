package relay

import (
	"fmt"
	"strings"
)

// NamespaceStrategy maps backend tool names to the names the relay exposes and
// back. Implementations must be deterministic and collision-free for a given
// server/tool pair.
type NamespaceStrategy interface {
	ToolName(serverName, toolName string) string
	NativeToolName(serverName, exposedName string) (string, bool)
}

// ServerPrefixNamespace prefixes every tool with the originating server name,
// separating fields with a configurable delimiter (defaults to "__").
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(serverName, toolName string) string {
	return fmt.Sprintf("%s%s%s", serverName, s.separator(), toolName)
}

func (s ServerPrefixNamespace) NativeToolName(serverName, exposedName string) (string, bool) {
	prefix := serverName + s.separator()
	if !strings.HasPrefix(exposedName, prefix) || len(exposedName) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(exposedName, prefix), true
}

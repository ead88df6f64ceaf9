package relayconfig

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vikashloomba/mcp-relay-go/pkg/mcppool"
)

// ConsumerPlaceholder is replaced by the consumer id in credentials.file.
const ConsumerPlaceholder = "{consumer}"

// credentialProvider dispatches to one file provider per configured server.
// It returns nil when no server has credentials.
func (c *Config) credentialProvider() mcppool.CredentialProvider {
	providers := make(map[string]*mcppool.ServiceAccountFileProvider)
	for _, s := range c.Servers {
		if s.Credentials == nil {
			continue
		}
		providers[s.Name] = &mcppool.ServiceAccountFileProvider{
			Dir:    c.Pool.CredentialDir,
			EnvVar: s.Credentials.EnvVar,
			Lookup: fileSecretLookup(s.Credentials.File),
		}
	}
	if len(providers) == 0 {
		return nil
	}
	return mcppool.CredentialProviderFunc(func(ctx context.Context, consumerID string, cfg mcppool.ServerConfig) (*mcppool.Credential, error) {
		p, ok := providers[mcppool.ServerName(cfg)]
		if !ok {
			return nil, nil
		}
		return p.Materialize(ctx, consumerID, cfg)
	})
}

// fileSecretLookup reads the secret for a consumer from pattern with the
// consumer placeholder expanded. A missing file means the consumer has no
// secret.
func fileSecretLookup(pattern string) mcppool.SecretLookup {
	return func(_ context.Context, consumerID, _ string) ([]byte, bool, error) {
		if strings.Contains(pattern, ConsumerPlaceholder) {
			if consumerID == "" || consumerID != filepath.Base(consumerID) || consumerID == ".." {
				return nil, false, fmt.Errorf("consumer id %q is not usable in a file name", consumerID)
			}
		}
		path := strings.ReplaceAll(pattern, ConsumerPlaceholder, consumerID)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
}

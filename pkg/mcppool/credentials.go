package mcppool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Credential is short-lived material scoped to a single connection. Env is
// merged into a stdio backend's environment only; Headers are sent only by an
// HTTP backend's client. Cleanup runs exactly once when the connection closes,
// or immediately when establishment fails.
type Credential struct {
	Env     map[string]string
	Headers http.Header
	Cleanup func(context.Context) error
}

func (c *Credential) release(ctx context.Context) error {
	if c == nil || c.Cleanup == nil {
		return nil
	}
	return c.Cleanup(ctx)
}

// CredentialProvider materializes credential material for one connection of a
// consumer to a backend. Returning a nil Credential means the backend needs
// none.
type CredentialProvider interface {
	Materialize(ctx context.Context, consumerID string, cfg ServerConfig) (*Credential, error)
}

// CredentialProviderFunc adapts a function to CredentialProvider.
type CredentialProviderFunc func(ctx context.Context, consumerID string, cfg ServerConfig) (*Credential, error)

func (f CredentialProviderFunc) Materialize(ctx context.Context, consumerID string, cfg ServerConfig) (*Credential, error) {
	return f(ctx, consumerID, cfg)
}

// SecretLookup returns the secret bytes for a consumer/server pair. ok is false
// when that pair has no secret.
type SecretLookup func(ctx context.Context, consumerID, serverName string) (secret []byte, ok bool, err error)

// ServiceAccountFileProvider writes a per-connection copy of a secret (for
// example a cloud service-account key) to a private file and points an
// environment variable of the backend process at it. The file is removed when
// the connection closes.
type ServiceAccountFileProvider struct {
	// Dir holds the generated files. Defaults to os.TempDir().
	Dir string
	// EnvVar receives the file path, e.g. GOOGLE_APPLICATION_CREDENTIALS.
	EnvVar string
	Lookup SecretLookup
}

func (p *ServiceAccountFileProvider) Materialize(ctx context.Context, consumerID string, cfg ServerConfig) (*Credential, error) {
	if p.Lookup == nil {
		return nil, nil
	}
	if p.EnvVar == "" {
		return nil, fmt.Errorf("mcppool: service account provider has no env var")
	}
	secret, ok, err := p.Lookup(ctx, consumerID, ServerName(cfg))
	if err != nil {
		return nil, fmt.Errorf("mcppool: lookup secret: %w", err)
	}
	if !ok {
		return nil, nil
	}
	dir := p.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "mcp-credential-"+uuid.NewString()+".json")
	if err := os.WriteFile(path, secret, 0o600); err != nil {
		return nil, fmt.Errorf("mcppool: write credential file: %w", err)
	}
	var once sync.Once
	var removeErr error
	return &Credential{
		Env: map[string]string{p.EnvVar: path},
		Cleanup: func(context.Context) error {
			once.Do(func() {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					removeErr = fmt.Errorf("remove credential file: %w", err)
				}
			})
			return removeErr
		},
	}, nil
}

// StaticHeaderProvider hands the same headers to every HTTP backend, for
// example an Authorization header obtained by an external token exchange.
type StaticHeaderProvider struct {
	Headers http.Header
}

func (p StaticHeaderProvider) Materialize(_ context.Context, _ string, cfg ServerConfig) (*Credential, error) {
	if len(p.Headers) == 0 || !IsHTTP(cfg) {
		return nil, nil
	}
	return &Credential{Headers: cloneHeader(p.Headers)}, nil
}

// Package secrets resolves the secret-bearing fields of a rule's AuthSpec
// (spec §4.5 expansion): inline values pass through unchanged, "vault://"
// references are resolved against Azure Key Vault.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/keyvault/azsecrets"
)

// Provider resolves a possibly-indirect secret reference to its live value.
// An inline value (no recognised scheme prefix) is returned unchanged.
type Provider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvSecretProvider resolves "env://NAME" references against the process
// environment; anything else passes through as an inline value. This is the
// local/dev provider — rule auth config carries its secret material inline.
type EnvSecretProvider struct{}

func (EnvSecretProvider) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok {
		return ref, nil
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secrets: environment variable %q is not set", name)
	}
	return v, nil
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// AzureKeyVaultSecretProvider resolves "vault://<name>" references to a live
// secret value, with an in-process TTL cache so a high-throughput rule does
// not round-trip to the vault on every delivery.
type AzureKeyVaultSecretProvider struct {
	client *azsecrets.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedSecret
}

// NewAzureKeyVaultSecretProvider builds a provider backed by vaultURL
// (e.g. "https://my-vault.vault.azure.net/"), authenticating via the
// standard Azure credential chain (azidentity.DefaultAzureCredential).
func NewAzureKeyVaultSecretProvider(vaultURL string, ttl time.Duration) (*AzureKeyVaultSecretProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: build azure credential: %w", err)
	}
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("secrets: build key vault client: %w", err)
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AzureKeyVaultSecretProvider{client: client, ttl: ttl, cache: make(map[string]cachedSecret)}, nil
}

func (p *AzureKeyVaultSecretProvider) Resolve(ctx context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return ref, nil
	}

	if v, ok := p.cached(name); ok {
		return v, nil
	}

	resp, err := p.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return "", fmt.Errorf("secrets: resolve vault secret %q: %w", name, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("secrets: vault secret %q has no value", name)
	}

	p.mu.Lock()
	p.cache[name] = cachedSecret{value: *resp.Value, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()
	return *resp.Value, nil
}

func (p *AzureKeyVaultSecretProvider) cached(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[name]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.value, true
}

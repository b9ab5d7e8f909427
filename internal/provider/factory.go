package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"cba-go/internal/cba"
)

// Provider types accepted by the Factory.
const (
	TypeMemory     = "memory"
	TypeFilesystem = "filesystem"
	TypeS3         = "s3"
	TypeAzure      = "azure"
)

// Factory builds providers from their registration records, resolving any
// credential through the secret store.
type Factory struct {
	secrets cba.SecretStore

	mu     sync.Mutex
	memory map[string]*MemoryProvider
}

// Compile-time check that Factory implements ProviderFactory interface
var _ cba.ProviderFactory = (*Factory)(nil)

// NewFactory creates a Factory. secrets may be nil when no registration uses a credential.
func NewFactory(secrets cba.SecretStore) *Factory {
	return &Factory{secrets: secrets, memory: make(map[string]*MemoryProvider)}
}

func (f *Factory) Supports(providerType string) bool {
	switch providerType {
	case TypeMemory, TypeFilesystem, TypeS3, TypeAzure:
		return true
	}
	return false
}

// New creates the provider for reg. Memory providers are kept per name so
// their contents survive across backup iterations of one process.
func (f *Factory) New(ctx context.Context, reg *cba.ProviderRegistration) (cba.Provider, error) {
	switch reg.Type {
	case TypeMemory:
		f.mu.Lock()
		defer f.mu.Unlock()
		p, ok := f.memory[reg.Name]
		if !ok {
			p = NewMemoryProvider(reg.Name)
			f.memory[reg.Name] = p
		}
		return p, nil

	case TypeFilesystem:
		root := reg.Attributes["root"]
		if root == "" {
			return nil, fmt.Errorf("%w: filesystem provider %q requires a root attribute", cba.ErrConfiguration, reg.Name)
		}
		return NewFilesystemProvider(reg.Name, root)

	case TypeS3:
		creds, err := f.credentials(reg)
		if err != nil {
			return nil, err
		}
		opts := S3Options{
			Bucket:   reg.Attributes["bucket"],
			Region:   reg.Attributes["region"],
			Endpoint: reg.Attributes["endpoint"],
		}
		if v := reg.Attributes["path_style"]; v != "" {
			pathStyle, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: provider %q: invalid path_style %q", cba.ErrConfiguration, reg.Name, v)
			}
			opts.PathStyle = pathStyle
		}
		return NewS3Provider(ctx, reg.Name, opts, creds)

	case TypeAzure:
		creds, err := f.credentials(reg)
		if err != nil {
			return nil, err
		}
		account := reg.Attributes["account"]
		if account == "" && creds != nil {
			account = creds.Username
		}
		return NewAzureProvider(reg.Name, account, reg.Attributes["endpoint"], creds)

	default:
		return nil, fmt.Errorf("%w: unknown provider type: %s", cba.ErrConfiguration, reg.Type)
	}
}

// credentials resolves the registration's credential, or returns nil when it has none.
func (f *Factory) credentials(reg *cba.ProviderRegistration) (*cba.Credentials, error) {
	if reg.CredentialName == "" {
		return nil, nil
	}
	return cba.ResolveCredentials(f.secrets, &cba.NetCredential{
		Name:        reg.CredentialName,
		UsernameKey: cba.CredentialUsernameKey(reg.CredentialName),
		PasswordKey: cba.CredentialPasswordKey(reg.CredentialName),
	})
}

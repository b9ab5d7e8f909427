package secrets

import (
	"fmt"

	"cba-go/internal/cba"
)

// MemoryPath selects an in-memory secret store.
const MemoryPath = ":memory:"

// NewSecretStoreFromConfig creates the secret store for the configured path.
func NewSecretStoreFromConfig(path, protectionKey string) (cba.SecretStore, error) {
	switch {
	case path == MemoryPath:
		return NewMemorySecretStore(), nil
	case path == "":
		return nil, fmt.Errorf("%w: secrets_path required", cba.ErrConfiguration)
	case protectionKey == "":
		return nil, fmt.Errorf("%w: protection_key required", cba.ErrConfiguration)
	default:
		return NewAgeSecretStore(path, protectionKey), nil
	}
}

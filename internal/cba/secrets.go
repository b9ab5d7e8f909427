package cba

import "fmt"

// SecretStore keeps credential values encrypted at rest.
type SecretStore interface {
	// SetSecret stores value under key, replacing any existing value.
	SetSecret(key, value string) error

	// GetSecret returns the value stored under key.
	GetSecret(key string) (string, error)

	// DeleteSecret removes key. Deleting an absent key is a no-op.
	DeleteSecret(key string) error
}

// CredentialUsernameKey returns the secret key holding a credential's username.
func CredentialUsernameKey(name string) string {
	return fmt.Sprintf("netcred/%s/username", name)
}

// CredentialPasswordKey returns the secret key holding a credential's password.
func CredentialPasswordKey(name string) string {
	return fmt.Sprintf("netcred/%s/password", name)
}

// Credentials is a resolved username/password pair.
type Credentials struct {
	Username string
	Password string
}

// ResolveCredentials reads a credential's values from the secret store.
// Retrieval failures are reported as ErrAuthentication.
func ResolveCredentials(store SecretStore, cred *NetCredential) (*Credentials, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: no secret store configured", ErrAuthentication)
	}
	user, err := store.GetSecret(cred.UsernameKey)
	if err != nil {
		return nil, fmt.Errorf("%w: credential %q unavailable: %v", ErrAuthentication, cred.Name, err)
	}
	pass, err := store.GetSecret(cred.PasswordKey)
	if err != nil {
		return nil, fmt.Errorf("%w: credential %q unavailable: %v", ErrAuthentication, cred.Name, err)
	}
	return &Credentials{Username: user, Password: pass}, nil
}

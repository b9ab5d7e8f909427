package secrets

import (
	"fmt"
	"sync"

	"cba-go/internal/cba"
)

// MemorySecretStore keeps secrets in process memory. Use in tests.
type MemorySecretStore struct {
	mu     sync.Mutex
	values map[string]string
}

var _ cba.SecretStore = (*MemorySecretStore)(nil)

func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{values: make(map[string]string)}
}

func (s *MemorySecretStore) SetSecret(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemorySecretStore) GetSecret(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, cba.ErrNotFound)
	}
	return v, nil
}

func (s *MemorySecretStore) DeleteSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Len returns the number of stored secrets.
func (s *MemorySecretStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

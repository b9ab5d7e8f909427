package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"cba-go/internal/cba"
)

// AgeSecretStore implements cba.SecretStore as a single file holding a TOML
// table of secrets, encrypted with age's scrypt passphrase encryption. The
// passphrase is the configured protection key.
type AgeSecretStore struct {
	path       string
	passphrase string
	workFactor int // scrypt log2(N); 0 keeps the age default

	mu sync.Mutex
}

var _ cba.SecretStore = (*AgeSecretStore)(nil)

// NewAgeSecretStore creates a store backed by the file at path. The file is
// created on the first SetSecret.
func NewAgeSecretStore(path, passphrase string) *AgeSecretStore {
	return &AgeSecretStore{path: path, passphrase: passphrase}
}

// SetWorkFactor sets the scrypt work factor used when the file is rewritten.
// Tests lower it; production keeps the default.
func (s *AgeSecretStore) SetWorkFactor(logN int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workFactor = logN
}

func (s *AgeSecretStore) SetSecret(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *AgeSecretStore) GetSecret(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("secret %q: %w", key, cba.ErrNotFound)
	}
	return v, nil
}

func (s *AgeSecretStore) DeleteSecret(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

// load decrypts the secrets file. A missing file is an empty store.
func (s *AgeSecretStore) load() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return values, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}

	identity, err := age.NewScryptIdentity(s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting secrets file: %v", cba.ErrAuthentication, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: reading decrypted secrets: %v", cba.ErrAuthentication, err)
	}

	if _, err := toml.Decode(string(plain), &values); err != nil {
		return nil, fmt.Errorf("parsing secrets: %w", err)
	}
	return values, nil
}

// save encrypts values to a temp file beside the store and renames it into place.
func (s *AgeSecretStore) save(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}

	recipient, err := age.NewScryptRecipient(s.passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	if s.workFactor > 0 {
		recipient.SetWorkFactor(s.workFactor)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".secrets-*")
	if err != nil {
		return fmt.Errorf("creating secrets file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeEncrypted(tmp, recipient, values); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing secrets file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("setting secrets file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing secrets file: %w", err)
	}
	return nil
}

func writeEncrypted(w io.Writer, recipient age.Recipient, values map[string]string) error {
	enc, err := age.Encrypt(w, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if err := toml.NewEncoder(enc).Encode(values); err != nil {
		return fmt.Errorf("encoding secrets: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}
	return nil
}

package cba

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Service implements the administrative operations behind the command
// surface. Each operation validates its arguments before touching the
// Index, so a rejected command leaves nothing half-written.
type Service struct {
	index   Index
	secrets SecretStore
	factory ProviderFactory
	fsmgr   FilesystemManager
	logger  Logger
	clock   Clock
}

// NewService creates a Service with the provided dependencies.
func NewService(index Index, secrets SecretStore, factory ProviderFactory, fsmgr FilesystemManager, logger Logger, clock Clock) *Service {
	return &Service{
		index:   index,
		secrets: secrets,
		factory: factory,
		fsmgr:   fsmgr,
		logger:  logger,
		clock:   clock,
	}
}

// AddSourceParams describes a new source location.
type AddSourceParams struct {
	Path       string
	Filter     string
	Priority   Priority
	Revisions  int
	Credential string
}

// AddSource validates and registers a new source location.
func (s *Service) AddSource(ctx context.Context, params AddSourceParams) (*SourceLocation, error) {
	filter := strings.TrimSpace(params.Filter)
	if filter == "" {
		filter = "*"
	}
	if _, err := filepath.Match(filter, ""); err != nil {
		return nil, fmt.Errorf("%w: invalid filter %q: %v", ErrValidation, filter, err)
	}
	if !params.Priority.Valid() {
		return nil, fmt.Errorf("%w: invalid priority %d", ErrValidation, params.Priority)
	}
	if params.Revisions < 1 || params.Revisions > MaxRevisions {
		return nil, fmt.Errorf("%w: revisions must be between 1 and %d, got %d", ErrValidation, MaxRevisions, params.Revisions)
	}

	path, err := s.fsmgr.Resolve(params.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid source path %q: %v", ErrValidation, params.Path, err)
	}
	if !path.IsDir() {
		return nil, fmt.Errorf("%w: source path is not a directory: %s", ErrValidation, path.String())
	}

	if params.Credential != "" {
		cred, err := s.index.GetNetCredential(ctx, params.Credential)
		if err != nil {
			return nil, fmt.Errorf("looking up credential: %w", err)
		}
		if cred == nil {
			return nil, fmt.Errorf("%w: unknown credential %q", ErrValidation, params.Credential)
		}
	}

	loc, err := s.index.AddSource(ctx, &SourceLocation{
		Path:           path.String(),
		Filter:         filter,
		Priority:       params.Priority,
		Revisions:      params.Revisions,
		CredentialName: params.Credential,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("adding source: %w", err)
	}

	s.logger.Info("source added", "id", loc.ID, "path", loc.Path, "filter", loc.Filter, "priority", loc.Priority)
	return loc, nil
}

// RemoveSource removes a source location by ID. Unknown IDs are a no-op.
func (s *Service) RemoveSource(ctx context.Context, id int64) error {
	if err := s.index.RemoveSource(ctx, id); err != nil {
		return fmt.Errorf("removing source: %w", err)
	}
	s.logger.Info("source removed", "id", id)
	return nil
}

// ListSources returns all configured source locations.
func (s *Service) ListSources(ctx context.Context) ([]*SourceLocation, error) {
	return s.index.GetAllSourceLocations(ctx)
}

// AddProviderParams describes a new provider registration.
type AddProviderParams struct {
	Name       string
	Type       string
	Attributes map[string]string
	Credential string
}

// AddProvider validates and registers a remote backend.
func (s *Service) AddProvider(ctx context.Context, params AddProviderParams) error {
	if err := validateName(params.Name); err != nil {
		return err
	}
	if s.factory == nil || !s.factory.Supports(params.Type) {
		return fmt.Errorf("%w: unsupported provider type %q", ErrValidation, params.Type)
	}
	if params.Credential != "" {
		cred, err := s.index.GetNetCredential(ctx, params.Credential)
		if err != nil {
			return fmt.Errorf("looking up credential: %w", err)
		}
		if cred == nil {
			return fmt.Errorf("%w: unknown credential %q", ErrValidation, params.Credential)
		}
	}

	reg := &ProviderRegistration{
		Name:           params.Name,
		Type:           params.Type,
		Attributes:     params.Attributes,
		CredentialName: params.Credential,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.index.AddProvider(ctx, reg); err != nil {
		return fmt.Errorf("adding provider: %w", err)
	}

	s.logger.Info("provider added", "name", reg.Name, "type", reg.Type)
	return nil
}

// RemoveProvider removes a provider registration. Unknown names are a no-op.
func (s *Service) RemoveProvider(ctx context.Context, name string) error {
	if err := s.index.RemoveProvider(ctx, name); err != nil {
		return fmt.Errorf("removing provider: %w", err)
	}
	s.logger.Info("provider removed", "name", name)
	return nil
}

// ListProviders returns all provider registrations.
func (s *Service) ListProviders(ctx context.Context) ([]*ProviderRegistration, error) {
	return s.index.ListProviders(ctx)
}

// AddCredential stores a username/password pair in the secret store and
// records the credential in the Index. If the Index write fails the
// secrets are removed again.
func (s *Service) AddCredential(ctx context.Context, name, username, password string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrValidation)
	}

	existing, err := s.index.GetNetCredential(ctx, name)
	if err != nil {
		return fmt.Errorf("checking for existing credential: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("credential %q: %w", name, ErrDuplicate)
	}

	cred := &NetCredential{
		Name:        name,
		UsernameKey: CredentialUsernameKey(name),
		PasswordKey: CredentialPasswordKey(name),
		CreatedAt:   s.clock.Now(),
	}

	if err := s.secrets.SetSecret(cred.UsernameKey, username); err != nil {
		return fmt.Errorf("storing username: %w", err)
	}
	if err := s.secrets.SetSecret(cred.PasswordKey, password); err != nil {
		s.dropSecrets(cred)
		return fmt.Errorf("storing password: %w", err)
	}

	if err := s.index.AddNetCredential(ctx, cred); err != nil {
		s.dropSecrets(cred)
		return fmt.Errorf("adding credential: %w", err)
	}

	s.logger.Info("credential added", "name", name)
	return nil
}

// RemoveCredential deletes a credential and its secrets. Unknown names are a no-op.
func (s *Service) RemoveCredential(ctx context.Context, name string) error {
	cred, err := s.index.GetNetCredential(ctx, name)
	if err != nil {
		return fmt.Errorf("looking up credential: %w", err)
	}
	if cred == nil {
		return nil
	}
	if err := s.index.RemoveNetCredential(ctx, name); err != nil {
		return fmt.Errorf("removing credential: %w", err)
	}
	s.dropSecrets(cred)
	s.logger.Info("credential removed", "name", name)
	return nil
}

// ListCredentials returns all credential records. Secret values are not included.
func (s *Service) ListCredentials(ctx context.Context) ([]*NetCredential, error) {
	return s.index.ListNetCredentials(ctx)
}

func (s *Service) dropSecrets(cred *NetCredential) {
	for _, key := range []string{cred.UsernameKey, cred.PasswordKey} {
		if err := s.secrets.DeleteSecret(key); err != nil {
			s.logger.Warn("failed to delete secret", "key", key, "error", err)
		}
	}
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrValidation, name)
	}
	return nil
}

// IsOperatorError reports whether err should be shown to the operator as a
// rejected command rather than an internal failure.
func IsOperatorError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrDuplicate)
}

// Package secrets stores org-scoped secrets encrypted at rest with
// AES-256-GCM and audits every retrieval. Plaintext values never touch
// the store or the logs; resolved values are registered with the build
// masker before any step runs.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/cierr"
	"github.com/conveyorci/conveyor/pkg/config"
	"github.com/conveyorci/conveyor/pkg/models"
	"github.com/conveyorci/conveyor/pkg/store"
)

// ScopeGlobal is the org-wide scope; job-scoped secrets shadow it.
const ScopeGlobal = "global"

// Store is the persistence the secrets service needs.
type Store interface {
	PutSecret(ctx context.Context, secret *models.Secret) error
	GetSecret(ctx context.Context, orgID, scope, name string) (*models.Secret, error)
	ListSecrets(ctx context.Context, orgID, jobScope string) ([]models.Secret, error)
	LogSecretAccess(ctx context.Context, access *models.SecretAccess) error
}

// Service encrypts, stores, and resolves secrets under the process
// master key.
type Service struct {
	store Store
	aead  cipher.AEAD
}

// NewService creates the secrets service from the configured master
// key. The key must be 32 base64-encoded bytes.
func NewService(s Store, cfg *config.SecretsConfig) (*Service, error) {
	if cfg == nil || cfg.MasterKey == "" {
		return nil, errors.New("secrets master key is not configured")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Service{store: s, aead: aead}, nil
}

// Put encrypts and stores one secret value under (org, scope, name).
func (s *Service) Put(ctx context.Context, orgID, scope, name, value string) error {
	iv := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return err
	}
	ciphertext := s.aead.Seal(nil, iv, []byte(value), nil)

	return s.store.PutSecret(ctx, &models.Secret{
		ID:            uuid.New().String(),
		OrgID:         orgID,
		Scope:         scope,
		Name:          name,
		CiphertextB64: base64.StdEncoding.EncodeToString(ciphertext),
		IVB64:         base64.StdEncoding.EncodeToString(iv),
		CreatedAt:     time.Now().UTC(),
	})
}

// Resolve decrypts one secret for a build, preferring the job scope
// over the org-global scope, and records the access. A missing secret
// is secret-missing, which fails the build before any step runs.
func (s *Service) Resolve(ctx context.Context, orgID, jobScope, buildID, name string) (string, error) {
	secret, err := s.store.GetSecret(ctx, orgID, jobScope, name)
	if errors.Is(err, store.ErrNotFound) {
		secret, err = s.store.GetSecret(ctx, orgID, ScopeGlobal, name)
	}
	if errors.Is(err, store.ErrNotFound) {
		return "", cierr.New(cierr.KindSecretMissing,
			"secret %q is not defined for this job or organization", name)
	}
	if err != nil {
		return "", err
	}

	value, err := s.decrypt(secret)
	if err != nil {
		return "", err
	}
	if err := s.store.LogSecretAccess(ctx, &models.SecretAccess{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		SecretName: name,
		BuildID:    buildID,
	}); err != nil {
		return "", err
	}
	return value, nil
}

// ResolveAll decrypts every secret visible to a job, job scope shadowing
// global, and records one access per secret. The result seeds the build
// masker and the ${{ secrets.* }} namespace.
func (s *Service) ResolveAll(ctx context.Context, orgID, jobScope, buildID string) (map[string]string, error) {
	all, err := s.store.ListSecrets(ctx, orgID, jobScope)
	if err != nil {
		return nil, err
	}
	resolved := make(map[string]string, len(all))
	for i := range all {
		secret := &all[i]
		if _, shadowed := resolved[secret.Name]; shadowed && secret.Scope == ScopeGlobal {
			continue
		}
		value, err := s.decrypt(secret)
		if err != nil {
			return nil, fmt.Errorf("decrypting secret %q: %w", secret.Name, err)
		}
		resolved[secret.Name] = value
		if err := s.store.LogSecretAccess(ctx, &models.SecretAccess{
			ID:         uuid.New().String(),
			OrgID:      orgID,
			SecretName: secret.Name,
			BuildID:    buildID,
		}); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func (s *Service) decrypt(secret *models.Secret) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(secret.CiphertextB64)
	if err != nil {
		return "", err
	}
	iv, err := base64.StdEncoding.DecodeString(secret.IVB64)
	if err != nil {
		return "", err
	}
	plaintext, err := s.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting secret %q: %w", secret.Name, err)
	}
	return string(plaintext), nil
}

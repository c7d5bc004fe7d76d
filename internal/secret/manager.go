// Package secret stores credentials as AEAD-encrypted values in the catalog
// and resolves them to plaintext for the duration of a single closure.
package secret

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/hotdata-dev/rivetdb"
)

// Manager encrypts secret values with a process-wide symmetric key and keeps
// ciphertext plus metadata in the catalog. Plaintext is never persisted.
type Manager struct {
	catalog rivetdb.Catalog
	aead    cipher.AEAD
}

var _ rivetdb.SecretResolver = (*Manager)(nil)

// NewManager builds a manager from a base64-encoded 32-byte key. An empty
// key yields a manager that rejects secret operations, which keeps keyless
// single-user deployments working until a secret is actually needed.
func NewManager(catalog rivetdb.Catalog, base64Key string) (*Manager, error) {
	m := &Manager{catalog: catalog}
	if base64Key == "" {
		return m, nil
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init secret cipher: %w", err)
	}
	m.aead = aead
	return m, nil
}

func (m *Manager) requireKey() error {
	if m.aead == nil {
		return rivetdb.NewValidationError("secret storage requires a configured secret_key")
	}
	return nil
}

func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < m.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:m.aead.NonceSize()], ciphertext[m.aead.NonceSize():]
	plaintext, err := m.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// Create stores metadata and the encrypted value for a new secret.
func (m *Manager) Create(ctx context.Context, name, provider string, providerRef *string, value []byte) error {
	if err := m.requireKey(); err != nil {
		return err
	}
	now := time.Now().UTC()
	meta := rivetdb.SecretMetadata{
		Name:        name,
		Provider:    provider,
		ProviderRef: providerRef,
		Status:      rivetdb.SecretStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.catalog.CreateSecretMetadata(ctx, meta); err != nil {
		return err
	}
	ciphertext, err := m.encrypt(value)
	if err != nil {
		return err
	}
	return m.catalog.PutEncryptedSecretValue(ctx, name, ciphertext)
}

// PutValue replaces the encrypted value of an existing secret.
func (m *Manager) PutValue(ctx context.Context, name string, value []byte) error {
	if err := m.requireKey(); err != nil {
		return err
	}
	meta, err := m.catalog.GetSecretMetadataAnyStatus(ctx, name)
	if err != nil {
		return err
	}
	if meta == nil {
		return rivetdb.NewNotFoundError("secret %q not found", name)
	}
	ciphertext, err := m.encrypt(value)
	if err != nil {
		return err
	}
	return m.catalog.PutEncryptedSecretValue(ctx, name, ciphertext)
}

// Disable marks a secret unusable without destroying its ciphertext; used
// instead of deletion while connections still reference the name.
func (m *Manager) Disable(ctx context.Context, name string) error {
	return m.catalog.SetSecretStatus(ctx, name, rivetdb.SecretStatusDisabled)
}

// Delete removes metadata and ciphertext.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := m.catalog.DeleteEncryptedSecretValue(ctx, name); err != nil {
		return err
	}
	return m.catalog.DeleteSecretMetadata(ctx, name)
}

// Resolve returns the plaintext of an active secret. Callers own the
// returned bytes and are expected to zero them when done;
// Source.WithResolvedCredential does this automatically.
func (m *Manager) Resolve(ctx context.Context, name string) ([]byte, error) {
	if err := m.requireKey(); err != nil {
		return nil, err
	}
	meta, err := m.catalog.GetSecretMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, rivetdb.NewNotFoundError("active secret %q not found", name)
	}
	ciphertext, err := m.catalog.GetEncryptedSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	if ciphertext == nil {
		return nil, rivetdb.NewNotFoundError("secret %q has no stored value", name)
	}
	return m.decrypt(ciphertext)
}

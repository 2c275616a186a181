package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/rendis/opflow/pkg/schema"
)

const defaultIterations = 100_000

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// VaultConfig configures key derivation. MasterKey wins over Passphrase.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key
	Passphrase string // PBKDF2 input
	Salt       []byte // required with Passphrase
	Iterations int    // PBKDF2 iterations, default 100_000
}

// ConfigFromKey turns an operator-supplied key into a VaultConfig: 64 hex
// characters are used as the raw master key, anything else as a passphrase.
func ConfigFromKey(key string, salt []byte) VaultConfig {
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		return VaultConfig{MasterKey: raw}
	}
	return VaultConfig{Passphrase: key, Salt: salt}
}

// AESVault seals secrets with AES-256-GCM before they reach the store. The
// organization and name are bound as additional data, so ciphertext copied
// to another row fails to open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault over s.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, 32)
}

func additionalData(orgID, name string) []byte {
	return []byte(orgID + "\x00" + name)
}

func (v *AESVault) seal(orgID, name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, additionalData(orgID, name)), nil
}

func (v *AESVault) open(orgID, name string, sealed []byte) ([]byte, error) {
	nonceSize := v.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, schema.NewError(schema.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], additionalData(orgID, name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt secret %q failed", name).WithCause(err)
	}
	return plaintext, nil
}

// Store encrypts value and saves it under orgID/name, replacing any earlier value.
func (v *AESVault) Store(ctx context.Context, orgID, name string, value []byte) error {
	if orgID == "" {
		return schema.NewError(schema.ErrCodeValidation, "organization_id is required")
	}
	if !validName.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid secret name %q: use 1-128 letters, digits, '_', '.' or '-'", name)
	}
	if len(value) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "secret %q has an empty value", name)
	}
	sealed, err := v.seal(orgID, name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, orgID, name, sealed)
}

// Resolve returns the plaintext of orgID/name.
func (v *AESVault) Resolve(ctx context.Context, orgID, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, orgID, name)
	if err != nil {
		return nil, err
	}
	return v.open(orgID, name, sealed)
}

func (v *AESVault) Delete(ctx context.Context, orgID, name string) error {
	return v.store.DeleteSecret(ctx, orgID, name)
}

// List returns secret names only.
func (v *AESVault) List(ctx context.Context, orgID string) ([]string, error) {
	return v.store.ListSecrets(ctx, orgID)
}

var _ Vault = (*AESVault)(nil)

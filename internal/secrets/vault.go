package secrets

import "context"

// Vault holds organization secrets that behaviors reference by name.
// Values are encrypted at rest and only ever decrypted in memory.
type Vault interface {
	Resolve(ctx context.Context, orgID, name string) ([]byte, error)
	Store(ctx context.Context, orgID, name string, value []byte) error
	Delete(ctx context.Context, orgID, name string) error
	List(ctx context.Context, orgID string) ([]string, error)
}

// SecretStore is the persistence the vault needs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, orgID, name string, value []byte) error
	GetSecret(ctx context.Context, orgID, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, orgID, name string) error
	ListSecrets(ctx context.Context, orgID string) ([]string, error)
}

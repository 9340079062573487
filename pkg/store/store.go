package store

import (
	"context"
	"errors"

	"github.com/credman/credman/pkg/types"
)

// Sentinel errors. Callers distinguish a missing row from a backend
// failure and a duplicate insert from a successful one.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrIntegrity reports a credential row without its data-key row
	// or vice versa. The pairing is never repaired automatically.
	ErrIntegrity = errors.New("credential/data-key pairing violated")
)

// Store persists users, credentials, data keys, and permissions.
// Implementations must use parameterized statements throughout and
// report duplicates and missing rows with the sentinel errors above.
type Store interface {
	// Users
	PutUser(ctx context.Context, username string, salt, hash []byte) error
	DeleteUser(ctx context.Context, username string) error
	FetchUser(ctx context.Context, username string) (*types.User, error)
	ListUsers(ctx context.Context) ([]*types.User, error)

	// Credentials
	PutCredential(ctx context.Context, label string, ciphertext []byte) (int64, error)
	DeleteCredential(ctx context.Context, label string) error
	FetchCredential(ctx context.Context, label string) (*types.Credential, error)
	ListCredentials(ctx context.Context) ([]*types.Credential, error)

	// Data keys, keyed by credential ID. The stored key bytes are
	// always the wrapped form; plaintext keys never reach the store.
	PutDataKey(ctx context.Context, crID int64, dk *types.DataKey) error
	FetchDataKey(ctx context.Context, crID int64) (*types.DataKey, error)
	UpdateDataKey(ctx context.Context, crID int64, dk *types.DataKey) error

	// Permissions
	PutPermission(ctx context.Context, uid, crID int64) error
	DeletePermission(ctx context.Context, uid, crID int64) error
	HasPermission(ctx context.Context, uid, crID int64) (bool, error)
	ListPermissions(ctx context.Context) ([]*types.Permission, error)

	// CreateCredentialWithKey inserts the credential row and its
	// data-key row in one transaction so the 1:1 pairing holds even
	// across failures.
	CreateCredentialWithKey(ctx context.Context, label string, ciphertext []byte, dk *types.DataKey) (int64, error)

	// UpdateCredentialAndKey replaces the ciphertext and the wrapped
	// data key for a label in one transaction. Partial application
	// would break the pairing invariant and must be impossible.
	UpdateCredentialAndKey(ctx context.Context, label string, ciphertext []byte, dk *types.DataKey) error

	Close() error
}

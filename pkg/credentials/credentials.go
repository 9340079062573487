package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/credman/credman/pkg/crypto"
	"github.com/credman/credman/pkg/keys"
	"github.com/credman/credman/pkg/log"
	"github.com/credman/credman/pkg/store"
	"github.com/credman/credman/pkg/types"
)

// Manager drives the envelope scheme end to end: it owns the
// generate → encrypt → wrap pipeline on the way in and the
// fetch → unwrap → decrypt pipeline on the way out. Plaintext data
// keys exist only inside a single Manager call and are zeroized
// before it returns.
type Manager struct {
	store store.Store
	keys  *keys.Engine
}

// NewManager wires the store and key engine together.
func NewManager(st store.Store, ke *keys.Engine) *Manager {
	return &Manager{store: st, keys: ke}
}

// Store exposes the backing store for admin surfaces and tests.
func (m *Manager) Store() store.Store { return m.store }

// Create encrypts a new credential payload under a fresh data key and
// stores both halves of the pairing in one transaction.
func (m *Manager) Create(ctx context.Context, label string, secret *types.Secret) error {
	if label == "" {
		return fmt.Errorf("credential label is required")
	}
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("create %q: %w", label, err)
	}

	dk, err := m.keys.Generate()
	if err != nil {
		return fmt.Errorf("create %q: %w", label, err)
	}
	defer dk.Zero()

	ciphertext, err := crypto.Encrypt(dk, secret)
	if err != nil {
		return fmt.Errorf("create %q: %w", label, err)
	}

	wrapped, err := m.keys.Wrap(ctx, dk)
	if err != nil {
		return fmt.Errorf("create %q: %w", label, err)
	}

	if _, err := m.store.CreateCredentialWithKey(ctx, label, ciphertext, wrapped); err != nil {
		return fmt.Errorf("create %q: %w", label, err)
	}
	logger := log.WithLabel(label)
	logger.Info().Msg("created credentials")
	return nil
}

// Fetch returns the decrypted payload for a label. A credential row
// without its data-key row is an integrity violation and is reported,
// never repaired. The caller owns the returned secret and should wipe
// it when done.
func (m *Manager) Fetch(ctx context.Context, label string) (*types.Secret, error) {
	cred, err := m.store.FetchCredential(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", label, err)
	}

	wrapped, err := m.store.FetchDataKey(ctx, cred.CrID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("fetch %q: %w", label, store.ErrIntegrity)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", label, err)
	}

	dk, err := m.keys.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", label, err)
	}
	defer dk.Zero()

	secret, err := crypto.Decrypt(dk, cred.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", label, err)
	}
	return secret, nil
}

// Reencrypt replaces a credential's payload and data key atomically.
// Rotation uses it to commit the new password; the old ciphertext
// stays untouched if any step before the transaction fails.
func (m *Manager) Reencrypt(ctx context.Context, label string, secret *types.Secret) error {
	if err := secret.Validate(); err != nil {
		return fmt.Errorf("reencrypt %q: %w", label, err)
	}

	dk, err := m.keys.Generate()
	if err != nil {
		return fmt.Errorf("reencrypt %q: %w", label, err)
	}
	defer dk.Zero()

	ciphertext, err := crypto.Encrypt(dk, secret)
	if err != nil {
		return fmt.Errorf("reencrypt %q: %w", label, err)
	}

	wrapped, err := m.keys.Wrap(ctx, dk)
	if err != nil {
		return fmt.Errorf("reencrypt %q: %w", label, err)
	}

	if err := m.store.UpdateCredentialAndKey(ctx, label, ciphertext, wrapped); err != nil {
		return fmt.Errorf("reencrypt %q: %w", label, err)
	}
	logger := log.WithLabel(label)
	logger.Info().Msg("reencrypted credentials under a fresh data key")
	return nil
}

// Delete removes a credential and its data key together.
func (m *Manager) Delete(ctx context.Context, label string) error {
	if err := m.store.DeleteCredential(ctx, label); err != nil {
		return fmt.Errorf("delete %q: %w", label, err)
	}
	logger := log.WithLabel(label)
	logger.Info().Msg("deleted credentials")
	return nil
}

// List returns the stored credential rows, ciphertext included.
func (m *Manager) List(ctx context.Context) ([]*types.Credential, error) {
	return m.store.ListCredentials(ctx)
}

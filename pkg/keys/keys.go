package keys

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/credman/credman/pkg/metrics"
	"github.com/credman/credman/pkg/types"
)

// DataKeyLen is the length of generated data keys (AES-256).
const DataKeyLen = 32

// IVLen is the length of generated initialization vectors.
const IVLen = 16

// KeyError reports invalid key or IV material handed to the engine.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string { return "key error: " + e.Reason }

// HsmError reports a failure talking to the hardware security module:
// module load, session, login, key lookup, or mechanism rejection.
type HsmError struct {
	Op  string
	Err error
}

func (e *HsmError) Error() string { return fmt.Sprintf("hsm %s: %v", e.Op, e.Err) }
func (e *HsmError) Unwrap() error { return e.Err }

// Backend performs the master-key operations inside the HSM. The
// production implementation speaks PKCS#11; tests substitute a
// software backend.
type Backend interface {
	// WrapKey encrypts a plaintext data key under the master key
	// using AES-CBC with PKCS padding and the given IV.
	WrapKey(key, iv []byte) ([]byte, error)
	// UnwrapKey is the inverse of WrapKey.
	UnwrapKey(wrapped, iv []byte) ([]byte, error)
	// Close releases the module.
	Close() error
}

// Engine generates data keys and wraps/unwraps them via the HSM.
type Engine struct {
	backend Backend
	timeout time.Duration
}

// NewEngine creates a key engine on top of an HSM backend. timeout
// bounds each wrap/unwrap call; zero means no bound.
func NewEngine(backend Backend, timeout time.Duration) *Engine {
	return &Engine{backend: backend, timeout: timeout}
}

// Generate creates a fresh random data key with both IVs.
func (e *Engine) Generate() (*types.DataKey, error) {
	key, err := GenerateAESKey(DataKeyLen)
	if err != nil {
		return nil, err
	}
	keyIV, err := GenerateIV(IVLen)
	if err != nil {
		return nil, err
	}
	crIV, err := GenerateIV(IVLen)
	if err != nil {
		return nil, err
	}
	return &types.DataKey{Key: key, KeyIV: keyIV, CrIV: crIV}, nil
}

// GenerateAESKey returns a random AES key of the given length.
func GenerateAESKey(length int) ([]byte, error) {
	if length != 16 && length != 24 && length != 32 {
		return nil, &KeyError{Reason: fmt.Sprintf("invalid key length %d, must be 16, 24, or 32", length)}
	}
	return randomBytes(length)
}

// GenerateIV returns a random initialization vector.
func GenerateIV(length int) ([]byte, error) {
	if length != 8 && length != 16 {
		return nil, &KeyError{Reason: fmt.Sprintf("invalid IV length %d, must be 8 or 16", length)}
	}
	return randomBytes(length)
}

// Wrap encrypts dk's plaintext key under the HSM master key. The
// returned DataKey carries the wrapped key and the same IVs; the
// input is left untouched and still owned by the caller.
func (e *Engine) Wrap(ctx context.Context, dk *types.DataKey) (*types.DataKey, error) {
	if err := validateMaterial(dk); err != nil {
		return nil, err
	}

	var wrapped []byte
	err := e.run(ctx, "wrap", func() error {
		var err error
		wrapped, err = e.backend.WrapKey(dk.Key, dk.KeyIV)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.DataKey{Key: wrapped, KeyIV: cloneBytes(dk.KeyIV), CrIV: cloneBytes(dk.CrIV)}, nil
}

// Unwrap decrypts dk's wrapped key under the HSM master key. The
// caller owns the returned plaintext key and must zeroize it.
func (e *Engine) Unwrap(ctx context.Context, dk *types.DataKey) (*types.DataKey, error) {
	if len(dk.Key) == 0 {
		return nil, &KeyError{Reason: "empty wrapped key"}
	}
	if err := validateIV(dk.KeyIV); err != nil {
		return nil, err
	}

	var plain []byte
	err := e.run(ctx, "unwrap", func() error {
		var err error
		plain, err = e.backend.UnwrapKey(dk.Key, dk.KeyIV)
		return err
	})
	if err != nil {
		return nil, err
	}
	if l := len(plain); l != 16 && l != 24 && l != 32 {
		wipe(plain)
		return nil, &KeyError{Reason: fmt.Sprintf("unwrapped key has invalid length %d", l)}
	}
	return &types.DataKey{Key: plain, KeyIV: cloneBytes(dk.KeyIV), CrIV: cloneBytes(dk.CrIV)}, nil
}

// run executes one backend call bounded by the engine timeout. The
// backend goroutine always finishes its session teardown even when
// the caller has stopped waiting.
func (e *Engine) run(ctx context.Context, op string, fn func() error) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		if err != nil {
			metrics.HSMOperationsTotal.WithLabelValues(op, "error").Inc()
		} else {
			metrics.HSMOperationsTotal.WithLabelValues(op, "ok").Inc()
		}
		return err
	case <-ctx.Done():
		metrics.HSMOperationsTotal.WithLabelValues(op, "timeout").Inc()
		return &HsmError{Op: op, Err: ctx.Err()}
	}
}

func validateMaterial(dk *types.DataKey) error {
	if dk == nil {
		return &KeyError{Reason: "nil data key"}
	}
	if l := len(dk.Key); l != 16 && l != 24 && l != 32 {
		return &KeyError{Reason: fmt.Sprintf("invalid key length %d, must be 16, 24, or 32", l)}
	}
	return validateIV(dk.KeyIV)
}

func validateIV(iv []byte) error {
	if l := len(iv); l != 8 && l != 16 {
		return &KeyError{Reason: fmt.Sprintf("invalid IV length %d, must be 8 or 16", l)}
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

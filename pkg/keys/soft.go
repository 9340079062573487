package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// SoftBackend is a pure-Go Backend holding the master key in process
// memory. It implements the same AES-CBC-PAD wrapping the HSM
// performs and exists for tests and local development; production
// deployments use PKCS11Backend.
type SoftBackend struct {
	master []byte
}

// NewSoftBackend creates a software backend from a 16/24/32-byte
// master key.
func NewSoftBackend(master []byte) (*SoftBackend, error) {
	if l := len(master); l != 16 && l != 24 && l != 32 {
		return nil, &KeyError{Reason: fmt.Sprintf("invalid master key length %d", l)}
	}
	key := make([]byte, len(master))
	copy(key, master)
	return &SoftBackend{master: key}, nil
}

func (b *SoftBackend) WrapKey(key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.master)
	if err != nil {
		return nil, &HsmError{Op: "wrap", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return nil, &HsmError{Op: "wrap", Err: fmt.Errorf("mechanism requires a %d-byte IV", aes.BlockSize)}
	}

	pad := aes.BlockSize - len(key)%aes.BlockSize
	padded := make([]byte, len(key)+pad)
	copy(padded, key)
	for i := len(key); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	wipe(padded)
	return out, nil
}

func (b *SoftBackend) UnwrapKey(wrapped, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.master)
	if err != nil {
		return nil, &HsmError{Op: "unwrap", Err: err}
	}
	if len(iv) != aes.BlockSize {
		return nil, &HsmError{Op: "unwrap", Err: fmt.Errorf("mechanism requires a %d-byte IV", aes.BlockSize)}
	}
	if len(wrapped) == 0 || len(wrapped)%aes.BlockSize != 0 {
		return nil, &HsmError{Op: "unwrap", Err: fmt.Errorf("invalid wrapped key length %d", len(wrapped))}
	}

	padded := make([]byte, len(wrapped))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, wrapped)

	pad := int(padded[len(padded)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(padded) {
		wipe(padded)
		return nil, &HsmError{Op: "unwrap", Err: fmt.Errorf("mechanism rejected input")}
	}
	for _, p := range padded[len(padded)-pad:] {
		if int(p) != pad {
			wipe(padded)
			return nil, &HsmError{Op: "unwrap", Err: fmt.Errorf("mechanism rejected input")}
		}
	}
	out := make([]byte, len(padded)-pad)
	copy(out, padded[:len(padded)-pad])
	wipe(padded)
	return out, nil
}

// Close zeroes the in-memory master key.
func (b *SoftBackend) Close() error {
	wipe(b.master)
	return nil
}

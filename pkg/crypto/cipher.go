package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"fmt"

	"github.com/credman/credman/pkg/types"
)

// Record version markers. New records are written as AES-256-GCM with
// the 12-byte nonce stored in the cr_iv column. Records carrying the
// legacy marker, or no recognized marker at all, are AES-CBC with
// PKCS#7 padding and decrypt-only.
const (
	recordLegacyCBC byte = 0x01
	recordGCM       byte = 0x02

	gcmNonceSize = 12
	cbcBlockSize = aes.BlockSize
)

// CipherError reports a padding, length, or payload parse failure
// during credential encryption or decryption.
type CipherError struct {
	Op  string
	Err error
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("cipher %s: %v", e.Op, e.Err)
}

func (e *CipherError) Unwrap() error { return e.Err }

func cipherErrorf(op, format string, args ...interface{}) error {
	return &CipherError{Op: op, Err: fmt.Errorf(format, args...)}
}

// Encrypt serializes the credential payload to canonical JSON and
// encrypts it under the plaintext data key, producing a versioned
// AES-256-GCM record. The nonce is the first 12 bytes of dk.CrIV.
func Encrypt(dk *types.DataKey, secret *types.Secret) ([]byte, error) {
	if err := secret.Validate(); err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}
	defer Wipe(plaintext)

	gcm, err := newGCM(dk.Key)
	if err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}
	if len(dk.CrIV) < gcmNonceSize {
		return nil, cipherErrorf("encrypt", "cr_iv too short for nonce: %d", len(dk.CrIV))
	}

	out := make([]byte, 1, 1+len(plaintext)+gcm.Overhead())
	out[0] = recordGCM
	return gcm.Seal(out, dk.CrIV[:gcmNonceSize], plaintext, nil), nil
}

// Decrypt is the inverse of Encrypt. It also accepts legacy CBC
// records so stores written by earlier releases keep working.
func Decrypt(dk *types.DataKey, ciphertext []byte) (*types.Secret, error) {
	if len(ciphertext) == 0 {
		return nil, cipherErrorf("decrypt", "empty ciphertext")
	}

	var plaintext []byte
	var err error
	switch ciphertext[0] {
	case recordGCM:
		plaintext, err = decryptGCM(dk, ciphertext[1:])
	case recordLegacyCBC:
		plaintext, err = decryptCBC(dk, ciphertext[1:])
	default:
		// Pre-versioning records have no marker byte.
		plaintext, err = decryptCBC(dk, ciphertext)
	}
	if err != nil {
		return nil, err
	}
	defer Wipe(plaintext)

	var secret types.Secret
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&secret); err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	if err := secret.Validate(); err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	return &secret, nil
}

func decryptGCM(dk *types.DataKey, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(dk.Key)
	if err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	if len(dk.CrIV) < gcmNonceSize {
		return nil, cipherErrorf("decrypt", "cr_iv too short for nonce: %d", len(dk.CrIV))
	}
	if len(ciphertext) < gcm.Overhead() {
		return nil, cipherErrorf("decrypt", "ciphertext shorter than GCM tag")
	}
	plaintext, err := gcm.Open(nil, dk.CrIV[:gcmNonceSize], ciphertext, nil)
	if err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

func decryptCBC(dk *types.DataKey, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(dk.Key)
	if err != nil {
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	if len(dk.CrIV) != cbcBlockSize {
		return nil, cipherErrorf("decrypt", "cr_iv must be %d bytes, got %d", cbcBlockSize, len(dk.CrIV))
	}
	if len(ciphertext) == 0 || len(ciphertext)%cbcBlockSize != 0 {
		return nil, cipherErrorf("decrypt", "ciphertext length %d not a multiple of the block size", len(ciphertext))
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, dk.CrIV).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded)
	if err != nil {
		Wipe(padded)
		return nil, &CipherError{Op: "decrypt", Err: err}
	}
	return plaintext, nil
}

// encryptCBC produces a legacy record. Kept for store migrations and
// exercised by tests; new records are always GCM.
func encryptCBC(dk *types.DataKey, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(dk.Key)
	if err != nil {
		return nil, &CipherError{Op: "encrypt", Err: err}
	}
	if len(dk.CrIV) != cbcBlockSize {
		return nil, cipherErrorf("encrypt", "cr_iv must be %d bytes, got %d", cbcBlockSize, len(dk.CrIV))
	}

	padded := pkcs7Pad(plaintext)
	out := make([]byte, 1+len(padded))
	out[0] = recordLegacyCBC
	cipher.NewCBCEncrypter(block, dk.CrIV).CryptBlocks(out[1:], padded)
	Wipe(padded)
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, gcmNonceSize)
}

func pkcs7Pad(data []byte) []byte {
	n := cbcBlockSize - len(data)%cbcBlockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty padded data")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > cbcBlockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

// Wipe zeroes a byte slice holding secret material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

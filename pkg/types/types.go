package types

import "errors"

// User is a credentials-manager principal stored in the users table.
// PasswordHash is a bcrypt hash; the salt column keeps the bcrypt salt
// for schema compatibility even though bcrypt embeds it in the hash.
type User struct {
	UID          int64
	Username     string
	Salt         []byte
	PasswordHash []byte
}

// Credential is one encrypted credential record. Ciphertext is the
// versioned record produced by the cipher engine; it is opaque here.
type Credential struct {
	CrID       int64
	Label      string
	Ciphertext []byte
}

// DataKey is a per-credential AES key together with the two IVs used
// in the envelope scheme: KeyIV wraps/unwraps the key under the HSM
// master key, CrIV encrypts/decrypts the credential payload. The same
// struct carries both the plaintext and the wrapped form; which one
// Key holds is determined by where the value came from.
type DataKey struct {
	Key   []byte
	KeyIV []byte
	CrIV  []byte
}

// Zero overwrites the key material in place. Call it on plaintext data
// keys as soon as they are no longer needed.
func (dk *DataKey) Zero() {
	if dk == nil {
		return
	}
	for i := range dk.Key {
		dk.Key[i] = 0
	}
}

// Permission grants one user read access to one credential.
type Permission struct {
	PermID int64
	UID    int64
	CrID   int64
}

// Secret is the plaintext credential payload stored encrypted in the
// credentials table. Field order matches the canonical JSON encoding.
type Secret struct {
	Host     string `json:"host"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Validate checks the required credential fields.
func (s *Secret) Validate() error {
	if s == nil {
		return errors.New("credential payload is nil")
	}
	if s.Host == "" {
		return errors.New("credential host is required")
	}
	if s.User == "" {
		return errors.New("credential user is required")
	}
	if s.Password == "" {
		return errors.New("credential password is required")
	}
	if s.Port < 0 || s.Port > 65535 {
		return errors.New("credential port out of range")
	}
	return nil
}

// Wipe overwrites the password so the plaintext does not outlive the
// handler that built it. Strings are immutable in Go, so the best we
// can do is drop the reference.
func (s *Secret) Wipe() {
	if s == nil {
		return
	}
	s.Password = ""
}

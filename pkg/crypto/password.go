package crypto

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt hashes are $2a$cost$ (7 bytes) + 22 salt chars + 31 hash chars.
const bcryptSaltLen = 29

// HashPassword derives a bcrypt hash for a new user password and
// returns the salt portion alongside the full hash. The salt column
// exists for schema compatibility; bcrypt embeds it in the hash.
func HashPassword(password string) (salt, hash []byte, err error) {
	hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}
	if len(hash) < bcryptSaltLen {
		return nil, nil, fmt.Errorf("unexpected bcrypt hash length %d", len(hash))
	}
	salt = make([]byte, bcryptSaltLen)
	copy(salt, hash[:bcryptSaltLen])
	return salt, hash, nil
}

// CheckPassword compares a candidate password against a stored bcrypt
// hash in constant time. It returns true only on a match.
func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

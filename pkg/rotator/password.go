package rotator

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// MinPasswordLen is the floor for generated and supplied passwords.
	MinPasswordLen = 12
	// DefaultPasswordLen is used when the caller does not supply one.
	DefaultPasswordLen = 16

	passwordCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
		"abcdefghijklmnopqrstuvwxyz" +
		"0123456789" +
		"!@#$%^&*()_+-=[]|"
)

// GeneratePassword draws a random password over the fixed charset by
// rejection sampling on raw random bytes, so every character is
// uniformly distributed.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLen {
		return "", fmt.Errorf("password length %d below minimum %d", length, MinPasswordLen)
	}

	var b strings.Builder
	b.Grow(length)
	buf := make([]byte, 1)
	for b.Len() < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		if strings.IndexByte(passwordCharset, buf[0]) >= 0 {
			b.WriteByte(buf[0])
		}
	}
	return b.String(), nil
}

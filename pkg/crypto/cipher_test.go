package crypto

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/credman/credman/pkg/types"
)

func testDataKey(t *testing.T) *types.DataKey {
	t.Helper()
	key := make([]byte, 32)
	copy(key, []byte("0123456789abcdef0123456789abcdef"))
	keyIV := make([]byte, 16)
	copy(keyIV, []byte("keyiv-keyiv-key!"))
	crIV := make([]byte, 16)
	copy(crIV, []byte("criv-criv-criv-!"))
	return &types.DataKey{Key: key, KeyIV: keyIV, CrIV: crIV}
}

func testSecret() *types.Secret {
	return &types.Secret{
		Host:     "db.internal",
		User:     "webapp",
		Password: "p0",
		Database: "orders",
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	tests := []struct {
		name   string
		secret *types.Secret
	}{
		{
			name:   "full record",
			secret: &types.Secret{Host: "h", User: "u", Password: "p", Database: "d", Port: 3307},
		},
		{
			name:   "no port",
			secret: testSecret(),
		},
		{
			name:   "no database",
			secret: &types.Secret{Host: "h", User: "u", Password: "p"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dk := testDataKey(t)
			ciphertext, err := Encrypt(dk, tt.secret)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if ciphertext[0] != recordGCM {
				t.Errorf("record version = %#x, want %#x", ciphertext[0], recordGCM)
			}

			got, err := Decrypt(dk, ciphertext)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if *got != *tt.secret {
				t.Errorf("Decrypt() = %+v, want %+v", got, tt.secret)
			}
		})
	}
}

func TestEncryptCanonicalJSON(t *testing.T) {
	dk := testDataKey(t)
	secret := testSecret()

	ciphertext, err := Encrypt(dk, secret)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	got, err := Decrypt(dk, ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"host":"db.internal","user":"webapp","password":"p0","database":"orders"}`
	if string(data) != want {
		t.Errorf("canonical JSON = %s, want %s", data, want)
	}
}

func TestDecryptLegacyCBC(t *testing.T) {
	dk := testDataKey(t)
	plaintext, err := json.Marshal(testSecret())
	if err != nil {
		t.Fatal(err)
	}

	// Versioned legacy record.
	marked, err := encryptCBC(dk, plaintext)
	if err != nil {
		t.Fatalf("encryptCBC() error = %v", err)
	}
	got, err := Decrypt(dk, marked)
	if err != nil {
		t.Fatalf("Decrypt(marked CBC) error = %v", err)
	}
	if *got != *testSecret() {
		t.Errorf("Decrypt(marked CBC) = %+v, want %+v", got, testSecret())
	}

	// Pre-versioning record: same bytes without the marker.
	got, err = Decrypt(dk, marked[1:])
	if err != nil {
		t.Fatalf("Decrypt(unmarked CBC) error = %v", err)
	}
	if *got != *testSecret() {
		t.Errorf("Decrypt(unmarked CBC) = %+v, want %+v", got, testSecret())
	}
}

func TestDecryptErrors(t *testing.T) {
	dk := testDataKey(t)
	valid, err := Encrypt(dk, testSecret())
	if err != nil {
		t.Fatal(err)
	}

	wrongKey := testDataKey(t)
	wrongKey.Key[0] ^= 0xff

	tampered := make([]byte, len(valid))
	copy(tampered, valid)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name       string
		dk         *types.DataKey
		ciphertext []byte
	}{
		{name: "empty ciphertext", dk: dk, ciphertext: nil},
		{name: "wrong key", dk: wrongKey, ciphertext: valid},
		{name: "tampered tag", dk: dk, ciphertext: tampered},
		{name: "truncated", dk: dk, ciphertext: valid[:5]},
		{name: "cbc length violation", dk: dk, ciphertext: append([]byte{recordLegacyCBC}, bytes.Repeat([]byte{0xab}, 17)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.dk, tt.ciphertext)
			if err == nil {
				t.Fatal("Decrypt() expected error")
			}
			var cerr *CipherError
			if !errors.As(err, &cerr) {
				t.Errorf("Decrypt() error = %T, want *CipherError", err)
			}
		})
	}
}

func TestDecryptRejectsUnknownFields(t *testing.T) {
	dk := testDataKey(t)
	plaintext := []byte(`{"host":"h","user":"u","password":"p","extra":"nope"}`)
	ciphertext, err := encryptCBC(dk, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Decrypt(dk, ciphertext); err == nil {
		t.Error("Decrypt() should reject payloads with unknown fields")
	}
}

func TestEncryptRejectsInvalidSecret(t *testing.T) {
	dk := testDataKey(t)
	if _, err := Encrypt(dk, &types.Secret{Host: "h"}); err == nil {
		t.Error("Encrypt() should reject incomplete payloads")
	}
}

func TestPKCS7Unpad(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "valid", data: append([]byte("abc"), bytes.Repeat([]byte{13}, 13)...), wantErr: false},
		{name: "empty", data: nil, wantErr: true},
		{name: "zero pad byte", data: append(bytes.Repeat([]byte{1}, 15), 0), wantErr: true},
		{name: "pad too large", data: append(bytes.Repeat([]byte{1}, 15), 17), wantErr: true},
		{name: "inconsistent pad", data: append(bytes.Repeat([]byte{2}, 15), 3), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pkcs7Unpad(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("pkcs7Unpad() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

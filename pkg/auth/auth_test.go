package auth

import (
	"context"
	"testing"
	"time"

	"github.com/credman/credman/pkg/crypto"
	"github.com/credman/credman/pkg/store"
	"github.com/credman/credman/pkg/types"
)

func testService(t *testing.T) (*Service, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	svc, err := NewService(st)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc, st
}

func addUser(t *testing.T, st *store.MemStore, username, password string) {
	t.Helper()
	salt, hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.PutUser(context.Background(), username, salt, hash); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, st := testService(t)
	addUser(t, st, "alice", "hunter2")

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "correct credentials", username: "alice", password: "hunter2", want: true},
		{name: "wrong password", username: "alice", password: "wrong", want: false},
		{name: "unknown user", username: "mallory", password: "hunter2", want: false},
		{name: "empty password", username: "alice", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Authenticate(context.Background(), tt.username, tt.password)
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Authenticate() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Unknown users must burn the same bcrypt comparison as known users
// with a wrong password, so the two cannot be separated by timing.
// The bound is loose; the point is catching a skipped comparison,
// which shows up as orders of magnitude, not fractions.
func TestAuthenticateTimingParity(t *testing.T) {
	if testing.Short() {
		t.Skip("timing measurement")
	}

	svc, st := testService(t)
	addUser(t, st, "alice", "hunter2")
	ctx := context.Background()

	const rounds = 10
	measure := func(username string) time.Duration {
		var total time.Duration
		for i := 0; i < rounds; i++ {
			start := time.Now()
			if _, err := svc.Authenticate(ctx, username, "not-the-password"); err != nil {
				t.Fatal(err)
			}
			total += time.Since(start)
		}
		return total / rounds
	}

	known := measure("alice")
	unknown := measure("mallory")

	ratio := float64(known) / float64(unknown)
	if ratio < 0.2 || ratio > 5.0 {
		t.Errorf("timing ratio known/unknown = %.2f (known=%v unknown=%v), distributions should be comparable", ratio, known, unknown)
	}
}

func TestAuthorize(t *testing.T) {
	svc, st := testService(t)
	ctx := context.Background()

	addUser(t, st, "alice", "hunter2")
	addUser(t, st, "bob", "x")
	u, err := st.FetchUser(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	dk := &types.DataKey{Key: []byte("wrapped"), KeyIV: make([]byte, 16), CrIV: make([]byte, 16)}
	crID, err := st.CreateCredentialWithKey(ctx, "web", []byte("ct"), dk)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.PutPermission(ctx, u.UID, crID); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		username string
		label    string
		want     bool
	}{
		{name: "granted", username: "alice", label: "web", want: true},
		{name: "user without permission", username: "bob", label: "web", want: false},
		{name: "unknown user", username: "mallory", label: "web", want: false},
		{name: "unknown label", username: "alice", label: "nope", want: false},
		{name: "both unknown", username: "mallory", label: "nope", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Authorize(ctx, tt.username, tt.label)
			if err != nil {
				t.Fatalf("Authorize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Authorize() = %v, want %v", got, tt.want)
			}
		})
	}
}

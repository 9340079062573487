package store

import (
	"context"
	"sort"
	"sync"

	"github.com/credman/credman/pkg/types"
)

// MemStore is an in-memory Store for tests and local development. It
// honors the same sentinel errors and pairing semantics as the MySQL
// implementation.
type MemStore struct {
	mu sync.RWMutex

	nextUID  int64
	nextCrID int64
	nextPerm int64

	users       map[string]*types.User
	credentials map[string]*types.Credential
	dataKeys    map[int64]*types.DataKey
	permissions map[[2]int64]*types.Permission
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*types.User),
		credentials: make(map[string]*types.Credential),
		dataKeys:    make(map[int64]*types.DataKey),
		permissions: make(map[[2]int64]*types.Permission),
	}
}

func (s *MemStore) Close() error { return nil }

// --- Users ---

func (s *MemStore) PutUser(_ context.Context, username string, salt, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return ErrAlreadyExists
	}
	s.nextUID++
	s.users[username] = &types.User{
		UID:          s.nextUID,
		Username:     username,
		Salt:         cloneBytes(salt),
		PasswordHash: cloneBytes(hash),
	}
	return nil
}

func (s *MemStore) DeleteUser(_ context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[username]
	if !ok {
		return ErrNotFound
	}
	for key := range s.permissions {
		if key[0] == u.UID {
			delete(s.permissions, key)
		}
	}
	delete(s.users, username)
	return nil
}

func (s *MemStore) FetchUser(_ context.Context, username string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	out := *u
	out.Salt = cloneBytes(u.Salt)
	out.PasswordHash = cloneBytes(u.PasswordHash)
	return &out, nil
}

func (s *MemStore) ListUsers(_ context.Context) ([]*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var users []*types.User
	for _, u := range s.users {
		out := *u
		users = append(users, &out)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users, nil
}

// --- Credentials ---

func (s *MemStore) PutCredential(_ context.Context, label string, ciphertext []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCredentialLocked(label, ciphertext)
}

func (s *MemStore) putCredentialLocked(label string, ciphertext []byte) (int64, error) {
	if _, ok := s.credentials[label]; ok {
		return 0, ErrAlreadyExists
	}
	s.nextCrID++
	s.credentials[label] = &types.Credential{
		CrID:       s.nextCrID,
		Label:      label,
		Ciphertext: cloneBytes(ciphertext),
	}
	return s.nextCrID, nil
}

func (s *MemStore) DeleteCredential(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[label]
	if !ok {
		return ErrNotFound
	}
	for key := range s.permissions {
		if key[1] == c.CrID {
			delete(s.permissions, key)
		}
	}
	delete(s.dataKeys, c.CrID)
	delete(s.credentials, label)
	return nil
}

func (s *MemStore) FetchCredential(_ context.Context, label string) (*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.credentials[label]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	out.Ciphertext = cloneBytes(c.Ciphertext)
	return &out, nil
}

func (s *MemStore) ListCredentials(_ context.Context) ([]*types.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var creds []*types.Credential
	for _, c := range s.credentials {
		out := *c
		out.Ciphertext = cloneBytes(c.Ciphertext)
		creds = append(creds, &out)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].CrID < creds[j].CrID })
	return creds, nil
}

// --- Data keys ---

func (s *MemStore) PutDataKey(_ context.Context, crID int64, dk *types.DataKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putDataKeyLocked(crID, dk)
}

func (s *MemStore) putDataKeyLocked(crID int64, dk *types.DataKey) error {
	if _, ok := s.dataKeys[crID]; ok {
		return ErrAlreadyExists
	}
	s.dataKeys[crID] = cloneDataKey(dk)
	return nil
}

func (s *MemStore) FetchDataKey(_ context.Context, crID int64) (*types.DataKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dk, ok := s.dataKeys[crID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDataKey(dk), nil
}

func (s *MemStore) UpdateDataKey(_ context.Context, crID int64, dk *types.DataKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dataKeys[crID]; !ok {
		return ErrNotFound
	}
	s.dataKeys[crID] = cloneDataKey(dk)
	return nil
}

// --- Permissions ---

func (s *MemStore) PutPermission(_ context.Context, uid, crID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int64{uid, crID}
	if _, ok := s.permissions[key]; ok {
		return ErrAlreadyExists
	}
	s.nextPerm++
	s.permissions[key] = &types.Permission{PermID: s.nextPerm, UID: uid, CrID: crID}
	return nil
}

func (s *MemStore) DeletePermission(_ context.Context, uid, crID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]int64{uid, crID}
	if _, ok := s.permissions[key]; !ok {
		return ErrNotFound
	}
	delete(s.permissions, key)
	return nil
}

func (s *MemStore) HasPermission(_ context.Context, uid, crID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.permissions[[2]int64{uid, crID}]
	return ok, nil
}

func (s *MemStore) ListPermissions(_ context.Context) ([]*types.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var perms []*types.Permission
	for _, p := range s.permissions {
		out := *p
		perms = append(perms, &out)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].PermID < perms[j].PermID })
	return perms, nil
}

// --- Paired operations ---

func (s *MemStore) CreateCredentialWithKey(_ context.Context, label string, ciphertext []byte, dk *types.DataKey) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crID, err := s.putCredentialLocked(label, ciphertext)
	if err != nil {
		return 0, err
	}
	if err := s.putDataKeyLocked(crID, dk); err != nil {
		delete(s.credentials, label)
		return 0, err
	}
	return crID, nil
}

func (s *MemStore) UpdateCredentialAndKey(_ context.Context, label string, ciphertext []byte, dk *types.DataKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.credentials[label]
	if !ok {
		return ErrNotFound
	}
	if _, ok := s.dataKeys[c.CrID]; !ok {
		return ErrIntegrity
	}
	c.Ciphertext = cloneBytes(ciphertext)
	s.dataKeys[c.CrID] = cloneDataKey(dk)
	return nil
}

// DropDataKey removes a data-key row without touching the credential
// row. Test hook for exercising pairing-violation paths.
func (s *MemStore) DropDataKey(crID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dataKeys, crID)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneDataKey(dk *types.DataKey) *types.DataKey {
	return &types.DataKey{
		Key:   cloneBytes(dk.Key),
		KeyIV: cloneBytes(dk.KeyIV),
		CrIV:  cloneBytes(dk.CrIV),
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/credman/credman/pkg/types"
)

// mysqlDuplicateEntry is the server error number for a unique-key
// violation.
const mysqlDuplicateEntry = 1062

// MySQLStore implements Store on a MySQL/MariaDB backend.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the connection pool and creates the schema if
// it does not exist yet.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			uid      INT AUTO_INCREMENT PRIMARY KEY,
			username VARCHAR(255) NOT NULL UNIQUE,
			salt     BLOB NOT NULL,
			password BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			cr_id       INT AUTO_INCREMENT PRIMARY KEY,
			label       VARCHAR(255) NOT NULL UNIQUE,
			credentials BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS data_keys (
			cr_id    INT NOT NULL UNIQUE,
			data_key BLOB NOT NULL,
			key_iv   BLOB NOT NULL,
			cr_iv    BLOB NOT NULL,
			FOREIGN KEY (cr_id) REFERENCES credentials(cr_id)
		)`,
		`CREATE TABLE IF NOT EXISTS permissions (
			perm_id INT AUTO_INCREMENT PRIMARY KEY,
			uid     INT NOT NULL,
			cr_id   INT NOT NULL,
			UNIQUE KEY uq_user_credential (uid, cr_id),
			FOREIGN KEY (uid) REFERENCES users(uid),
			FOREIGN KEY (cr_id) REFERENCES credentials(cr_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// --- Users ---

func (s *MySQLStore) PutUser(ctx context.Context, username string, salt, hash []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, salt, password) VALUES (?, ?, ?)",
		username, salt, hash)
	if err != nil {
		return mapWriteError("put user", err)
	}
	return nil
}

func (s *MySQLStore) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return requireAffected(res, "delete user")
}

func (s *MySQLStore) FetchUser(ctx context.Context, username string) (*types.User, error) {
	var u types.User
	err := s.db.QueryRowContext(ctx,
		"SELECT uid, username, salt, password FROM users WHERE username = ?",
		username).Scan(&u.UID, &u.Username, &u.Salt, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	return &u, nil
}

func (s *MySQLStore) ListUsers(ctx context.Context) ([]*types.User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT uid, username, salt, password FROM users ORDER BY uid")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.UID, &u.Username, &u.Salt, &u.PasswordHash); err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// --- Credentials ---

func (s *MySQLStore) PutCredential(ctx context.Context, label string, ciphertext []byte) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO credentials (label, credentials) VALUES (?, ?)",
		label, ciphertext)
	if err != nil {
		return 0, mapWriteError("put credential", err)
	}
	crID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("put credential: %w", err)
	}
	return crID, nil
}

func (s *MySQLStore) DeleteCredential(ctx context.Context, label string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	defer tx.Rollback()

	var crID int64
	err = tx.QueryRowContext(ctx, "SELECT cr_id FROM credentials WHERE label = ?", label).Scan(&crID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}

	// Both halves of the pairing go in the same transaction, along
	// with any permissions pointing at the record.
	if _, err := tx.ExecContext(ctx, "DELETE FROM permissions WHERE cr_id = ?", crID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM data_keys WHERE cr_id = ?", crID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM credentials WHERE cr_id = ?", crID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return tx.Commit()
}

func (s *MySQLStore) FetchCredential(ctx context.Context, label string) (*types.Credential, error) {
	var c types.Credential
	err := s.db.QueryRowContext(ctx,
		"SELECT cr_id, label, credentials FROM credentials WHERE label = ?",
		label).Scan(&c.CrID, &c.Label, &c.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch credential: %w", err)
	}
	return &c, nil
}

func (s *MySQLStore) ListCredentials(ctx context.Context) ([]*types.Credential, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT cr_id, label, credentials FROM credentials ORDER BY cr_id")
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*types.Credential
	for rows.Next() {
		var c types.Credential
		if err := rows.Scan(&c.CrID, &c.Label, &c.Ciphertext); err != nil {
			return nil, fmt.Errorf("list credentials: %w", err)
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// --- Data keys ---

func (s *MySQLStore) PutDataKey(ctx context.Context, crID int64, dk *types.DataKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO data_keys (cr_id, data_key, key_iv, cr_iv) VALUES (?, ?, ?, ?)",
		crID, dk.Key, dk.KeyIV, dk.CrIV)
	if err != nil {
		return mapWriteError("put data key", err)
	}
	return nil
}

func (s *MySQLStore) FetchDataKey(ctx context.Context, crID int64) (*types.DataKey, error) {
	var dk types.DataKey
	err := s.db.QueryRowContext(ctx,
		"SELECT data_key, key_iv, cr_iv FROM data_keys WHERE cr_id = ?",
		crID).Scan(&dk.Key, &dk.KeyIV, &dk.CrIV)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch data key: %w", err)
	}
	return &dk, nil
}

func (s *MySQLStore) UpdateDataKey(ctx context.Context, crID int64, dk *types.DataKey) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE data_keys SET data_key = ?, key_iv = ?, cr_iv = ? WHERE cr_id = ?",
		dk.Key, dk.KeyIV, dk.CrIV, crID)
	if err != nil {
		return fmt.Errorf("update data key: %w", err)
	}
	return requireAffected(res, "update data key")
}

// --- Permissions ---

func (s *MySQLStore) PutPermission(ctx context.Context, uid, crID int64) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO permissions (uid, cr_id) VALUES (?, ?)", uid, crID)
	if err != nil {
		return mapWriteError("put permission", err)
	}
	return nil
}

func (s *MySQLStore) DeletePermission(ctx context.Context, uid, crID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM permissions WHERE uid = ? AND cr_id = ?", uid, crID)
	if err != nil {
		return fmt.Errorf("delete permission: %w", err)
	}
	return requireAffected(res, "delete permission")
}

func (s *MySQLStore) HasPermission(ctx context.Context, uid, crID int64) (bool, error) {
	var permID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT perm_id FROM permissions WHERE uid = ? AND cr_id = ?",
		uid, crID).Scan(&permID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has permission: %w", err)
	}
	return true, nil
}

func (s *MySQLStore) ListPermissions(ctx context.Context) ([]*types.Permission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT perm_id, uid, cr_id FROM permissions ORDER BY perm_id")
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var perms []*types.Permission
	for rows.Next() {
		var p types.Permission
		if err := rows.Scan(&p.PermID, &p.UID, &p.CrID); err != nil {
			return nil, fmt.Errorf("list permissions: %w", err)
		}
		perms = append(perms, &p)
	}
	return perms, rows.Err()
}

// --- Paired operations ---

func (s *MySQLStore) CreateCredentialWithKey(ctx context.Context, label string, ciphertext []byte, dk *types.DataKey) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("create credential: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO credentials (label, credentials) VALUES (?, ?)",
		label, ciphertext)
	if err != nil {
		return 0, mapWriteError("create credential", err)
	}
	crID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO data_keys (cr_id, data_key, key_iv, cr_iv) VALUES (?, ?, ?, ?)",
		crID, dk.Key, dk.KeyIV, dk.CrIV); err != nil {
		return 0, mapWriteError("create credential", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("create credential: %w", err)
	}
	return crID, nil
}

func (s *MySQLStore) UpdateCredentialAndKey(ctx context.Context, label string, ciphertext []byte, dk *types.DataKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update credential and key: %w", err)
	}
	defer tx.Rollback()

	var crID int64
	err = tx.QueryRowContext(ctx, "SELECT cr_id FROM credentials WHERE label = ?", label).Scan(&crID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update credential and key: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE credentials SET credentials = ? WHERE cr_id = ?",
		ciphertext, crID); err != nil {
		return fmt.Errorf("update credential and key: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE data_keys SET data_key = ?, key_iv = ?, cr_iv = ? WHERE cr_id = ?",
		dk.Key, dk.KeyIV, dk.CrIV, crID)
	if err != nil {
		return fmt.Errorf("update credential and key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential and key: %w", err)
	}
	if n == 0 {
		// A credential without its data-key row: never synthesize
		// the missing half.
		return ErrIntegrity
	}
	return tx.Commit()
}

// mapWriteError converts driver errors into the store's sentinels.
func mapWriteError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return ErrAlreadyExists
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

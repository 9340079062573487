package rotator

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/credman/credman/pkg/types"
)

// TargetDB abstracts the database whose password is being rotated.
// Implementations connect with the supplied credential; they never
// reuse pooled connections across credentials.
type TargetDB interface {
	// ChangePassword connects with the old credential and sets the
	// new password for that account.
	ChangePassword(ctx context.Context, secret *types.Secret, newPassword string) error
	// Ping connects with the credential and verifies it works.
	Ping(ctx context.Context, secret *types.Secret) error
}

// MySQLTarget implements TargetDB for MySQL and MariaDB targets.
type MySQLTarget struct{}

// NewMySQLTarget returns the MySQL/MariaDB adapter.
func NewMySQLTarget() *MySQLTarget { return &MySQLTarget{} }

// ChangePassword sets the password for the connecting account. The
// SET PASSWORD form works for the session's own user on MySQL and
// MariaDB without naming user@host.
func (t *MySQLTarget) ChangePassword(ctx context.Context, secret *types.Secret, newPassword string) error {
	db, err := open(secret)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, "SET PASSWORD = PASSWORD(?)", newPassword); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	return nil
}

// Ping opens a fresh connection with the credential and pings it.
func (t *MySQLTarget) Ping(ctx context.Context, secret *types.Secret) error {
	db, err := open(secret)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

func open(secret *types.Secret) (*sql.DB, error) {
	port := secret.Port
	if port == 0 {
		port = 3306
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", secret.User, secret.Password, secret.Host, port, secret.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open target connection: %w", err)
	}
	// One short-lived connection; this is not a pool.
	db.SetMaxOpenConns(1)
	return db, nil
}

/*
Package store persists the credentials-manager entities.

The Store interface covers users, credentials, data keys, and
permissions with the invariants the rest of the system relies on:

  - usernames and labels are unique; duplicates return ErrAlreadyExists
  - a credential row and its data-key row are one-to-one; the paired
    operations (CreateCredentialWithKey, UpdateCredentialAndKey,
    DeleteCredential) run as single transactions so the pairing
    survives failures
  - missing rows surface as ErrNotFound, never as a silent no-op, so
    callers can tell "no such row" from "backend unreachable"

MySQLStore is the production implementation on database/sql with the
go-sql-driver/mysql driver; every query is parameterized. MemStore is
the in-memory implementation used by tests and local development.
*/
package store

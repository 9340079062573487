// Package types defines the persistent entities of the credentials
// manager: users, credentials, data keys, and permissions, plus the
// plaintext credential payload exchanged with handlers.
package types

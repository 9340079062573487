package server

import (
	"github.com/credman/credman/pkg/audit"
	"github.com/credman/credman/pkg/auth"
	"github.com/credman/credman/pkg/config"
	"github.com/credman/credman/pkg/credentials"
	"github.com/credman/credman/pkg/keys"
	"github.com/credman/credman/pkg/store"
)

// Context bundles the process-wide collaborators handlers need. It is
// built once at startup and immutable afterwards; nothing in the
// request path reaches for globals.
type Context struct {
	Config *config.Server
	Store  store.Store
	Keys   *keys.Engine
	Auth   *auth.Service
	Creds  *credentials.Manager
	Audit  *audit.Journal
}

// Package config loads and validates the JSON configuration files for
// the server and for clients. Configuration is decoded strictly
// (unknown keys are rejected), validated once at startup, and treated
// as immutable afterwards; nothing in this package is re-read at
// runtime.
package config

/*
Package server is the mutually authenticated transport and request
loop of the credentials manager.

Each accepted TCP connection is wrapped in TLS 1.3 with client
certificate verification against the configured CA, read up to the
configured packet bound, validated, authenticated, dispatched, and
answered — one request per connection, then the channel is closed.
Handshake failures and connection loss during the read close the
connection silently; a packet over the read bound is answered with 500.
Everything after a complete packet produces exactly one response:

	accept ► handshake ► read ► validate ► authenticate ► dispatch ► write ► close
	              │         │        │            │            │
	              ▼         ▼        ▼            ▼            ▼
	            close  close/500   500        400/500      400/500

Concurrency is one goroutine per connection; requests never interleave
inside a connection. The Context struct carries the process-wide
collaborators (config, store, key engine, auth, credential manager,
audit journal), all immutable after startup.
*/
package server

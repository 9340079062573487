/*
Package log provides structured logging for the credentials manager.

Built on zerolog, it exposes a global logger initialized once at startup
plus helpers for component-scoped child loggers. Handlers attach a
request_id field so one connection's lifecycle can be traced end to end.

Log events never carry secret material: no passwords, no key bytes, no
decrypted credential payloads. Callers log labels, usernames, response
codes, and error strings only.
*/
package log

// Package client is the application-side helper for fetching
// credentials from the manager: it builds one packet, sends it over a
// mutually authenticated TLS 1.3 connection, and interprets the
// coded response. One request per connection, matching the server.
package client

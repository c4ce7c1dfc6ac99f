// Package session owns bridge session bootstrap helpers.
//
// Ownership boundary:
// - session timeouts and retry/backoff defaults
// - hello/hello.ack handshake on each socket
// - socket path validation
package session

// Package server assembles the relay behind a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, request
// logging, and metrics so every exchange shares the same instrumentation,
// and leaves read/write timeouts unset because rendezvous connections are
// long-lived by design.
package server

// Package relay implements the rendezvous relay: a sender uploads a body to
// an arbitrary path and a declared number of receivers download it from the
// same path, with the server streaming bytes through without persisting them.
//
// The package holds the per-path registry that pairs senders with receivers,
// the pipe engine that fans the sender body out to every receiver, and the
// HTTP router that classifies requests into sender registration, receiver
// registration, reserved informational pages, and CORS preflight.
package relay

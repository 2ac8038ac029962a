// Package transport carries event frames over a live bidirectional
// channel. The production implementation speaks websocket; tests use the
// in-memory fake. Implementations preserve per-connection emit order.
package transport

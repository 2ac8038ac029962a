// Package wire defines the JSON contract of the realtime messaging
// channel: event names, payload types, and the transcript message shape.
package wire

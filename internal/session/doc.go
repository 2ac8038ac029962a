// Package session drives one open conversation on top of the shared
// realtime channel.
//
// A Session owns the transcript for its conversation. History is fetched
// over REST on Open, then the session appends messages as the channel
// delivers them, in receipt order. Receipt is idempotent: each message id
// is applied at most once, which absorbs the sender's own double delivery
// (the message-sent confirmation plus the room broadcast) and replays
// after reconnects.
//
// Sends prefer the channel and fall back to REST. A channel send appears
// in the transcript only when its confirmation arrives; a fallback send
// gets a locally synthesized entry tagged Fallback, since no confirmation
// will ever come for it. When both paths fail the caller gets an error
// and the typed text back.
//
// Typing indicators are ephemeral on both sides. Locally, an idle timer
// emits the "stopped typing" signal after the last keystroke. Remotely,
// an expiry timer clears a stale indicator whose stop signal was lost.
package session

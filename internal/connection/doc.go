// Package connection owns the shared realtime channel for one
// authenticated user.
//
// # Lifecycle
//
// A Manager moves through Disconnected -> Connecting -> Connected ->
// Authenticated, with every state having an edge back to Disconnected on
// drop. Connect is idempotent: a live channel is reused, a stale handle is
// torn down and replaced. The Manager is the only owner of the underlying
// transport; views and widgets share it through observer subscriptions.
//
// # Rooms
//
// At most one conversation room is joined per channel. JoinRoom leaves the
// previous room before joining the new one, within the same call, which
// keeps the single-room invariant under rapid conversation switching.
// A drop clears the joined room; the Manager does not remember it across
// teardown, so rejoining after reconnect is the subscriber's job.
//
// # Reconnection
//
// An unexpected drop triggers bounded automatic reconnection (fixed
// spacing, a small number of attempts, re-authentication each time).
// Exhausted attempts leave the Manager disconnected until an explicit
// Connect, so nothing keeps retrying after the user navigates away.
//
// # Observers
//
// OnMessage, OnTyping, OnConnectionState, and OnSendError register
// independent observers and return Subscription handles. State observers
// are notified synchronously with the transport event that caused the
// change, so a UI can disable its input the moment the channel fails.
package connection

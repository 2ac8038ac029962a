// Package unread derives per-conversation unread state from last-message
// and last-read timestamps and drives a polled badge count. It is
// presentation-only and independent of the realtime channel.
package unread

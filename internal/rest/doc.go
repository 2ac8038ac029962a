// Package rest is the client for the marketplace backend's HTTP surface:
// authentication, conversations, transcripts, fallback message delivery,
// and unread counts. The session cookie is carried automatically.
package rest

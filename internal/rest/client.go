// ABOUTME: REST collaborator client for the eprop backend, session-cookie authenticated.
// ABOUTME: Covers auth, conversations, transcripts, fallback message delivery, and unread counts.

package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/eprop/messaging-client/internal/wire"
)

// ErrUnauthorized indicates a missing or expired session cookie.
var ErrUnauthorized = errors.New("not authenticated")

const requestTimeout = 15 * time.Second

// Client wraps the backend's chat REST surface. The cookie jar carries the
// session credential on every request after Login; the client issues no
// credentials itself.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient creates a client for the given backend base URL.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	jar, _ := cookiejar.New(nil)
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetCookieJar(jar).
		SetHeader("Content-Type", "application/json").
		SetTimeout(requestTimeout)

	return &Client{
		http:   httpClient,
		logger: logger.With("component", "rest"),
	}
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Login authenticates with email/password; the session cookie lands in the
// jar and rides along on every later call.
func (c *Client) Login(ctx context.Context, email, password string) (User, error) {
	var out struct {
		envelope
		User User `json:"user"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		SetError(&out).
		Post("/api/users/login")
	if err != nil {
		return User{}, fmt.Errorf("login request: %w", err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return User{}, fmt.Errorf("login: %w", err)
	}

	c.logger.Info("logged in", "user_id", out.User.ID)
	return out.User, nil
}

// Logout invalidates the session on the backend.
func (c *Client) Logout(ctx context.Context) error {
	var out envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Post("/api/users/logout")
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	return c.check(resp, out)
}

// Me returns the account bound to the current session cookie.
func (c *Client) Me(ctx context.Context) (User, error) {
	var out struct {
		envelope
		User User `json:"user"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/api/users/me")
	if err != nil {
		return User{}, fmt.Errorf("fetching current user: %w", err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return User{}, err
	}
	return out.User, nil
}

// Conversations lists the viewer's conversations, most recent first.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out struct {
		envelope
		Conversations []Conversation `json:"conversations"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/api/chat/conversations")
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// StartConversation opens (or returns the existing) thread about an item.
func (c *Client) StartConversation(ctx context.Context, itemID string) (Conversation, error) {
	var out struct {
		envelope
		Conversation Conversation `json:"conversation"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"itemId": itemID}).
		SetResult(&out).
		SetError(&out).
		Post("/api/chat/conversations")
	if err != nil {
		return Conversation{}, fmt.Errorf("starting conversation: %w", err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return Conversation{}, err
	}
	return out.Conversation, nil
}

// Messages fetches the full transcript for a conversation. Opening a
// conversation this way also registers the viewer's read receipt on the
// backend.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]wire.Message, error) {
	var out struct {
		envelope
		Messages []wire.Message `json:"messages"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get(fmt.Sprintf("/api/chat/conversations/%s/messages", conversationID))
	if err != nil {
		return nil, fmt.Errorf("fetching transcript for %s: %w", conversationID, err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// CreateMessage is the fallback delivery path: plain request/response when
// the realtime channel is down. The caller synthesizes the local transcript
// entry; no channel confirmation will arrive for it.
func (c *Client) CreateMessage(ctx context.Context, conversationID, body string) error {
	var out envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"conversationId": conversationID,
			"message":        body,
		}).
		SetResult(&out).
		SetError(&out).
		Post("/api/chat/messages")
	if err != nil {
		return fmt.Errorf("fallback message create: %w", err)
	}
	if err := c.check(resp, out); err != nil {
		return fmt.Errorf("fallback message create: %w", err)
	}

	c.logger.Info("message delivered via fallback", "conversation_id", conversationID)
	return nil
}

// UnreadCount returns the total number of unread conversations.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		envelope
		UnreadCount int `json:"unreadCount"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/api/chat/unread-count")
	if err != nil {
		return 0, fmt.Errorf("fetching unread count: %w", err)
	}
	if err := c.check(resp, out.envelope); err != nil {
		return 0, err
	}
	return out.UnreadCount, nil
}

// check folds transport status and the success envelope into one error.
func (c *Client) check(resp *resty.Response, env envelope) error {
	if resp.StatusCode() == 401 {
		return ErrUnauthorized
	}
	if resp.IsError() || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = resp.Status()
		}
		return fmt.Errorf("backend rejected request: %s", msg)
	}
	return nil
}

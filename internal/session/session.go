// ABOUTME: Per-open-conversation controller over the shared realtime channel.
// ABOUTME: Maintains the transcript with de-duplication, typing timers, and channel-or-REST delivery.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eprop/messaging-client/internal/connection"
	"github.com/eprop/messaging-client/internal/dedupe"
	"github.com/eprop/messaging-client/internal/rest"
	"github.com/eprop/messaging-client/internal/wire"
)

var (
	// ErrEmptyMessage rejects empty or whitespace-only input before any
	// network attempt.
	ErrEmptyMessage = errors.New("message body is empty")
	// ErrMessageTooLong rejects input over the backend's length cap.
	ErrMessageTooLong = errors.New("message body exceeds maximum length")
	// ErrClosed rejects operations on a closed session.
	ErrClosed = errors.New("session is closed")
	// ErrAckTimeout marks a channel send that neither confirmed nor errored
	// within the ack window.
	ErrAckTimeout = errors.New("no delivery confirmation before timeout")
)

// MaxMessageLength matches the backend's input cap.
const MaxMessageLength = 1000

const (
	// DefaultTypingIdle is how long after the last keystroke the session
	// emits typing=false.
	DefaultTypingIdle = time.Second
	// DefaultTypingExpiry clears a remote typing indicator when the
	// "stopped typing" signal is lost.
	DefaultTypingExpiry = 3 * time.Second
	// DefaultSendAckTimeout bounds how long a channel send may stay
	// pending. A timed out send is surfaced as failed rather than
	// silently retried over REST, so a confirmation that was merely
	// delayed cannot double-deliver.
	DefaultSendAckTimeout = 10 * time.Second

	seenCacheSize = 4096
)

// State is the session lifecycle. Disconnected is not a State: it is an
// overlay reported through the connection callback, and the session
// returns to its prior state when connectivity resumes.
type State int

const (
	StateLoading State = iota
	StateReady
	StateSending
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

// Backend is the REST surface the session needs: transcript history and
// the fallback delivery path. *rest.Client satisfies it.
type Backend interface {
	Messages(ctx context.Context, conversationID string) ([]wire.Message, error)
	CreateMessage(ctx context.Context, conversationID, body string) error
}

// Callbacks are the session's outputs toward a view. All callbacks are
// optional and are invoked without any session lock held.
type Callbacks struct {
	// OnMessage fires once per new transcript entry, in receipt order.
	OnMessage func(wire.Message)
	// OnTyping reports the remote typing indicator.
	OnTyping func(userName string, typing bool)
	// OnConnection mirrors the shared channel's connected state so the
	// view can disable its input while disconnected.
	OnConnection func(connected bool)
	// OnSendFailed reports a send whose every delivery path failed; body
	// is the original text so the view can restore the input.
	OnSendFailed func(body string, err error)
}

// Options configures a Session. Conn and Backend are required.
type Options struct {
	Conn           *connection.Manager
	Backend        Backend
	TypingIdle     time.Duration
	TypingExpiry   time.Duration
	SendAckTimeout time.Duration
	Logger         *slog.Logger
	Callbacks      Callbacks
}

// Session drives one open conversation. Create with New, start with Open,
// and always Close when the view goes away: Close releases the room and
// the observer subscriptions but leaves the shared channel up for other
// widgets.
type Session struct {
	conn    *connection.Manager
	backend Backend
	logger  *slog.Logger
	cb      Callbacks

	typingIdle     time.Duration
	typingExpiry   time.Duration
	sendAckTimeout time.Duration

	mu         sync.Mutex
	conv       rest.Conversation
	user       rest.User
	state      State
	connected  bool
	closed     bool
	transcript []wire.Message
	seen       *dedupe.Cache
	subs       []connection.Subscription

	localTypingTimer  *time.Timer
	remoteTypingUser  string
	remoteTypingTimer *time.Timer

	// pending tracks channel sends awaiting their message-sent echo, in
	// send order. Per-connection ordering means confirmations arrive in
	// the same order, so matching front-first is sound.
	pending []*pendingSend
}

type pendingSend struct {
	body  string
	timer *time.Timer
}

// New creates an unopened session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		conn:           opts.Conn,
		backend:        opts.Backend,
		logger:         logger.With("component", "session"),
		cb:             opts.Callbacks,
		typingIdle:     opts.TypingIdle,
		typingExpiry:   opts.TypingExpiry,
		sendAckTimeout: opts.SendAckTimeout,
		state:          StateLoading,
		seen:           dedupe.New(0, seenCacheSize),
	}
	if s.typingIdle <= 0 {
		s.typingIdle = DefaultTypingIdle
	}
	if s.typingExpiry <= 0 {
		s.typingExpiry = DefaultTypingExpiry
	}
	if s.sendAckTimeout <= 0 {
		s.sendAckTimeout = DefaultSendAckTimeout
	}
	return s
}

// Open fetches the transcript, brings up the shared channel, joins the
// conversation room, and subscribes to the channel's streams. A channel
// that cannot connect is not fatal: the session opens disconnected and
// sends fall back to REST until the channel recovers.
func (s *Session) Open(ctx context.Context, conv rest.Conversation, user rest.User) error {
	history, err := s.backend.Messages(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("loading transcript: %w", err)
	}

	s.mu.Lock()
	s.conv = conv
	s.user = user
	s.transcript = history
	for _, msg := range history {
		s.seen.Mark(msg.ID)
	}
	s.mu.Unlock()

	if err := s.conn.Connect(ctx, user.ID); err != nil {
		s.logger.Warn("channel unavailable, opening disconnected",
			"conversation_id", conv.ID, "err", err)
	}

	s.mu.Lock()
	s.subs = []connection.Subscription{
		s.conn.OnMessage(s.handleMessage),
		s.conn.OnTyping(s.handleTyping),
		s.conn.OnConnectionState(s.handleConnection),
		s.conn.OnSendError(s.handleSendError),
	}
	s.mu.Unlock()

	if s.conn.IsConnected() {
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		if err := s.conn.JoinRoom(conv.ID); err != nil {
			s.logger.Warn("join failed after connect", "conversation_id", conv.ID, "err", err)
		}
	}

	s.setState(StateReady)
	s.logger.Info("conversation opened",
		"conversation_id", conv.ID,
		"history", len(history),
		"connected", s.Connected())
	return nil
}

// Close unsubscribes from every stream and leaves the room. The leave is
// best-effort and not waited on; the shared channel itself stays up.
// Events arriving after Close are inert.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	if s.localTypingTimer != nil {
		s.localTypingTimer.Stop()
	}
	if s.remoteTypingTimer != nil {
		s.remoteTypingTimer.Stop()
	}
	for _, p := range s.pending {
		p.timer.Stop()
	}
	s.pending = nil
	convID := s.conv.ID
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	s.conn.LeaveRoom()
	s.logger.Info("conversation closed", "conversation_id", convID)
}

// SendMessage validates and delivers one message. Channel first: the
// message appears in the transcript only when its message-sent echo
// arrives. When the channel is down, or the channel send itself fails,
// delivery falls back to REST and a Fallback-tagged entry is appended
// locally since no confirmation will come. A returned error means nothing
// was delivered and the caller should keep the typed text.
func (s *Session) SendMessage(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	if len(body) > MaxMessageLength {
		return ErrMessageTooLong
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	conv := s.conv
	user := s.user
	s.mu.Unlock()

	if s.conn.IsConnected() {
		err := s.conn.Send(conv.ID, body, user.ID, user.Name)
		if err == nil {
			s.armAckTimer(body)
			return nil
		}
		s.logger.Warn("channel send failed, trying fallback",
			"conversation_id", conv.ID, "err", err)
	}

	return s.sendFallback(ctx, conv, user, body)
}

// sendFallback delivers over REST and appends the local Fallback entry.
func (s *Session) sendFallback(ctx context.Context, conv rest.Conversation, user rest.User, body string) error {
	s.setState(StateSending)
	defer s.setState(StateReady)

	if err := s.backend.CreateMessage(ctx, conv.ID, body); err != nil {
		return fmt.Errorf("fallback delivery: %w", err)
	}

	msg := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       user.ID,
		SenderName:     user.Name,
		Body:           body,
		CreatedAt:      time.Now(),
		Delivery:       wire.DeliveryFallback,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.seen.Mark(msg.ID)
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()

	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
	return nil
}

// InputActivity reports a local keystroke: emit typing=true immediately
// and re-arm (not stack) the idle timer that will emit typing=false.
func (s *Session) InputActivity() {
	if !s.conn.IsConnected() {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conv := s.conv
	user := s.user
	if s.localTypingTimer == nil {
		s.localTypingTimer = time.AfterFunc(s.typingIdle, s.stopTyping)
	} else {
		s.localTypingTimer.Reset(s.typingIdle)
	}
	s.mu.Unlock()

	if err := s.conn.SendTyping(conv.ID, true, user.Name); err != nil {
		s.logger.Debug("typing emit failed", "err", err)
	}
}

// stopTyping fires when the idle timer elapses.
func (s *Session) stopTyping() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	conv := s.conv
	user := s.user
	s.mu.Unlock()

	if err := s.conn.SendTyping(conv.ID, false, user.Name); err != nil {
		s.logger.Debug("typing emit failed", "err", err)
	}
}

// Transcript returns a copy of the transcript in receipt order.
func (s *Session) Transcript() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// State returns the lifecycle state snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports the shared channel's state as last observed.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Conversation returns the conversation this session drives.
func (s *Session) Conversation() rest.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// handleMessage applies one delivered message. Events for other
// conversations are ignored; an id already in the transcript is dropped,
// which absorbs the sender's own double delivery (message-sent plus
// receive-message) and reconnect-induced replays.
func (s *Session) handleMessage(msg wire.Message) {
	s.mu.Lock()
	if s.closed || msg.ConversationID != s.conv.ID {
		s.mu.Unlock()
		return
	}
	if s.seen.SeenOrMark(msg.ID) {
		s.mu.Unlock()
		s.logger.Debug("duplicate delivery dropped", "message_id", msg.ID)
		return
	}
	msg.Delivery = wire.DeliveryConfirmed
	s.transcript = append(s.transcript, msg)

	var confirmed *pendingSend
	if msg.SenderID == s.user.ID && len(s.pending) > 0 {
		confirmed = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	if confirmed != nil {
		confirmed.timer.Stop()
	}
	if s.cb.OnMessage != nil {
		s.cb.OnMessage(msg)
	}
}

// handleTyping tracks the remote typing indicator. A fresh signal re-arms
// the expiry timer that covers a lost "stopped typing" signal.
func (s *Session) handleTyping(sig wire.TypingSignal) {
	s.mu.Lock()
	if s.closed || sig.ConversationID != s.conv.ID || sig.UserName == s.user.Name {
		s.mu.Unlock()
		return
	}

	if sig.IsTyping {
		s.remoteTypingUser = sig.UserName
		if s.remoteTypingTimer == nil {
			s.remoteTypingTimer = time.AfterFunc(s.typingExpiry, s.expireRemoteTyping)
		} else {
			s.remoteTypingTimer.Reset(s.typingExpiry)
		}
		s.mu.Unlock()
		if s.cb.OnTyping != nil {
			s.cb.OnTyping(sig.UserName, true)
		}
		return
	}

	wasTyping := s.remoteTypingUser != ""
	s.remoteTypingUser = ""
	if s.remoteTypingTimer != nil {
		s.remoteTypingTimer.Stop()
	}
	s.mu.Unlock()

	if wasTyping && s.cb.OnTyping != nil {
		s.cb.OnTyping(sig.UserName, false)
	}
}

// expireRemoteTyping clears a stale indicator exactly once.
func (s *Session) expireRemoteTyping() {
	s.mu.Lock()
	if s.closed || s.remoteTypingUser == "" {
		s.mu.Unlock()
		return
	}
	user := s.remoteTypingUser
	s.remoteTypingUser = ""
	s.mu.Unlock()

	if s.cb.OnTyping != nil {
		s.cb.OnTyping(user, false)
	}
}

// handleConnection mirrors channel state and rejoins the room after a
// reconnect; the manager does not remember rooms across drops.
func (s *Session) handleConnection(connected bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	conv := s.conv
	s.mu.Unlock()

	if connected {
		if err := s.conn.JoinRoom(conv.ID); err != nil {
			s.logger.Warn("rejoin after reconnect failed", "conversation_id", conv.ID, "err", err)
		}
	}
	if s.cb.OnConnection != nil {
		s.cb.OnConnection(connected)
	}
}

// handleSendError fails the oldest pending send on a server-side error.
func (s *Session) handleSendError(msgErr wire.MessageError) {
	s.mu.Lock()
	if s.closed || (msgErr.ConversationID != "" && msgErr.ConversationID != s.conv.ID) {
		s.mu.Unlock()
		return
	}
	var failed *pendingSend
	if len(s.pending) > 0 {
		failed = s.pending[0]
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	if failed == nil {
		return
	}
	failed.timer.Stop()
	s.logger.Warn("server rejected send", "error", msgErr.Error)
	if s.cb.OnSendFailed != nil {
		s.cb.OnSendFailed(failed.body, errors.New(msgErr.Error))
	}
}

// armAckTimer tracks a channel send until its echo arrives or the ack
// window elapses.
func (s *Session) armAckTimer(body string) {
	p := &pendingSend{body: body}
	p.timer = time.AfterFunc(s.sendAckTimeout, func() { s.ackTimedOut(p) })

	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
}

func (s *Session) ackTimedOut(p *pendingSend) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	found := false
	for i, cand := range s.pending {
		if cand == p {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return
	}
	s.logger.Warn("send confirmation timed out", "timeout", s.sendAckTimeout)
	if s.cb.OnSendFailed != nil {
		s.cb.OnSendFailed(p.body, ErrAckTimeout)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
}

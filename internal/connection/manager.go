// ABOUTME: Owns the single shared realtime channel: connect, authenticate, rooms, reconnection.
// ABOUTME: Fans incoming message, typing, and connection-state events out to registered observers.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/eprop/messaging-client/internal/transport"
	"github.com/eprop/messaging-client/internal/wire"
)

// ErrNotConnected indicates an operation that needs a live channel.
var ErrNotConnected = errors.New("realtime channel not connected")

// State is the channel lifecycle. Every state has an edge back to
// StateDisconnected on drop.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

const (
	// DefaultReconnectAttempts bounds automatic reconnection after an
	// unexpected drop. Once exhausted the manager stays disconnected until
	// an explicit Connect, so no timers linger after the user walks away.
	DefaultReconnectAttempts = 5
	// DefaultReconnectDelay is the fixed spacing between attempts.
	DefaultReconnectDelay = time.Second
)

// Options configures a Manager. Dialer is required.
type Options struct {
	Dialer            transport.Dialer
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	Logger            *slog.Logger
}

// Manager owns the process-wide realtime channel for one authenticated
// user. At most one underlying transport is live at a time, and at most
// one conversation room is joined at a time.
type Manager struct {
	dialer   transport.Dialer
	attempts int
	delay    time.Duration
	logger   *slog.Logger

	// connectMu serializes Connect and Disconnect against each other and
	// against the reconnect loop. mu guards the mutable state below and is
	// never held across a dial or an observer callback.
	connectMu sync.Mutex
	mu        sync.Mutex

	tr          transport.Transport
	state       State
	userID      string
	currentRoom string
	// readGen invalidates read loops that outlive a deliberate teardown,
	// so a stale loop's drop handling cannot clobber a fresh connection.
	readGen int

	subs *registry
}

// NewManager creates a Manager around the given dialer.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.ReconnectAttempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	return &Manager{
		dialer:   opts.Dialer,
		attempts: attempts,
		delay:    delay,
		logger:   logger.With("component", "connection"),
		subs:     newRegistry(),
	}
}

// Connect establishes the shared channel and binds it to userID.
// Idempotent: a live channel is reused unchanged; a stale handle is torn
// down and replaced. On success the channel has been authenticated.
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state >= StateConnected && m.tr != nil && m.tr.Alive() {
		m.mu.Unlock()
		m.logger.Debug("channel already connected, reusing")
		return nil
	}
	// Tear down any stale handle before dialing a fresh one.
	stale := m.tr
	m.tr = nil
	m.readGen++
	m.state = StateConnecting
	m.userID = userID
	m.mu.Unlock()

	if stale != nil {
		m.logger.Debug("cleaning up stale channel handle")
		_ = stale.Close()
	}

	tr, err := m.dialer(ctx)
	if err != nil {
		m.setDisconnected()
		m.notifyState(false)
		return fmt.Errorf("connecting realtime channel: %w", err)
	}

	if err := m.adopt(tr, userID); err != nil {
		return err
	}

	m.logger.Info("realtime channel connected", "user_id", userID)
	m.notifyState(true)
	return nil
}

// adopt installs a freshly dialed transport: authenticate, start the read
// loop, and move to StateAuthenticated.
func (m *Manager) adopt(tr transport.Transport, userID string) error {
	if err := tr.Emit(wire.EventAuthenticate, userID); err != nil {
		_ = tr.Close()
		m.setDisconnected()
		m.notifyState(false)
		return fmt.Errorf("authenticating channel: %w", err)
	}

	m.mu.Lock()
	m.tr = tr
	m.state = StateAuthenticated
	m.readGen++
	gen := m.readGen
	m.mu.Unlock()

	go m.readLoop(tr, gen)
	return nil
}

// Disconnect releases the channel and resets to StateDisconnected,
// clearing the currently-joined room. Safe to call when not connected.
func (m *Manager) Disconnect() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	tr := m.tr
	m.tr = nil
	m.readGen++
	m.currentRoom = ""
	m.userID = ""
	wasConnected := m.state >= StateConnected
	m.state = StateDisconnected
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	if wasConnected {
		m.logger.Info("realtime channel disconnected")
		m.notifyState(false)
	}
}

// JoinRoom enters the conversation room, leaving any previously joined
// room first. The leave is emitted before the join within this call, which
// is what keeps exactly one room active even under rapid switching.
// No-op when already joined to the same room.
func (m *Manager) JoinRoom(conversationID string) error {
	m.mu.Lock()
	if m.state < StateConnected || m.tr == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.currentRoom == conversationID {
		m.mu.Unlock()
		return nil
	}
	prev := m.currentRoom
	m.currentRoom = conversationID
	tr := m.tr
	m.mu.Unlock()

	if prev != "" {
		if err := tr.Emit(wire.EventLeaveConversation, prev); err != nil {
			m.logger.Warn("leave-conversation emit failed", "conversation_id", prev, "err", err)
		}
	}
	if err := tr.Emit(wire.EventJoinConversation, conversationID); err != nil {
		return fmt.Errorf("joining conversation %s: %w", conversationID, err)
	}

	m.logger.Debug("joined conversation room", "conversation_id", conversationID)
	return nil
}

// LeaveRoom leaves the currently joined room, if any.
func (m *Manager) LeaveRoom() {
	m.mu.Lock()
	room := m.currentRoom
	m.currentRoom = ""
	tr := m.tr
	m.mu.Unlock()

	if room == "" || tr == nil {
		return
	}
	if err := tr.Emit(wire.EventLeaveConversation, room); err != nil {
		m.logger.Warn("leave-conversation emit failed", "conversation_id", room, "err", err)
	}
}

// CurrentRoom returns the currently joined conversation id, or "".
func (m *Manager) CurrentRoom() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRoom
}

// Send emits a send-message request. Fire-and-forget: delivery is
// confirmed by a later message-sent event, and the caller owns timeout
// and fallback handling.
func (m *Manager) Send(conversationID, body, senderID, senderName string) error {
	tr, ok := m.liveTransport()
	if !ok {
		return ErrNotConnected
	}
	return tr.Emit(wire.EventSendMessage, wire.SendMessagePayload{
		ConversationID: conversationID,
		Message:        body,
		SenderID:       senderID,
		SenderName:     senderName,
	})
}

// SendTyping emits a typing-state change. No acknowledgement is expected.
func (m *Manager) SendTyping(conversationID string, isTyping bool, userName string) error {
	tr, ok := m.liveTransport()
	if !ok {
		return ErrNotConnected
	}
	return tr.Emit(wire.EventTyping, wire.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       isTyping,
		UserName:       userName,
	})
}

// OnMessage registers an observer for delivered messages (both
// receive-message and message-sent).
func (m *Manager) OnMessage(fn func(wire.Message)) Subscription {
	return m.subs.addMessage(fn)
}

// OnTyping registers an observer for remote typing signals.
func (m *Manager) OnTyping(fn func(wire.TypingSignal)) Subscription {
	return m.subs.addTyping(fn)
}

// OnConnectionState registers an observer for connected/disconnected
// transitions. Multiple independent observers are supported; a minimized
// chat widget and a badge can watch the same channel.
func (m *Manager) OnConnectionState(fn func(connected bool)) Subscription {
	return m.subs.addState(fn)
}

// OnSendError registers an observer for server-side delivery failures.
func (m *Manager) OnSendError(fn func(wire.MessageError)) Subscription {
	return m.subs.addSendError(fn)
}

// IsConnected reports whether the channel is usable, reconciled against
// the transport's actual state rather than the cached flag alone. If the
// transport died without a drop event reaching us, this is where the
// cached state catches up and observers are told.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	actual := m.state >= StateConnected && m.tr != nil && m.tr.Alive()
	drifted := !actual && m.state >= StateConnected
	if drifted {
		m.state = StateDisconnected
		m.tr = nil
		m.currentRoom = ""
		m.readGen++
	}
	m.mu.Unlock()

	if drifted {
		m.logger.Warn("cached connection state drifted from transport, reconciled to disconnected")
		m.notifyState(false)
	}
	return actual
}

// State returns the current lifecycle state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) liveTransport() (transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state < StateConnected || m.tr == nil {
		return nil, false
	}
	return m.tr, true
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	m.state = StateDisconnected
	m.currentRoom = ""
	m.mu.Unlock()
}

// readLoop consumes frames until the transport drops, then runs the
// bounded reconnect sequence. gen ties the loop to the transport it was
// started for; a deliberate teardown bumps the generation so the stale
// loop exits quietly.
func (m *Manager) readLoop(tr transport.Transport, gen int) {
	for frame := range tr.Frames() {
		m.dispatch(frame)
	}

	m.mu.Lock()
	if m.readGen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.tr = nil
	m.currentRoom = ""
	userID := m.userID
	m.mu.Unlock()

	_ = tr.Close()
	m.logger.Warn("realtime channel dropped unexpectedly")
	// Observers learn about the drop before any reconnect delay, so UIs
	// can disable sending immediately.
	m.notifyState(false)

	m.reconnect(userID)
}

// reconnect retries with fixed spacing, re-authenticating on every
// attempt. After the attempts are exhausted the manager stays
// disconnected and waits for an explicit Connect. Rejoining whatever room
// was active before the drop is the caller's responsibility.
func (m *Manager) reconnect(userID string) {
	for attempt := 1; attempt <= m.attempts; attempt++ {
		time.Sleep(m.delay)

		if done := m.reconnectAttempt(userID, attempt); done {
			return
		}
	}

	m.logger.Warn("reconnect attempts exhausted, staying disconnected",
		"attempts", m.attempts)
}

// reconnectAttempt runs one attempt under connectMu so it cannot race an
// explicit Connect or Disconnect. Returns true when reconnection should
// stop, either because it succeeded or because someone else took over.
func (m *Manager) reconnectAttempt(userID string, attempt int) bool {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.state != StateDisconnected {
		// An explicit Connect or Disconnect took over.
		m.mu.Unlock()
		return true
	}
	m.state = StateConnecting
	m.mu.Unlock()

	tr, err := m.dialer(context.Background())
	if err != nil {
		m.setDisconnected()
		m.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", m.attempts,
			"err", err)
		return false
	}

	if err := m.adopt(tr, userID); err != nil {
		m.logger.Warn("reconnect authentication failed", "attempt", attempt, "err", err)
		return false
	}

	m.logger.Info("realtime channel reconnected", "attempt", attempt)
	m.notifyState(true)
	return true
}

// dispatch routes one incoming frame to the matching observer set.
func (m *Manager) dispatch(frame transport.Frame) {
	switch frame.Event {
	case wire.EventReceiveMessage, wire.EventMessageSent:
		var msg wire.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			m.logger.Warn("discarding malformed message frame", "event", frame.Event, "err", err)
			return
		}
		m.subs.notifyMessage(msg)

	case wire.EventUserTyping:
		var sig wire.TypingSignal
		if err := json.Unmarshal(frame.Data, &sig); err != nil {
			m.logger.Warn("discarding malformed typing frame", "err", err)
			return
		}
		m.subs.notifyTyping(sig)

	case wire.EventMessageError:
		var msgErr wire.MessageError
		if err := json.Unmarshal(frame.Data, &msgErr); err != nil {
			m.logger.Warn("discarding malformed message-error frame", "err", err)
			return
		}
		m.logger.Warn("server reported delivery failure",
			"conversation_id", msgErr.ConversationID,
			"error", msgErr.Error)
		m.subs.notifySendError(msgErr)

	default:
		m.logger.Debug("unhandled channel event", "event", frame.Event)
	}
}

func (m *Manager) notifyState(connected bool) {
	m.subs.notifyState(connected)
}

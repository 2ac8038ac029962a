// ABOUTME: Tests for the conversation session over a fake transport and backend stub.
// ABOUTME: Covers history load, idempotent receipt, fallback delivery, typing timers, and acks.

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eprop/messaging-client/internal/connection"
	"github.com/eprop/messaging-client/internal/rest"
	"github.com/eprop/messaging-client/internal/transport"
	"github.com/eprop/messaging-client/internal/wire"
)

var (
	testConv = rest.Conversation{
		ID:     "c1",
		Buyer:  rest.Participant{ID: "u1", Name: "Priya"},
		Seller: rest.Participant{ID: "u2", Name: "Arun"},
	}
	testUser = rest.User{ID: "u1", Name: "Priya"}
)

type stubBackend struct {
	mu        sync.Mutex
	history   []wire.Message
	histErr   error
	createErr error
	created   []string
}

func (b *stubBackend) Messages(_ context.Context, _ string) ([]wire.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.histErr != nil {
		return nil, b.histErr
	}
	out := make([]wire.Message, len(b.history))
	copy(out, b.history)
	return out, nil
}

func (b *stubBackend) CreateMessage(_ context.Context, _, body string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	b.created = append(b.created, body)
	return nil
}

func (b *stubBackend) createdBodies() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.created))
	copy(out, b.created)
	return out
}

type typingEvent struct {
	user   string
	typing bool
}

type sendFailure struct {
	body string
	err  error
}

// harness wires a session to a fake-dialed connection manager and records
// every callback.
type harness struct {
	session *Session
	conn    *connection.Manager
	dialer  *transport.FakeDialer
	backend *stubBackend

	mu       sync.Mutex
	messages []wire.Message
	typing   []typingEvent
	conns    []bool
	failures []sendFailure
}

func newHarness(t *testing.T, backend *stubBackend) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dialer := transport.NewFakeDialer()
	conn := connection.NewManager(connection.Options{
		Dialer:         dialer.Dial,
		ReconnectDelay: 5 * time.Millisecond,
		Logger:         logger,
	})

	h := &harness{conn: conn, dialer: dialer, backend: backend}
	h.session = New(Options{
		Conn:           conn,
		Backend:        backend,
		TypingIdle:     25 * time.Millisecond,
		TypingExpiry:   30 * time.Millisecond,
		SendAckTimeout: 40 * time.Millisecond,
		Logger:         logger,
		Callbacks: Callbacks{
			OnMessage: func(msg wire.Message) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.messages = append(h.messages, msg)
			},
			OnTyping: func(user string, typing bool) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.typing = append(h.typing, typingEvent{user: user, typing: typing})
			},
			OnConnection: func(connected bool) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.conns = append(h.conns, connected)
			},
			OnSendFailed: func(body string, err error) {
				h.mu.Lock()
				defer h.mu.Unlock()
				h.failures = append(h.failures, sendFailure{body: body, err: err})
			},
		},
	})

	t.Cleanup(func() {
		h.session.Close()
		conn.Disconnect()
	})
	return h
}

func (h *harness) open(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Open(context.Background(), testConv, testUser))
}

func (h *harness) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *harness) typingEvents() []typingEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]typingEvent, len(h.typing))
	copy(out, h.typing)
	return out
}

func (h *harness) failureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failures)
}

func historyMsg(id, senderID, body string) wire.Message {
	return wire.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      time.Now(),
		Delivery:       wire.DeliveryConfirmed,
	}
}

// typingFrames decodes the typing frames the fake transport recorded.
func typingFrames(t *testing.T, f *transport.Fake) []wire.TypingPayload {
	t.Helper()
	var out []wire.TypingPayload
	for _, frame := range f.Emitted() {
		if frame.Event != wire.EventTyping {
			continue
		}
		var p wire.TypingPayload
		require.NoError(t, json.Unmarshal(frame.Data, &p))
		out = append(out, p)
	}
	return out
}

func TestSession_OpenLoadsHistoryAndJoins(t *testing.T) {
	backend := &stubBackend{history: []wire.Message{
		historyMsg("m1", "u1", "hello"),
		historyMsg("m2", "u2", "hi"),
	}}
	h := newHarness(t, backend)
	h.open(t)

	assert.Equal(t, StateReady, h.session.State())
	assert.True(t, h.session.Connected())
	require.Len(t, h.session.Transcript(), 2)

	events := h.dialer.Latest().EmittedEvents()
	assert.Equal(t, []string{wire.EventAuthenticate, wire.EventJoinConversation}, events)
}

func TestSession_OpenHistoryError(t *testing.T) {
	backend := &stubBackend{histErr: errors.New("backend down")}
	h := newHarness(t, backend)

	err := h.session.Open(context.Background(), testConv, testUser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading transcript")
}

func TestSession_OpenWithChannelDown(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend)
	h.dialer.Fail(errors.New("refused"))

	h.open(t)

	assert.Equal(t, StateReady, h.session.State())
	assert.False(t, h.session.Connected())
}

func TestSession_ReceiptOrderAndFanOut(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	// createdAt runs backwards; the transcript still follows receipt order.
	first := historyMsg("m10", "u2", "first delivered")
	first.CreatedAt = time.Now().Add(time.Minute)
	second := historyMsg("m11", "u2", "second delivered")

	fake.Deliver(wire.EventReceiveMessage, first)
	fake.Deliver(wire.EventReceiveMessage, second)

	assert.Eventually(t, func() bool { return h.messageCount() == 2 }, time.Second, 5*time.Millisecond)

	transcript := h.session.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, "m10", transcript[0].ID)
	assert.Equal(t, "m11", transcript[1].ID)
}

func TestSession_DuplicateDeliveryDropped(t *testing.T) {
	backend := &stubBackend{history: []wire.Message{historyMsg("m1", "u2", "hello")}}
	h := newHarness(t, backend)
	h.open(t)
	fake := h.dialer.Latest()

	// A replay of a history id and a double delivery of a fresh id.
	fake.Deliver(wire.EventReceiveMessage, historyMsg("m1", "u2", "hello"))
	fake.Deliver(wire.EventReceiveMessage, historyMsg("m2", "u2", "again"))
	fake.Deliver(wire.EventReceiveMessage, historyMsg("m2", "u2", "again"))

	assert.Eventually(t, func() bool { return len(h.session.Transcript()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, h.session.Transcript(), 2)
	assert.Equal(t, 1, h.messageCount())
}

func TestSession_IgnoresOtherConversations(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	other := historyMsg("m9", "u2", "wrong room")
	other.ConversationID = "c2"
	fake.Deliver(wire.EventReceiveMessage, other)
	fake.Deliver(wire.EventReceiveMessage, historyMsg("m1", "u2", "right room"))

	assert.Eventually(t, func() bool { return h.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.session.Transcript(), 1)
	assert.Equal(t, "m1", h.session.Transcript()[0].ID)
}

func TestSession_SendConfirmedByEcho(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	require.NoError(t, h.session.SendMessage(context.Background(), "see you at 5"))

	// No optimistic insert: the message lands only with its confirmation.
	assert.Empty(t, h.session.Transcript())

	var sent wire.SendMessagePayload
	frames := fake.Emitted()
	require.Equal(t, wire.EventSendMessage, frames[len(frames)-1].Event)
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &sent))
	assert.Equal(t, "see you at 5", sent.Message)
	assert.Equal(t, "u1", sent.SenderID)

	echo := historyMsg("m-new", "u1", "see you at 5")
	fake.Deliver(wire.EventMessageSent, echo)

	assert.Eventually(t, func() bool { return len(h.session.Transcript()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, wire.DeliveryConfirmed, h.session.Transcript()[0].Delivery)

	// The echo cleared the pending send; no ack timeout fires later.
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.failureCount())
}

func TestSession_SendValidation(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	assert.ErrorIs(t, h.session.SendMessage(context.Background(), ""), ErrEmptyMessage)
	assert.ErrorIs(t, h.session.SendMessage(context.Background(), "   \n\t"), ErrEmptyMessage)
	assert.ErrorIs(t, h.session.SendMessage(context.Background(), strings.Repeat("a", MaxMessageLength+1)), ErrMessageTooLong)

	for _, frame := range fake.Emitted() {
		assert.NotEqual(t, wire.EventSendMessage, frame.Event)
	}
}

func TestSession_FallbackWhenDisconnected(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend)
	h.dialer.Fail(errors.New("refused"))
	h.open(t)

	require.NoError(t, h.session.SendMessage(context.Background(), "are you there?"))

	assert.Equal(t, []string{"are you there?"}, backend.createdBodies())
	transcript := h.session.Transcript()
	require.Len(t, transcript, 1)
	assert.Equal(t, wire.DeliveryFallback, transcript[0].Delivery)
	assert.NotEmpty(t, transcript[0].ID)
	assert.Equal(t, "u1", transcript[0].SenderID)
	assert.Equal(t, 1, h.messageCount())
}

func TestSession_FallbackReplayDeduped(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend)
	h.dialer.Fail(errors.New("refused"))
	h.open(t)

	require.NoError(t, h.session.SendMessage(context.Background(), "offline note"))
	fallbackID := h.session.Transcript()[0].ID

	// Channel recovers and replays the same entry.
	h.dialer.Fail(nil)
	require.NoError(t, h.conn.Connect(context.Background(), testUser.ID))
	fake := h.dialer.Latest()
	fake.Deliver(wire.EventReceiveMessage, historyMsg(fallbackID, "u1", "offline note"))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.session.Transcript(), 1)
}

func TestSession_FallbackFailureReturnsError(t *testing.T) {
	backend := &stubBackend{createErr: errors.New("persist failed")}
	h := newHarness(t, backend)
	h.dialer.Fail(errors.New("refused"))
	h.open(t)

	err := h.session.SendMessage(context.Background(), "lost words")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback delivery")
	assert.Empty(t, h.session.Transcript())
}

func TestSession_ChannelEmitFailureFallsBack(t *testing.T) {
	backend := &stubBackend{}
	h := newHarness(t, backend)
	h.open(t)
	h.dialer.Latest().FailEmits(errors.New("broken pipe"))

	require.NoError(t, h.session.SendMessage(context.Background(), "still got through"))

	assert.Equal(t, []string{"still got through"}, backend.createdBodies())
	require.Len(t, h.session.Transcript(), 1)
	assert.Equal(t, wire.DeliveryFallback, h.session.Transcript()[0].Delivery)
}

func TestSession_SendAckTimeout(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)

	require.NoError(t, h.session.SendMessage(context.Background(), "anyone home?"))

	assert.Eventually(t, func() bool { return h.failureCount() == 1 }, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	failure := h.failures[0]
	h.mu.Unlock()
	assert.Equal(t, "anyone home?", failure.body)
	assert.ErrorIs(t, failure.err, ErrAckTimeout)
	assert.Empty(t, h.session.Transcript())
}

func TestSession_ServerErrorFailsPendingSend(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	require.NoError(t, h.session.SendMessage(context.Background(), "doomed"))
	fake.Deliver(wire.EventMessageError, wire.MessageError{ConversationID: "c1", Error: "db down"})

	assert.Eventually(t, func() bool { return h.failureCount() == 1 }, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	failure := h.failures[0]
	h.mu.Unlock()
	assert.Equal(t, "doomed", failure.body)
	assert.Contains(t, failure.err.Error(), "db down")

	// The server error consumed the pending send; the ack timer must not
	// fail it a second time.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.failureCount())
}

func TestSession_LocalTypingIdleTimer(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	// Three keystrokes inside the idle window.
	h.session.InputActivity()
	time.Sleep(5 * time.Millisecond)
	h.session.InputActivity()
	time.Sleep(5 * time.Millisecond)
	h.session.InputActivity()

	assert.Eventually(t, func() bool {
		for _, p := range typingFrames(t, fake) {
			if !p.IsTyping {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	var started, stopped int
	for _, p := range typingFrames(t, fake) {
		assert.Equal(t, "c1", p.ConversationID)
		assert.Equal(t, "Priya", p.UserName)
		if p.IsTyping {
			started++
		} else {
			stopped++
		}
	}
	assert.Equal(t, 3, started)
	assert.Equal(t, 1, stopped, "idle timer must fire exactly once")
}

func TestSession_RemoteTypingStopSignal(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	fake.Deliver(wire.EventUserTyping, wire.TypingSignal{ConversationID: "c1", UserName: "Arun", IsTyping: true})
	fake.Deliver(wire.EventUserTyping, wire.TypingSignal{ConversationID: "c1", UserName: "Arun", IsTyping: false})

	assert.Eventually(t, func() bool { return len(h.typingEvents()) == 2 }, time.Second, 5*time.Millisecond)

	// Past the expiry window the cleared indicator must not clear again.
	time.Sleep(80 * time.Millisecond)
	events := h.typingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, typingEvent{user: "Arun", typing: true}, events[0])
	assert.Equal(t, typingEvent{user: "Arun", typing: false}, events[1])
}

func TestSession_RemoteTypingExpires(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	// The stop signal never arrives; the expiry timer clears it once.
	fake.Deliver(wire.EventUserTyping, wire.TypingSignal{ConversationID: "c1", UserName: "Arun", IsTyping: true})

	assert.Eventually(t, func() bool {
		events := h.typingEvents()
		return len(events) == 2 && !events[1].typing
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.typingEvents(), 2)
}

func TestSession_RemoteTypingIgnoresSelf(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	fake.Deliver(wire.EventUserTyping, wire.TypingSignal{ConversationID: "c1", UserName: "Priya", IsTyping: true})
	fake.Deliver(wire.EventReceiveMessage, historyMsg("m1", "u2", "sync point"))

	assert.Eventually(t, func() bool { return h.messageCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.typingEvents())
}

func TestSession_TypingSuppressedWhileDisconnected(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.dialer.Fail(errors.New("refused"))
	h.open(t)

	h.session.InputActivity()
	time.Sleep(60 * time.Millisecond)
	// Nothing was dialed, so nothing could have been emitted; the real
	// assertion is that InputActivity while down does not panic or queue.
	assert.Nil(t, h.dialer.Latest())
}

func TestSession_ReconnectRejoinsRoom(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)

	h.dialer.Latest().Drop()

	assert.Eventually(t, func() bool {
		fake := h.dialer.Latest()
		if fake == nil || !fake.Alive() {
			return false
		}
		events := fake.EmittedEvents()
		for _, ev := range events {
			if ev == wire.EventJoinConversation {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, h.dialer.Dials())
	assert.Equal(t, "c1", h.conn.CurrentRoom())

	h.mu.Lock()
	conns := append([]bool(nil), h.conns...)
	h.mu.Unlock()
	assert.Contains(t, conns, false)
	assert.True(t, conns[len(conns)-1])
}

func TestSession_CloseLeavesRoomAndGoesInert(t *testing.T) {
	h := newHarness(t, &stubBackend{})
	h.open(t)
	fake := h.dialer.Latest()

	h.session.Close()

	events := fake.EmittedEvents()
	assert.Equal(t, wire.EventLeaveConversation, events[len(events)-1])

	fake.Deliver(wire.EventReceiveMessage, historyMsg("m1", "u2", "too late"))
	fake.Deliver(wire.EventUserTyping, wire.TypingSignal{ConversationID: "c1", UserName: "Arun", IsTyping: true})
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, h.messageCount())
	assert.Empty(t, h.typingEvents())
	assert.ErrorIs(t, h.session.SendMessage(context.Background(), "after close"), ErrClosed)

	// Close is idempotent.
	h.session.Close()
}

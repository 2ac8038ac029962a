// ABOUTME: Observer registries for message, typing, send-error, and state streams.
// ABOUTME: Registration returns a Subscription handle; cancellation removes the observer.

package connection

import (
	"sync"

	"github.com/google/uuid"

	"github.com/eprop/messaging-client/internal/wire"
)

// Subscription is the handle returned by the On* methods. Cancel removes
// the observer; any event dispatched after Cancel is inert for it.
type Subscription struct {
	cancel func()
}

// Cancel removes the observer. Safe to call more than once, and safe on
// the zero value.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// registry holds the observer sets. Callbacks are copied out under the
// lock and invoked without it, so an observer may call back into the
// Manager (to rejoin a room, say) without deadlocking.
type registry struct {
	mu         sync.Mutex
	messages   map[string]func(wire.Message)
	typings    map[string]func(wire.TypingSignal)
	states     map[string]func(bool)
	sendErrors map[string]func(wire.MessageError)
}

func newRegistry() *registry {
	return &registry{
		messages:   make(map[string]func(wire.Message)),
		typings:    make(map[string]func(wire.TypingSignal)),
		states:     make(map[string]func(bool)),
		sendErrors: make(map[string]func(wire.MessageError)),
	}
}

func (r *registry) addMessage(fn func(wire.Message)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.messages[id] = fn
	return Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.messages, id)
	}}
}

func (r *registry) addTyping(fn func(wire.TypingSignal)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.typings[id] = fn
	return Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.typings, id)
	}}
}

func (r *registry) addState(fn func(bool)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.states[id] = fn
	return Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.states, id)
	}}
}

func (r *registry) addSendError(fn func(wire.MessageError)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.sendErrors[id] = fn
	return Subscription{cancel: func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sendErrors, id)
	}}
}

func (r *registry) notifyMessage(msg wire.Message) {
	for _, fn := range r.messageObservers() {
		fn(msg)
	}
}

func (r *registry) notifyTyping(sig wire.TypingSignal) {
	r.mu.Lock()
	fns := make([]func(wire.TypingSignal), 0, len(r.typings))
	for _, fn := range r.typings {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

func (r *registry) notifyState(connected bool) {
	r.mu.Lock()
	fns := make([]func(bool), 0, len(r.states))
	for _, fn := range r.states {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (r *registry) notifySendError(msgErr wire.MessageError) {
	r.mu.Lock()
	fns := make([]func(wire.MessageError), 0, len(r.sendErrors))
	for _, fn := range r.sendErrors {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(msgErr)
	}
}

func (r *registry) messageObservers() []func(wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fns := make([]func(wire.Message), 0, len(r.messages))
	for _, fn := range r.messages {
		fns = append(fns, fn)
	}
	return fns
}

// ABOUTME: In-memory Transport fake for exercising the connection manager and sessions.
// ABOUTME: Records emitted frames and lets tests inject incoming frames, drops, and dial failures.

package transport

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
)

// Fake is an in-memory Transport. Emitted frames are recorded for
// inspection; incoming frames are injected with Deliver.
type Fake struct {
	mu      sync.Mutex
	emitted []Frame
	frames  chan Frame
	alive   bool
	dropped bool
	emitErr error
}

// NewFake returns a live fake transport.
func NewFake() *Fake {
	return &Fake{
		frames: make(chan Frame, frameBuffer),
		alive:  true,
	}
}

// Emit records the frame. Returns ErrTransportClosed after a drop, or the
// error configured with FailEmits.
func (f *Fake) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.alive {
		return ErrTransportClosed
	}
	if f.emitErr != nil {
		return f.emitErr
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, Frame{Event: event, Data: raw})
	return nil
}

// Frames returns the injected frame stream.
func (f *Fake) Frames() <-chan Frame {
	return f.frames
}

// Alive reports the fake's liveness.
func (f *Fake) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

// Close marks the fake dead and closes the frame stream.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
	return nil
}

func (f *Fake) closeLocked() {
	f.alive = false
	if !f.dropped {
		f.dropped = true
		close(f.frames)
	}
}

// Drop simulates an unexpected transport failure. Identical to Close from
// the consumer's point of view; the name keeps test intent readable.
func (f *Fake) Drop() {
	_ = f.Close()
}

// MarkDead kills the transport without closing the frame stream, simulating
// a missed disconnect event that only state reconciliation can catch.
func (f *Fake) MarkDead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

// Deliver injects an incoming frame.
func (f *Fake) Deliver(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	f.frames <- Frame{Event: event, Data: raw}
}

// FailEmits makes subsequent Emit calls return err. Pass nil to clear.
func (f *Fake) FailEmits(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitErr = err
}

// Emitted returns a copy of all recorded frames.
func (f *Fake) Emitted() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// EmittedEvents returns just the event names, in emit order.
func (f *Fake) EmittedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.emitted))
	for i, fr := range f.emitted {
		out[i] = fr.Event
	}
	return out
}

// FakeDialer hands out Fake transports and counts dial attempts.
type FakeDialer struct {
	mu         sync.Mutex
	err        error
	dials      int
	transports []*Fake
}

// NewFakeDialer returns a dialer that succeeds until Fail is set.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{}
}

// Dial implements the Dialer signature.
func (d *FakeDialer) Dial(_ context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	f := NewFake()
	d.transports = append(d.transports, f)
	return f, nil
}

// Fail makes subsequent dials return err. Pass nil to restore success.
func (d *FakeDialer) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Dials returns the number of dial attempts so far.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Latest returns the most recently dialed fake, or nil.
func (d *FakeDialer) Latest() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

package rtc

import (
	"context"
	"sync"
)

// FakeTransport is an in-memory Transport for tests and offline demos.
// Events are injected with Emit and outbound payloads are recorded.
type FakeTransport struct {
	mu      sync.Mutex
	events  chan *RawEvent
	sent    [][]byte
	sendErr error
	closed  bool
}

var _ Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a fake transport with a buffered event stream.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{events: make(chan *RawEvent, 100)}
}

// Events returns the raw event stream.
func (f *FakeTransport) Events() <-chan *RawEvent {
	return f.events
}

// Emit delivers an event to consumers as if the network produced it. Events
// emitted after Close are dropped.
func (f *FakeTransport) Emit(ev *RawEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.events <- ev
}

// SendData records the payload. Fails with the injected error, or
// ErrNotConnected once closed.
func (f *FakeTransport) SendData(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrNotConnected
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.sent = append(f.sent, buf)
	return nil
}

// Close emits the closing left_meeting event and closes the stream. Safe to
// call more than once.
func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.events <- NewRawEvent(EventLeft)
	close(f.events)
	return nil
}

// FailSends makes subsequent SendData calls return err. Pass nil to restore
// normal behavior.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Sent returns copies of the payloads passed to SendData, in order.
func (f *FakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.sent))
	for i, payload := range f.sent {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		out[i] = buf
	}
	return out
}

package echoroom

import (
	"context"
	"encoding/json"
	"sync"
)

// FakeRealtime is an in-process Realtime implementation for tests and
// offline use. Publish delivers an event to subscribers exactly as the
// websocket channel would: synchronously, in subscription order.
type FakeRealtime struct {
	dispatcher *dispatcher

	mu        sync.Mutex
	connected bool
	joined    map[string]bool
	sent      []SentEvent
}

// SentEvent records one client-to-server emission.
type SentEvent struct {
	Event   string
	Payload any
}

// NewFakeRealtime creates a fake channel that starts connected.
func NewFakeRealtime() *FakeRealtime {
	return &FakeRealtime{
		dispatcher: newDispatcher(),
		connected:  true,
		joined:     make(map[string]bool),
	}
}

func (f *FakeRealtime) Subscribe(event string, h Handler) func() {
	return f.dispatcher.subscribe(event, h)
}

func (f *FakeRealtime) OnConnectionChange(fn func(bool)) func() {
	return f.dispatcher.onConnChange(fn)
}

func (f *FakeRealtime) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected flips the connection state and notifies subscribers.
func (f *FakeRealtime) SetConnected(connected bool) {
	f.mu.Lock()
	if f.connected == connected {
		f.mu.Unlock()
		return
	}
	f.connected = connected
	f.mu.Unlock()
	f.dispatcher.emitConnChange(connected)
}

func (f *FakeRealtime) Send(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, SentEvent{Event: event, Payload: payload})
	f.mu.Unlock()
	return nil
}

// Sent returns a copy of everything emitted through Send.
func (f *FakeRealtime) Sent() []SentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentEvent{}, f.sent...)
}

func (f *FakeRealtime) JoinRoom(ctx context.Context, roomID string) {
	f.mu.Lock()
	f.joined[roomID] = true
	f.mu.Unlock()
}

func (f *FakeRealtime) LeaveRoom(ctx context.Context, roomID string) {
	f.mu.Lock()
	delete(f.joined, roomID)
	f.mu.Unlock()
}

// Joined reports whether a room is currently joined.
func (f *FakeRealtime) Joined(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joined[roomID]
}

// Publish delivers a server-originated event to all subscribers.
func (f *FakeRealtime) Publish(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f.dispatcher.dispatch(envelope{Type: event, Payload: raw})
}

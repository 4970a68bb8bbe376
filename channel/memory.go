package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// AckHandler answers one request on a Memory channel. The returned value is
// JSON-encoded into the ack payload; a returned error becomes the request's
// error.
type AckHandler func(payload json.RawMessage) (any, error)

// Memory is an in-process Channel. Requests are answered synchronously by
// registered AckHandlers and pushes are injected with Push, so a whole session
// can be exercised without a server.
type Memory struct {
	dispatcher *Dispatcher

	mu         sync.Mutex
	connected  bool
	closed     bool
	connectErr error
	acks       map[EventType]AckHandler
	requests   []Frame
	emitted    []Frame
}

// NewMemory creates a disconnected in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		dispatcher: NewDispatcher(),
		acks:       make(map[EventType]AckHandler),
	}
}

// Handle registers the ack handler for event, replacing any previous one.
func (m *Memory) Handle(event EventType, h AckHandler) {
	m.mu.Lock()
	m.acks[event] = h
	m.mu.Unlock()
}

// FailConnect makes subsequent Connect calls fail with err. Pass nil to
// allow connections again.
func (m *Memory) FailConnect(err error) {
	m.mu.Lock()
	m.connectErr = err
	m.mu.Unlock()
}

// Connect marks the channel connected and dispatches connect.
func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if err := m.connectErr; err != nil {
		m.mu.Unlock()
		m.dispatch(EventConnectError, ConnectErrorEvent{Message: err.Error()})
		return err
	}
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = true
	m.mu.Unlock()

	m.dispatcher.Dispatch(Frame{Type: EventConnected})
	return nil
}

// Request records the request and answers it with the registered handler.
// Events without a handler are acknowledged with an empty payload.
func (m *Memory) Request(ctx context.Context, event EventType, payload, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", event, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.connected {
		m.mu.Unlock()
		return fmt.Errorf("request %s: %w", event, ErrNotConnected)
	}
	m.requests = append(m.requests, Frame{Type: event, Payload: data})
	h := m.acks[event]
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	result, err := h(data)
	if err != nil {
		return err
	}
	if out == nil || result == nil {
		return nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode %s ack: %w", event, err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		return fmt.Errorf("decode %s ack: %w", event, err)
	}
	return nil
}

// Emit records a fire-and-forget frame.
func (m *Memory) Emit(ctx context.Context, event EventType, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}
	m.emitted = append(m.emitted, Frame{Type: event, Payload: data})
	return nil
}

// Push delivers a server push to the subscribed handlers and returns how
// many ran.
func (m *Memory) Push(event EventType, payload any) (int, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return 0, err
	}
	return m.dispatcher.Dispatch(Frame{Type: event, Payload: data}), nil
}

// Drop simulates an unexpected connection loss.
func (m *Memory) Drop(reason string) {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	m.dispatch(EventDisconnect, DisconnectEvent{Reason: reason})
}

// Restore simulates a successful automatic reconnection.
func (m *Memory) Restore() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = true
	m.mu.Unlock()
	m.dispatcher.Dispatch(Frame{Type: EventReconnected})
}

// Subscribe registers h for event.
func (m *Memory) Subscribe(event EventType, h Handler) func() {
	return m.dispatcher.Subscribe(event, h)
}

// Subscribers returns how many handlers are registered for event.
func (m *Memory) Subscribers(event EventType) int {
	return m.dispatcher.Count(event)
}

// Connected reports whether the channel is connected.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Close closes the channel for good.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Requests returns the recorded requests of type event, oldest first.
func (m *Memory) Requests(event EventType) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterFrames(m.requests, event)
}

// Emitted returns the recorded emitted frames of type event, oldest first.
func (m *Memory) Emitted(event EventType) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return filterFrames(m.emitted, event)
}

func (m *Memory) dispatch(event EventType, payload any) {
	data, _ := json.Marshal(payload)
	m.dispatcher.Dispatch(Frame{Type: event, Payload: data})
}

func filterFrames(frames []Frame, event EventType) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == event {
			out = append(out, f)
		}
	}
	return out
}

var _ Channel = (*Memory)(nil)

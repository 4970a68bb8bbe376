package channel

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type subscription struct {
	id uint64
	h  Handler
}

// Dispatcher fans inbound frames out to the handlers subscribed to their
// event type, in subscription order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscription
	nextID   uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[EventType][]subscription)}
}

// Subscribe registers h for event. The returned function removes exactly
// this registration and is safe to call more than once.
func (d *Dispatcher) Subscribe(event EventType, h Handler) func() {
	if h == nil {
		return func() {}
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], subscription{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(event, id) })
	}
}

func (d *Dispatcher) remove(event EventType, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[event]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(d.handlers, event)
		return
	}
	d.handlers[event] = subs
}

// Dispatch invokes every handler subscribed to f.Type and returns how many
// ran. A panicking handler is logged and does not affect the others.
func (d *Dispatcher) Dispatch(f Frame) int {
	d.mu.RLock()
	subs := append([]subscription(nil), d.handlers[f.Type]...)
	d.mu.RUnlock()

	for _, s := range subs {
		d.invoke(f, s.h)
	}
	return len(subs)
}

func (d *Dispatcher) invoke(f Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatch",
				"event":    f.Type,
				"panic":    r,
			}).Error("Event handler panicked")
		}
	}()
	h(f)
}

// Count returns how many handlers are subscribed to event.
func (d *Dispatcher) Count(event EventType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

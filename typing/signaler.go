package typing

import (
	"sync"
	"time"

	"github.com/jenniferdsbaumgart/Texlink-sub001/clock"
)

// Signaler emits the local user's typing signals. A burst of keystrokes
// produces one start; the stop follows automatically once no keystroke has
// arrived for the timeout.
type Signaler struct {
	mu      sync.Mutex
	clock   clock.TimeProvider
	timeout time.Duration
	emit    func(isTyping bool)
	typing  bool
	timer   clock.Timer
	seq     uint64
	closed  bool
}

// NewSignaler creates a signaler that reports transitions through emit.
func NewSignaler(tp clock.TimeProvider, timeout time.Duration, emit func(isTyping bool)) *Signaler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Signaler{clock: clock.Or(tp), timeout: timeout, emit: emit}
}

// Keystroke records local typing activity.
func (s *Signaler) Keystroke() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	started := !s.typing
	s.typing = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(s.timeout, func() { s.expire(seq) })
	s.mu.Unlock()

	if started {
		s.emit(true)
	}
}

// Done ends the current typing burst immediately, e.g. when the message is sent.
func (s *Signaler) Done() {
	s.mu.Lock()
	wasTyping := s.typing
	s.stopLocked()
	s.mu.Unlock()

	if wasTyping {
		s.emit(false)
	}
}

// Typing reports whether a start has been emitted without a matching stop.
func (s *Signaler) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

// Close cancels the pending stop without emitting it. Further keystrokes are
// ignored.
func (s *Signaler) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.closed = true
	s.mu.Unlock()
}

func (s *Signaler) expire(seq uint64) {
	s.mu.Lock()
	if seq != s.seq || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.timer = nil
	s.mu.Unlock()

	s.emit(false)
}

func (s *Signaler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.typing = false
	s.seq++
}

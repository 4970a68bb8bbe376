// Package typing tracks ephemeral "currently typing" presence.
//
// Remote presence is held by a Tracker: each start signal arms a per-peer
// expiry that is rescheduled on renewal, so a lost stop signal clears itself
// after the timeout. Local presence is emitted by a Signaler, which sends one
// start per typing burst and an automatic stop once keystrokes pause.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/clock"
)

// DefaultTimeout is how long presence lasts without renewal.
const DefaultTimeout = 3 * time.Second

// Peer is a participant currently composing a message.
type Peer struct {
	ID   string
	Name string
}

type trackedPeer struct {
	Peer
	timer clock.Timer
	seq   uint64
}

// Tracker is the self-expiring set of remote peers currently typing.
type Tracker struct {
	mu       sync.Mutex
	clock    clock.TimeProvider
	timeout  time.Duration
	peers    map[string]*trackedPeer
	seq      uint64
	onChange func([]Peer)
}

// NewTracker creates a tracker. A nil time provider selects the system clock
// and a non-positive timeout selects DefaultTimeout.
func NewTracker(tp clock.TimeProvider, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		clock:   clock.Or(tp),
		timeout: timeout,
		peers:   make(map[string]*trackedPeer),
	}
}

// OnChange sets a callback invoked with the new peer list whenever a peer is
// added or removed. Renewals do not trigger it.
func (t *Tracker) OnChange(fn func([]Peer)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Start records that peerID is typing and (re)arms its expiry.
func (t *Tracker) Start(peerID, name string) {
	if peerID == "" {
		return
	}

	t.mu.Lock()
	p, exists := t.peers[peerID]
	if exists {
		p.timer.Stop()
		if name != "" {
			p.Name = name
		}
	} else {
		p = &trackedPeer{Peer: Peer{ID: peerID, Name: name}}
		t.peers[peerID] = p
	}
	t.seq++
	seq := t.seq
	p.seq = seq
	p.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(peerID, seq) })
	notify := t.changedLocked(!exists)
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"peer_id":  peerID,
		"renewal":  exists,
	}).Debug("Peer typing")

	notify()
}

// Stop removes peerID from the set.
func (t *Tracker) Stop(peerID string) {
	t.mu.Lock()
	p, exists := t.peers[peerID]
	if exists {
		p.timer.Stop()
		delete(t.peers, peerID)
	}
	notify := t.changedLocked(exists)
	t.mu.Unlock()

	notify()
}

// Set applies a typing signal.
func (t *Tracker) Set(peerID, name string, isTyping bool) {
	if isTyping {
		t.Start(peerID, name)
		return
	}
	t.Stop(peerID)
}

// Peers returns the peers currently typing, ordered by name then id.
func (t *Tracker) Peers() []Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Clear cancels every expiry and empties the set.
func (t *Tracker) Clear() {
	t.mu.Lock()
	removed := len(t.peers) > 0
	for id, p := range t.peers {
		p.timer.Stop()
		delete(t.peers, id)
	}
	notify := t.changedLocked(removed)
	t.mu.Unlock()

	notify()
}

func (t *Tracker) expire(peerID string, seq uint64) {
	t.mu.Lock()
	p, exists := t.peers[peerID]
	// A renewal that raced the timer owns a newer seq.
	expired := exists && p.seq == seq
	if expired {
		delete(t.peers, peerID)
	}
	notify := t.changedLocked(expired)
	t.mu.Unlock()

	if expired {
		logrus.WithFields(logrus.Fields{
			"function": "expire",
			"peer_id":  peerID,
		}).Debug("Typing presence expired")
	}
	notify()
}

// changedLocked returns a function that delivers the change callback outside
// the lock, or a no-op when nothing changed.
func (t *Tracker) changedLocked(changed bool) func() {
	cb := t.onChange
	if !changed || cb == nil {
		return func() {}
	}
	peers := t.snapshotLocked()
	return func() { cb(peers) }
}

func (t *Tracker) snapshotLocked() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Peer)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

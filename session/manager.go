// Package session coordinates one participant's negotiation session over a
// channel: connection and authentication, room membership, routing of server
// pushes into the message stream, typing tracker and proposal state, and the
// outbox that carries every user-authored message.
//
// User-authored messages are always enqueued and then drained; the session
// never sends them over the channel directly. Every asynchronous completion
// is tagged with the session epoch it started in and is discarded when the
// session has since switched rooms or closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/channel"
	"github.com/jenniferdsbaumgart/Texlink-sub001/clock"
	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/proposal"
	"github.com/jenniferdsbaumgart/Texlink-sub001/typing"
)

var (
	// ErrClosed indicates use of a session after Close.
	ErrClosed = errors.New("session closed")
	// ErrNotJoined indicates an operation that needs an open room.
	ErrNotJoined = errors.New("no room joined")
	// ErrAuthentication indicates the server refused the credential.
	ErrAuthentication = errors.New("authentication failed")
	// ErrJoin indicates the server refused to join the room.
	ErrJoin = errors.New("join room failed")
	// ErrConnect indicates a failed connection attempt.
	ErrConnect = errors.New("connection failed")
	// ErrSendRefused indicates a send acknowledgment with success false.
	ErrSendRefused = errors.New("send refused by server")
	// ErrReconnectExhausted indicates the channel gave up reconnecting.
	ErrReconnectExhausted = errors.New("reconnection attempts exhausted")
	// ErrSuperseded indicates an operation whose session was replaced by a
	// later Open or Close while it was in flight.
	ErrSuperseded = errors.New("session superseded")
)

// emitTimeout bounds fire-and-forget frames sent from timers and callbacks.
const emitTimeout = 5 * time.Second

// CredentialSource supplies the token presented on authentication.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f CredentialFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Identity is the authenticated participant.
type Identity struct {
	UserID string
	Name   string
	Role   messaging.Role
}

// OpenResult describes a freshly opened room.
type OpenResult struct {
	RoomID      string
	UnreadCount int
	HasMore     bool
}

// Manager is the session of one participant. It is safe for concurrent use.
type Manager struct {
	ch     channel.Channel
	store  outbox.Store
	creds  CredentialSource
	opts   Options
	clock  clock.TimeProvider
	remote channelRemote

	stream     *messaging.Stream
	tracker    *typing.Tracker
	negotiator *proposal.Negotiator

	mu        sync.Mutex
	state     State
	roomID    string
	joined    bool
	loading   bool
	closed    bool
	identity  Identity
	epoch     uint64
	processor *outbox.Processor
	signaler  *typing.Signaler
	unsubs    []func()
	stopDrain context.CancelFunc
	drainDone chan struct{}

	onError       func(error)
	onStateChange func(State)
	onMessages    func()
	onTyping      func([]typing.Peer)
	onOutbox      func()
	onSendFailed  func(outbox.Entry)
}

// NewManager creates a session over ch that persists its outbox in store.
// A nil opts selects NewOptions.
func NewManager(ch channel.Channel, store outbox.Store, creds CredentialSource, opts *Options) *Manager {
	defaults := NewOptions()
	resolved := *defaults
	if opts != nil {
		resolved = *opts
	}
	if resolved.HistoryPageSize <= 0 {
		resolved.HistoryPageSize = defaults.HistoryPageSize
	}
	if resolved.MaxRetries <= 0 {
		resolved.MaxRetries = defaults.MaxRetries
	}
	if resolved.TypingTimeout <= 0 {
		resolved.TypingTimeout = defaults.TypingTimeout
	}
	if resolved.DrainInterval <= 0 {
		resolved.DrainInterval = defaults.DrainInterval
	}
	if resolved.ResyncTimeout <= 0 {
		resolved.ResyncTimeout = defaults.ResyncTimeout
	}
	if resolved.RetentionDays <= 0 {
		resolved.RetentionDays = defaults.RetentionDays
	}

	tp := clock.Or(resolved.TimeProvider)
	remote := channelRemote{ch: ch}
	stream := messaging.NewStream("", remote)

	m := &Manager{
		ch:      ch,
		store:   store,
		creds:   creds,
		opts:    resolved,
		clock:   tp,
		remote:  remote,
		stream:  stream,
		tracker: typing.NewTracker(tp, resolved.TypingTimeout),
	}
	m.negotiator = proposal.NewNegotiator(remote, stream)
	stream.OnChange(m.messagesChanged)
	m.tracker.OnChange(m.typingChanged)
	return m
}

// OnError sets the callback for connection, authentication and join errors.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// OnStateChange sets the callback for connection state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onStateChange = fn
	m.mu.Unlock()
}

// OnMessagesChanged sets the callback for message stream changes.
func (m *Manager) OnMessagesChanged(fn func()) {
	m.mu.Lock()
	m.onMessages = fn
	m.mu.Unlock()
}

// OnTypingChanged sets the callback for typing presence changes.
func (m *Manager) OnTypingChanged(fn func([]typing.Peer)) {
	m.mu.Lock()
	m.onTyping = fn
	m.mu.Unlock()
}

// OnOutboxChanged sets the callback for outbox changes of the open room.
func (m *Manager) OnOutboxChanged(fn func()) {
	m.mu.Lock()
	m.onOutbox = fn
	m.mu.Unlock()
}

// OnSendFailed sets the callback for entries that reached the retry ceiling.
func (m *Manager) OnSendFailed(fn func(outbox.Entry)) {
	m.mu.Lock()
	m.onSendFailed = fn
	m.mu.Unlock()
}

// Open connects, authenticates, joins roomID and loads its latest history.
// Opening a different room while one is open leaves the previous room first.
// On authentication or join failure the session falls back to connected,
// stays unjoined, history is not requested and the error is also reported to
// the OnError callback.
func (m *Manager) Open(ctx context.Context, roomID string) (OpenResult, error) {
	if err := limits.ValidateRoomID(roomID); err != nil {
		return OpenResult{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return OpenResult{}, ErrClosed
	}
	if m.joined && m.roomID == roomID {
		self := m.identity.UserID
		m.mu.Unlock()
		return OpenResult{RoomID: roomID, UnreadCount: m.stream.UnreadCount(self), HasMore: m.stream.HasMore()}, nil
	}
	previous, wasJoined := m.roomID, m.joined
	m.epoch++
	epoch := m.epoch
	m.roomID = roomID
	m.joined = false
	m.loading = true
	m.mu.Unlock()

	fields := logrus.Fields{
		"function": "Open",
		"room_id":  roomID,
	}
	logrus.WithFields(fields).Info("Opening room")

	if wasJoined && previous != "" {
		m.leave(ctx, previous)
	}
	m.detach()
	m.stream.Reset(roomID)
	m.tracker.Clear()
	m.attach(epoch)

	if err := m.connect(ctx); err != nil {
		return OpenResult{}, m.fail(epoch, err)
	}
	if _, err := m.authenticate(ctx, epoch); err != nil {
		return OpenResult{}, m.fail(epoch, err)
	}
	ack, err := m.join(ctx, epoch, roomID)
	if err != nil {
		m.refuseJoin(epoch)
		return OpenResult{}, m.fail(epoch, err)
	}

	proc := m.bindRoom(epoch, roomID)
	if proc == nil {
		return OpenResult{}, ErrSuperseded
	}
	if _, err := proc.RecoverInFlight(ctx); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Failed to recover interrupted outbox entries")
	}
	if _, err := proc.PurgeOlderThan(ctx, m.opts.RetentionDays); err != nil {
		logrus.WithFields(fields).WithError(err).Warn("Failed to purge abandoned outbox entries")
	}

	err = m.stream.LoadInitial(ctx, m.opts.HistoryPageSize)
	if errors.Is(err, messaging.ErrStaleResponse) {
		return OpenResult{}, ErrSuperseded
	}
	if !m.finishLoading(epoch) {
		return OpenResult{}, ErrSuperseded
	}
	m.startDrain(epoch, proc)
	result := OpenResult{RoomID: roomID, UnreadCount: ack.UnreadCount, HasMore: m.stream.HasMore()}
	if err != nil {
		// The room stays joined; Refresh requests the history again.
		logrus.WithFields(fields).WithError(err).Warn("Initial history load failed")
		m.reportError(err)
		return result, err
	}

	logrus.WithFields(fields).WithFields(logrus.Fields{
		"unread":   ack.UnreadCount,
		"messages": m.stream.Len(),
	}).Info("Room opened")
	return result, nil
}

// Close leaves the open room and releases every subscription. The channel
// itself is left to its owner.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.epoch++
	roomID, joined := m.roomID, m.joined
	m.roomID = ""
	m.joined = false
	m.loading = false
	m.mu.Unlock()

	if joined {
		m.leave(ctx, roomID)
	}
	m.detach()
	m.tracker.Clear()
	m.stream.Reset("")

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"room_id":  roomID,
	}).Info("Session closed")
	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	if m.ch.Connected() {
		m.mu.Lock()
		disconnected := m.state < StateConnected
		m.mu.Unlock()
		if disconnected {
			m.setState(StateConnected)
		}
		return nil
	}
	m.setState(StateConnecting)
	if err := m.ch.Connect(ctx); err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	m.setState(StateConnected)
	return nil
}

func (m *Manager) authenticate(ctx context.Context, epoch uint64) (Identity, error) {
	m.mu.Lock()
	if m.state == StateAuthenticated && m.identity.UserID != "" {
		id := m.identity
		m.mu.Unlock()
		return id, nil
	}
	m.mu.Unlock()

	token, err := m.creds.Token(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: credential: %w", ErrAuthentication, err)
	}
	var ev channel.AuthenticatedEvent
	if err := m.ch.Request(ctx, channel.EventAuthenticate, channel.AuthenticateRequest{Token: token}, &ev); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}
	if ev.UserID == "" {
		return Identity{}, fmt.Errorf("%w: server returned no user id", ErrAuthentication)
	}

	id := Identity{UserID: ev.UserID, Name: ev.UserName, Role: ev.Role}
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return Identity{}, ErrSuperseded
	}
	m.identity = id
	m.mu.Unlock()
	m.setState(StateAuthenticated)

	logrus.WithFields(logrus.Fields{
		"function": "authenticate",
		"user_id":  id.UserID,
		"role":     id.Role,
	}).Info("Authenticated")
	return id, nil
}

func (m *Manager) join(ctx context.Context, epoch uint64, roomID string) (channel.JoinAck, error) {
	var ack channel.JoinAck
	if err := m.ch.Request(ctx, channel.EventJoinRoom, channel.RoomRequest{RoomID: roomID}, &ack); err != nil {
		return channel.JoinAck{}, fmt.Errorf("%w: %s: %w", ErrJoin, roomID, err)
	}
	if !m.isCurrent(epoch) {
		return channel.JoinAck{}, ErrSuperseded
	}
	return ack, nil
}

// refuseJoin returns a current session to connected after the server
// refused the join. The next join authenticates again.
func (m *Manager) refuseJoin(epoch uint64) {
	m.mu.Lock()
	current := m.epoch == epoch && !m.closed
	if current {
		m.joined = false
	}
	m.mu.Unlock()
	if current {
		m.setState(StateConnected)
	}
}

func (m *Manager) markJoined(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.closed {
		return false
	}
	m.joined = true
	return true
}

func (m *Manager) leave(ctx context.Context, roomID string) {
	if !m.ch.Connected() {
		return
	}
	if err := m.ch.Emit(ctx, channel.EventLeaveRoom, channel.RoomRequest{RoomID: roomID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "leave",
			"room_id":  roomID,
			"error":    err.Error(),
		}).Warn("Failed to leave room")
	}
}

// fail ends a failed open. Stale failures are swallowed.
func (m *Manager) fail(epoch uint64, err error) error {
	m.mu.Lock()
	current := m.epoch == epoch
	if current {
		m.loading = false
	}
	m.mu.Unlock()

	if !current || errors.Is(err, ErrSuperseded) {
		return ErrSuperseded
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"error":    err.Error(),
	}).Error("Failed to open room")
	m.reportError(err)
	return err
}

func (m *Manager) finishLoading(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.loading = false
	return true
}

// bindRoom creates the room's outbox processor and typing signaler. It
// returns nil when epoch is stale.
func (m *Manager) bindRoom(epoch uint64, roomID string) *outbox.Processor {
	proc := outbox.NewProcessor(m.store, roomID,
		outbox.WithMaxRetries(m.opts.MaxRetries),
		outbox.WithRetryBackoff(m.opts.RetryBackoff),
		outbox.WithTimeProvider(m.clock),
	)
	proc.OnDelivered(func(_ outbox.Entry, r outbox.SendReceipt) {
		if m.isCurrent(epoch) && r.Message != nil {
			m.stream.Append(r.Message)
		}
	})
	proc.OnFailed(func(e outbox.Entry) {
		m.mu.Lock()
		cb := m.onSendFailed
		m.mu.Unlock()
		if cb != nil {
			cb(e)
		}
	})
	proc.OnChange(func() {
		m.mu.Lock()
		cb := m.onOutbox
		m.mu.Unlock()
		if cb != nil {
			cb()
		}
	})
	sig := typing.NewSignaler(m.clock, m.opts.TypingTimeout, func(isTyping bool) {
		m.emitTyping(epoch, roomID, isTyping)
	})

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		sig.Close()
		return nil
	}
	m.processor = proc
	m.signaler = sig
	m.joined = true
	m.mu.Unlock()
	return proc
}

func (m *Manager) startDrain(epoch uint64, proc *outbox.Processor) {
	if !m.opts.BackgroundDrain {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		cancel()
		return
	}
	m.stopDrain = cancel
	m.drainDone = done
	m.mu.Unlock()

	go func() {
		defer close(done)
		proc.Run(ctx, m.opts.DrainInterval, m.ready, m.remote.Send)
	}()
	proc.Kick()
}

// detach releases everything bound to the previous room.
func (m *Manager) detach() {
	m.mu.Lock()
	unsubs := m.unsubs
	stop, done := m.stopDrain, m.drainDone
	sig := m.signaler
	m.unsubs = nil
	m.stopDrain, m.drainDone = nil, nil
	m.signaler = nil
	m.processor = nil
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if stop != nil {
		stop()
		<-done
	}
	if sig != nil {
		sig.Close()
	}
}

// ready reports whether the outbox may be drained.
func (m *Manager) ready() bool {
	m.mu.Lock()
	ok := m.state == StateAuthenticated && m.joined
	m.mu.Unlock()
	return ok && m.ch.Connected()
}

func (m *Manager) isCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch && !m.closed
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	cb := m.onStateChange
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"from":     prev.String(),
		"to":       s.String(),
	}).Debug("Session state changed")
	if cb != nil {
		cb(s)
	}
}

func (m *Manager) reportError(err error) {
	m.mu.Lock()
	cb := m.onError
	m.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (m *Manager) messagesChanged() {
	m.mu.Lock()
	cb := m.onMessages
	m.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (m *Manager) typingChanged(peers []typing.Peer) {
	m.mu.Lock()
	cb := m.onTyping
	m.mu.Unlock()
	if cb != nil {
		cb(peers)
	}
}

func (m *Manager) emitTyping(epoch uint64, roomID string, isTyping bool) {
	if !m.isCurrent(epoch) || !m.ch.Connected() {
		return
	}
	event := channel.EventTypingStop
	if isTyping {
		event = channel.EventTypingStart
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()
	if err := m.ch.Emit(ctx, event, channel.RoomRequest{RoomID: roomID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "emitTyping",
			"room_id":  roomID,
			"event":    event,
			"error":    err.Error(),
		}).Debug("Failed to emit typing signal")
	}
}

// State returns the connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// RoomID returns the open or opening room.
func (m *Manager) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Joined reports whether a room is open.
func (m *Manager) Joined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

// Identity returns the authenticated participant.
func (m *Manager) Identity() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Loading reports whether an open is in progress.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Connected reports whether the channel is live and the session has at
// least reached the connected state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	up := m.state >= StateConnected
	m.mu.Unlock()
	return up && m.ch.Connected()
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

const (
	// DefaultRequestTimeout bounds how long a request waits for its ack.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultReconnectAttempts is how many dials follow an unexpected drop
	// before the channel gives up.
	DefaultReconnectAttempts = 5
	// DefaultReconnectDelay is the fixed wait between reconnection dials.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultFramesPerSecond paces outbound frames.
	DefaultFramesPerSecond = 20

	maxFramePayloadBytes = 64 * 1024
)

// WebSocketConfig configures a WebSocket channel.
type WebSocketConfig struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Origin is sent in the handshake. Defaults to the URL with an http(s)
	// scheme.
	Origin            string
	RequestTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	FramesPerSecond   float64
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.Origin == "" {
		c.Origin = "http" + strings.TrimPrefix(c.URL, "ws")
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = DefaultFramesPerSecond
	}
	return c
}

// WebSocket is a Channel over a JSON-framed websocket connection. After an
// unexpected drop it redials with a fixed delay up to ReconnectAttempts
// times, emitting connect_error per failed dial, then either reconnected or
// a final disconnect with reason reconnect_exhausted.
type WebSocket struct {
	cfg        WebSocketConfig
	dispatcher *Dispatcher
	limiter    *rate.Limiter

	lifetime context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	conn         *websocket.Conn
	closed       bool
	reconnecting bool
	pending      map[string]chan Frame
	nextRequest  uint64

	writeMu sync.Mutex
}

// NewWebSocket creates an unconnected websocket channel.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	cfg = cfg.withDefaults()
	burst := int(cfg.FramesPerSecond)
	if burst < 1 {
		burst = 1
	}
	lifetime, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		cfg:        cfg,
		dispatcher: NewDispatcher(),
		limiter:    rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), burst),
		lifetime:   lifetime,
		cancel:     cancel,
		pending:    make(map[string]chan Frame),
	}
}

// Connect dials the server and starts receiving.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.conn != nil {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		w.emitConnectError(err, 0)
		return err
	}
	if !w.install(conn) {
		return ErrClosed
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      w.cfg.URL,
	}).Info("Channel connected")
	w.dispatcher.Dispatch(Frame{Type: EventConnected})
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	wsConfig, err := websocket.NewConfig(w.cfg.URL, w.cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	conn, err := wsConfig.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	conn.MaxPayloadBytes = maxFramePayloadBytes
	return conn, nil
}

// install makes conn the live connection. It reports false, closing conn,
// when the channel was closed meanwhile.
func (w *WebSocket) install(conn *websocket.Conn) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return false
	}
	if w.conn != nil {
		// A concurrent Connect won.
		w.mu.Unlock()
		_ = conn.Close()
		return true
	}
	w.conn = conn
	w.reconnecting = false
	w.mu.Unlock()

	go w.receive(conn)
	return true
}

func (w *WebSocket) receive(conn *websocket.Conn) {
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			w.drop(conn, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "receive",
				"error":    err.Error(),
				"bytes":    len(data),
			}).Warn("Discarding malformed frame")
			continue
		}
		if f.Type == EventAck {
			w.resolve(f)
			continue
		}
		w.dispatcher.Dispatch(f)
	}
}

func (w *WebSocket) resolve(ack Frame) {
	w.mu.Lock()
	ch, ok := w.pending[ack.RequestID]
	delete(w.pending, ack.RequestID)
	w.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":   "resolve",
			"request_id": ack.RequestID,
		}).Debug("Discarding ack for unknown or expired request")
		return
	}
	ch <- ack
}

// drop handles the loss of conn. Requests waiting on it fail and, unless the
// channel was closed locally, reconnection starts.
func (w *WebSocket) drop(conn *websocket.Conn, cause error) {
	w.mu.Lock()
	if w.conn != conn {
		w.mu.Unlock()
		return
	}
	w.conn = nil
	pending := w.pending
	w.pending = make(map[string]chan Frame)
	closed := w.closed
	startReconnect := !closed && !w.reconnecting
	if startReconnect {
		w.reconnecting = true
	}
	w.mu.Unlock()

	_ = conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}

	reason := ReasonTransportError
	if errors.Is(cause, io.EOF) {
		reason = ReasonServerClose
	}
	logrus.WithFields(logrus.Fields{
		"function": "drop",
		"reason":   reason,
		"error":    cause.Error(),
	}).Warn("Channel connection lost")

	w.dispatchPayload(EventDisconnect, DisconnectEvent{Reason: reason})
	if startReconnect {
		go w.reconnect()
	}
}

func (w *WebSocket) reconnect() {
	fields := logrus.Fields{
		"function": "reconnect",
		"url":      w.cfg.URL,
	}

	select {
	case <-w.lifetime.Done():
		return
	case <-time.After(w.cfg.ReconnectDelay):
	}

	attempt := 0
	conn, err := backoff.Retry(w.lifetime, func() (*websocket.Conn, error) {
		attempt++
		if w.isClosed() {
			return nil, backoff.Permanent(ErrClosed)
		}
		conn, err := w.dial(w.lifetime)
		if err != nil {
			w.emitConnectError(err, attempt)
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.cfg.ReconnectDelay)),
		backoff.WithMaxTries(uint(w.cfg.ReconnectAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logrus.WithFields(fields).WithFields(logrus.Fields{
				"attempt": attempt,
				"next_in": next,
			}).WithError(err).Debug("Reconnection attempt failed")
		}),
	)
	if err != nil {
		w.mu.Lock()
		w.reconnecting = false
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		logrus.WithFields(fields).WithField("attempts", attempt).WithError(err).Error("Reconnection attempts exhausted")
		w.dispatchPayload(EventDisconnect, DisconnectEvent{Reason: ReasonReconnectExhausted})
		return
	}

	if !w.install(conn) {
		return
	}
	logrus.WithFields(fields).WithField("attempts", attempt).Info("Channel reconnected")
	w.dispatcher.Dispatch(Frame{Type: EventReconnected})
}

// Request sends a request frame and waits for the matching ack.
func (w *WebSocket) Request(ctx context.Context, event EventType, payload, out any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", event, err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	conn := w.conn
	if conn == nil {
		w.mu.Unlock()
		return fmt.Errorf("request %s: %w", event, ErrNotConnected)
	}
	w.nextRequest++
	id := strconv.FormatUint(w.nextRequest, 10)
	ch := make(chan Frame, 1)
	w.pending[id] = ch
	w.mu.Unlock()
	defer w.forget(id)

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	if err := w.write(reqCtx, conn, Frame{Type: event, RequestID: id, Payload: data}); err != nil {
		return fmt.Errorf("request %s: %w", event, err)
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return fmt.Errorf("request %s: %w", event, ErrNotConnected)
		}
		if ack.Error != nil {
			return ack.Error
		}
		if out != nil && len(ack.Payload) > 0 {
			if err := json.Unmarshal(ack.Payload, out); err != nil {
				return fmt.Errorf("decode %s ack: %w", event, err)
			}
		}
		return nil
	case <-reqCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("request %s: %w", event, ErrTimeout)
	}
}

func (w *WebSocket) forget(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// Emit sends a frame without waiting for an ack.
func (w *WebSocket) Emit(ctx context.Context, event EventType, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	w.mu.Lock()
	closed, conn := w.closed, w.conn
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("emit %s: %w", event, ErrNotConnected)
	}

	emitCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	if err := w.write(emitCtx, conn, Frame{Type: event, Payload: data}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (w *WebSocket) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	return websocket.JSON.Send(conn, f)
}

// Subscribe registers h for event.
func (w *WebSocket) Subscribe(event EventType, h Handler) func() {
	return w.dispatcher.Subscribe(event, h)
}

// Connected reports whether a connection is live.
func (w *WebSocket) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed && w.conn != nil
}

func (w *WebSocket) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close disconnects, fails outstanding requests and stops reconnection. No
// disconnect event is dispatched for a local close.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.conn = nil
	pending := w.pending
	w.pending = make(map[string]chan Frame)
	w.mu.Unlock()

	w.cancel()
	for _, ch := range pending {
		close(ch)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"url":      w.cfg.URL,
	}).Info("Channel closed")

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (w *WebSocket) emitConnectError(err error, attempt int) {
	w.dispatchPayload(EventConnectError, ConnectErrorEvent{Message: err.Error(), Attempt: attempt})
}

func (w *WebSocket) dispatchPayload(event EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatchPayload",
			"event":    event,
			"error":    err.Error(),
		}).Error("Failed to encode local event")
		return
	}
	w.dispatcher.Dispatch(Frame{Type: event, Payload: data})
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return data, nil
	}
}

var _ Channel = (*WebSocket)(nil)

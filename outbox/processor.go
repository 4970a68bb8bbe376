package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jenniferdsbaumgart/Texlink-sub001/clock"
	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/messaging"
)

const (
	// DefaultMaxRetries is the number of failed attempts after which an entry
	// becomes terminally failed.
	DefaultMaxRetries = 3
	// DefaultRetryBackoff is the wait before the first retry; each further
	// retry doubles it up to MaxRetryBackoff.
	DefaultRetryBackoff = 2 * time.Second
	// MaxRetryBackoff caps the per-entry retry wait.
	MaxRetryBackoff = time.Minute
	// DefaultRetentionDays is how long entries are kept before a purge
	// considers them abandoned.
	DefaultRetentionDays = 7
)

// SendReceipt is the server's acknowledgment of a delivered entry. Both
// fields are empty when the server acknowledged without echoing the message.
type SendReceipt struct {
	// ServerID is the server-assigned message id that supersedes the temp id.
	ServerID string
	// Message is the confirmed message, when the acknowledgment carries it.
	Message *messaging.Message
}

// SendFunc delivers one entry. A returned error counts toward the entry's
// retry ceiling.
type SendFunc func(ctx context.Context, e Entry) (SendReceipt, error)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Skipped is set when another drain was already in flight.
	Skipped   bool
	Attempted int
	Delivered int
	Retrying  int
	Failed    int
	// Deferred counts pending entries left for a later pass, either because
	// the head of the queue is still inside its retry backoff or because an
	// earlier entry of this pass failed transiently.
	Deferred int
}

// Option customizes a Processor.
type Option func(*Processor)

// WithMaxRetries sets the retry ceiling. Values below one are ignored.
func WithMaxRetries(n int) Option {
	return func(p *Processor) {
		if n >= 1 {
			p.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base retry wait. Zero disables backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(p *Processor) {
		if d >= 0 {
			p.retryBackoff = d
		}
	}
}

// WithTimeProvider injects the clock used for timestamps and backoff.
func WithTimeProvider(tp clock.TimeProvider) Option {
	return func(p *Processor) {
		p.clock = clock.Or(tp)
	}
}

// Processor drains one room's outbox. At most one entry is in the sending
// state at any instant, which preserves the user's submission order.
type Processor struct {
	store        Store
	roomID       string
	clock        clock.TimeProvider
	maxRetries   int
	retryBackoff time.Duration

	mu          sync.Mutex
	draining    bool
	onDelivered func(Entry, SendReceipt)
	onFailed    func(Entry)
	onChange    func()

	kick chan struct{}
}

// NewProcessor creates a processor for roomID backed by store.
func NewProcessor(store Store, roomID string, opts ...Option) *Processor {
	p := &Processor{
		store:        store,
		roomID:       roomID,
		clock:        clock.Or(nil),
		maxRetries:   DefaultMaxRetries,
		retryBackoff: DefaultRetryBackoff,
		kick:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RoomID returns the room this processor drains.
func (p *Processor) RoomID() string {
	return p.roomID
}

// OnDelivered sets a callback invoked after an entry is confirmed and removed.
func (p *Processor) OnDelivered(fn func(Entry, SendReceipt)) {
	p.mu.Lock()
	p.onDelivered = fn
	p.mu.Unlock()
}

// OnFailed sets a callback invoked when an entry reaches the retry ceiling.
func (p *Processor) OnFailed(fn func(Entry)) {
	p.mu.Lock()
	p.onFailed = fn
	p.mu.Unlock()
}

// OnChange sets a callback invoked whenever the room's outbox contents change.
func (p *Processor) OnChange(fn func()) {
	p.mu.Lock()
	p.onChange = fn
	p.mu.Unlock()
}

// Enqueue persists a new pending entry and returns its temporary id
// immediately, before any send is attempted.
func (p *Processor) Enqueue(ctx context.Context, kind messaging.Kind, payload Payload) (string, error) {
	if err := limits.ValidateRoomID(p.roomID); err != nil {
		return "", err
	}
	if err := validatePayload(kind, payload); err != nil {
		return "", err
	}

	e := Entry{
		TempID:    NewTempID(),
		RoomID:    p.roomID,
		Kind:      kind,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.Put(ctx, e); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Enqueue",
		"room_id":  p.roomID,
		"temp_id":  e.TempID,
		"kind":     kind,
	}).Debug("Outbox entry enqueued")

	p.notifyChange()
	p.Kick()
	return e.TempID, nil
}

// Drain attempts every pending entry of the room in creation order. A call
// made while another drain is in flight returns immediately with Skipped set.
// A transient failure ends the pass so later entries never overtake an
// earlier one; an entry that reaches the retry ceiling leaves the queue and
// the pass continues. Send failures are recorded on the entries, not
// returned; the error result only reports storage failures and cancellation.
func (p *Processor) Drain(ctx context.Context, send SendFunc) (DrainResult, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return DrainResult{Skipped: true}, nil
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	var res DrainResult
	entries, err := p.store.ListByRoomStatus(ctx, p.roomID, StatusPending)
	if err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}

	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if wait := p.backoffRemaining(e); wait > 0 {
			res.Deferred += len(entries) - i
			break
		}
		status, err := p.attempt(ctx, e, send, &res)
		if err != nil {
			return res, err
		}
		if status == StatusPending {
			res.Deferred += len(entries) - i - 1
			break
		}
	}

	if res.Attempted > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "Drain",
			"room_id":   p.roomID,
			"attempted": res.Attempted,
			"delivered": res.Delivered,
			"retrying":  res.Retrying,
			"failed":    res.Failed,
			"deferred":  res.Deferred,
		}).Info("Outbox drain finished")
	}
	return res, nil
}

// attempt sends one entry and returns the status it was left in. Only storage
// failures and cancellation are returned as errors.
func (p *Processor) attempt(ctx context.Context, e Entry, send SendFunc, res *DrainResult) (Status, error) {
	fields := logrus.Fields{
		"function": "attempt",
		"room_id":  p.roomID,
		"temp_id":  e.TempID,
	}

	e.Status = StatusSending
	e.LastAttemptAt = p.clock.Now()
	if err := p.store.Update(ctx, e); err != nil {
		return e.Status, fmt.Errorf("mark sending %s: %w", e.TempID, err)
	}
	res.Attempted++

	receipt, sendErr := p.invoke(ctx, e, send)

	// Interrupted by teardown: put the entry back untouched so the next
	// session resumes it, and stop draining.
	if sendErr != nil && ctx.Err() != nil {
		e.Status = StatusPending
		e.LastError = sendErr.Error()
		if err := p.store.Update(context.WithoutCancel(ctx), e); err != nil {
			logrus.WithFields(fields).WithError(err).Error("Failed to restore interrupted outbox entry")
		}
		return StatusPending, ctx.Err()
	}

	// The send has completed; record its outcome even if teardown cancels
	// ctx while the acknowledgment arrives.
	settle := context.WithoutCancel(ctx)

	if sendErr == nil {
		e.Status = StatusSent
		e.ServerID = receipt.ServerID
		e.LastError = ""
		if err := p.store.Delete(settle, e.TempID); err != nil {
			return e.Status, fmt.Errorf("delete delivered %s: %w", e.TempID, err)
		}
		res.Delivered++
		logrus.WithFields(fields).WithField("server_id", receipt.ServerID).Info("Outbox entry delivered")

		p.mu.Lock()
		cb := p.onDelivered
		p.mu.Unlock()
		if cb != nil {
			cb(e, receipt)
		}
		p.notifyChange()
		return StatusSent, nil
	}

	e.LastError = sendErr.Error()
	var panicked *panicError
	if errors.As(sendErr, &panicked) {
		// A crash inside the send path is transient and does not consume a retry.
		e.Status = StatusPending
		res.Retrying++
		logrus.WithFields(fields).WithError(sendErr).Warn("Outbox send crashed, will retry")
	} else {
		e.RetryCount++
		if e.RetryCount >= p.maxRetries {
			e.Status = StatusFailed
			res.Failed++
		} else {
			e.Status = StatusPending
			res.Retrying++
		}
	}
	if err := p.store.Update(settle, e); err != nil {
		return e.Status, fmt.Errorf("record failure %s: %w", e.TempID, err)
	}

	fields["retry_count"] = e.RetryCount
	if e.Status == StatusFailed {
		logrus.WithFields(fields).WithError(sendErr).Error("Outbox entry failed after retry ceiling")
		p.mu.Lock()
		cb := p.onFailed
		p.mu.Unlock()
		if cb != nil {
			cb(e)
		}
	} else {
		logrus.WithFields(fields).WithError(sendErr).Warn("Outbox send failed, will retry")
	}
	p.notifyChange()
	return e.Status, nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("send panicked: %v", e.value)
}

func (p *Processor) invoke(ctx context.Context, e Entry, send SendFunc) (receipt SendReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return send(ctx, e)
}

// backoffRemaining returns how long e must still wait before its next attempt.
func (p *Processor) backoffRemaining(e Entry) time.Duration {
	if p.retryBackoff == 0 || e.RetryCount == 0 || e.LastAttemptAt.IsZero() {
		return 0
	}
	wait := p.retryBackoff
	for i := 1; i < e.RetryCount && wait < MaxRetryBackoff; i++ {
		wait *= 2
	}
	if wait > MaxRetryBackoff {
		wait = MaxRetryBackoff
	}
	return wait - p.clock.Since(e.LastAttemptAt)
}

// Retry resets a failed entry to pending with a fresh retry budget.
func (p *Processor) Retry(ctx context.Context, tempID string) error {
	e, err := p.store.Get(ctx, tempID)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if e.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, tempID, e.Status)
	}
	e.Status = StatusPending
	e.RetryCount = 0
	e.LastError = ""
	e.LastAttemptAt = time.Time{}
	if err := p.store.Update(ctx, e); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Retry",
		"room_id":  p.roomID,
		"temp_id":  tempID,
	}).Info("Outbox entry reset for retry")

	p.notifyChange()
	p.Kick()
	return nil
}

// RecoverInFlight returns entries left in sending by an interrupted process
// to pending, so exactly one entry can be sending at a time.
func (p *Processor) RecoverInFlight(ctx context.Context) (int, error) {
	stuck, err := p.store.ListByRoomStatus(ctx, p.roomID, StatusSending)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight: %w", err)
	}
	for _, e := range stuck {
		e.Status = StatusPending
		if err := p.store.Update(ctx, e); err != nil {
			return 0, fmt.Errorf("recover in-flight %s: %w", e.TempID, err)
		}
	}
	if len(stuck) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "RecoverInFlight",
			"room_id":  p.roomID,
			"count":    len(stuck),
		}).Warn("Recovered outbox entries interrupted mid-send")
	}
	return len(stuck), nil
}

// PurgeOlderThan deletes entries created more than days ago, regardless of
// status. Non-positive days select DefaultRetentionDays.
func (p *Processor) PurgeOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		days = DefaultRetentionDays
	}
	cutoff := p.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := p.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	if n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgeOlderThan",
			"days":     days,
			"removed":  n,
		}).Info("Purged abandoned outbox entries")
		p.notifyChange()
	}
	return n, nil
}

// PendingCount returns how many of the room's entries await delivery,
// including the one in flight.
func (p *Processor) PendingCount(ctx context.Context) (int, error) {
	pending, err := p.store.CountByRoomStatus(ctx, p.roomID, StatusPending)
	if err != nil {
		return 0, err
	}
	sending, err := p.store.CountByRoomStatus(ctx, p.roomID, StatusSending)
	if err != nil {
		return 0, err
	}
	return pending + sending, nil
}

// FailedEntries returns the room's terminally failed entries, oldest first.
func (p *Processor) FailedEntries(ctx context.Context) ([]Entry, error) {
	return p.store.ListByRoomStatus(ctx, p.roomID, StatusFailed)
}

// Entries returns every undelivered entry of the room, oldest first, for
// rendering optimistic bubbles.
func (p *Processor) Entries(ctx context.Context) ([]Entry, error) {
	var all []Entry
	for _, status := range []Status{StatusPending, StatusSending, StatusFailed} {
		entries, err := p.store.ListByRoomStatus(ctx, p.roomID, status)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	sortEntries(all)
	return all, nil
}

// Kick requests a drain from Run without blocking.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run drains on every kick and every interval tick while ready reports true,
// until ctx is cancelled. Kicks received during a drain are coalesced into one
// follow-up drain.
func (p *Processor) Run(ctx context.Context, interval time.Duration, ready func() bool, send SendFunc) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if ready != nil && !ready() {
			continue
		}
		if _, err := p.Drain(ctx, send); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Run",
				"room_id":  p.roomID,
				"error":    err.Error(),
			}).Warn("Outbox drain aborted")
		}
	}
}

func (p *Processor) notifyChange() {
	p.mu.Lock()
	cb := p.onChange
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

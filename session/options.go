package session

import (
	"time"

	"github.com/jenniferdsbaumgart/Texlink-sub001/clock"
	"github.com/jenniferdsbaumgart/Texlink-sub001/limits"
	"github.com/jenniferdsbaumgart/Texlink-sub001/outbox"
	"github.com/jenniferdsbaumgart/Texlink-sub001/typing"
)

// Options contains session tuning.
type Options struct {
	// HistoryPageSize is the number of messages per history request.
	HistoryPageSize int
	// MaxRetries is the outbox retry ceiling.
	MaxRetries int
	// RetryBackoff is the base wait between outbox retries of one entry.
	RetryBackoff time.Duration
	// RetentionDays bounds how long undelivered entries are kept.
	RetentionDays int
	// TypingTimeout is how long typing presence lasts without renewal.
	TypingTimeout time.Duration
	// DrainInterval is the period of the background outbox drain.
	DrainInterval time.Duration
	// BackgroundDrain starts the periodic outbox drain while a room is open.
	// When false, entries are delivered only by Flush and by resyncs.
	BackgroundDrain bool
	// ResyncTimeout bounds the re-authenticate, re-join and catch-up
	// sequence run after a reconnect.
	ResyncTimeout time.Duration
	// TimeProvider drives typing expiry and outbox timestamps. Nil selects
	// the system clock.
	TimeProvider clock.TimeProvider
}

// NewOptions returns the default session options.
func NewOptions() *Options {
	return &Options{
		HistoryPageSize: limits.DefaultPageSize,
		MaxRetries:      outbox.DefaultMaxRetries,
		RetryBackoff:    outbox.DefaultRetryBackoff,
		RetentionDays:   outbox.DefaultRetentionDays,
		TypingTimeout:   typing.DefaultTimeout,
		DrainInterval:   5 * time.Second,
		BackgroundDrain: true,
		ResyncTimeout:   30 * time.Second,
	}
}

// Package queue implements the dispatch queue that decouples message
// admission from reply generation.
//
// Delivery is at-least-once. Every Dequeue takes a time-bounded lease on one
// job; the consumer must Ack after the reply is persisted or Nack on
// failure. A lease that is neither acked nor nacked before it expires (the
// consumer crashed or hung) is reclaimed and the job is delivered again. A
// job that has used MaxAttempts deliveries is moved to the dead-letter set
// instead of being retried.
//
// There is no ordering guarantee between jobs, including jobs for the same
// chatroom.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseLost is returned by Ack and Nack when the delivery's lease has
// expired and the job was reclaimed (or already settled).
var ErrLeaseLost = errors.New("queue: lease lost")

// Job is a request to generate a reply for one stored user message.
type Job struct {
	ID         string    `cbor:"id"`
	ChatroomID string    `cbor:"chatroom_id"`
	UserID     string    `cbor:"user_id"`
	MessageID  string    `cbor:"message_id"`
	Content    string    `cbor:"content"`
	EnqueuedAt time.Time `cbor:"enqueued_at"`
	// Attempts counts deliveries, including the current one.
	Attempts int `cbor:"attempts"`
	// Trace is the W3C trace context of the admitting request.
	Trace map[string]string `cbor:"trace,omitempty"`
}

// Delivery is a leased job handed to a consumer.
type Delivery struct {
	Job            Job
	Token          string
	LeaseExpiresAt time.Time
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	Job    Job       `cbor:"job"`
	Reason string    `cbor:"reason"`
	DeadAt time.Time `cbor:"dead_at"`
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Dead    int64 `json:"dead"`
}

// Queue is the dispatch queue contract shared by all backends.
type Queue interface {
	// Enqueue durably records job and returns it with ID and EnqueuedAt set.
	Enqueue(ctx context.Context, job Job) (Job, error)
	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, d *Delivery) error
	// Nack releases a delivered job for a later retry, or dead-letters it
	// when no attempts remain. It reports whether the job was dead-lettered.
	Nack(ctx context.Context, d *Delivery, cause error) (bool, error)
	// Release returns a delivered job to pending at once without charging
	// the delivery as an attempt. Consumers use it when they stop mid-job.
	Release(ctx context.Context, d *Delivery) error
	// DeadLetters lists up to limit dead-lettered jobs, oldest first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// Stats counts jobs per state.
	Stats(ctx context.Context) (Stats, error)
}

// Options tunes lease and retry behavior.
type Options struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	PollInterval      time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		VisibilityTimeout: 2 * time.Minute,
		MaxAttempts:       3,
		RetryBackoff:      2 * time.Second,
		PollInterval:      500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = d.VisibilityTimeout
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	return o
}

const maxBackoff = 5 * time.Minute

// Backoff returns the delay before the next delivery of a job that has
// failed attempts times: base, 2*base, 4*base ... capped at five minutes.
func Backoff(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

func reason(cause error) string {
	if cause == nil {
		return "unknown"
	}
	return cause.Error()
}

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Key layout. Pending and dead keys embed a zero-padded unix-nano timestamp
// so badger's lexicographic key order is time order.
//
//	queue:pending:<available_at>:<id> -> Job
//	queue:lease:<id>                  -> leaseRecord
//	queue:dead:<dead_at>:<id>         -> DeadLetter
var (
	pendingPrefix = []byte("queue:pending:")
	leasePrefix   = []byte("queue:lease:")
	deadPrefix    = []byte("queue:dead:")
)

func pendingKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:pending:%019d:%s", at.UnixNano(), id))
}

func leaseKey(id string) []byte {
	return []byte("queue:lease:" + id)
}

func deadKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("queue:dead:%019d:%s", at.UnixNano(), id))
}

// pendingDueAt extracts the availability time from a pending key.
func pendingDueAt(key []byte) (int64, error) {
	rest := key[len(pendingPrefix):]
	i := bytes.IndexByte(rest, ':')
	if i < 0 {
		return 0, fmt.Errorf("queue: malformed pending key %q", key)
	}
	return strconv.ParseInt(string(rest[:i]), 10, 64)
}

// BadgerQueue is an embedded, single-process queue backed by BadgerDB.
// Producers and consumers must share the same *badger.DB.
type BadgerQueue struct {
	db     *badger.DB
	opts   Options
	log    zerolog.Logger
	notify chan struct{}

	// Now is the clock; tests override it.
	Now func() time.Time
}

var _ Queue = (*BadgerQueue)(nil)

// NewBadgerQueue returns a queue storing its state under the queue: prefix of db.
func NewBadgerQueue(db *badger.DB, opts Options, log zerolog.Logger) *BadgerQueue {
	return &BadgerQueue{
		db:     db,
		opts:   opts.withDefaults(),
		log:    log,
		notify: make(chan struct{}, 1),
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue implements Queue.
func (q *BadgerQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if err := ctx.Err(); err != nil {
		return job, err
	}
	now := q.Now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.Attempts = 0

	data, err := marshal(job)
	if err != nil {
		return job, fmt.Errorf("encode job: %w", err)
	}
	if err := q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(now, job.ID), data)
	}); err != nil {
		return job, fmt.Errorf("enqueue job: %w", err)
	}
	q.wake()
	return job, nil
}

// Dequeue implements Queue. It polls at PollInterval and is woken early by
// local Enqueue calls.
func (q *BadgerQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim()
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
		t := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *BadgerQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// claim reclaims expired leases and then leases the earliest due job.
// Concurrent claimers in the same process may conflict; the loser retries.
func (q *BadgerQueue) claim() (*Delivery, error) {
	for {
		now := q.Now()
		if err := q.db.Update(func(txn *badger.Txn) error { return q.reclaim(txn, now) }); err != nil {
			if errors.Is(err, badger.ErrConflict) {
				continue
			}
			return nil, err
		}

		var d *Delivery
		err := q.db.Update(func(txn *badger.Txn) error {
			var err error
			d, err = q.leaseNext(txn, now)
			return err
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// reclaim returns expired leases to pending, or dead-letters them when the
// job already used all its attempts.
func (q *BadgerQueue) reclaim(txn *badger.Txn, now time.Time) error {
	var expired []leaseRecord
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	for it.Seek(leasePrefix); it.ValidForPrefix(leasePrefix); it.Next() {
		var rec leaseRecord
		if err := it.Item().Value(func(v []byte) error { return unmarshal(v, &rec) }); err != nil {
			it.Close()
			return fmt.Errorf("decode lease: %w", err)
		}
		if rec.ExpiresAt <= now.UnixNano() {
			expired = append(expired, rec)
		}
	}
	it.Close()

	for _, rec := range expired {
		if err := txn.Delete(leaseKey(rec.Job.ID)); err != nil {
			return err
		}
		if rec.Job.Attempts >= q.opts.MaxAttempts {
			q.log.Warn().Str("job_id", rec.Job.ID).Int("attempt", rec.Job.Attempts).Msg("lease expired on final attempt; dead-lettering")
			if err := q.putDead(txn, rec.Job, "lease expired", now); err != nil {
				return err
			}
			continue
		}
		q.log.Warn().Str("job_id", rec.Job.ID).Int("attempt", rec.Job.Attempts).Msg("lease expired; redelivering")
		data, err := marshal(rec.Job)
		if err != nil {
			return err
		}
		if err := txn.Set(pendingKey(now, rec.Job.ID), data); err != nil {
			return err
		}
	}
	return nil
}

func (q *BadgerQueue) leaseNext(txn *badger.Txn, now time.Time) (*Delivery, error) {
	var (
		key  []byte
		job  Job
		done bool
	)
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	it.Seek(pendingPrefix)
	if it.ValidForPrefix(pendingPrefix) {
		item := it.Item()
		due, err := pendingDueAt(item.Key())
		if err != nil {
			it.Close()
			return nil, err
		}
		if due <= now.UnixNano() {
			key = item.KeyCopy(nil)
			if err := item.Value(func(v []byte) error { return unmarshal(v, &job) }); err != nil {
				it.Close()
				return nil, fmt.Errorf("decode job: %w", err)
			}
			done = true
		}
	}
	it.Close()
	if !done {
		return nil, nil
	}

	job.Attempts++
	rec := leaseRecord{Job: job, Token: uuid.NewString(), ExpiresAt: now.Add(q.opts.VisibilityTimeout).UnixNano()}
	data, err := marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := txn.Delete(key); err != nil {
		return nil, err
	}
	if err := txn.Set(leaseKey(job.ID), data); err != nil {
		return nil, err
	}
	return &Delivery{Job: job, Token: rec.Token, LeaseExpiresAt: time.Unix(0, rec.ExpiresAt).UTC()}, nil
}

// getLease loads the lease for d and verifies the token.
func getLease(txn *badger.Txn, d *Delivery) (leaseRecord, error) {
	var rec leaseRecord
	item, err := txn.Get(leaseKey(d.Job.ID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, ErrLeaseLost
	}
	if err != nil {
		return rec, err
	}
	if err := item.Value(func(v []byte) error { return unmarshal(v, &rec) }); err != nil {
		return rec, fmt.Errorf("decode lease: %w", err)
	}
	if rec.Token != d.Token {
		return rec, ErrLeaseLost
	}
	return rec, nil
}

// Ack implements Queue.
func (q *BadgerQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.db.Update(func(txn *badger.Txn) error {
		if _, err := getLease(txn, d); err != nil {
			return err
		}
		return txn.Delete(leaseKey(d.Job.ID))
	})
}

// Nack implements Queue.
func (q *BadgerQueue) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	var dead bool
	err := q.db.Update(func(txn *badger.Txn) error {
		rec, err := getLease(txn, d)
		if err != nil {
			return err
		}
		if err := txn.Delete(leaseKey(d.Job.ID)); err != nil {
			return err
		}
		now := q.Now()
		if rec.Job.Attempts >= q.opts.MaxAttempts {
			dead = true
			return q.putDead(txn, rec.Job, reason(cause), now)
		}
		data, err := marshal(rec.Job)
		if err != nil {
			return err
		}
		retryAt := now.Add(Backoff(q.opts.RetryBackoff, rec.Job.Attempts))
		return txn.Set(pendingKey(retryAt, rec.Job.ID), data)
	})
	return dead, err
}

// Release implements Queue.
func (q *BadgerQueue) Release(ctx context.Context, d *Delivery) error {
	err := q.db.Update(func(txn *badger.Txn) error {
		rec, err := getLease(txn, d)
		if err != nil {
			return err
		}
		if err := txn.Delete(leaseKey(d.Job.ID)); err != nil {
			return err
		}
		rec.Job.Attempts = max(0, rec.Job.Attempts-1)
		data, err := marshal(rec.Job)
		if err != nil {
			return err
		}
		return txn.Set(pendingKey(q.Now(), rec.Job.ID), data)
	})
	if err == nil {
		q.wake()
	}
	return err
}

func (q *BadgerQueue) putDead(txn *badger.Txn, job Job, why string, now time.Time) error {
	data, err := marshal(DeadLetter{Job: job, Reason: why, DeadAt: now})
	if err != nil {
		return err
	}
	return txn.Set(deadKey(now, job.ID), data)
}

// DeadLetters implements Queue.
func (q *BadgerQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(deadPrefix); it.ValidForPrefix(deadPrefix) && (limit <= 0 || len(out) < limit); it.Next() {
			var dl DeadLetter
			if err := it.Item().Value(func(v []byte) error { return unmarshal(v, &dl) }); err != nil {
				return fmt.Errorf("decode dead letter: %w", err)
			}
			out = append(out, dl)
		}
		return nil
	})
	return out, err
}

// Stats implements Queue.
func (q *BadgerQueue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		count := func(prefix []byte) int64 {
			var n int64
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				n++
			}
			return n
		}
		s.Pending = count(pendingPrefix)
		s.Leased = count(leasePrefix)
		s.Dead = count(deadPrefix)
		return nil
	})
	return s, err
}

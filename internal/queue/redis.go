package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisQueue is a shared queue backed by Redis, usable by separate API and
// worker processes. State transitions run as Lua scripts so a lease is
// granted to exactly one consumer.
//
//	<prefix>:jobs      hash  id -> Job (CBOR, as enqueued)
//	<prefix>:attempts  hash  id -> deliveries so far
//	<prefix>:pending   zset  id scored by availability (unix ms)
//	<prefix>:leases    zset  id scored by lease expiry (unix ms)
//	<prefix>:tokens    hash  id -> current lease token
//	<prefix>:dead      zset  id scored by dead-letter time (unix ms)
//	<prefix>:reasons   hash  id -> dead-letter reason
type RedisQueue struct {
	rdb  redis.UniversalClient
	opts Options
	log  zerolog.Logger
	keys []string

	// Now is the clock; tests override it.
	Now func() time.Time
}

var _ Queue = (*RedisQueue)(nil)

const (
	kJobs = iota
	kAttempts
	kPending
	kLeases
	kTokens
	kDead
	kReasons
)

// claimScript moves expired leases back to pending (or to dead when out of
// attempts) and then leases the earliest due job.
//
// ARGV: now_ms, lease_until_ms, token, max_attempts
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[4], id)
  redis.call('HDEL', KEYS[5], id)
  local n = tonumber(redis.call('HGET', KEYS[2], id) or '0')
  if n >= tonumber(ARGV[4]) then
    redis.call('ZADD', KEYS[6], ARGV[1], id)
    redis.call('HSET', KEYS[7], id, 'lease expired')
  else
    redis.call('ZADD', KEYS[3], ARGV[1], id)
  end
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
local id = ids[1]
redis.call('ZREM', KEYS[3], id)
redis.call('ZADD', KEYS[4], ARGV[2], id)
redis.call('HSET', KEYS[5], id, ARGV[3])
local attempts = redis.call('HINCRBY', KEYS[2], id, 1)
local payload = redis.call('HGET', KEYS[1], id)
return {id, payload, attempts}
`)

// ackScript deletes a job if the caller still holds its lease.
//
// ARGV: id, token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// nackScript releases a lease for retry, or dead-letters the job.
// Returns 0 when the lease is lost, 1 when rescheduled, 2 when dead.
//
// ARGV: id, token, now_ms, retry_at_ms, max_attempts, reason
var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
local n = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
if n >= tonumber(ARGV[5]) then
  redis.call('ZADD', KEYS[6], ARGV[3], ARGV[1])
  redis.call('HSET', KEYS[7], ARGV[1], ARGV[6])
  return 2
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// releaseScript returns a leased job to pending and takes back the
// delivery's attempt. Returns 0 when the lease is lost.
//
// ARGV: id, token, now_ms
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
if tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0') > 0 then
  redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
end
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// NewRedisQueue returns a queue whose keys all start with prefix.
func NewRedisQueue(rdb redis.UniversalClient, prefix string, opts Options, log zerolog.Logger) *RedisQueue {
	if prefix == "" {
		prefix = "chatq"
	}
	keys := []string{
		prefix + ":jobs",
		prefix + ":attempts",
		prefix + ":pending",
		prefix + ":leases",
		prefix + ":tokens",
		prefix + ":dead",
		prefix + ":reasons",
	}
	return &RedisQueue{
		rdb:  rdb,
		opts: opts.withDefaults(),
		log:  log,
		keys: keys,
		Now:  func() time.Time { return time.Now().UTC() },
	}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
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
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.keys[kJobs], job.ID, data)
		p.HSet(ctx, q.keys[kAttempts], job.ID, 0)
		p.ZAdd(ctx, q.keys[kPending], redis.Z{Score: float64(now.UnixMilli()), Member: job.ID})
		return nil
	})
	if err != nil {
		return job, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Dequeue implements Queue by polling the claim script.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		d, err := q.claim(ctx)
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
		case <-t.C:
		}
	}
}

func (q *RedisQueue) claim(ctx context.Context) (*Delivery, error) {
	now := q.Now()
	until := now.Add(q.opts.VisibilityTimeout)
	token := uuid.NewString()

	res, err := claimScript.Run(ctx, q.rdb, q.keys, ms(now), ms(until), token, q.opts.MaxAttempts).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("claim job: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempts, _ := res[2].(int64)

	var job Job
	if err := unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Attempts = int(attempts)
	return &Delivery{Job: job, Token: token, LeaseExpiresAt: time.UnixMilli(until.UnixMilli()).UTC()}, nil
}

// Ack implements Queue.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	n, err := ackScript.Run(ctx, q.rdb, q.keys, d.Job.ID, d.Token).Int()
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Nack implements Queue.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, cause error) (bool, error) {
	now := q.Now()
	retryAt := now.Add(Backoff(q.opts.RetryBackoff, d.Job.Attempts))
	n, err := nackScript.Run(ctx, q.rdb, q.keys, d.Job.ID, d.Token, ms(now), ms(retryAt), q.opts.MaxAttempts, reason(cause)).Int()
	if err != nil {
		return false, fmt.Errorf("nack job: %w", err)
	}
	switch n {
	case 0:
		return false, ErrLeaseLost
	case 2:
		return true, nil
	default:
		return false, nil
	}
}

// Release implements Queue.
func (q *RedisQueue) Release(ctx context.Context, d *Delivery) error {
	n, err := releaseScript.Run(ctx, q.rdb, q.keys, d.Job.ID, d.Token, ms(q.Now())).Int()
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetters implements Queue.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	zs, err := q.rdb.ZRangeWithScores(ctx, q.keys[kDead], 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(zs))
	for i, z := range zs {
		ids[i], _ = z.Member.(string)
	}
	payloads, err := q.rdb.HMGet(ctx, q.keys[kJobs], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead jobs: %w", err)
	}
	reasons, err := q.rdb.HMGet(ctx, q.keys[kReasons], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead reasons: %w", err)
	}
	attempts, err := q.rdb.HMGet(ctx, q.keys[kAttempts], ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load dead attempts: %w", err)
	}

	out := make([]DeadLetter, 0, len(ids))
	for i, z := range zs {
		raw, _ := payloads[i].(string)
		var job Job
		if err := unmarshal([]byte(raw), &job); err != nil {
			q.log.Error().Err(err).Str("job_id", ids[i]).Msg("skip undecodable dead letter")
			continue
		}
		if s, ok := attempts[i].(string); ok {
			job.Attempts, _ = strconv.Atoi(s)
		}
		why, _ := reasons[i].(string)
		out = append(out, DeadLetter{Job: job, Reason: why, DeadAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

// Stats implements Queue.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var pending, leased, dead *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.ZCard(ctx, q.keys[kPending])
		leased = p.ZCard(ctx, q.keys[kLeases])
		dead = p.ZCard(ctx, q.keys[kDead])
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Leased: leased.Val(), Dead: dead.Val()}, nil
}

// Package worker runs the generation workers: consumers of the dispatch
// queue that turn an admitted user message into a stored reply.
//
// Each job is processed at least once. Processing is idempotent: a job whose
// origin message already has a reply is acknowledged without calling the
// model, and the store's one-reply-per-origin constraint absorbs a race
// between two deliveries of the same job. Jobs whose user, chatroom or
// origin message no longer exist are dropped.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/generation"
	"github.com/tbourn/go-chatroom-backend/internal/observability"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

var tracer = otel.Tracer("worker")

// ErrJobPanic is recorded as the failure cause when processing panicked.
var ErrJobPanic = errors.New("worker: job panicked")

// Defaults applied by Run when the corresponding field is zero.
const (
	DefaultConcurrency   = 4
	DefaultModelTimeout  = 30 * time.Second
	DefaultStatsInterval = 15 * time.Second

	dequeueErrorPause = time.Second
)

// Pool is a fixed set of queue consumers.
type Pool struct {
	Queue queue.Queue
	DB    *gorm.DB
	Model generation.Model

	Concurrency   int
	ModelTimeout  time.Duration
	StatsInterval time.Duration

	Log zerolog.Logger
}

// Run consumes jobs until ctx is cancelled. A job in progress at
// cancellation is settled before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	n := p.Concurrency
	if n <= 0 {
		n = DefaultConcurrency
	}
	p.Log.Info().Int("concurrency", n).Msg("generation workers starting")

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			p.consume(gctx, i)
			return nil
		})
	}
	g.Go(func() error {
		p.reportStats(gctx)
		return nil
	})
	err := g.Wait()
	p.Log.Info().Msg("generation workers stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.Log.With().Int("worker", id).Logger()
	for {
		d, err := p.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueErrorPause):
			}
			continue
		}
		p.Handle(ctx, d)
	}
}

// Handle processes one delivery and settles it with the queue.
func (p *Pool) Handle(ctx context.Context, d *queue.Delivery) {
	busyWorkers.Inc()
	defer busyWorkers.Dec()

	log := p.Log.With().
		Str("job_id", d.Job.ID).
		Str("message_id", d.Job.MessageID).
		Str("chatroom_id", d.Job.ChatroomID).
		Int("attempt", d.Job.Attempts).
		Logger()

	ctx, span := tracer.Start(observability.ExtractCarrier(ctx, d.Job.Trace), "worker.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", d.Job.ID),
			attribute.String("chatroom.id", d.Job.ChatroomID),
			attribute.Int("job.attempt", d.Job.Attempts),
		),
	)
	defer span.End()

	start := time.Now()
	outcome, procErr := p.safeProcess(ctx, d.Job)
	if procErr != nil {
		span.RecordError(procErr)
		span.SetStatus(codes.Error, "process failed")
	}

	// Settle even if shutdown cancelled ctx mid-job.
	sctx := context.WithoutCancel(ctx)
	var err error
	switch {
	case procErr == nil:
		err = p.Queue.Ack(sctx, d)
	case ctx.Err() != nil:
		// Interrupted, not failed: the attempt is not charged.
		err = p.Queue.Release(sctx, d)
		outcome = outcomeReleased
	default:
		var dead bool
		dead, err = p.Queue.Nack(sctx, d, procErr)
		outcome = outcomeRetried
		if dead {
			outcome = outcomeDeadLettered
		}
	}
	if errors.Is(err, queue.ErrLeaseLost) {
		outcome = outcomeLeaseLost
		err = nil
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(attribute.String("job.outcome", outcome))

	ev := log.Info()
	switch {
	case err != nil:
		ev = log.Error().Err(err)
	case outcome == outcomeDeadLettered:
		ev = log.Error().Err(procErr)
	case procErr != nil:
		ev = log.Warn().Err(procErr)
	case outcome == outcomeLeaseLost || outcome == outcomeDropped:
		ev = log.Warn()
	}
	ev.Str("outcome", outcome).Dur("took", time.Since(start)).Msg("job settled")
}

func (p *Pool) safeProcess(ctx context.Context, job queue.Job) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanic, r)
		}
	}()
	return p.process(ctx, job)
}

// process generates and stores the reply for job. A nil error means the
// job is finished and must be acknowledged.
func (p *Pool) process(ctx context.Context, job queue.Job) (string, error) {
	if _, err := repo.GetUser(ctx, p.DB, job.UserID); err != nil {
		return gone(err, "load user")
	}
	room, err := repo.GetChatroomByID(ctx, p.DB, job.ChatroomID)
	if err != nil {
		return gone(err, "load chatroom")
	}
	if room.UserID != job.UserID {
		return outcomeDropped, nil
	}
	if _, err := repo.GetMessage(ctx, p.DB, job.MessageID); err != nil {
		return gone(err, "load origin message")
	}

	switch _, err := repo.FindReply(ctx, p.DB, job.MessageID); {
	case err == nil:
		return outcomeDuplicate, nil
	case !errors.Is(err, repo.ErrNotFound):
		return "", fmt.Errorf("find reply: %w", err)
	}

	reply, err := p.generate(ctx, job.Content)
	if err != nil {
		return "", err
	}

	_, err = repo.CreateReply(ctx, p.DB, job.ChatroomID, job.UserID, job.MessageID, reply)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		return outcomeDuplicate, nil
	case err != nil:
		return "", fmt.Errorf("store reply: %w", err)
	}
	return outcomeReplied, nil
}

func (p *Pool) generate(ctx context.Context, prompt string) (string, error) {
	timeout := p.ModelTimeout
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	reply, err := p.Model.Generate(mctx, prompt)
	result := "ok"
	switch {
	case errors.Is(err, generation.ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	modelLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return reply, err
}

// gone maps a missing row to a dropped job and anything else to a retry.
func gone(err error, what string) (string, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return outcomeDropped, nil
	}
	return "", fmt.Errorf("%s: %w", what, err)
}

func (p *Pool) reportStats(ctx context.Context) {
	interval := p.StatsInterval
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		p.sampleStats(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (p *Pool) sampleStats(ctx context.Context) {
	st, err := p.Queue.Stats(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.Log.Warn().Err(err).Msg("queue stats unavailable")
		}
		return
	}
	queueDepth.WithLabelValues("pending").Set(float64(st.Pending))
	queueDepth.WithLabelValues("leased").Set(float64(st.Leased))
	queueDepth.WithLabelValues("dead").Set(float64(st.Dead))
}

// Package services – MessageService
//
// This file implements MessageService, the admission path for user
// messages. A send is validated, checked against chatroom ownership and the
// daily quota, persisted, and handed to the dispatch queue; the reply is
// produced later by the generation worker. The caller gets the stored user
// message back immediately.
//
// The quota count, the message row and the idempotency record commit in one
// transaction. The enqueue happens after commit; if it fails, the send is
// compensated (message removed, quota refunded, idempotency key released)
// so a retry is not charged twice and no orphan message waits for a reply
// that will never come.
//
// Observability: all public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/observability"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// Admission defaults.
const (
	DefaultMaxPromptRunes = 4000
	DefaultIdempotencyTTL = 24 * time.Hour
)

// SendInput is one message submission.
type SendInput struct {
	UserID     string
	ChatroomID string
	Content    string
	// IdempotencyKey is optional. A repeated key within the TTL returns the
	// originally admitted message without charging quota or enqueueing.
	IdempotencyKey string
}

// SendResult is the outcome of an admitted send.
type SendResult struct {
	Message  *domain.Message
	JobID    string
	Replayed bool
}

// MessageService coordinates message admission and listing.
type MessageService struct {
	DB    *gorm.DB
	Queue queue.Queue
	Quota *QuotaService

	// Optional guards
	MaxPromptRunes int
	IdempotencyTTL time.Duration

	Log zerolog.Logger
	Now func() time.Time
}

func (s *MessageService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// Send admits one user message and schedules its reply.
//
// Errors: *ValidationError for bad content, ErrNotFound when the chatroom
// does not exist or is not the caller's, *RateLimitError when the daily
// quota is spent, ErrConflict when a concurrent request with the same
// idempotency key won, ErrUpstreamUnavailable when the queue rejected the
// job.
func (s *MessageService) Send(ctx context.Context, in SendInput) (SendResult, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.String("chatroom.id", in.ChatroomID),
			attribute.String("user.id", in.UserID),
			attribute.Bool("idempotency.key_present", in.IdempotencyKey != ""),
		),
	)
	defer span.End()

	content := normalizeContent(in.Content)
	if content == "" {
		return SendResult{}, ErrEmptyPrompt
	}
	if limit := s.maxPromptRunes(); utf8.RuneCountInString(content) > limit {
		return SendResult{}, &ValidationError{Field: "content", Reason: fmt.Sprintf("must be at most %d characters", limit)}
	}

	if _, err := repo.GetChatroom(ctx, s.DB, in.ChatroomID, in.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return SendResult{}, ErrNotFound
		}
		return SendResult{}, err
	}

	var (
		res      SendResult
		decision QuotaDecision
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.IdempotencyKey != "" {
			msg, err := s.replay(ctx, tx, in)
			if err != nil {
				return err
			}
			if msg != nil {
				res = SendResult{Message: msg, Replayed: true}
				return nil
			}
		}

		d, err := s.Quota.CheckAndConsume(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		decision = d

		msg, err := repo.CreateMessage(ctx, tx, in.ChatroomID, in.UserID, content)
		if err != nil {
			return fmt.Errorf("store message: %w", err)
		}

		if in.IdempotencyKey != "" {
			_, err := repo.CreateIdempotency(ctx, tx, in.UserID, in.ChatroomID, in.IdempotencyKey, msg.ID, 202, s.idempotencyTTL())
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrConflict
			}
			if err != nil {
				return fmt.Errorf("store idempotency key: %w", err)
			}
		}
		res = SendResult{Message: msg}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			span.SetAttributes(attribute.Bool("quota.denied", true))
		} else {
			span.RecordError(err)
		}
		return SendResult{}, err
	}
	if res.Replayed {
		span.SetAttributes(attribute.Bool("idempotency.replayed", true))
		return res, nil
	}

	job, err := s.Queue.Enqueue(ctx, queue.Job{
		ChatroomID: in.ChatroomID,
		UserID:     in.UserID,
		MessageID:  res.Message.ID,
		Content:    content,
		Trace:      observability.InjectCarrier(ctx),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		s.compensate(ctx, in, res.Message.ID, decision)
		return SendResult{}, fmt.Errorf("%w: enqueue: %w", ErrUpstreamUnavailable, err)
	}

	res.JobID = job.ID
	span.SetAttributes(attribute.String("message.id", res.Message.ID), attribute.String("job.id", job.ID))
	return res, nil
}

// replay returns the message stored under a live idempotency key, or nil
// when the key is unused. An expired record for the key is released.
func (s *MessageService) replay(ctx context.Context, tx *gorm.DB, in SendInput) (*domain.Message, error) {
	now := s.now()
	rec, err := repo.GetIdempotency(ctx, tx, in.UserID, in.ChatroomID, in.IdempotencyKey, now)
	if errors.Is(err, repo.ErrNotFound) {
		if err := repo.ReleaseExpiredIdempotency(ctx, tx, in.UserID, in.ChatroomID, in.IdempotencyKey, now); err != nil {
			return nil, fmt.Errorf("release idempotency key: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency key: %w", err)
	}
	msg, err := repo.GetMessage(ctx, tx, rec.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load replayed message: %w", err)
	}
	return msg, nil
}

// compensate undoes an admission whose job could not be enqueued. It runs
// even if the request context was cancelled.
func (s *MessageService) compensate(ctx context.Context, in SendInput, messageID string, d QuotaDecision) {
	ctx = context.WithoutCancel(ctx)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.DeleteMessage(ctx, tx, messageID); err != nil {
			return err
		}
		if err := s.Quota.Refund(ctx, tx, in.UserID, d); err != nil {
			return err
		}
		if in.IdempotencyKey != "" {
			return repo.DeleteIdempotency(ctx, tx, in.UserID, in.ChatroomID, in.IdempotencyKey)
		}
		return nil
	})
	if err != nil {
		s.Log.Error().Err(err).
			Str("user_id", in.UserID).
			Str("chatroom_id", in.ChatroomID).
			Str("message_id", messageID).
			Msg("compensating failed send")
	}
}

// ListPage returns paginated messages of a chatroom owned by userID,
// oldest first.
func (s *MessageService) ListPage(ctx context.Context, userID, chatroomID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("chatroom.id", chatroomID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	if _, err := repo.GetChatroom(ctx, s.DB, chatroomID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}

	total, err := repo.CountMessages(ctx, s.DB, chatroomID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}

	items, err := repo.ListMessagesPage(ctx, s.DB, chatroomID, offset, pageSize)
	return items, total, err
}

func (s *MessageService) maxPromptRunes() int {
	if s.MaxPromptRunes <= 0 {
		return DefaultMaxPromptRunes
	}
	return s.MaxPromptRunes
}

func (s *MessageService) idempotencyTTL() time.Duration {
	if s.IdempotencyTTL <= 0 {
		return DefaultIdempotencyTTL
	}
	return s.IdempotencyTTL
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// normalizeContent converts CRLF/CR to LF, applies NFC, collapses runs of
// blank lines and trims surrounding whitespace.
func normalizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = norm.NFC.String(s)
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

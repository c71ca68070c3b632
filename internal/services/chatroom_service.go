// Package services – ChatroomService
//
// This file implements ChatroomService, which manages the lifecycle of
// chatrooms. It validates and normalizes names, enforces ownership, and keeps
// the per-user listing cache coherent: every create or delete invalidates the
// owner's cached listing before returning.
//
// Cache failures never fail a request. A read error is treated as a miss and
// a failed invalidation is logged; the entry then ages out with its TTL.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/cache"
	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// ChatroomRepo defines the repository contract required by ChatroomService.
type ChatroomRepo interface {
	// CreateChatroom inserts a new chatroom for the given user.
	CreateChatroom(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chatroom, error)

	// ListChatrooms returns all chatrooms of the user, newest first.
	ListChatrooms(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chatroom, error)

	// GetChatroom fetches a chatroom by ID ensuring it belongs to the user.
	GetChatroom(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chatroom, error)

	// DeleteChatroom removes a chatroom and its messages.
	DeleteChatroom(ctx context.Context, db *gorm.DB, id, userID string) error
}

// CreateChatroomInput is the validated shape of a create request.
type CreateChatroomInput struct {
	UserID string `validate:"required,max=64"`
	Name   string `validate:"required,max=100"`
}

// ChatroomListing is the result of List.
type ChatroomListing struct {
	Chatrooms []domain.ChatroomSummary
	Cached    bool
}

// ChatroomService provides chatroom-level operations.
type ChatroomService struct {
	DB    *gorm.DB
	Repo  ChatroomRepo
	Cache cache.ListingCache

	// CacheTTL is how long a listing stays cached.
	CacheTTL time.Duration

	Log zerolog.Logger
}

// NewChatroomService constructs a ChatroomService. A nil listing cache
// disables caching.
func NewChatroomService(db *gorm.DB, r ChatroomRepo, c cache.ListingCache, log zerolog.Logger) *ChatroomService {
	if c == nil {
		c = cache.Noop{}
	}
	return &ChatroomService{DB: db, Repo: r, Cache: c, CacheTTL: cache.DefaultTTL, Log: log}
}

// Create inserts a new chatroom owned by userID and invalidates the owner's
// cached listing.
func (s *ChatroomService) Create(ctx context.Context, userID, name string) (*domain.Chatroom, error) {
	ctx, span := otel.Tracer("services/ChatroomService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	in := CreateChatroomInput{UserID: userID, Name: normalizeName(name)}
	if err := validateStruct(in); err != nil {
		return nil, err
	}

	room, err := s.Repo.CreateChatroom(ctx, s.DB, in.UserID, in.Name)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	span.SetAttributes(attribute.String("chatroom.id", room.ID))
	return room, nil
}

// List returns the user's chatrooms, newest first. It serves from the
// listing cache when possible and populates it on a miss.
func (s *ChatroomService) List(ctx context.Context, userID string) (ChatroomListing, error) {
	ctx, span := otel.Tracer("services/ChatroomService").Start(ctx, "List",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	list, hit, err := s.Cache.Get(ctx, userID)
	if err != nil {
		s.Log.Warn().Err(err).Str("user_id", userID).Msg("listing cache read failed")
	}
	if err == nil && hit {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return ChatroomListing{Chatrooms: list, Cached: true}, nil
	}

	rooms, err := s.Repo.ListChatrooms(ctx, s.DB, userID)
	if err != nil {
		return ChatroomListing{}, err
	}
	list = lo.Map(rooms, func(r domain.Chatroom, _ int) domain.ChatroomSummary { return r.Summary() })

	if perr := s.Cache.Put(ctx, userID, list, s.ttl()); perr != nil {
		s.Log.Warn().Err(perr).Str("user_id", userID).Msg("listing cache write failed")
	}
	span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Int("chatrooms.count", len(list)))
	return ChatroomListing{Chatrooms: list}, nil
}

// Get returns a chatroom owned by userID.
func (s *ChatroomService) Get(ctx context.Context, userID, chatroomID string) (*domain.Chatroom, error) {
	room, err := s.Repo.GetChatroom(ctx, s.DB, chatroomID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrNotFound
	}
	return room, err
}

// Delete removes a chatroom owned by userID together with its messages.
func (s *ChatroomService) Delete(ctx context.Context, userID, chatroomID string) error {
	ctx, span := otel.Tracer("services/ChatroomService").Start(ctx, "Delete",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("chatroom.id", chatroomID),
		),
	)
	defer span.End()

	err := s.Repo.DeleteChatroom(ctx, s.DB, chatroomID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

func (s *ChatroomService) invalidate(ctx context.Context, userID string) {
	if err := s.Cache.Invalidate(ctx, userID); err != nil {
		s.Log.Warn().Err(err).Str("user_id", userID).Msg("listing cache invalidation failed")
	}
}

func (s *ChatroomService) ttl() time.Duration {
	if s.CacheTTL <= 0 {
		return cache.DefaultTTL
	}
	return s.CacheTTL
}

// normalizeName applies NFC, trims, and collapses internal whitespace.
func normalizeName(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

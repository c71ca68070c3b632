// Package services – SubscriptionService
//
// SubscriptionService changes a user's tier. Billing notifications carry an
// event id; each id is applied at most once, so a provider that redelivers
// a webhook cannot flip a tier back after a later change.
package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

// Notification is a tier change reported by the billing provider.
type Notification struct {
	EventID string      `json:"event_id" validate:"required,max=255"`
	UserID  string      `json:"user_id"  validate:"required,max=64"`
	Tier    domain.Tier `json:"tier"     validate:"required,oneof=Basic Pro"`
}

// SubscriptionService applies tier changes.
type SubscriptionService struct {
	DB  *gorm.DB
	Log zerolog.Logger
}

// SetTier changes the user's tier. It returns ErrNotFound for an unknown
// user and a *ValidationError for an unknown tier.
func (s *SubscriptionService) SetTier(ctx context.Context, userID string, tier domain.Tier) error {
	if !tier.Valid() {
		return &ValidationError{Field: "tier", Reason: "must be one of: Basic Pro"}
	}
	err := repo.SetTier(ctx, s.DB, userID, tier)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// Apply processes a billing notification. It reports false when the event
// was already applied; that case is not an error.
func (s *SubscriptionService) Apply(ctx context.Context, n Notification) (bool, error) {
	ctx, span := otel.Tracer("services/SubscriptionService").Start(ctx, "Apply",
		trace.WithAttributes(
			attribute.String("billing.event_id", n.EventID),
			attribute.String("user.id", n.UserID),
			attribute.String("tier", string(n.Tier)),
		),
	)
	defer span.End()

	if err := validateStruct(n); err != nil {
		return false, err
	}

	applied := true
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.CreateSubscriptionEvent(ctx, tx, n.EventID, n.UserID, n.Tier); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				applied = false
				return nil
			}
			return fmt.Errorf("record billing event: %w", err)
		}
		// Billing may know a customer before their first request.
		if _, err := repo.EnsureUser(ctx, tx, n.UserID); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		return repo.SetTier(ctx, tx, n.UserID, n.Tier)
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	span.SetAttributes(attribute.Bool("billing.applied", applied))
	if applied {
		s.Log.Info().Str("user_id", n.UserID).Str("tier", string(n.Tier)).Str("event_id", n.EventID).Msg("subscription tier changed")
	} else {
		s.Log.Debug().Str("event_id", n.EventID).Msg("billing event already applied")
	}
	return applied, nil
}

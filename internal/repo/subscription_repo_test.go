package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

func TestCreateSubscriptionEvent_DedupesByEventID(t *testing.T) {
	db := newStoreDB(t, "u1")
	ctx := context.Background()

	ev, err := CreateSubscriptionEvent(ctx, db, "evt_1", "u1", domain.TierPro)
	if err != nil {
		t.Fatalf("CreateSubscriptionEvent: %v", err)
	}
	if ev.ID == "" || ev.EventID != "evt_1" || ev.Tier != domain.TierPro {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := CreateSubscriptionEvent(ctx, db, "evt_1", "u1", domain.TierPro); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on replay, got %v", err)
	}
}

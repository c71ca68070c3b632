package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
)

func TestCreateChatroom_Error_NoTable(t *testing.T) {
	db := newTestDB(t /* no migrations */)
	room, err := CreateChatroom(context.Background(), db, "u1", "r")
	if err == nil || room != nil {
		t.Fatalf("expected error creating without table, got room=%v err=%v", room, err)
	}
}

func TestCreateChatroom_PersistsAndSetsFields(t *testing.T) {
	db := newStoreDB(t, "u1")

	start := time.Now().UTC().Add(-time.Minute)
	room, err := CreateChatroom(context.Background(), db, "u1", "Trip planning")
	if err != nil {
		t.Fatalf("CreateChatroom: %v", err)
	}
	if room.ID == "" || room.UserID != "u1" || room.Name != "Trip planning" {
		t.Fatalf("unexpected fields: %+v", room)
	}
	if room.CreatedAt.Before(start) || room.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt should be recent UTC, got %v", room.CreatedAt)
	}

	got, err := GetChatroom(context.Background(), db, room.ID, "u1")
	if err != nil || got.Name != "Trip planning" {
		t.Fatalf("GetChatroom: got=%+v err=%v", got, err)
	}
}

func TestListChatrooms_NewestFirst_ScopedToOwner(t *testing.T) {
	db := newStoreDB(t, "u1", "u2")
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, name := range []string{"a", "b", "c"} {
		r := &domain.Chatroom{ID: name + "-id", Name: name, UserID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := db.Create(r).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := CreateChatroom(ctx, db, "u2", "other"); err != nil {
		t.Fatalf("seed u2: %v", err)
	}

	rooms, err := ListChatrooms(ctx, db, "u1")
	if err != nil {
		t.Fatalf("ListChatrooms: %v", err)
	}
	if len(rooms) != 3 || rooms[0].Name != "c" || rooms[2].Name != "a" {
		t.Fatalf("unexpected order: %+v", rooms)
	}

	empty, err := ListChatrooms(ctx, db, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", empty, err)
	}
}

func TestGetChatroom_OtherOwnerIsNotFound(t *testing.T) {
	db := newStoreDB(t, "u1", "u2")
	ctx := context.Background()

	room, err := CreateChatroom(ctx, db, "u1", "mine")
	if err != nil {
		t.Fatalf("CreateChatroom: %v", err)
	}
	if _, err := GetChatroom(ctx, db, room.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	byID, err := GetChatroomByID(ctx, db, room.ID)
	if err != nil || byID.UserID != "u1" {
		t.Fatalf("GetChatroomByID: got=%+v err=%v", byID, err)
	}
	if _, err := GetChatroomByID(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteChatroom_CascadesMessages(t *testing.T) {
	db := newStoreDB(t, "u1", "u2")
	ctx := context.Background()

	room, _ := CreateChatroom(ctx, db, "u1", "doomed")
	m, err := CreateMessage(ctx, db, room.ID, "u1", "hi")
	if err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if _, err := CreateReply(ctx, db, room.ID, "u1", m.ID, "hello"); err != nil {
		t.Fatalf("CreateReply: %v", err)
	}

	if err := DeleteChatroom(ctx, db, room.ID, "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete should be ErrNotFound, got %v", err)
	}
	if err := DeleteChatroom(ctx, db, room.ID, "u1"); err != nil {
		t.Fatalf("DeleteChatroom: %v", err)
	}
	if n, _ := CountMessages(ctx, db, room.ID); n != 0 {
		t.Fatalf("expected messages removed, got %d", n)
	}
	if err := DeleteChatroom(ctx, db, room.ID, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
)

type sendFixture struct {
	db    *gorm.DB
	q     *fakeQueue
	svc   *MessageService
	room  *domain.Chatroom
	quota *QuotaService
}

func newSendFixture(t *testing.T, tier domain.Tier, limit int) *sendFixture {
	t.Helper()
	db := newSvcDB(t, map[string]domain.Tier{"u1": tier, "u2": domain.TierBasic})
	quota := NewQuotaService(db, limit)
	quota.Now = fixedClock(day1)
	q := &fakeQueue{}
	return &sendFixture{
		db:    db,
		q:     q,
		quota: quota,
		room:  mustChatroom(t, db, "u1", "room"),
		svc: &MessageService{
			DB:             db,
			Queue:          q,
			Quota:          quota,
			MaxPromptRunes: 10,
			IdempotencyTTL: time.Hour,
			Log:            zerolog.Nop(),
		},
	}
}

func (f *sendFixture) send(content, key string) (SendResult, error) {
	return f.svc.Send(context.Background(), SendInput{UserID: "u1", ChatroomID: f.room.ID, Content: content, IdempotencyKey: key})
}

func (f *sendFixture) messageCount(t *testing.T) int64 {
	t.Helper()
	n, err := repo.CountMessages(context.Background(), f.db, f.room.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func (f *sendFixture) used(t *testing.T) int {
	t.Helper()
	st, err := f.quota.Status(context.Background(), "u1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st.UsedToday
}

// ---------- Send() ----------

func TestSend_AdmitsPersistsAndEnqueues(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)

	res, err := f.send("  Hello  ", "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Replayed || res.JobID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	m := res.Message
	if m.Content != "Hello" || !m.IsFromUser || m.UserID != "u1" || m.ChatroomID != f.room.ID {
		t.Fatalf("unexpected message %+v", m)
	}

	if f.q.count() != 1 {
		t.Fatalf("expected one job, got %d", f.q.count())
	}
	job := f.q.jobs[0]
	if job.MessageID != m.ID || job.ChatroomID != f.room.ID || job.UserID != "u1" || job.Content != "Hello" {
		t.Fatalf("unexpected job %+v", job)
	}
	if f.used(t) != 1 {
		t.Fatalf("quota not consumed")
	}
}

func TestSend_Validation(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)

	if _, err := f.send(" \n\t ", ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	// 11 runes with a limit of 10
	_, err := f.send(strings.Repeat("ü", 11), "")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "content" {
		t.Fatalf("expected content validation error, got %v", err)
	}
	if _, err := f.send(strings.Repeat("ü", 10), ""); err != nil {
		t.Fatalf("10 runes should pass: %v", err)
	}
	if f.used(t) != 1 {
		t.Fatalf("rejected sends must not consume quota; used=%d", f.used(t))
	}
}

func TestSend_ForeignOrMissingChatroom(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendInput{UserID: "u2", ChatroomID: f.room.ID, Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign chatroom should be ErrNotFound, got %v", err)
	}
	_, err = f.svc.Send(ctx, SendInput{UserID: "u1", ChatroomID: "missing", Content: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing chatroom should be ErrNotFound, got %v", err)
	}
	if f.q.count() != 0 || f.messageCount(t) != 0 {
		t.Fatalf("nothing should be stored or enqueued")
	}
}

func TestSend_QuotaExceeded(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 2)

	for i := 0; i < 2; i++ {
		if _, err := f.send("hi", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	_, err := f.send("hi", "")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %v", err)
	}
	if !rl.RetryAfter.Equal(NextReset(day1)) {
		t.Fatalf("RetryAfter = %v", rl.RetryAfter)
	}
	if f.messageCount(t) != 2 || f.q.count() != 2 {
		t.Fatalf("denied send must not persist or enqueue")
	}
}

func TestSend_ProIsNotCounted(t *testing.T) {
	f := newSendFixture(t, domain.TierPro, 1)
	for i := 0; i < 3; i++ {
		if _, err := f.send("hi", ""); err != nil {
			t.Fatalf("pro send %d: %v", i, err)
		}
	}
	if f.used(t) != 0 {
		t.Fatalf("pro sends counted: %d", f.used(t))
	}
}

func TestSend_EnqueueFailureCompensates(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)
	f.q.err = errBoom

	_, err := f.send("hello", "key-1")
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errBoom) {
		t.Fatalf("expected ErrUpstreamUnavailable wrapping cause, got %v", err)
	}
	if f.messageCount(t) != 0 {
		t.Fatalf("message should be removed")
	}
	if f.used(t) != 0 {
		t.Fatalf("quota should be refunded; used=%d", f.used(t))
	}

	// the key is released so a retry goes through normally
	f.q.err = nil
	res, err := f.send("hello", "key-1")
	if err != nil || res.Replayed {
		t.Fatalf("retry after failure: res=%+v err=%v", res, err)
	}
}

func TestSend_IdempotentReplay(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)

	first, err := f.send("hello", "abc")
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	second, err := f.send("hello", "abc")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Message.ID != first.Message.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Message.ID, second)
	}
	if f.q.count() != 1 || f.messageCount(t) != 1 || f.used(t) != 1 {
		t.Fatalf("replay must not enqueue, store or charge again")
	}

	// a different key is a new send
	if res, err := f.send("hello", "def"); err != nil || res.Replayed {
		t.Fatalf("new key: res=%+v err=%v", res, err)
	}
}

func TestSend_ExpiredKeyIsReusable(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 5)
	if _, err := f.send("hello", "abc"); err != nil {
		t.Fatalf("first send: %v", err)
	}

	f.svc.Now = fixedClock(time.Now().UTC().Add(2 * time.Hour))
	res, err := f.send("hello", "abc")
	if err != nil || res.Replayed {
		t.Fatalf("expired key should admit a new send: res=%+v err=%v", res, err)
	}
	if f.q.count() != 2 {
		t.Fatalf("expected two jobs, got %d", f.q.count())
	}
}

func TestSend_ConcurrentNeverExceedsQuota(t *testing.T) {
	f := newSendFixture(t, domain.TierBasic, 3)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, rl  int
		unknown []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.send("hi", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrRateLimited):
				rl++
			default:
				unknown = append(unknown, err)
			}
		}()
	}
	wg.Wait()

	// SQLite may surface lock contention as a plain error; it must never
	// produce extra admissions.
	if ok > 3 {
		t.Fatalf("admitted %d sends with a limit of 3", ok)
	}
	if int64(ok) != f.messageCount(t) || ok != f.q.count() {
		t.Fatalf("admitted=%d stored=%d enqueued=%d", ok, f.messageCount(t), f.q.count())
	}
	if ok+rl+len(unknown) != 8 {
		t.Fatalf("lost results")
	}
}

func TestSend_ConcurrentUsersOnFileStore(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	const users, perUser, limit = 4, 10, 5
	rooms := make(map[string]string, users)
	for i := range users {
		uid := fmt.Sprintf("user-%d", i)
		if err := db.Create(&domain.User{ID: uid, SubscriptionTier: domain.TierBasic}).Error; err != nil {
			t.Fatalf("seed %s: %v", uid, err)
		}
		rooms[uid] = mustChatroom(t, db, uid, "room").ID
	}

	quota := NewQuotaService(db, limit)
	quota.Now = fixedClock(day1)
	q := &fakeQueue{}
	svc := &MessageService{DB: db, Queue: q, Quota: quota, Log: zerolog.Nop()}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok, rl int
		other  []error
	)
	for uid, room := range rooms {
		for range perUser {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Send(context.Background(), SendInput{UserID: uid, ChatroomID: room, Content: "hi"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrRateLimited):
					rl++
				default:
					other = append(other, err)
				}
			}()
		}
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("%d sends failed outside the quota, first: %v", len(other), other[0])
	}
	if ok != users*limit || rl != users*(perUser-limit) {
		t.Fatalf("admitted=%d limited=%d", ok, rl)
	}
	if q.count() != ok {
		t.Fatalf("enqueued=%d admitted=%d", q.count(), ok)
	}
}

// ---------- ListPage() ----------

func TestListPage_OwnershipAndPaging(t *testing.T) {
	f := newSendFixture(t, domain.TierPro, 5)
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		if _, err := f.send(c, ""); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if _, _, err := f.svc.ListPage(ctx, "u2", f.room.ID, 1, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign listing should be ErrNotFound, got %v", err)
	}

	items, total, err := f.svc.ListPage(ctx, "u1", f.room.ID, 2, 2)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 3 || len(items) != 1 {
		t.Fatalf("page 2 of size 2: total=%d len=%d", total, len(items))
	}

	// defaults
	items, _, err = f.svc.ListPage(ctx, "u1", f.room.ID, 0, 0)
	if err != nil || len(items) != 3 {
		t.Fatalf("defaults: len=%d err=%v", len(items), err)
	}

	empty := mustChatroom(t, f.db, "u1", "empty")
	items, total, err = f.svc.ListPage(ctx, "u1", empty.ID, 1, 10)
	if err != nil || total != 0 || items == nil || len(items) != 0 {
		t.Fatalf("empty chatroom: items=%v total=%d err=%v", items, total, err)
	}
}

func TestNormalizeContent(t *testing.T) {
	cases := map[string]string{
		"  hi  ":             "hi",
		"a\r\nb":             "a\nb",
		"a\rb":               "a\nb",
		"a\n\n\n\n\nb":       "a\n\nb",
		"cafe\u0301":         "caf\u00e9",
		"\r\n\r\n  \r\n":     "",
		"para\n\nkeeps\none": "para\n\nkeeps\none",
	}
	for in, want := range cases {
		if got := normalizeContent(in); got != want {
			t.Fatalf("normalizeContent(%q) = %q, want %q", in, got, want)
		}
	}
}

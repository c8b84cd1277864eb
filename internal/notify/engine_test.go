package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeMessaging struct {
	requests []ReplyRequest
	result   ReplyResult
	err      error
}

func (f *fakeMessaging) SendReply(_ context.Context, req ReplyRequest) (ReplyResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return ReplyResult{}, f.err
	}
	return f.result, nil
}

type failingStore struct{}

func (failingStore) ReadList(string) ([]json.RawMessage, error) {
	return nil, errors.New("disk on fire")
}
func (failingStore) WriteList(string, []json.RawMessage) error { return errors.New("disk on fire") }
func (failingStore) Keys() ([]string, error)                   { return nil, errors.New("disk on fire") }
func (failingStore) Describe() string                          { return "failing" }
func (failingStore) Close() error                              { return nil }

func seedFeed(t *testing.T, store RecordStore, key string, list ...Notification) {
	t.Helper()
	if err := store.WriteList(key, EncodeNotifications(list)); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func readFeed(t *testing.T, store RecordStore, key string) []Notification {
	t.Helper()
	raw, err := store.ReadList(key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return DecodeNotifications(raw, time.Now())
}

func TestVisibleFeedMergesUserBroadcastAndLegacy(t *testing.T) {
	store := NewMemoryRecordStore()
	viewer := Identity{ID: "u1", Email: "grace@tsoam.org"}
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "n1", Kind: KindSystem, Title: "user copy", CreatedAt: "2026-03-01T10:00:00Z", ReadState: ReadStateRead},
	)
	seedFeed(t, store, BroadcastFeedKey,
		Notification{ID: "n2", Kind: KindSystem, Title: "broadcast", CreatedAt: "2026-03-01T09:00:00Z"},
	)
	seedFeed(t, store, LegacyFeedKey,
		Notification{ID: "n1", Kind: KindSystem, Title: "stale legacy copy", CreatedAt: "2026-03-01T10:00:00Z"},
		Notification{ID: "n3", Kind: KindWelfare, Title: "legacy targeted", CreatedAt: "2026-03-01T11:00:00Z", RecipientID: "u1"},
		Notification{ID: "n4", Kind: KindWelfare, Title: "someone else's", CreatedAt: "2026-03-01T11:30:00Z", RecipientID: "u2"},
	)

	engine := NewEngine(EngineOptions{Store: store})
	feed, err := engine.VisibleFeed(viewer)
	if err != nil {
		t.Fatalf("VisibleFeed: %v", err)
	}
	if len(feed) != 3 {
		t.Fatalf("expected 3 visible records, got %d: %+v", len(feed), feed)
	}
	if feed[0].ID != "n3" || feed[1].ID != "n1" || feed[2].ID != "n2" {
		t.Fatalf("unexpected order: %s, %s, %s", feed[0].ID, feed[1].ID, feed[2].ID)
	}
	for _, n := range feed {
		if n.ID == "n1" && n.ReadState != ReadStateRead {
			t.Fatalf("user copy should shadow the legacy copy, got %+v", n)
		}
	}
}

func TestVisibleFeedAppliesCap(t *testing.T) {
	store := NewMemoryRecordStore()
	var list []Notification
	for i := 0; i < 5; i++ {
		list = append(list, Notification{
			ID:        fmt.Sprintf("n%d", i),
			Kind:      KindSystem,
			Title:     "filler",
			CreatedAt: time.Date(2026, 3, 1, 10, i, 0, 0, time.UTC).Format(time.RFC3339Nano),
		})
	}
	seedFeed(t, store, FeedKey("u1"), list...)

	engine := NewEngine(EngineOptions{Store: store, FeedCap: 3})
	feed, err := engine.VisibleFeed(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("VisibleFeed: %v", err)
	}
	if len(feed) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(feed))
	}
	if feed[0].ID != "n4" {
		t.Fatalf("cap should keep the newest records, got %s first", feed[0].ID)
	}
}

func TestVisibleFeedTreatsFailingStoreAsEmpty(t *testing.T) {
	engine := NewEngine(EngineOptions{Store: failingStore{}})
	feed, err := engine.VisibleFeed(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("a broken store must degrade to an empty feed, got %v", err)
	}
	if len(feed) != 0 {
		t.Fatalf("expected empty feed, got %d records", len(feed))
	}
}

func TestUnreadCountsSplitsMessagesFromAlerts(t *testing.T) {
	store := NewMemoryRecordStore()
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "m1", Kind: KindInternalMessage, Title: "msg", CreatedAt: "2026-03-01T10:00:00Z"},
		Notification{ID: "m2", Kind: KindReply, Title: "reply", CreatedAt: "2026-03-01T10:01:00Z"},
		Notification{ID: "a1", Kind: KindWelfare, Title: "alert", CreatedAt: "2026-03-01T10:02:00Z"},
		Notification{ID: "r1", Kind: KindSystem, Title: "read already", CreatedAt: "2026-03-01T10:03:00Z", ReadState: ReadStateRead},
	)

	engine := NewEngine(EngineOptions{Store: store})
	counts, err := engine.UnreadCounts(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("UnreadCounts: %v", err)
	}
	if counts.Total != 3 || counts.Messages != 2 || counts.Alerts != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts.ByKind[KindWelfare] != 1 || counts.ByKind[KindInternalMessage] != 1 {
		t.Fatalf("unexpected byKind breakdown: %+v", counts.ByKind)
	}
}

func TestMarkReadIsIdempotentWithSingleReadAt(t *testing.T) {
	store := NewMemoryRecordStore()
	firstRead := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	now := firstRead
	engine := NewEngine(EngineOptions{Store: store, Clock: func() time.Time { return now }})
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "n1", Kind: KindSystem, Title: "once", CreatedAt: "2026-03-01T09:00:00Z"},
	)

	got, err := engine.MarkRead(Identity{ID: "u1"}, "n1")
	if err != nil {
		t.Fatalf("first MarkRead: %v", err)
	}
	if got.ReadState != ReadStateRead || got.ReadAt != firstRead.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected first read result: %+v", got)
	}

	now = firstRead.Add(time.Hour)
	again, err := engine.MarkRead(Identity{ID: "u1"}, "n1")
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if again.ReadAt != firstRead.Format(time.RFC3339Nano) {
		t.Fatalf("re-reading must not move readAt: first=%q second=%q", got.ReadAt, again.ReadAt)
	}
}

func TestMarkReadUnknownIDReportsNotFound(t *testing.T) {
	engine := NewEngine(EngineOptions{Store: NewMemoryRecordStore()})
	if _, err := engine.MarkRead(Identity{ID: "u1"}, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadEmitsReceiptExactlyOnce(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "m1", Kind: KindInternalMessage, Title: "from pastor", CreatedAt: "2026-03-01T09:00:00Z", SenderID: "pastor"},
	)

	if _, err := engine.MarkRead(Identity{ID: "u1", Name: "Grace"}, "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if _, err := engine.MarkRead(Identity{ID: "u1", Name: "Grace"}, "m1"); err != nil {
		t.Fatalf("repeat MarkRead: %v", err)
	}

	receipts, err := engine.Receipts(Identity{ID: "pastor"})
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt, got %d", len(receipts))
	}
	r := receipts[0]
	if r.OriginalMessageID != "m1" || r.RecipientID != "u1" || r.SenderID != "pastor" || r.Status != ReceiptStatusDelivered {
		t.Fatalf("unexpected receipt: %+v", r)
	}
	if r.RecipientName != "Grace" {
		t.Fatalf("expected recipient name on receipt, got %q", r.RecipientName)
	}
}

func TestMarkReadNonMessageKindEmitsNoReceipt(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "a1", Kind: KindWelfare, Title: "visit due", CreatedAt: "2026-03-01T09:00:00Z", SenderID: "welfare-bot"},
	)
	if _, err := engine.MarkRead(Identity{ID: "u1"}, "a1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	receipts, err := engine.Receipts(Identity{ID: "welfare-bot"})
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if len(receipts) != 0 {
		t.Fatalf("alert kinds must not emit receipts, got %d", len(receipts))
	}
}

func TestMarkReadMigratesSharedRecordIntoUserFeed(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})
	seedFeed(t, store, LegacyFeedKey,
		Notification{ID: "n1", Kind: KindSystem, Title: "shared", CreatedAt: "2026-03-01T09:00:00Z"},
	)

	got, err := engine.MarkRead(Identity{ID: "u1"}, "n1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if got.ReadState != ReadStateRead {
		t.Fatalf("expected read state, got %+v", got)
	}

	userList := readFeed(t, store, FeedKey("u1"))
	if len(userList) != 1 || userList[0].ID != "n1" || userList[0].ReadState != ReadStateRead {
		t.Fatalf("expected read copy persisted in user feed, got %+v", userList)
	}
	legacy := readFeed(t, store, LegacyFeedKey)
	if len(legacy) != 1 || legacy[0].ReadState != ReadStateUnread {
		t.Fatalf("legacy list must stay untouched, got %+v", legacy)
	}

	feed, err := engine.VisibleFeed(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("VisibleFeed: %v", err)
	}
	if len(feed) != 1 || feed[0].ReadState != ReadStateRead {
		t.Fatalf("user copy must shadow the unread legacy copy, got %+v", feed)
	}
}

func TestDeleteRemovesFromUserFeedOnly(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "n1", Kind: KindSystem, Title: "mine", CreatedAt: "2026-03-01T09:00:00Z"},
	)
	seedFeed(t, store, LegacyFeedKey,
		Notification{ID: "n2", Kind: KindSystem, Title: "shared only", CreatedAt: "2026-03-01T09:00:00Z"},
	)

	if err := engine.Delete(Identity{ID: "u1"}, "n1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if list := readFeed(t, store, FeedKey("u1")); len(list) != 0 {
		t.Fatalf("expected empty user feed after delete, got %+v", list)
	}
	if err := engine.Delete(Identity{ID: "u1"}, "n2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("shared-only records are not deletable, expected ErrNotFound, got %v", err)
	}
}

func TestSendReplyThreadsIntoSenderFeed(t *testing.T) {
	store := NewMemoryRecordStore()
	messaging := &fakeMessaging{result: ReplyResult{Success: true, ReplyID: "srv-42"}}
	engine := NewEngine(EngineOptions{Store: store, Messaging: messaging})
	target := Notification{ID: "m1", Kind: KindInternalMessage, Title: "Budget question", SenderID: "pastor"}

	result, err := engine.SendReply(context.Background(), Identity{ID: "u1", Name: "Grace"}, target, "Answered in person.")
	if err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	if !result.Success || result.ReplyID != "srv-42" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(messaging.requests) != 1 {
		t.Fatalf("expected one API call, got %d", len(messaging.requests))
	}
	req := messaging.requests[0]
	if req.SenderID != "u1" || req.RecipientID != "pastor" || req.OriginalMessageID != "m1" {
		t.Fatalf("unexpected request: %+v", req)
	}

	echoList := readFeed(t, store, FeedKey("pastor"))
	if len(echoList) != 1 {
		t.Fatalf("expected one echoed notification, got %d", len(echoList))
	}
	echo := echoList[0]
	if echo.Kind != KindReply || echo.ThreadRootID != "m1" || echo.Title != "Re: Budget question" {
		t.Fatalf("unexpected echo: %+v", echo)
	}
	if echo.ReadState != ReadStateUnread || echo.SenderID != "u1" {
		t.Fatalf("unexpected echo lifecycle fields: %+v", echo)
	}
}

func TestSendReplyValidationRejectsBeforeSend(t *testing.T) {
	messaging := &fakeMessaging{result: ReplyResult{Success: true}}
	engine := NewEngine(EngineOptions{Store: NewMemoryRecordStore(), Messaging: messaging, MaxReplyBody: 10})
	viewer := Identity{ID: "u1"}
	target := Notification{ID: "m1", SenderID: "pastor"}

	cases := []struct {
		name   string
		viewer Identity
		target Notification
		body   string
	}{
		{"empty body", viewer, target, "   "},
		{"over limit", viewer, target, "this body is far too long"},
		{"no sender on target", viewer, Notification{ID: "m1"}, "hi"},
		{"no viewer", Identity{}, target, "hi"},
	}
	for _, tc := range cases {
		_, err := engine.SendReply(context.Background(), tc.viewer, tc.target, tc.body)
		if !errors.Is(err, ErrReplyRejected) {
			t.Fatalf("%s: expected ErrReplyRejected, got %v", tc.name, err)
		}
	}
	if len(messaging.requests) != 0 {
		t.Fatalf("validation failures must not reach the API, saw %d calls", len(messaging.requests))
	}
}

func TestSendReplyLimitCountsCharactersNotBytes(t *testing.T) {
	messaging := &fakeMessaging{result: ReplyResult{Success: true}}
	engine := NewEngine(EngineOptions{Store: NewMemoryRecordStore(), Messaging: messaging, MaxReplyBody: 10})
	viewer := Identity{ID: "u1"}
	target := Notification{ID: "m1", SenderID: "pastor"}

	// 10 two-byte characters are within a 10-character limit.
	if _, err := engine.SendReply(context.Background(), viewer, target, strings.Repeat("é", 10)); err != nil {
		t.Fatalf("10-character reply rejected: %v", err)
	}
	if len(messaging.requests) != 1 {
		t.Fatalf("expected the reply to reach the API, saw %d calls", len(messaging.requests))
	}
	if _, err := engine.SendReply(context.Background(), viewer, target, strings.Repeat("é", 11)); !errors.Is(err, ErrReplyRejected) {
		t.Fatalf("11-character reply: expected ErrReplyRejected, got %v", err)
	}
}

func TestSendReplyAPIFailureWritesNothing(t *testing.T) {
	store := NewMemoryRecordStore()
	messaging := &fakeMessaging{err: &MessagingAPIError{StatusCode: 503, Message: "down"}}
	engine := NewEngine(EngineOptions{Store: store, Messaging: messaging})
	target := Notification{ID: "m1", SenderID: "pastor"}

	_, err := engine.SendReply(context.Background(), Identity{ID: "u1"}, target, "hello")
	if !errors.Is(err, ErrReplyFailed) {
		t.Fatalf("expected ErrReplyFailed, got %v", err)
	}
	if list := readFeed(t, store, FeedKey("pastor")); len(list) != 0 {
		t.Fatalf("a failed send must leave no local echo, got %+v", list)
	}
}

func TestIngestRoutesTargetedAndBroadcast(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})

	targeted, err := engine.Ingest(Notification{Kind: KindWelfare, Title: "visit scheduled", RecipientID: "u1"})
	if err != nil {
		t.Fatalf("targeted ingest: %v", err)
	}
	if targeted.ID == "" || targeted.CreatedAt == "" || targeted.ReadState != ReadStateUnread {
		t.Fatalf("ingest must default id, createdAt and force unread: %+v", targeted)
	}
	if list := readFeed(t, store, FeedKey("u1")); len(list) != 1 {
		t.Fatalf("expected targeted record in user feed, got %+v", list)
	}

	if _, err := engine.Ingest(Notification{Kind: KindSystem, Title: "service moved to 10am"}); err != nil {
		t.Fatalf("broadcast ingest: %v", err)
	}
	if list := readFeed(t, store, BroadcastFeedKey); len(list) != 1 {
		t.Fatalf("expected broadcast record in shared list, got %+v", list)
	}
}

func TestIngestRejectsInvalidShapes(t *testing.T) {
	engine := NewEngine(EngineOptions{Store: NewMemoryRecordStore()})
	if _, err := engine.Ingest(Notification{Kind: "carrier-pigeon", Title: "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown kind: expected ErrInvalidInput, got %v", err)
	}
	if _, err := engine.Ingest(Notification{Kind: KindSystem}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing title: expected ErrInvalidInput, got %v", err)
	}
	if _, err := engine.Ingest(Notification{Kind: KindSystem, Title: "x", RecipientEmail: "a@b.org"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("email-only target: expected ErrInvalidInput, got %v", err)
	}
}

func TestIngestDuplicateIDIsNoOp(t *testing.T) {
	store := NewMemoryRecordStore()
	engine := NewEngine(EngineOptions{Store: store})
	first, err := engine.Ingest(Notification{ID: "n1", Kind: KindSystem, Title: "once", RecipientID: "u1"})
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if _, err := engine.Ingest(Notification{ID: "n1", Kind: KindSystem, Title: "again", RecipientID: "u1"}); err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	list := readFeed(t, store, FeedKey("u1"))
	if len(list) != 1 || list[0].Title != first.Title {
		t.Fatalf("duplicate id must not append or overwrite, got %+v", list)
	}
}

func TestCrossContextConvergenceThroughSharedStore(t *testing.T) {
	store := NewMemoryRecordStore()
	bus := NewLocalBus()
	writer := NewEngine(EngineOptions{Store: store, Bus: bus})
	reader := NewEngine(EngineOptions{Store: store, Bus: bus})

	var signals []Signal
	cancel := bus.Subscribe(func(sig Signal) { signals = append(signals, sig) })
	defer cancel()

	ingested, err := writer.Ingest(Notification{Kind: KindInternalMessage, Title: "hello", RecipientID: "u1", SenderID: "pastor"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(signals) != 1 || signals[0].Reason != SignalArrive {
		t.Fatalf("expected one arrive signal, got %+v", signals)
	}

	// The receiving context re-reads the store, never applies the signal.
	feed, err := reader.VisibleFeed(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("VisibleFeed: %v", err)
	}
	if len(feed) != 1 || feed[0].ID != ingested.ID {
		t.Fatalf("reader context did not converge, got %+v", feed)
	}

	if _, err := writer.MarkRead(Identity{ID: "u1"}, ingested.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	feed, err = reader.VisibleFeed(Identity{ID: "u1"})
	if err != nil {
		t.Fatalf("VisibleFeed after read: %v", err)
	}
	if feed[0].ReadState != ReadStateRead {
		t.Fatalf("read state did not propagate through the store, got %+v", feed[0])
	}

	sawRead := false
	for _, sig := range signals {
		if sig.Reason == SignalRead && sig.Count == 0 {
			sawRead = true
		}
	}
	if !sawRead {
		t.Fatalf("expected a read signal carrying the new unread total, got %+v", signals)
	}
}

func TestReceiptsSortedNewestFirst(t *testing.T) {
	store := NewMemoryRecordStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clockNow := now
	engine := NewEngine(EngineOptions{Store: store, Clock: func() time.Time { return clockNow }})
	seedFeed(t, store, FeedKey("u1"),
		Notification{ID: "m1", Kind: KindInternalMessage, Title: "first", CreatedAt: "2026-03-01T09:00:00Z", SenderID: "pastor"},
		Notification{ID: "m2", Kind: KindInternalMessage, Title: "second", CreatedAt: "2026-03-01T09:10:00Z", SenderID: "pastor"},
	)

	if _, err := engine.MarkRead(Identity{ID: "u1"}, "m1"); err != nil {
		t.Fatalf("MarkRead m1: %v", err)
	}
	clockNow = now.Add(time.Minute)
	if _, err := engine.MarkRead(Identity{ID: "u1"}, "m2"); err != nil {
		t.Fatalf("MarkRead m2: %v", err)
	}

	receipts, err := engine.Receipts(Identity{ID: "pastor"})
	if err != nil {
		t.Fatalf("Receipts: %v", err)
	}
	if len(receipts) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(receipts))
	}
	if receipts[0].OriginalMessageID != "m2" {
		t.Fatalf("expected newest receipt first, got %+v", receipts)
	}
}

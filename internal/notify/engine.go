package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const DefaultMaxReplyBody = 500

type EngineOptions struct {
	Store        RecordStore
	Bus          Bus
	Messaging    MessagingClient
	FeedCap      int
	MaxReplyBody int
	Clock        func() time.Time
}

// Engine owns the feed lifecycle for one context: visible-feed
// assembly, read transitions, deletion, delivery receipts and replies.
// Every mutation is a read-merge-write against the record store; other
// contexts converge by re-reading on bus signals. The mutex serializes
// writers within this process only; cross-process collisions resolve
// last-write-wins per key, which the full-list-replace discipline makes
// safe for this append/mark-read workload.
type Engine struct {
	store        RecordStore
	bus          Bus
	messaging    MessagingClient
	feedCap      int
	maxReplyBody int
	clock        func() time.Time

	mu sync.Mutex
}

func NewEngine(opts EngineOptions) *Engine {
	store := opts.Store
	if store == nil {
		store = NewMemoryRecordStore()
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewLocalBus()
	}
	feedCap := opts.FeedCap
	if feedCap <= 0 {
		feedCap = DefaultFeedCap
	}
	maxReplyBody := opts.MaxReplyBody
	if maxReplyBody <= 0 {
		maxReplyBody = DefaultMaxReplyBody
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:        store,
		bus:          bus,
		messaging:    opts.Messaging,
		feedCap:      feedCap,
		maxReplyBody: maxReplyBody,
		clock:        clock,
	}
}

func (e *Engine) Bus() Bus {
	return e.bus
}

// readFeedList applies the store-read error policy: an unreadable or
// corrupted key degrades to an empty list so the feed never crashes.
func (e *Engine) readFeedList(key string, now time.Time) []Notification {
	raw, err := e.store.ReadList(key)
	if err != nil {
		log.Printf("notify: read %s failed, treating as empty: %v", key, err)
		return nil
	}
	return DecodeNotifications(raw, now)
}

// visibleAll is the full visibility pipeline minus the display cap: user list
// first (wins dedup collisions), then broadcast, then the legacy shared
// list; filter to the viewer; newest first.
func (e *Engine) visibleAll(viewer Identity) []Notification {
	now := e.clock().UTC()
	merged := MergeFeeds(
		e.readFeedList(FeedKey(viewer.ID), now),
		e.readFeedList(BroadcastFeedKey, now),
		e.readFeedList(LegacyFeedKey, now),
	)
	visible := FilterVisible(merged, viewer)
	SortFeed(visible)
	return visible
}

func (e *Engine) VisibleFeed(viewer Identity) ([]Notification, error) {
	if strings.TrimSpace(viewer.ID) == "" {
		return nil, ErrInvalidInput
	}
	return CapFeed(e.visibleAll(viewer), e.feedCap), nil
}

// Find resolves a notification the viewer can see, regardless of which
// list it lives in or whether it falls outside the display cap.
func (e *Engine) Find(viewer Identity, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if strings.TrimSpace(viewer.ID) == "" || notificationID == "" {
		return Notification{}, ErrInvalidInput
	}
	for _, n := range e.visibleAll(viewer) {
		if n.ID == notificationID {
			return n, nil
		}
	}
	return Notification{}, ErrNotFound
}

// UnreadCounts keeps the historical two-counter split: Messages covers
// the reply-capable inbox (internal-message and reply kinds), Alerts
// everything else. The bell badge is their sum.
type UnreadCounts struct {
	Total    int          `json:"total"`
	Messages int          `json:"messages"`
	Alerts   int          `json:"alerts"`
	ByKind   map[Kind]int `json:"byKind,omitempty"`
}

func (e *Engine) UnreadCounts(viewer Identity) (UnreadCounts, error) {
	if strings.TrimSpace(viewer.ID) == "" {
		return UnreadCounts{}, ErrInvalidInput
	}
	counts := UnreadCounts{ByKind: map[Kind]int{}}
	for _, n := range e.visibleAll(viewer) {
		if n.ReadState == ReadStateRead {
			continue
		}
		counts.Total++
		counts.ByKind[n.Kind]++
		if n.Kind == KindInternalMessage || n.Kind == KindReply {
			counts.Messages++
		} else {
			counts.Alerts++
		}
	}
	return counts, nil
}

// MarkRead performs the one-way Unread→Read transition. Re-invoking on
// an already-read record is a no-op that neither rewrites the store nor
// emits a second receipt. A record living only in the shared broadcast
// or legacy list is persisted into the viewer's own feed on first read;
// merge order makes that copy shadow the shared one from then on.
func (e *Engine) MarkRead(viewer Identity, notificationID string) (Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if strings.TrimSpace(viewer.ID) == "" || notificationID == "" {
		return Notification{}, ErrInvalidInput
	}

	e.mu.Lock()
	now := e.clock().UTC()
	feedKey := FeedKey(viewer.ID)
	userList := e.readFeedList(feedKey, now)

	var updated Notification
	found := false
	for i := range userList {
		if userList[i].ID != notificationID {
			continue
		}
		if userList[i].ReadState == ReadStateRead {
			already := userList[i]
			e.mu.Unlock()
			return already, nil
		}
		userList[i].ReadState = ReadStateRead
		userList[i].ReadAt = now.Format(time.RFC3339Nano)
		updated = userList[i]
		found = true
		break
	}

	if !found {
		shared := MergeFeeds(
			e.readFeedList(BroadcastFeedKey, now),
			e.readFeedList(LegacyFeedKey, now),
		)
		for _, n := range shared {
			if n.ID != notificationID || !viewer.Matches(n.RecipientID, n.RecipientEmail) {
				continue
			}
			if n.ReadState == ReadStateRead {
				e.mu.Unlock()
				return n, nil
			}
			n.ReadState = ReadStateRead
			n.ReadAt = now.Format(time.RFC3339Nano)
			userList = append(userList, n)
			updated = n
			found = true
			break
		}
	}
	if !found {
		e.mu.Unlock()
		return Notification{}, ErrNotFound
	}

	if err := e.store.WriteList(feedKey, EncodeNotifications(userList)); err != nil {
		e.mu.Unlock()
		return Notification{}, fmt.Errorf("persist read state: %w", err)
	}

	receiptEmitted := false
	if updated.Kind == KindInternalMessage && strings.TrimSpace(updated.SenderID) != "" {
		receiptEmitted = e.emitReceiptLocked(updated, viewer, now)
	}
	e.mu.Unlock()

	counts, _ := e.UnreadCounts(viewer)
	e.bus.Publish(Signal{Reason: SignalRead, Count: counts.Total})
	if receiptEmitted {
		e.bus.Publish(Signal{Reason: SignalReceipt, Count: 1})
	}
	return updated, nil
}

// emitReceiptLocked writes a delivery receipt into the sender's queue,
// read-merge-write. The receipt is a best-effort courtesy to the
// sender's UI; a failed write is logged, never retried, and never fails
// the read transition that triggered it.
func (e *Engine) emitReceiptLocked(n Notification, viewer Identity, now time.Time) bool {
	key := ReceiptsKey(n.SenderID)
	raw, err := e.store.ReadList(key)
	if err != nil {
		log.Printf("notify: read %s failed, treating as empty: %v", key, err)
		raw = nil
	}
	receipts := decodeReceipts(raw)
	for _, existing := range receipts {
		if existing.OriginalMessageID == n.ID && existing.RecipientID == viewer.ID {
			return false
		}
	}
	receipt := DeliveryReceipt{
		ID:                "rcpt_" + uuid.NewString(),
		OriginalMessageID: n.ID,
		RecipientID:       viewer.ID,
		RecipientName:     viewer.Name,
		SenderID:          n.SenderID,
		DeliveredAt:       now.Format(time.RFC3339Nano),
		Status:            ReceiptStatusDelivered,
	}
	receipts = append(receipts, receipt)
	if err := e.store.WriteList(key, encodeReceipts(receipts)); err != nil {
		log.Printf("notify: write delivery receipt for %s failed: %v", n.ID, err)
		return false
	}
	return true
}

// Delete removes a record from the viewer's own feed, hard, no
// tombstone. Records living only in the shared lists cannot be removed
// durably without writing a shared key, so they report not found.
func (e *Engine) Delete(viewer Identity, notificationID string) error {
	notificationID = strings.TrimSpace(notificationID)
	if strings.TrimSpace(viewer.ID) == "" || notificationID == "" {
		return ErrInvalidInput
	}

	e.mu.Lock()
	now := e.clock().UTC()
	feedKey := FeedKey(viewer.ID)
	userList := e.readFeedList(feedKey, now)
	kept := make([]Notification, 0, len(userList))
	found := false
	for _, n := range userList {
		if n.ID == notificationID {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	if !found {
		e.mu.Unlock()
		return ErrNotFound
	}
	if err := e.store.WriteList(feedKey, EncodeNotifications(kept)); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("persist delete: %w", err)
	}
	e.mu.Unlock()

	counts, _ := e.UnreadCounts(viewer)
	e.bus.Publish(Signal{Reason: SignalDelete, Count: counts.Total})
	return nil
}

func (e *Engine) Receipts(viewer Identity) ([]DeliveryReceipt, error) {
	if strings.TrimSpace(viewer.ID) == "" {
		return nil, ErrInvalidInput
	}
	key := ReceiptsKey(viewer.ID)
	raw, err := e.store.ReadList(key)
	if err != nil {
		log.Printf("notify: read %s failed, treating as empty: %v", key, err)
		return []DeliveryReceipt{}, nil
	}
	receipts := decodeReceipts(raw)
	sort.SliceStable(receipts, func(i, j int) bool {
		left, leftErr := parseRecordTime(receipts[i].DeliveredAt)
		right, rightErr := parseRecordTime(receipts[j].DeliveredAt)
		if leftErr != nil || rightErr != nil {
			return leftErr == nil
		}
		if left.Equal(right) {
			return receipts[i].ID > receipts[j].ID
		}
		return left.After(right)
	})
	return receipts, nil
}

// SendReply validates the draft, persists it through the messaging API,
// and only then echoes a reply notification into the recipient's feed.
// An API failure writes nothing locally, so no false delivered signal,
// and surfaces a typed error so the caller can keep the draft for
// retry. A failed local echo after a successful send is logged only:
// the server-side reply is already durable.
func (e *Engine) SendReply(ctx context.Context, viewer Identity, target Notification, body string) (ReplyResult, error) {
	body = strings.TrimSpace(body)
	switch {
	case strings.TrimSpace(viewer.ID) == "":
		return ReplyResult{}, &ReplyError{Stage: ReplyStageValidation, Message: "missing sender identity"}
	case strings.TrimSpace(target.ID) == "":
		return ReplyResult{}, &ReplyError{Stage: ReplyStageValidation, Message: "missing target notification"}
	case strings.TrimSpace(target.SenderID) == "":
		return ReplyResult{}, &ReplyError{Stage: ReplyStageValidation, Message: "target notification has no sender to reply to"}
	case body == "":
		return ReplyResult{}, &ReplyError{Stage: ReplyStageValidation, Message: "reply body is empty"}
	case utf8.RuneCountInString(body) > e.maxReplyBody:
		return ReplyResult{}, &ReplyError{Stage: ReplyStageValidation, Message: fmt.Sprintf("reply body exceeds %d characters", e.maxReplyBody)}
	}
	if e.messaging == nil {
		return ReplyResult{}, &ReplyError{Stage: ReplyStageSend, Message: "no messaging client configured"}
	}

	result, err := e.messaging.SendReply(ctx, ReplyRequest{
		SenderID:          viewer.ID,
		OriginalMessageID: target.ID,
		RecipientID:       target.SenderID,
		ReplyContent:      body,
		CorrelationID:     "reply_" + uuid.NewString(),
	})
	if err != nil {
		return ReplyResult{}, &ReplyError{Stage: ReplyStageSend, Message: err.Error()}
	}

	now := e.clock().UTC()
	echo := Notification{
		ID:           "ntf_" + uuid.NewString(),
		Kind:         KindReply,
		Title:        replyTitle(target.Title),
		Body:         body,
		CreatedAt:    now.Format(time.RFC3339Nano),
		ReadState:    ReadStateUnread,
		SenderID:     viewer.ID,
		SenderName:   viewer.Name,
		RecipientID:  target.SenderID,
		ThreadRootID: target.ID,
	}
	if err := e.appendToFeed(FeedKey(target.SenderID), echo, now); err != nil {
		log.Printf("notify: reply %s persisted remotely but local echo write failed: %v", result.ReplyID, err)
		return result, nil
	}
	e.bus.Publish(Signal{Reason: SignalReply, Count: 1})
	return result, nil
}

// Ingest accepts a notification arriving from another module (HR,
// welfare, maintenance, system broadcasts, internal messages) and files
// it into the recipient's feed, or the shared broadcast list when no
// recipient is named. Re-ingesting an id already present is a no-op.
func (e *Engine) Ingest(n Notification) (Notification, error) {
	if !validKind(n.Kind) || strings.TrimSpace(n.Title) == "" {
		return Notification{}, ErrInvalidInput
	}
	if strings.TrimSpace(n.RecipientID) == "" && strings.TrimSpace(n.RecipientEmail) != "" {
		// Email-only targeting is honored by the visibility filter for
		// old records, but routing a new write needs a user id.
		return Notification{}, fmt.Errorf("%w: targeted notification requires recipientId", ErrInvalidInput)
	}
	now := e.clock().UTC()
	if strings.TrimSpace(n.ID) == "" {
		n.ID = "ntf_" + uuid.NewString()
	}
	if strings.TrimSpace(n.CreatedAt) == "" {
		n.CreatedAt = now.Format(time.RFC3339Nano)
	}
	n.ReadState = ReadStateUnread
	n.ReadAt = ""

	key := BroadcastFeedKey
	if !n.Broadcast() {
		key = FeedKey(n.RecipientID)
	}
	if err := e.appendToFeed(key, n, now); err != nil {
		return Notification{}, err
	}
	e.bus.Publish(Signal{Reason: SignalArrive, Count: 1})
	return n, nil
}

func (e *Engine) appendToFeed(key string, n Notification, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.readFeedList(key, now)
	for _, existing := range list {
		if existing.ID == n.ID {
			return nil
		}
	}
	list = append(list, n)
	return e.store.WriteList(key, EncodeNotifications(list))
}

type StoreStatus struct {
	RecordStore string `json:"recordStore"`
	KeyCount    int    `json:"keyCount"`
	FeedCap     int    `json:"feedCap"`
}

func (e *Engine) Status() StoreStatus {
	status := StoreStatus{
		RecordStore: e.store.Describe(),
		FeedCap:     e.feedCap,
	}
	keys, err := e.store.Keys()
	if err != nil {
		log.Printf("notify: list store keys failed: %v", err)
		return status
	}
	status.KeyCount = len(keys)
	return status
}

func decodeReceipts(raw []json.RawMessage) []DeliveryReceipt {
	out := make([]DeliveryReceipt, 0, len(raw))
	for _, record := range raw {
		var receipt DeliveryReceipt
		if err := json.Unmarshal(record, &receipt); err != nil {
			log.Printf("notify: skipping malformed receipt record: %v", err)
			continue
		}
		if strings.TrimSpace(receipt.ID) == "" {
			continue
		}
		out = append(out, receipt)
	}
	return out
}

func encodeReceipts(receipts []DeliveryReceipt) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(receipts))
	for _, receipt := range receipts {
		data, err := json.Marshal(receipt)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

func replyTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Re: your message"
	}
	if strings.HasPrefix(title, "Re: ") {
		return title
	}
	return "Re: " + title
}

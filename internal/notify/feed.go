package notify

import (
	"encoding/json"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultFeedCap bounds what a context renders, not what the store
// retains.
const DefaultFeedCap = 10

// DecodeNotifications turns a stored raw list into notifications with
// best-effort defaulting: a record that fails to parse cleanly is
// salvaged field by field rather than dropping the whole list, and a
// missing or unparseable createdAt is substituted with the load time.
// Substituted records are flagged so SortFeed can push them to the end
// of the feed instead of letting garbage float to the top. Records
// without any id are skipped entirely since they cannot be deduplicated
// or addressed by any operation.
func DecodeNotifications(raw []json.RawMessage, now time.Time) []Notification {
	out := make([]Notification, 0, len(raw))
	for _, record := range raw {
		var n Notification
		if err := json.Unmarshal(record, &n); err != nil {
			n = salvageNotification(record)
		}
		if strings.TrimSpace(n.ID) == "" {
			log.Printf("notify: dropping stored record without id")
			continue
		}
		if !validKind(n.Kind) {
			n.Kind = KindSystem
		}
		if n.ReadState != ReadStateRead {
			n.ReadState = ReadStateUnread
		}
		if _, err := parseRecordTime(n.CreatedAt); err != nil {
			n.CreatedAt = now.UTC().Format(time.RFC3339Nano)
			n.createdAtDefaulted = true
		}
		out = append(out, n)
	}
	return out
}

// salvageNotification recovers what it can from a record whose shape
// does not match the schema, e.g. a numeric id or priority written by an
// older client.
func salvageNotification(record json.RawMessage) Notification {
	var loose map[string]any
	if err := json.Unmarshal(record, &loose); err != nil {
		return Notification{}
	}
	n := Notification{
		ID:             looseString(loose["id"]),
		Kind:           Kind(looseString(loose["kind"])),
		Title:          looseString(loose["title"]),
		Body:           looseString(loose["body"]),
		CreatedAt:      looseString(loose["createdAt"]),
		ReadAt:         looseString(loose["readAt"]),
		Priority:       Priority(looseString(loose["priority"])),
		SenderID:       looseString(loose["senderId"]),
		SenderName:     looseString(loose["senderName"]),
		RecipientID:    looseString(loose["recipientId"]),
		RecipientEmail: looseString(loose["recipientEmail"]),
		ThreadRootID:   looseString(loose["threadRootId"]),
	}
	if looseString(loose["readState"]) == string(ReadStateRead) {
		n.ReadState = ReadStateRead
	}
	return n
}

func looseString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return ""
	}
}

func EncodeNotifications(list []Notification) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(list))
	for _, n := range list {
		data, err := json.Marshal(n)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

// MergeFeeds deduplicates by id, first occurrence winning. The
// user-scoped list is passed first so its copy shadows the shared lists
// on collision.
func MergeFeeds(lists ...[]Notification) []Notification {
	seen := map[string]struct{}{}
	out := []Notification{}
	for _, list := range lists {
		for _, n := range list {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			out = append(out, n)
		}
	}
	return out
}

// FilterVisible drops records targeted at someone else. Broadcast
// records (no recipient fields) stay for every viewer.
func FilterVisible(list []Notification, viewer Identity) []Notification {
	out := make([]Notification, 0, len(list))
	for _, n := range list {
		if !viewer.Matches(n.RecipientID, n.RecipientEmail) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// SortFeed orders by createdAt descending. Records whose createdAt had
// to be defaulted at decode time sort after all well-formed ones.
func SortFeed(list []Notification) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].createdAtDefaulted != list[j].createdAtDefaulted {
			return !list[i].createdAtDefaulted
		}
		left, leftErr := parseRecordTime(list[i].CreatedAt)
		right, rightErr := parseRecordTime(list[j].CreatedAt)
		if leftErr != nil || rightErr != nil {
			return leftErr == nil
		}
		if left.Equal(right) {
			return list[i].ID > list[j].ID
		}
		return left.After(right)
	})
}

func CapFeed(list []Notification, limit int) []Notification {
	if limit <= 0 || len(list) <= limit {
		return list
	}
	return list[:limit]
}

func parseRecordTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrInvalidInput
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, nil
	}
	return time.Parse(time.RFC3339, value)
}

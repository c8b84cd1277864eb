package notify

import (
	"errors"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrReplyRejected  = errors.New("reply rejected")
	ErrReplyFailed    = errors.New("reply send failed")
	ErrNotImplemented = errors.New("not implemented")
)

// ReplyError carries the stage at which a reply was refused. Validation
// failures are rejected before any network or store write; send failures
// come back from the messaging API and leave no local trace.
type ReplyError struct {
	Stage   string
	Message string
}

const (
	ReplyStageValidation = "validation"
	ReplyStageSend       = "send"
)

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return "reply " + e.Stage + " failed"
	}
	return e.Message
}

func (e *ReplyError) Is(target error) bool {
	switch e.Stage {
	case ReplyStageValidation:
		return target == ErrReplyRejected
	case ReplyStageSend:
		return target == ErrReplyFailed
	}
	return false
}

type Kind string

const (
	KindInternalMessage Kind = "internal-message"
	KindSystem          Kind = "system"
	KindWelfare         Kind = "welfare"
	KindMaintenance     Kind = "maintenance"
	KindDeliveryReceipt Kind = "delivery-receipt"
	KindReply           Kind = "reply"
)

func validKind(k Kind) bool {
	switch k {
	case KindInternalMessage, KindSystem, KindWelfare, KindMaintenance, KindDeliveryReceipt, KindReply:
		return true
	}
	return false
}

type ReadState string

const (
	ReadStateUnread ReadState = "unread"
	ReadStateRead   ReadState = "read"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Notification is the canonical unit of a user's feed. Timestamps are
// RFC3339Nano strings as stored; sorting parses them leniently (see feed.go).
type Notification struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Title          string    `json:"title"`
	Body           string    `json:"body,omitempty"`
	CreatedAt      string    `json:"createdAt"`
	ReadState      ReadState `json:"readState"`
	ReadAt         string    `json:"readAt,omitempty"`
	Priority       Priority  `json:"priority,omitempty"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	RecipientID    string    `json:"recipientId,omitempty"`
	RecipientEmail string    `json:"recipientEmail,omitempty"`
	ThreadRootID   string    `json:"threadRootId,omitempty"`

	// Set by DecodeNotifications when createdAt was missing or unparseable
	// and the load time was substituted. Records flagged this way sort
	// after every well-formed one.
	createdAtDefaulted bool
}

// Broadcast reports whether the notification is visible to every
// authenticated viewer of the feed rather than a single recipient.
func (n Notification) Broadcast() bool {
	return strings.TrimSpace(n.RecipientID) == "" && strings.TrimSpace(n.RecipientEmail) == ""
}

const ReceiptStatusDelivered = "delivered"

// DeliveryReceipt is created exactly once, when an internal-message
// notification carrying a senderId transitions to read. It lives in the
// sender's receipt queue and is never mutated afterwards.
type DeliveryReceipt struct {
	ID                string `json:"id"`
	OriginalMessageID string `json:"originalMessageId"`
	RecipientID       string `json:"recipientId"`
	RecipientName     string `json:"recipientName,omitempty"`
	SenderID          string `json:"senderId"`
	DeliveredAt       string `json:"deliveredAt"`
	Status            string `json:"status"`
}

// Identity is the current viewer, supplied by the external identity
// source once per context load and treated as read-only afterwards.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// aliases returns the lowercase identifiers a targeted record may name
// this viewer by: id, email, and the derived alias (email local part).
func (id Identity) aliases() map[string]struct{} {
	out := map[string]struct{}{}
	if v := strings.ToLower(strings.TrimSpace(id.ID)); v != "" {
		out[v] = struct{}{}
	}
	email := strings.ToLower(strings.TrimSpace(id.Email))
	if email != "" {
		out[email] = struct{}{}
		if at := strings.IndexByte(email, '@'); at > 0 {
			out[email[:at]] = struct{}{}
		}
	}
	return out
}

// Matches reports whether a record targeted at recipientID/recipientEmail
// is addressed to this viewer. Records with neither field set are
// broadcast and match everyone.
func (id Identity) Matches(recipientID, recipientEmail string) bool {
	recipientID = strings.ToLower(strings.TrimSpace(recipientID))
	recipientEmail = strings.ToLower(strings.TrimSpace(recipientEmail))
	if recipientID == "" && recipientEmail == "" {
		return true
	}
	aliases := id.aliases()
	if recipientID != "" {
		if _, ok := aliases[recipientID]; ok {
			return true
		}
	}
	if recipientEmail != "" {
		if _, ok := aliases[recipientEmail]; ok {
			return true
		}
	}
	return false
}

// Storage key layout. Each user owns a feed list and a receipts list;
// the legacy shared list and the broadcast list are merged into every
// viewer's feed but only the broadcast list accepts new writes.
const (
	LegacyFeedKey    = "feed:legacy"
	BroadcastFeedKey = "feed:broadcast"
)

func FeedKey(userID string) string {
	return "feed:" + strings.TrimSpace(userID)
}

func ReceiptsKey(userID string) string {
	return "receipts:" + strings.TrimSpace(userID)
}

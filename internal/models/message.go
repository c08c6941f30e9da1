package models

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Ref identifies a message either by its client-side temporary id (not yet
// acknowledged) or by the id the server assigned. The two namespaces never
// compare equal because they are distinct types.
type Ref interface {
	isRef()
	String() string
}

// PendingRef names a message that only exists locally.
type PendingRef struct {
	TempID string
}

// ConfirmedRef names a message the server has persisted.
type ConfirmedRef struct {
	ID string
}

func (PendingRef) isRef()   {}
func (ConfirmedRef) isRef() {}

func (r PendingRef) String() string   { return "pending:" + r.TempID }
func (r ConfirmedRef) String() string { return r.ID }

// DeliveryState is the send lifecycle of a message.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateConfirmed
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConversationKey is the unordered pair of participant ids a conversation is between.
type ConversationKey struct {
	a, b string
}

// NewConversationKey builds the key for x and y; argument order does not matter.
func NewConversationKey(x, y string) ConversationKey {
	if y < x {
		x, y = y, x
	}
	return ConversationKey{a: x, b: y}
}

// IsZero reports whether the key was never set.
func (k ConversationKey) IsZero() bool { return k.a == "" && k.b == "" }

// Has reports whether id is one of the two participants.
func (k ConversationKey) Has(id string) bool { return id != "" && (k.a == id || k.b == id) }

func (k ConversationKey) String() string { return k.a + "|" + k.b }

// Message is a single transcript row.
type Message struct {
	Ref          Ref
	Conversation ConversationKey
	SenderID     string
	RecipientID  string
	Content      string
	CreatedAt    time.Time
	State        DeliveryState
	Read         bool
}

// ConfirmedID returns the server id, if the message has one.
func (m Message) ConfirmedID() (string, bool) {
	if r, ok := m.Ref.(ConfirmedRef); ok {
		return r.ID, true
	}
	return "", false
}

// TempID returns the temporary id, if the message is still pending.
func (m Message) TempID() (string, bool) {
	if r, ok := m.Ref.(PendingRef); ok {
		return r.TempID, true
	}
	return "", false
}

// IsPending reports whether the message is awaiting server acknowledgment.
func (m Message) IsPending() bool {
	_, ok := m.Ref.(PendingRef)
	return ok
}

// NewPendingMessage builds the optimistic local copy of an outgoing message.
func NewPendingMessage(tempID, senderID, recipientID, content string, now time.Time) Message {
	return Message{
		Ref:          PendingRef{TempID: tempID},
		Conversation: NewConversationKey(senderID, recipientID),
		SenderID:     senderID,
		RecipientID:  recipientID,
		Content:      content,
		CreatedAt:    now,
		State:        StatePending,
		Read:         true,
	}
}

// Conversation is the transcript between Self and Partner.
type Conversation struct {
	Self     Participant
	Partner  Participant
	Messages []Message
	LastSync time.Time
}

// Key returns the conversation key of c.
func (c Conversation) Key() ConversationKey {
	return NewConversationKey(c.Self.ID, c.Partner.ID)
}

// TempIDSource hands out temporary ids from a monotonically increasing local
// counter seeded with the process start time.
type TempIDSource struct {
	seed string
	next atomic.Uint64
}

// NewTempIDSource creates a source whose ids are unique within this process.
func NewTempIDSource(now time.Time) *TempIDSource {
	return &TempIDSource{seed: strconv.FormatInt(now.UnixMilli(), 36)}
}

// Next returns a fresh temporary id.
func (s *TempIDSource) Next() string {
	return fmt.Sprintf("local-%s-%d", s.seed, s.next.Add(1))
}

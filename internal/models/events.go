package models

import (
	"fmt"
	"strings"
	"time"
)

// EventKind names a frame exchanged over the live channel.
type EventKind string

const (
	EventMessageReceived EventKind = "message-received"
	EventTypingChanged   EventKind = "typing-changed"
	EventConnectionError EventKind = "connection-error"
	EventSendMessage     EventKind = "send-message"
)

// SendMessagePayload is the outbound send-message body.
type SendMessagePayload struct {
	RecipientID string `json:"recipientId"`
	Content     string `json:"content"`
}

// TypingPayload is used in both directions. Outbound frames set RecipientID;
// inbound frames carry IsTyping and, when the backend provides it, SenderID.
type TypingPayload struct {
	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// MessageDTO is the wire form of a confirmed message, shared by the REST API
// and the message-received event.
type MessageDTO struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	Read        bool      `json:"read"`
}

// ToMessage converts a wire message into a confirmed transcript row.
func (d MessageDTO) ToMessage() (Message, error) {
	if strings.TrimSpace(d.ID) == "" {
		return Message{}, fmt.Errorf("message without id")
	}
	if d.SenderID == "" || d.RecipientID == "" {
		return Message{}, fmt.Errorf("message %s: missing sender or recipient", d.ID)
	}
	return Message{
		Ref:          ConfirmedRef{ID: d.ID},
		Conversation: NewConversationKey(d.SenderID, d.RecipientID),
		SenderID:     d.SenderID,
		RecipientID:  d.RecipientID,
		Content:      d.Content,
		CreatedAt:    d.CreatedAt,
		State:        StateConfirmed,
		Read:         d.Read,
	}, nil
}

package models

import "time"

// Role identifies who authored a timeline entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a conversation timeline. Messages are never
// edited once appended.
type Message struct {
	ID         int64       `json:"id"`
	Sender     Role        `json:"sender"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// HasAttachment reports whether the message wraps a user file.
func (m *Message) HasAttachment() bool {
	return m != nil && m.Attachment != nil
}

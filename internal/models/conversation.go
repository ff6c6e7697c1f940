package models

import "time"

// ConversationSummary describes one archived conversation in a history listing.
type ConversationSummary struct {
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Preview      string    `json:"preview"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

package conversation

import (
	"iter"
	"slices"
	"time"

	"medchat/internal/models"
)

// Handle identifies a timeline inside an Arena.
type Handle int64

// Timeline is the ordered message sequence of one conversation. Insertion
// order is both display and chronological order.
type Timeline struct {
	handle    Handle
	messages  []*models.Message
	createdAt time.Time
}

func newTimeline(h Handle, now time.Time) *Timeline {
	return &Timeline{handle: h, createdAt: now}
}

// Handle returns the arena handle of the timeline.
func (t *Timeline) Handle() Handle {
	return t.handle
}

// Append adds msg at the end of the timeline.
func (t *Timeline) Append(msg *models.Message) {
	if msg == nil {
		return
	}
	t.messages = append(t.messages, msg)
}

// All returns a restartable view over the messages present when All was
// called; later appends are not visible through it.
func (t *Timeline) All() iter.Seq[*models.Message] {
	n := len(t.messages)
	view := t.messages[:n:n]
	return func(yield func(*models.Message) bool) {
		for _, msg := range view {
			if !yield(msg) {
				return
			}
		}
	}
}

// Messages returns a copy of the message slice.
func (t *Timeline) Messages() []*models.Message {
	return slices.Clone(t.messages)
}

func (t *Timeline) Len() int {
	return len(t.messages)
}

func (t *Timeline) IsEmpty() bool {
	return len(t.messages) == 0
}

// UpdatedAt is the creation time of the last message, or of the timeline
// itself while it is empty.
func (t *Timeline) UpdatedAt() time.Time {
	if len(t.messages) == 0 {
		return t.createdAt
	}
	return t.messages[len(t.messages)-1].CreatedAt
}

// Attachments lists the attachments referenced by the timeline in order.
func (t *Timeline) Attachments() []*models.Attachment {
	var out []*models.Attachment
	for _, msg := range t.messages {
		if msg.HasAttachment() {
			out = append(out, msg.Attachment)
		}
	}
	return out
}

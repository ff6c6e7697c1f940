package session

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"medchat/internal/conversation"
	"medchat/internal/models"
)

const previewRunes = 40

// State is an immutable snapshot of everything a presentation layer renders.
type State struct {
	Active   int64                        `json:"active"`
	Messages []*models.Message            `json:"messages"`
	History  []models.ConversationSummary `json:"history"`
	Speaking bool                         `json:"speaking"`
	Input    string                       `json:"input"`
	Pending  int                          `json:"pending"`
	Version  uint64                       `json:"version"`
}

func (m *Manager) snapshot() State {
	messages := make([]*models.Message, 0, m.active.Len())
	for msg := range m.active.All() {
		messages = append(messages, msg)
	}
	return State{
		Active:   int64(m.active.Handle()),
		Messages: messages,
		History:  m.summaries(),
		Speaking: m.speaking,
		Input:    m.input,
		Pending:  m.pending,
		Version:  m.version,
	}
}

func (m *Manager) summaries() []models.ConversationSummary {
	handles := m.archive.List()
	out := make([]models.ConversationSummary, 0, len(handles))
	for i, h := range handles {
		tl := m.arena.Get(h)
		if tl == nil {
			continue
		}
		out = append(out, summarize(i, tl))
	}
	return out
}

func summarize(index int, tl *conversation.Timeline) models.ConversationSummary {
	var preview string
	for msg := range tl.All() {
		if msg.Sender == models.RoleUser {
			preview = truncate(msg.Text, previewRunes)
			break
		}
	}
	return models.ConversationSummary{
		Index:        index,
		Title:        fmt.Sprintf("Chat %d", index+1),
		Preview:      preview,
		MessageCount: tl.Len(),
		UpdatedAt:    tl.UpdatedAt(),
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

// Snapshot returns the current state, or the zero State once closed.
func (m *Manager) Snapshot() State {
	var st State
	m.do(func() {
		st = m.snapshot()
	})
	return st
}

// Messages returns the active conversation in display order.
func (m *Manager) Messages() []*models.Message {
	var out []*models.Message
	m.do(func() {
		out = m.active.Messages()
	})
	return out
}

// History returns the archived conversations in archive order.
func (m *Manager) History() [][]*models.Message {
	var out [][]*models.Message
	m.do(func() {
		for _, h := range m.archive.List() {
			if tl := m.arena.Get(h); tl != nil {
				out = append(out, tl.Messages())
			}
		}
	})
	return out
}

// Speaking reports the assistant activity signal.
func (m *Manager) Speaking() bool {
	var speaking bool
	m.do(func() {
		speaking = m.speaking
	})
	return speaking
}

// Subscribe delivers the current state immediately and then every change.
// Slow readers only see the latest state. The channel is closed by the
// returned cancel func or when the manager closes.
func (m *Manager) Subscribe() (<-chan State, func()) {
	var (
		ch <-chan State
		id int
	)
	ok := m.do(func() {
		id = m.nextSub
		ch = m.addSubscriber()
	})
	if !ok {
		closed := make(chan State)
		close(closed)
		return closed, func() {}
	}
	cancel := func() {
		m.do(func() {
			if sub, found := m.subs[id]; found {
				close(sub)
				delete(m.subs, id)
			}
		})
	}
	return ch, cancel
}

// addSubscriber must run on the loop, or before it starts.
func (m *Manager) addSubscriber() chan State {
	ch := make(chan State, 1)
	m.subs[m.nextSub] = ch
	m.nextSub++
	ch <- m.snapshot()
	return ch
}

func (m *Manager) notify() {
	m.version++
	if len(m.subs) == 0 {
		return
	}
	st := m.snapshot()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func (m *Manager) runNotifier(n Notifier, ch <-chan State) {
	defer m.notifying.Done()
	for st := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		if err := n.Publish(ctx, st); err != nil {
			m.logger.Warn("publish session state failed",
				zap.Uint64("version", st.Version),
				zap.Error(err),
			)
		}
		cancel()
	}
}

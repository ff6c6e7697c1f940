// Package session owns the active conversation, the history archive and the
// assistant activity signal. Every state change runs on a single loop
// goroutine; gateway calls and attachment IO happen outside it and post
// their results back.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"medchat/internal/attachment"
	"medchat/internal/conversation"
	"medchat/internal/logging"
	"medchat/internal/models"
)

const (
	DefaultSignalDuration = 1500 * time.Millisecond

	FallbackEmptyReply      = "⚠️ Sorry, I didn't understand."
	FallbackConnectionError = "⚠️ Error connecting to server."
	AttachmentLabelPrefix   = "📂 "

	queueLen       = 16
	releaseTimeout = 10 * time.Second
)

var (
	ErrClosed        = errors.New("session manager closed")
	errNoAttachments = errors.New("attachments are not configured")
)

type Gateway interface {
	Send(ctx context.Context, text string) (models.Reply, error)
}

type AttachmentStore interface {
	Capture(ctx context.Context, file attachment.File) (*models.Attachment, error)
	Release(ctx context.Context, refs ...string) error
}

// Notifier receives every state change, in order, from its own goroutine.
type Notifier interface {
	Publish(ctx context.Context, st State) error
}

// scheduleFunc runs f after d and returns a func that cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Options struct {
	SignalDuration time.Duration
	// RequestTimeout bounds one gateway call; zero leaves it to the gateway.
	RequestTimeout time.Duration
	Logger         *zap.Logger
	Notifiers      []Notifier

	schedule scheduleFunc
}

type Manager struct {
	gateway     Gateway
	attachments AttachmentStore
	logger      *zap.Logger

	signalDuration time.Duration
	requestTimeout time.Duration
	schedule       scheduleFunc
	now            func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	inflight  sync.WaitGroup
	notifying sync.WaitGroup

	// owned by the loop
	arena        *conversation.Arena
	archive      *conversation.Archive
	active       *conversation.Timeline
	input        string
	speaking     bool
	generation   uint64
	timers       map[uint64]func() bool
	pending      int
	drainWaiters []chan struct{}
	seq          int64
	version      uint64
	subs         map[int]chan State
	nextSub      int
}

// NewManager starts the loop with an empty active conversation. store may be
// nil, in which case AttachFile always fails.
func NewManager(gw Gateway, store AttachmentStore, opts Options) *Manager {
	if opts.SignalDuration <= 0 {
		opts.SignalDuration = DefaultSignalDuration
	}
	if opts.schedule == nil {
		opts.schedule = afterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	arena := conversation.NewArena()
	m := &Manager{
		gateway:        gw,
		attachments:    store,
		logger:         logging.OrNop(opts.Logger),
		signalDuration: opts.SignalDuration,
		requestTimeout: opts.RequestTimeout,
		schedule:       opts.schedule,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		ops:            make(chan func(), queueLen),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		arena:          arena,
		archive:        conversation.NewArchive(),
		active:         arena.Create(),
		timers:         make(map[uint64]func() bool),
		subs:           make(map[int]chan State),
	}
	for _, n := range opts.Notifiers {
		if n == nil {
			continue
		}
		ch := m.addSubscriber()
		m.notifying.Add(1)
		go m.runNotifier(n, ch)
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.shutdownLoop()

	for {
		select {
		case <-m.stopCh:
			m.logger.Debug("session loop stopped")
			return
		case op := <-m.ops:
			op()
		}
	}
}

func (m *Manager) shutdownLoop() {
	for gen, stop := range m.timers {
		stop()
		delete(m.timers, gen)
	}
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
}

// do runs fn on the loop and waits for it. It reports false when the
// manager was closed before fn ran.
func (m *Manager) do(fn func()) bool {
	finished := make(chan struct{})
	op := func() {
		fn()
		close(finished)
	}
	select {
	case m.ops <- op:
	case <-m.done:
		return false
	}
	select {
	case <-finished:
		return true
	case <-m.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// post queues fn without waiting; used by gateway goroutines and timers.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

// SendText appends a user message, clears the input buffer and asks the
// gateway for a reply in the background. The user message is in the
// timeline when SendText returns. Blank text is ignored.
func (m *Manager) SendText(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	var sent bool
	m.do(func() {
		sent = m.send(text)
	})
	return sent
}

// SetInput replaces the composer buffer.
func (m *Manager) SetInput(text string) {
	m.do(func() {
		if m.input == text {
			return
		}
		m.input = text
		m.notify()
	})
}

func (m *Manager) Input() string {
	var input string
	m.do(func() {
		input = m.input
	})
	return input
}

// Submit sends the composer buffer as if the user pressed enter.
func (m *Manager) Submit() bool {
	var sent bool
	m.do(func() {
		sent = m.send(m.input)
	})
	return sent
}

func (m *Manager) send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	m.appendMessage(models.RoleUser, text, nil)
	m.input = ""
	m.pending++
	m.inflight.Add(1)
	go m.request(text)
	m.notify()
	return true
}

func (m *Manager) request(text string) {
	defer m.inflight.Done()

	ctx, cancel := m.ctx, context.CancelFunc(func() {})
	if m.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.requestTimeout)
	}
	reply, err := m.gateway.Send(ctx, text)
	cancel()

	m.post(func() {
		m.applyReply(reply, err)
	})
}

func (m *Manager) applyReply(reply models.Reply, err error) {
	if err != nil {
		m.logger.Warn("assistant request failed", zap.Error(err))
		m.appendMessage(models.RoleAssistant, FallbackConnectionError, nil)
	} else {
		text := reply.Text
		if text == "" {
			text = FallbackEmptyReply
		}
		m.appendMessage(models.RoleAssistant, text, nil)
		m.raiseSignal()
	}
	m.finishRequest()
	m.notify()
}

func (m *Manager) raiseSignal() {
	m.generation++
	gen := m.generation
	m.speaking = true
	m.timers[gen] = m.schedule(m.signalDuration, func() {
		m.post(func() {
			m.clearSignal(gen)
		})
	})
}

// clearSignal lowers the signal only if no reply arrived after gen.
func (m *Manager) clearSignal(gen uint64) {
	delete(m.timers, gen)
	if gen != m.generation || !m.speaking {
		return
	}
	m.speaking = false
	m.notify()
}

func (m *Manager) finishRequest() {
	if m.pending > 0 {
		m.pending--
	}
	if m.pending > 0 {
		return
	}
	for _, ch := range m.drainWaiters {
		close(ch)
	}
	m.drainWaiters = nil
}

func (m *Manager) appendMessage(sender models.Role, text string, att *models.Attachment) {
	m.seq++
	m.active.Append(&models.Message{
		ID:         m.seq,
		Sender:     sender,
		Text:       text,
		Attachment: att,
		CreatedAt:  m.now(),
	})
}

// AttachFile captures file and appends it as a user message. A cancelled
// picker returns (nil, nil) and leaves the timeline untouched.
func (m *Manager) AttachFile(ctx context.Context, file attachment.File) (*models.Attachment, error) {
	if m.attachments == nil {
		return nil, errNoAttachments
	}
	att, err := m.attachments.Capture(ctx, file)
	if errors.Is(err, attachment.ErrNoFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	appended := m.do(func() {
		m.appendMessage(models.RoleUser, AttachmentLabelPrefix+att.DisplayName, att)
		m.notify()
	})
	if !appended {
		m.release([]string{att.Ref})
		return nil, ErrClosed
	}
	m.logger.Info("attachment added",
		zap.String("ref", att.Ref),
		zap.String("kind", string(att.Kind)),
	)
	return att, nil
}

// StartNewConversation archives the active conversation when it has
// messages and replaces it with an empty one. It reports whether anything
// was archived.
func (m *Manager) StartNewConversation() bool {
	var archived bool
	m.do(func() {
		if m.active.IsEmpty() {
			m.arena.Drop(m.active.Handle())
		} else {
			m.archive.Append(m.active.Handle())
			archived = true
		}
		m.active = m.arena.Create()
		m.notify()
	})
	return archived
}

// ResumeConversation makes a copy of the archived entry at index the active
// conversation. The archive keeps its entry unchanged; the replaced active
// conversation is discarded. Invalid indexes are ignored.
func (m *Manager) ResumeConversation(index int) bool {
	var (
		resumed bool
		orphans []string
	)
	m.do(func() {
		h, ok := m.archive.At(index)
		if !ok {
			return
		}
		previous := m.active
		m.active = m.arena.Clone(h)
		orphans = m.dropTimelines(previous.Handle())
		resumed = true
		m.notify()
	})
	m.release(orphans)
	return resumed
}

// DeleteHistoryEntry removes the archived entry at index; later entries
// shift down by one.
func (m *Manager) DeleteHistoryEntry(index int) bool {
	var (
		deleted bool
		orphans []string
	)
	m.do(func() {
		h, ok := m.archive.RemoveAt(index)
		if !ok {
			return
		}
		orphans = m.dropTimelines(h)
		deleted = true
		m.notify()
	})
	m.release(orphans)
	return deleted
}

// ClearHistory removes every archived entry. The active conversation is
// left alone.
func (m *Manager) ClearHistory() {
	var orphans []string
	m.do(func() {
		removed := m.archive.Clear()
		if len(removed) == 0 {
			return
		}
		orphans = m.dropTimelines(removed...)
		m.notify()
	})
	m.release(orphans)
}

// dropTimelines forgets handles and returns the attachment refs no live
// timeline holds anymore.
func (m *Manager) dropTimelines(handles ...conversation.Handle) []string {
	var candidates []string
	for _, h := range handles {
		if tl := m.arena.Get(h); tl != nil {
			for _, att := range tl.Attachments() {
				candidates = append(candidates, att.Ref)
			}
		}
		m.arena.Drop(h)
	}
	var orphans []string
	seen := make(map[string]struct{}, len(candidates))
	for _, ref := range candidates {
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		if !m.arena.Referenced(ref) {
			orphans = append(orphans, ref)
		}
	}
	return orphans
}

func (m *Manager) release(refs []string) {
	if len(refs) == 0 || m.attachments == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.attachments.Release(ctx, refs...); err != nil {
		m.logger.Warn("release attachments failed", zap.Strings("refs", refs), zap.Error(err))
	}
}

// Drain blocks until no gateway request is outstanding.
func (m *Manager) Drain(ctx context.Context) error {
	var wait chan struct{}
	ok := m.do(func() {
		if m.pending == 0 {
			return
		}
		wait = make(chan struct{})
		m.drainWaiters = append(m.drainWaiters, wait)
	})
	if !ok {
		return ErrClosed
	}
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case <-wait:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close cancels in-flight requests, stops the loop and releases every
// attachment still referenced. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		close(m.stopCh)
		<-m.done
		m.inflight.Wait()
		m.notifying.Wait()
		m.release(m.arena.Refs())
	})
}

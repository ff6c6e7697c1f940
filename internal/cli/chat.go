package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"medchat/internal/attachment"
	"medchat/internal/models"
	"medchat/internal/session"
)

const chatHelp = `commands:
  /new            start a new conversation (ctrl+n)
  /history        list past conversations
  /resume N       continue past conversation N
  /delete N       delete past conversation N
  /clear          delete all past conversations
  /attach PATH    attach a document or image
  /camera PATH    attach a photo
  /quit           exit (ctrl+c)`

func newChatCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with MedBot in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			app, err := NewApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer app.Close()

			return runChat(ctx, app.Session, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

type chatSession interface {
	SendText(text string) bool
	AttachFile(ctx context.Context, file attachment.File) (*models.Attachment, error)
	StartNewConversation() bool
	ResumeConversation(index int) bool
	DeleteHistoryEntry(index int) bool
	ClearHistory()
	Snapshot() session.State
	Subscribe() (<-chan session.State, func())
}

// runChat drives the session from an interactive terminal until the user
// quits or ctx is cancelled.
func runChat(ctx context.Context, sessions chatSession, in io.Reader, out io.Writer) error {
	states, cancel := sessions.Subscribe()
	defer cancel()
	return runProgram(ctx, newChatModel(ctx, sessions, states), in, out)
}

func runProgram(ctx context.Context, m chatModel, in io.Reader, out io.Writer) error {
	// a nil reader disables keyboard input
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type chatKeyMap struct {
	Submit          key.Binding
	NewConversation key.Binding
	ScrollUp        key.Binding
	ScrollDown      key.Binding
	Quit            key.Binding
}

var defaultChatKeyMap = chatKeyMap{
	Submit:          key.NewBinding(key.WithKeys("enter")),
	NewConversation: key.NewBinding(key.WithKeys("ctrl+n")),
	ScrollUp:        key.NewBinding(key.WithKeys("pgup")),
	ScrollDown:      key.NewBinding(key.WithKeys("pgdown")),
	Quit:            key.NewBinding(key.WithKeys("ctrl+c")),
}

type chatStyles struct {
	Title    lipgloss.Style
	User     lipgloss.Style
	Bot      lipgloss.Style
	Hint     lipgloss.Style
	Speaking lipgloss.Style
	Error    lipgloss.Style
}

func defaultChatStyles() chatStyles {
	return chatStyles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		User:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33")),
		Bot:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("35")),
		Hint:     lipgloss.NewStyle().Faint(true),
		Speaking: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("35")),
		Error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

// stateMsg carries a session snapshot into the update loop.
type stateMsg session.State

type stateClosedMsg struct{}

// commandResultMsg reports the outcome of a slash command or send.
type commandResultMsg struct {
	notice string
	err    error
}

// chatModel renders session state. With a nil session it only follows
// states, which is how watch uses it.
type chatModel struct {
	ctx      context.Context
	sessions chatSession
	states   <-chan session.State

	keyMap   chatKeyMap
	styles   chatStyles
	textarea textarea.Model
	viewport viewport.Model

	state  session.State
	notice string
	err    error
	width  int
}

func newChatModel(ctx context.Context, sessions chatSession, states <-chan session.State) chatModel {
	m := chatModel{
		ctx:      ctx,
		sessions: sessions,
		states:   states,
		keyMap:   defaultChatKeyMap,
		styles:   defaultChatStyles(),
		viewport: viewport.New(80, 16),
		width:    80,
	}

	m.textarea = textarea.New()
	m.textarea.Placeholder = "Describe your symptoms, or /help"
	m.textarea.ShowLineNumbers = false
	m.textarea.SetHeight(1)
	m.textarea.SetWidth(80)
	m.textarea.KeyMap.InsertNewline.SetEnabled(false)
	if sessions != nil {
		m.textarea.Focus()
	} else {
		m.keyMap.Submit.SetEnabled(false)
		m.keyMap.NewConversation.SetEnabled(false)
	}

	m.viewport.SetContent(m.renderConversation())
	return m
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForState(m.states))
}

// waitForState blocks on the next state; a closed channel ends the program.
func waitForState(states <-chan session.State) tea.Cmd {
	if states == nil {
		return nil
	}
	return func() tea.Msg {
		st, ok := <-states
		if !ok {
			return stateClosedMsg{}
		}
		return stateMsg(st)
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.Submit):
			line := m.textarea.Value()
			m.textarea.Reset()
			if strings.TrimSpace(line) == "" {
				return m, nil
			}
			if isQuit(line) {
				return m, tea.Quit
			}
			m.notice, m.err = "", nil
			return m, m.execute(line)

		case key.Matches(msg, m.keyMap.NewConversation):
			return m, m.execute("/new")

		case key.Matches(msg, m.keyMap.ScrollUp), key.Matches(msg, m.keyMap.ScrollDown):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd

		default:
			if m.sessions != nil {
				var cmd tea.Cmd
				m.textarea, cmd = m.textarea.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = max(msg.Width, 20)
		m.textarea.SetWidth(m.width)
		m.viewport.Width = m.width
		// title, indicator, notice, input and help lines
		m.viewport.Height = max(msg.Height-6, 3)
		m.viewport.SetContent(m.renderConversation())
		m.viewport.GotoBottom()

	case stateMsg:
		m.state = session.State(msg)
		m.viewport.SetContent(m.renderConversation())
		m.viewport.GotoBottom()
		cmds = append(cmds, waitForState(m.states))

	case stateClosedMsg:
		return m, tea.Quit

	case commandResultMsg:
		m.notice, m.err = msg.notice, msg.err

	default:
		if m.sessions != nil {
			var cmd tea.Cmd
			m.textarea, cmd = m.textarea.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func isQuit(line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit", "/exit":
		return true
	}
	return false
}

// execute runs line off the update loop; session calls and file reads may block.
func (m chatModel) execute(line string) tea.Cmd {
	if m.sessions == nil {
		return nil
	}
	ctx, sessions := m.ctx, m.sessions
	return func() tea.Msg {
		notice, err := runCommand(ctx, sessions, line)
		return commandResultMsg{notice: notice, err: err}
	}
}

// runCommand executes one input line. Plain text is sent to MedBot; lines
// starting with a slash are commands.
func runCommand(ctx context.Context, sessions chatSession, line string) (string, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		sessions.SendText(line)
		return "", nil
	}
	name, arg, _ := strings.Cut(trimmed, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		return chatHelp, nil
	case "/new":
		if sessions.StartNewConversation() {
			return "conversation saved to history", nil
		}
		return "", nil
	case "/history":
		return formatHistory(sessions.Snapshot().History), nil
	case "/resume", "/delete":
		index, err := parseHistoryIndex(arg)
		if err != nil {
			return "", err
		}
		var ok bool
		if name == "/resume" {
			ok = sessions.ResumeConversation(index)
		} else {
			ok = sessions.DeleteHistoryEntry(index)
		}
		if !ok {
			return "", fmt.Errorf("no conversation %s in history", arg)
		}
		return "", nil
	case "/clear":
		sessions.ClearHistory()
		return "history cleared", nil
	case "/attach", "/camera":
		source := models.SourceFile
		if name == "/camera" {
			source = models.SourceCamera
		}
		return "", attach(ctx, sessions, source, arg)
	default:
		return "", fmt.Errorf("unknown command %s", name)
	}
}

// history is shown 1-based like the conversation titles
func parseHistoryIndex(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("expected a conversation number, got %q", arg)
	}
	return n - 1, nil
}

func attach(ctx context.Context, sessions chatSession, source models.Source, path string) error {
	if path == "" {
		// nothing picked
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = sessions.AttachFile(ctx, attachment.File{
		Source: source,
		Name:   filepath.Base(path),
		Reader: f,
	})
	if errors.Is(err, attachment.ErrUnsupportedType) && source == models.SourceCamera {
		return errors.New("the camera only accepts images")
	}
	return err
}

func formatHistory(history []models.ConversationSummary) string {
	if len(history) == 0 {
		return "no past conversations"
	}
	lines := make([]string, 0, len(history))
	for _, entry := range history {
		lines = append(lines, fmt.Sprintf("%d. %s (%d messages) %s", entry.Index+1, entry.Title, entry.MessageCount, entry.Preview))
	}
	return strings.Join(lines, "\n")
}

func (m chatModel) renderConversation() string {
	if len(m.state.Messages) == 0 {
		return m.styles.Hint.Render("No messages yet. Say hello to MedBot.")
	}
	wrap := lipgloss.NewStyle().Width(m.width)
	lines := make([]string, 0, len(m.state.Messages))
	for _, msg := range m.state.Messages {
		lines = append(lines, wrap.Render(m.formatMessage(msg)))
	}
	return strings.Join(lines, "\n")
}

func (m chatModel) formatMessage(msg *models.Message) string {
	prefix := m.styles.User.Render("you>")
	if msg.Sender == models.RoleAssistant {
		prefix = m.styles.Bot.Render("MedBot>")
	}
	return prefix + " " + msg.Text
}

func (m chatModel) View() string {
	var b strings.Builder

	title := "MedBot"
	if n := len(m.state.History); n > 0 {
		title = fmt.Sprintf("MedBot · %d in history", n)
	}
	b.WriteString(m.styles.Title.Render(title))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	if m.state.Speaking {
		b.WriteString(m.styles.Speaking.Render("MedBot is speaking…"))
	}
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString(m.styles.Error.Render("! " + m.err.Error()))
		b.WriteString("\n")
	case m.notice != "":
		b.WriteString(m.notice)
		b.WriteString("\n")
	}

	if m.sessions != nil {
		b.WriteString(m.textarea.View())
		b.WriteString("\n")
		b.WriteString(m.styles.Hint.Render("enter send · ctrl+n new chat · pgup/pgdown scroll · ctrl+c quit"))
	} else {
		b.WriteString(m.styles.Hint.Render("watching · ctrl+c quit"))
	}
	b.WriteString("\n")
	return b.String()
}

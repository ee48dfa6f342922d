package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/textarea"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/glamour/v2"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/google/uuid"

	"github.com/billie-coop/askdata/internal/channel"
	"github.com/billie-coop/askdata/internal/events"
)

type deliveryDoneMsg struct{}

type eventMsg struct {
	event events.Event
}

// entry is one line of the conversation.
type entry struct {
	fromUser bool
	text     string
	image    string
	at       time.Time
}

// Model is the console chat window.
type Model struct {
	ctx     context.Context
	ch      *Channel
	handler channel.Handler
	events  <-chan events.Event

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	entries  []entry
	status   string
	statusOK bool
	pending  int
	width    int
	height   int
}

// NewModel creates the chat window. Submitted lines are handed to handler as
// deliveries from ch's user. evs may be nil.
func NewModel(ctx context.Context, ch *Channel, handler channel.Handler, evs <-chan events.Event) *Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about the data... (& for a chart, cancelar to cancel)"
	ta.Focus()
	ta.Prompt = ""
	ta.CharLimit = 2000
	ta.ShowLineNumbers = false
	ta.SetHeight(1)
	ta.KeyMap.InsertNewline.SetEnabled(false)

	m := &Model{
		ctx:      ctx,
		ch:       ch,
		handler:  handler,
		events:   evs,
		viewport: viewport.New(),
		input:    ta,
		spinner:  newStyledSpinner(),
		status:   "ready",
		statusOK: true,
	}
	m.viewport.SetContent(m.renderEntries())
	return m
}

// Init starts the reply and event listeners.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, waitForReply(m.ch.replies)}
	if m.events != nil {
		cmds = append(cmds, waitForEvent(m.events))
	}
	return tea.Batch(cmds...)
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			return m, m.submit(text)
		}

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case replyMsg:
		m.entries = append(m.entries, entry{text: msg.text, image: msg.image, at: time.Now()})
		m.refresh()
		return m, waitForReply(m.ch.replies)

	case deliveryDoneMsg:
		if m.pending > 0 {
			m.pending--
		}
		return m, nil

	case eventMsg:
		m.status, m.statusOK = describe(msg.event)
		return m, waitForEvent(m.events)

	case spinner.TickMsg:
		if m.pending == 0 {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit records the user's line and hands it to the bot.
func (m *Model) submit(text string) tea.Cmd {
	m.entries = append(m.entries, entry{fromUser: true, text: text, at: time.Now()})
	m.refresh()

	d := channel.Delivery{ID: uuid.NewString(), User: m.ch.User(), Body: text}
	m.pending++
	handle := func() tea.Msg {
		m.handler.HandleDelivery(m.ctx, d)
		return deliveryDoneMsg{}
	}
	if m.pending == 1 {
		return tea.Batch(handle, m.spinner.Tick)
	}
	return handle
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height

	// input, separator, status and help lines
	vpHeight := height - 4
	if vpHeight < 3 {
		vpHeight = 3
	}
	m.viewport = viewport.New(
		viewport.WithWidth(width),
		viewport.WithHeight(vpHeight),
	)
	m.viewport.MouseWheelEnabled = true
	m.input.SetWidth(width - 2)
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderEntries())
	m.viewport.GotoBottom()
}

// View renders the UI
func (m *Model) View() tea.View {
	if m.width == 0 || m.height == 0 {
		return tea.NewView("Initializing...")
	}

	status := statusStyle.Render(m.status)
	if !m.statusOK {
		status = errorStatusStyle.Render(m.status)
	}
	if m.pending > 0 {
		status = m.spinner.View() + "  " + status
	}

	prompt := lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Render("> ")
	help := metaStyle.Render("enter: send • esc/ctrl+c: quit • pgup/pgdn: scroll")

	return tea.NewView(lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		strings.Repeat("─", m.width),
		status,
		lipgloss.JoinHorizontal(lipgloss.Left, prompt, m.input.View()),
		help,
	))
}

func (m *Model) renderEntries() string {
	if len(m.entries) == 0 {
		return metaStyle.Render("Ask a question about the dataset.")
	}

	var b strings.Builder
	for i, e := range m.entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		stamp := metaStyle.Render(e.at.Format("15:04:05"))
		if e.fromUser {
			b.WriteString(userStyle.Render("You") + " " + stamp + "\n" + e.text)
			continue
		}
		b.WriteString(botStyle.Render("Bot") + " " + stamp + "\n")
		if e.text != "" {
			b.WriteString(m.renderMarkdown(e.text))
		}
		if e.image != "" {
			if e.text != "" {
				b.WriteString("\n")
			}
			b.WriteString(metaStyle.Render("chart saved to " + e.image))
		}
	}
	return b.String()
}

// renderMarkdown renders content for the terminal, falling back to the raw
// text when rendering fails.
func (m *Model) renderMarkdown(content string) string {
	width := m.width - 4
	if width < 20 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dracula"),
		glamour.WithWordWrap(width),
		glamour.WithPreservedNewLines(),
		glamour.WithEmoji(),
	)
	if err != nil {
		return content
	}
	rendered, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(rendered, "\n")
}

// describe turns a workflow event into a status line. ok is false for
// failures.
func describe(ev events.Event) (status string, ok bool) {
	stamp := ev.Time.Format("15:04:05")
	switch p := ev.Payload.(type) {
	case events.RequestPayload:
		short := p.RequestID
		if len(short) > 8 {
			short = short[len(short)-8:]
		}
		switch ev.Type {
		case events.RequestRegisteredEvent:
			return fmt.Sprintf("%s request %s started", stamp, short), true
		case events.RequestCancelledEvent:
			return fmt.Sprintf("%s request %s cancelled", stamp, short), true
		case events.RequestFinishedEvent:
			return fmt.Sprintf("%s request %s finished: %s", stamp, short, p.Outcome), true
		}
	case events.QueryAttemptPayload:
		if p.Err != nil {
			return fmt.Sprintf("%s query attempt %d failed: %v", stamp, p.Attempt, p.Err), false
		}
		return fmt.Sprintf("%s query attempt %d succeeded", stamp, p.Attempt), true
	case events.DatasetPayload:
		what := "dataset reloaded"
		if ev.Type == events.ExportTriggeredEvent {
			what = "export triggered"
		}
		if p.Err != nil {
			return fmt.Sprintf("%s %s failed: %v", stamp, what, p.Err), false
		}
		return fmt.Sprintf("%s %s: %s", stamp, what, p.Path), true
	}
	return fmt.Sprintf("%s %s", stamp, ev.Type), true
}

func waitForEvent(evs <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-evs
		if !ok {
			return nil
		}
		return eventMsg{event: ev}
	}
}

// Run shows the chat window until the user quits or ctx ends.
func Run(ctx context.Context, ch *Channel, handler channel.Handler, broker *events.Broker) error {
	var evs <-chan events.Event
	if broker != nil {
		evs = broker.Subscribe()
		defer broker.Unsubscribe(evs)
	}

	p := tea.NewProgram(NewModel(ctx, ch, handler, evs), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("console: %w", err)
	}
	return nil
}

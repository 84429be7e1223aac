// Package ui provides the terminal user interface using Bubble Tea: a chat
// pane for the conversation, an editor pane mirroring file tool activity, and
// a terminal pane mirroring shell tool activity.
package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/quillshell/quill/internal/broker"
	"github.com/quillshell/quill/internal/conversation"
	"github.com/quillshell/quill/internal/session"
)

// Pane identifies one of the three views.
type Pane int

const (
	PaneChat Pane = iota
	PaneEditor
	PaneTerminal
)

func (p Pane) String() string {
	switch p {
	case PaneChat:
		return "chat"
	case PaneEditor:
		return "editor"
	case PaneTerminal:
		return "terminal"
	}
	return "unknown"
}

// Model is the Bubble Tea model for the quill shell UI.
type Model struct {
	// UI components
	textInput textinput.Model
	spinner   spinner.Model
	viewport  viewport.Model
	styles    Styles

	// Pane state
	active   Pane
	messages []chatMessage
	tools    map[string]*toolExecution
	files    []fileActivity
	terms    []termActivity

	running  bool
	width    int
	height   int
	ready    bool
	quitting bool

	controller *session.Controller
	events     *broker.Subscription
}

// chatMessage is one chat pane entry.
type chatMessage struct {
	role      string // "user", "assistant", "system"
	content   string
	messageID int  // identifies a streaming assistant message
	streaming bool // still receiving deltas
	tool      *toolExecution
}

// toolExecution tracks a tool call from start to result.
type toolExecution struct {
	callID string
	name   string
	status conversation.Status
	output string
	detail string
	done   bool
}

// fileActivity is one editor pane entry derived from a file tool result.
type fileActivity struct {
	op      string
	path    string
	content string
	failed  bool
	detail  string
}

// termActivity is one terminal pane entry derived from a shell tool result.
type termActivity struct {
	command  string
	stdout   string
	stderr   string
	exitCode int
	failed   bool
	detail   string
}

// eventMsg carries one broker event into the Bubble Tea loop.
type eventMsg struct {
	event broker.Event
	ok    bool
}

// submittedMsg reports that a run was started (or dropped for empty input).
type submittedMsg struct{ started bool }

// cancelledMsg reports that the active run finished cancelling.
type cancelledMsg struct{}

// NewModel creates a new UI model over a session controller and its event
// feed.
func NewModel(controller *session.Controller, events *broker.Subscription) Model {
	ti := textinput.New()
	ti.Placeholder = "Ask anything, or describe what to build..."
	ti.Focus()
	ti.CharLimit = 2000
	ti.Width = 80

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED"))

	vp := viewport.New(0, 0)
	vp.KeyMap = viewport.DefaultKeyMap()

	return Model{
		textInput:  ti,
		spinner:    s,
		viewport:   vp,
		styles:     DefaultStyles(),
		active:     PaneChat,
		messages:   make([]chatMessage, 0),
		tools:      make(map[string]*toolExecution),
		controller: controller,
		events:     events,
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		waitForEvent(m.events),
	)
}

// waitForEvent blocks on the subscription and feeds the next event into the
// update loop. Re-issued after every event so the feed stays ordered.
func waitForEvent(sub *broker.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		return eventMsg{event: ev, ok: ok}
	}
}

func (m Model) headerHeight() int {
	banner := m.styles.BannerTitle.Render(Banner())
	return lipgloss.Height(banner) + 2
}

func (m Model) footerHeight() int {
	// 1 tab bar + 1 input line + 1 newline + 1 help bar
	return 4
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case tea.KeyEsc:
			if m.running {
				return m, m.cancelRun()
			}
			m.quitting = true
			return m, tea.Quit

		case tea.KeyTab:
			m.active = (m.active + 1) % 3
			m.updateViewport()
			return m, nil

		case tea.KeyEnter:
			if m.active != PaneChat {
				return m, nil
			}
			input := strings.TrimSpace(m.textInput.Value())
			if input == "" {
				return m, nil
			}
			if cmd := m.handleCommand(input); cmd != nil {
				m.updateViewport()
				return m, cmd
			}
			m.textInput.SetValue("")
			return m, m.submit(input)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = msg.Width - 10

		vpWidth := msg.Width
		vpHeight := msg.Height - m.headerHeight() - m.footerHeight()
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(vpWidth, vpHeight)
			m.viewport.KeyMap = viewport.DefaultKeyMap()
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = vpHeight
		}
		m.ready = true
		m.updateViewport()

	case eventMsg:
		if !msg.ok {
			// Feed closed; nothing more will arrive.
			return m, nil
		}
		m.applyEvent(msg.event)
		m.updateViewport()
		return m, tea.Batch(waitForEvent(m.events), m.spinner.Tick)

	case submittedMsg:
		if msg.started {
			m.running = true
			m.updateViewport()
		}
		return m, m.spinner.Tick

	case cancelledMsg:
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
		if m.running {
			m.updateViewport()
		}
	}

	if m.active == PaneChat {
		var tiCmd tea.Cmd
		m.textInput, tiCmd = m.textInput.Update(msg)
		cmds = append(cmds, tiCmd)
	}

	var vpCmd tea.Cmd
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	return m, tea.Batch(cmds...)
}

// submit starts a run off the update loop; Submit may briefly block draining
// a superseded run.
func (m Model) submit(input string) tea.Cmd {
	return func() tea.Msg {
		handle := m.controller.Submit(context.Background(), input)
		return submittedMsg{started: handle != nil}
	}
}

func (m Model) cancelRun() tea.Cmd {
	return func() tea.Msg {
		m.controller.CancelCurrent()
		return cancelledMsg{}
	}
}

// handleCommand processes special commands typed into the chat input.
func (m *Model) handleCommand(input string) tea.Cmd {
	switch strings.ToLower(input) {
	case "exit", "quit", "q":
		m.quitting = true
		return tea.Quit

	case "clear":
		m.messages = make([]chatMessage, 0)
		m.files = nil
		m.terms = nil
		m.textInput.SetValue("")
		return func() tea.Msg { return nil }

	case "help", "?":
		m.messages = append(m.messages, chatMessage{
			role: "system",
			content: `Available commands:
  help, ?     Show this help
  clear       Clear all panes
  exit, quit  Exit the shell

Keys:
  tab         Switch pane (chat / editor / terminal)
  esc         Cancel the active run, or quit when idle
  ctrl+c      Quit`,
		})
		m.textInput.SetValue("")
		return func() tea.Msg { return nil }
	}
	return nil
}

// applyEvent folds one broker event into the pane state.
func (m *Model) applyEvent(ev broker.Event) {
	switch ev.Type {
	case broker.EventUserMessage:
		m.messages = append(m.messages, chatMessage{role: "user", content: ev.Delta})
		m.running = true

	case broker.EventAssistantDelta:
		if n := len(m.messages); n > 0 {
			last := &m.messages[n-1]
			if last.role == "assistant" && last.streaming && last.messageID == ev.MessageID {
				last.content += ev.Delta
				return
			}
		}
		m.messages = append(m.messages, chatMessage{
			role:      "assistant",
			content:   ev.Delta,
			messageID: ev.MessageID,
			streaming: true,
		})

	case broker.EventToolCallStarted:
		m.closeStreamingMessage()
		t := &toolExecution{callID: ev.CallID, name: ev.ToolName}
		m.tools[ev.CallID] = t
		m.messages = append(m.messages, chatMessage{role: "tool", tool: t})

	case broker.EventToolResultAppended:
		t, ok := m.tools[ev.CallID]
		if !ok {
			t = &toolExecution{callID: ev.CallID, name: ev.ToolName}
			m.tools[ev.CallID] = t
			m.messages = append(m.messages, chatMessage{role: "tool", tool: t})
		}
		t.status = ev.Status
		t.output = ev.Payload
		t.detail = ev.Detail
		t.done = true
		m.recordToolActivity(t)

	case broker.EventRunFinished:
		m.closeStreamingMessage()
		m.running = false
		if ev.Cancelled {
			m.messages = append(m.messages, chatMessage{role: "system", content: "Run cancelled."})
		}

	case broker.EventRunFailed:
		m.closeStreamingMessage()
		m.running = false
		m.messages = append(m.messages, chatMessage{
			role:    "system",
			content: fmt.Sprintf("Run failed: %s", ev.Detail),
		})
	}
}

func (m *Model) closeStreamingMessage() {
	if n := len(m.messages); n > 0 && m.messages[n-1].streaming {
		m.messages[n-1].streaming = false
	}
}

// recordToolActivity routes file tool results to the editor pane and shell
// tool results to the terminal pane.
func (m *Model) recordToolActivity(t *toolExecution) {
	failed := t.status != conversation.StatusOK

	switch {
	case strings.HasPrefix(t.name, "file_"):
		act := fileActivity{op: t.name, failed: failed, detail: t.detail}
		var payload struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if t.output != "" && json.Unmarshal([]byte(t.output), &payload) == nil {
			act.path = payload.Path
			act.content = payload.Content
		}
		m.files = append(m.files, act)

	case t.name == "terminal_exec":
		act := termActivity{failed: failed, detail: t.detail}
		var payload struct {
			Command  string `json:"command"`
			Stdout   string `json:"stdout"`
			Stderr   string `json:"stderr"`
			ExitCode int    `json:"exit_code"`
		}
		if t.output != "" && json.Unmarshal([]byte(t.output), &payload) == nil {
			act.command = payload.Command
			act.stdout = payload.Stdout
			act.stderr = payload.Stderr
			act.exitCode = payload.ExitCode
		}
		m.terms = append(m.terms, act)
	}
}

// updateViewport rebuilds the active pane content and scrolls to the bottom.
func (m *Model) updateViewport() {
	var b strings.Builder

	switch m.active {
	case PaneChat:
		for _, msg := range m.messages {
			b.WriteString(m.renderMessage(msg))
			b.WriteString("\n")
		}
		if m.running {
			b.WriteString(fmt.Sprintf("%s %s\n",
				m.spinner.View(),
				m.styles.StateLabel.Render("working...")))
		}

	case PaneEditor:
		if len(m.files) == 0 {
			b.WriteString(m.styles.SystemMessage.Render("No file activity yet."))
			b.WriteString("\n")
		}
		for _, f := range m.files {
			b.WriteString(m.renderFileActivity(f))
			b.WriteString("\n")
		}

	case PaneTerminal:
		if len(m.terms) == 0 {
			b.WriteString(m.styles.SystemMessage.Render("No terminal activity yet."))
			b.WriteString("\n")
		}
		for _, t := range m.terms {
			b.WriteString(m.renderTermActivity(t))
			b.WriteString("\n")
		}
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

// View renders the UI.
func (m Model) View() string {
	if m.quitting {
		return m.styles.SystemMessage.Render("Goodbye!\n")
	}
	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder

	b.WriteString(m.styles.BannerTitle.Render(Banner()))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	b.WriteString(m.renderTabBar())
	b.WriteString("\n")

	b.WriteString(m.styles.Prompt.Render("> "))
	b.WriteString(m.textInput.View())
	b.WriteString("\n")
	b.WriteString(m.renderHelpBar())

	return m.styles.App.Render(b.String())
}

func (m Model) renderTabBar() string {
	tabs := make([]string, 0, 3)
	for _, p := range []Pane{PaneChat, PaneEditor, PaneTerminal} {
		label := p.String()
		if p == PaneEditor && len(m.files) > 0 {
			label = fmt.Sprintf("%s (%d)", label, len(m.files))
		}
		if p == PaneTerminal && len(m.terms) > 0 {
			label = fmt.Sprintf("%s (%d)", label, len(m.terms))
		}
		if p == m.active {
			tabs = append(tabs, m.styles.TabActive.Render("["+label+"]"))
		} else {
			tabs = append(tabs, m.styles.TabInactive.Render(label))
		}
	}
	return strings.Join(tabs, " ")
}

// renderMessage renders a single chat pane entry.
func (m Model) renderMessage(msg chatMessage) string {
	switch msg.role {
	case "user":
		return m.styles.UserMessage.Render("You: " + msg.content)

	case "assistant":
		return m.styles.AssistantMessage.Render("Assistant: " + msg.content)

	case "system":
		return m.styles.SystemMessage.Render(msg.content)

	case "tool":
		if msg.tool != nil {
			return m.renderTool(msg.tool)
		}
	}
	return ""
}

func (m Model) renderTool(t *toolExecution) string {
	var b strings.Builder

	b.WriteString(m.styles.ToolName.Render("Tool: " + t.name))
	b.WriteString("\n")

	if !t.done {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.styles.StatusText.Render("Executing..."))
		return m.styles.ToolBox.Render(b.String())
	}

	switch t.status {
	case conversation.StatusOK:
		b.WriteString(m.styles.ToolSuccess.Render("  Done"))
		b.WriteString("\n")
		if t.output != "" {
			output := t.output
			if len(output) > 300 {
				output = output[:300] + "..."
			}
			for _, line := range strings.Split(output, "\n") {
				if line != "" {
					b.WriteString(m.styles.ToolOutput.Render("  | " + line))
					b.WriteString("\n")
				}
			}
		}
	case conversation.StatusCancelled:
		b.WriteString(m.styles.ToolParams.Render("  Cancelled"))
		b.WriteString("\n")
	default:
		b.WriteString(m.styles.ToolError.Render("  Failed: " + t.detail))
		b.WriteString("\n")
	}

	return m.styles.ToolBox.Render(b.String())
}

func (m Model) renderFileActivity(f fileActivity) string {
	var b strings.Builder

	header := f.op
	if f.path != "" {
		header += "  " + f.path
	}
	b.WriteString(m.styles.FilePath.Render(header))
	b.WriteString("\n")

	if f.failed {
		b.WriteString(m.styles.ToolError.Render("  " + f.detail))
		b.WriteString("\n")
		return b.String()
	}
	if f.content != "" {
		content := f.content
		if len(content) > 2000 {
			content = content[:2000] + "\n..."
		}
		b.WriteString(m.styles.FileContent.Render(content))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderTermActivity(t termActivity) string {
	var b strings.Builder

	b.WriteString(m.styles.TermCommand.Render("$ " + t.command))
	b.WriteString("\n")

	if t.failed && t.detail != "" {
		b.WriteString(m.styles.TermStderr.Render(t.detail))
		b.WriteString("\n")
	}
	if t.stdout != "" {
		b.WriteString(m.styles.TermStdout.Render(strings.TrimRight(t.stdout, "\n")))
		b.WriteString("\n")
	}
	if t.stderr != "" {
		b.WriteString(m.styles.TermStderr.Render(strings.TrimRight(t.stderr, "\n")))
		b.WriteString("\n")
	}
	if t.exitCode != 0 {
		b.WriteString(m.styles.ToolError.Render(fmt.Sprintf("exit %d", t.exitCode)))
		b.WriteString("\n")
	}
	return b.String()
}

// renderHelpBar renders the bottom help bar.
func (m Model) renderHelpBar() string {
	help := []string{
		m.styles.HelpKey.Render("enter") + m.styles.HelpValue.Render(" send"),
		m.styles.HelpKey.Render("tab") + m.styles.HelpValue.Render(" pane"),
		m.styles.HelpKey.Render("esc") + m.styles.HelpValue.Render(" cancel/quit"),
		m.styles.HelpKey.Render("ctrl+c") + m.styles.HelpValue.Render(" quit"),
	}
	return m.styles.HelpBar.Render(strings.Join(help, "  |  "))
}

// Run starts the interactive shell and blocks until the user quits.
func Run(controller *session.Controller, b *broker.Broker) error {
	sub := b.Subscribe()
	defer sub.Close()

	p := tea.NewProgram(NewModel(controller, sub), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RunOneShot submits a single input, streams the run to stdout without the
// full TUI, and returns once the run settles.
func RunOneShot(controller *session.Controller, b *broker.Broker, input string) error {
	styles := DefaultStyles()
	sub := b.Subscribe()
	defer sub.Close()

	handle := controller.Submit(context.Background(), input)
	if handle == nil {
		return nil
	}

	for ev := range sub.Events() {
		switch ev.Type {
		case broker.EventAssistantDelta:
			fmt.Print(ev.Delta)

		case broker.EventToolCallStarted:
			fmt.Println()
			fmt.Println(styles.ToolName.Render("Tool: " + ev.ToolName))

		case broker.EventToolResultAppended:
			if ev.Status == conversation.StatusOK {
				fmt.Println(styles.ToolSuccess.Render("  done"))
			} else {
				fmt.Println(styles.ToolError.Render("  " + ev.Detail))
			}

		case broker.EventRunFinished:
			fmt.Println()
			<-handle.Done()
			return nil

		case broker.EventRunFailed:
			fmt.Println()
			fmt.Println(styles.ToolError.Render("Run failed: " + ev.Detail))
			<-handle.Done()
			return handle.Err()
		}
	}
	<-handle.Done()
	return handle.Err()
}

// Package tui renders a chat page in the terminal.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/p-blackswan/verichat/internal/channel"
	"github.com/p-blackswan/verichat/internal/models"
	"github.com/p-blackswan/verichat/internal/page"
	"github.com/p-blackswan/verichat/internal/transcript"
)

// StateMsg carries a new ViewState into the program.
type StateMsg page.ViewState

type pane int

const (
	paneSidebar pane = iota
	paneChat
)

// Model is the bubbletea model of the chat page.
type Model struct {
	actions Actions
	state   page.ViewState
	now     func() time.Time

	focus  pane
	cursor int
	// selecting is the partner picked in the sidebar that the page has not
	// opened yet. Focus moves to the chat pane once it has.
	selecting string
	input     textinput.Model
	viewport  viewport.Model
	width     int
	height    int
	sidebarW  int
}

// New creates a Model that drives actions.
func New(actions Actions, maxLen int) Model {
	in := textinput.New()
	in.Placeholder = "Type a message..."
	in.Prompt = "> "
	if maxLen > 0 {
		in.CharLimit = maxLen
	}

	return Model{
		actions:  actions,
		now:      time.Now,
		input:    in,
		viewport: viewport.New(80, 20),
		width:    100,
		height:   30,
		sidebarW: 28,
	}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StateMsg:
		m.applyState(page.ViewState(msg))
		return m, nil

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) applyState(v page.ViewState) {
	if v.Selected.ID != m.state.Selected.ID {
		m.input.SetValue("")
	}
	m.state = v
	if m.selecting != "" && v.HasSelected && v.Selected.ID == m.selecting {
		m.selecting = ""
		m.focusChat()
	}
	if m.cursor >= len(v.Partners) {
		m.cursor = max(len(v.Partners)-1, 0)
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	m.sidebarW = max(w/4, 24)
	chatW := w - m.sidebarW - 4
	m.viewport.Width = max(chatW-2, 10)
	m.viewport.Height = max(h-10, 3)
	m.input.Width = max(chatW-6, 10)
	m.viewport.SetContent(m.renderTranscript())
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "tab":
		m.toggleFocus()
		return m, nil
	case "ctrl+r":
		if n, ok := m.firstRetryable(); ok {
			m.actions.Retry(n.Retry)
		}
		return m, nil
	case "ctrl+d":
		if len(m.state.Notices) > 0 {
			m.actions.DismissNotice(m.state.Notices[0].ID)
		}
		return m, nil
	}

	if m.state.AuthRequired {
		if msg.String() == "q" || msg.String() == "esc" {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.focus == paneSidebar {
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.state.Partners)-1 {
				m.cursor++
			}
		case "enter", "l":
			if m.cursor < len(m.state.Partners) {
				id := m.state.Partners[m.cursor].ID
				if m.state.HasSelected && m.state.Selected.ID == id {
					m.focusChat()
					break
				}
				m.selecting = id
				m.actions.Select(id)
			}
		}
		return m, nil
	}

	switch msg.String() {
	case "esc":
		m.toggleFocus()
		return m, nil
	case "enter":
		content := m.input.Value()
		m.actions.Submit(content)
		if strings.TrimSpace(content) != "" {
			m.input.SetValue("")
		}
		return m, nil
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before {
		m.actions.Type(after)
	}
	return m, cmd
}

func (m *Model) toggleFocus() {
	if m.focus == paneSidebar && m.state.HasSelected {
		m.focusChat()
		return
	}
	m.focus = paneSidebar
	m.input.Blur()
}

func (m *Model) focusChat() {
	m.focus = paneChat
	m.input.Focus()
}

func (m Model) firstRetryable() (page.Notice, bool) {
	for _, n := range m.state.Notices {
		if n.Retry != page.RetryNone {
			return n, true
		}
	}
	return page.Notice{}, false
}

func (m Model) View() string {
	if !m.state.Mounted {
		return mutedStyle.Render("Loading...")
	}
	if m.state.AuthRequired {
		return m.authView()
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.sidebarView(), m.chatView())
	return lipgloss.JoinVertical(lipgloss.Left, m.headerView(), m.noticesView(), body)
}

func (m Model) headerView() string {
	title := titleStyle.Render(fmt.Sprintf("%s (%s)", m.state.Self.Label(), m.state.Role))
	conn := mutedStyle.Render("● " + string(m.state.Connection))
	if m.state.Degraded {
		conn = bannerStyle.Render(degradedText(m.state.Connection))
	}
	return title + " " + conn
}

func degradedText(s channel.State) string {
	if s == channel.StateFailed {
		return "offline: live updates unavailable, refreshing periodically"
	}
	return "reconnecting: messages refresh periodically"
}

func (m Model) noticesView() string {
	if len(m.state.Notices) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range m.state.Notices {
		line := "! " + n.Text
		if n.Retry != page.RetryNone {
			line += mutedStyle.Render("  (ctrl+r retry)")
		}
		b.WriteString(errorStyle.Render(line) + "\n")
	}
	b.WriteString(mutedStyle.Render("ctrl+d dismiss"))
	return b.String()
}

func (m Model) sidebarView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Contacts") + "\n\n")

	switch {
	case len(m.state.Partners) == 0 && m.state.ContactsLoading:
		b.WriteString(mutedStyle.Render("Loading..."))
	case len(m.state.Partners) == 0:
		b.WriteString(mutedStyle.Render("No contacts."))
	}
	for i, p := range m.state.Partners {
		line := fmt.Sprintf("[%s] %s", initials(p), p.Label())
		if m.state.HasSelected && p.ID == m.state.Selected.ID {
			line += " •"
		}
		if i == m.cursor && m.focus == paneSidebar {
			b.WriteString(selectedItemStyle.Render(line) + "\n")
		} else {
			b.WriteString(itemStyle.Render(line) + "\n")
		}
	}

	style := sidebarStyle.Width(m.sidebarW - 2)
	if m.focus == paneSidebar {
		style = style.BorderForeground(warnColor)
	}
	return style.Render(b.String())
}

func (m Model) chatView() string {
	style := chatStyle.Width(max(m.width-m.sidebarW-4, 20))
	if m.focus == paneChat {
		style = style.BorderForeground(warnColor)
	}
	if !m.state.HasSelected {
		return style.Render(mutedStyle.Render("Select a contact to start chatting"))
	}

	header := titleStyle.Render(m.state.Selected.Label())
	footer := m.input.View()
	if m.state.PeerTyping {
		footer = mutedStyle.Render(m.state.Selected.Label()+" is typing...") + "\n" + footer
	}
	return style.Render(lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), footer))
}

func (m Model) renderTranscript() string {
	if !m.state.HasSelected {
		return ""
	}
	if len(m.state.Entries) == 0 {
		return mutedStyle.Render("No messages yet.")
	}
	now := m.now()
	var b strings.Builder
	for _, e := range m.state.Entries {
		if e.IsSeparator() {
			b.WriteString(separatorStyle.Render("── "+transcript.DayLabel(e.Day, now)+" ──") + "\n")
			continue
		}
		b.WriteString(m.renderMessage(*e.Message) + "\n")
	}
	return b.String()
}

func (m Model) renderMessage(msg models.Message) string {
	name, style := m.state.Selected.Label(), otherStyle
	if p, ok := m.state.Senders[msg.SenderID]; ok {
		name = p.Label()
	}
	if msg.SenderID == m.state.Self.ID {
		name, style = "You", ownStyle
	}
	line := fmt.Sprintf("%s %s: %s", mutedStyle.Render(msg.CreatedAt.Local().Format("15:04")), style.Render(name), msg.Content)
	if msg.IsPending() {
		line += mutedStyle.Render(" (sending)")
	}
	return line
}

func initials(p models.Participant) string {
	if p.Initials != "" {
		return p.Initials
	}
	return models.Initials(p.Label())
}

func (m Model) authView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("verichat") + "\n\n")
	b.WriteString(errorStyle.Render("Not signed in.") + "\n")
	for _, n := range m.state.Notices {
		b.WriteString(n.Text + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("Press q to quit."))
	return b.String()
}

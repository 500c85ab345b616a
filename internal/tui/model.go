package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"local-qa-bot/internal/models"
)

// Asker is the TUI-facing side of the query orchestrator.
type Asker interface {
	Ask(ctx context.Context, question string, history models.Transcript) (*models.AnswerRecord, models.Transcript, error)
}

// answerMsg carries the result of one Ask back into Update.
type answerMsg struct {
	question   string
	transcript models.Transcript
	err        error
}

// Model is the Bubble Tea model of the chat session. It owns the transcript.
type Model struct {
	ctx        context.Context
	asker      Asker
	input      textinput.Model
	viewport   viewport.Model
	transcript models.Transcript
	summary    string
	status     string
	busy       bool
	ready      bool
}

func New(ctx context.Context, asker Asker, summary string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask a question and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	vp := viewport.New(0, 0)
	return Model{
		ctx:      ctx,
		asker:    asker,
		input:    ti,
		viewport: vp,
		summary:  summary,
		status:   "Index loaded. Ask away.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

// Transcript returns the answered questions, oldest first.
func (m Model) Transcript() models.Transcript { return m.transcript }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 2 + 1 + qh + 1 // header+summary, status, input box, spacer
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.viewport.SetContent(renderTranscript(m.transcript))
		return m, nil

	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.transcript = msg.transcript
		m.status = fmt.Sprintf("Answered %q", msg.question)
		m.viewport.SetContent(renderTranscript(m.transcript))
		m.viewport.GotoTop()
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD || msg.Type == tea.KeyEsc {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Thinking..."
			m.input.Reset()
			return m, m.ask(q)
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// ask runs the orchestrator off the event loop.
func (m Model) ask(question string) tea.Cmd {
	history := m.transcript
	return func() tea.Msg {
		_, transcript, err := m.asker.Ask(m.ctx, question, history)
		return answerMsg{question: question, transcript: transcript, err: err}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := lipgloss.NewStyle().Bold(true).Render("Local QA Bot")
	summary := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(m.summary)
	body := transcriptBoxStyle.Render(m.viewport.View())
	input := queryBoxStyle.Render(m.input.View())
	statusStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	if strings.HasPrefix(m.status, "Error:") {
		statusStyle = statusStyle.Foreground(lipgloss.Color("9"))
	}
	return header + "\n" + summary + "\n" + body + "\n" + input + "\n" + statusStyle.Render(m.status)
}

// renderTranscript shows the newest exchange first.
func renderTranscript(t models.Transcript) string {
	if len(t) == 0 {
		return "No questions yet."
	}
	var b strings.Builder
	for i, rec := range t.NewestFirst() {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(questionStyle.Render("You: " + rec.Question))
		b.WriteString("\nAnswer: " + rec.Answer)
		b.WriteString("\n" + sourcesStyle.Render("Sources: "+rec.Sources))
	}
	return b.String()
}

var (
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	questionStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	sourcesStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

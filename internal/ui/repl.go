// ABOUTME: Bubbletea REPL front-end with a status header and scrollback
// ABOUTME: Dispatches typed command lines to the embedding application
package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

const maxScrollback = 200

// Exec runs one command line and returns its output lines.
type Exec func(line string) []string

// OutputMsg appends lines to the scrollback from outside the UI loop.
type OutputMsg struct {
	Lines []string
}

// StatusMsg replaces the header status line.
type StatusMsg struct {
	Text string
}

// Model is the REPL state.
type Model struct {
	title  string
	status string
	lines  []string
	input  []rune
	exec   Exec

	width  int
	height int
}

// NewModel creates a REPL model.
func NewModel(title string, exec Exec) Model {
	return Model{
		title: title,
		lines: []string{"type 'help' for commands"},
		exec:  exec,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case StatusMsg:
		m.status = msg.Text

	case OutputMsg:
		m.appendLines(msg.Lines)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			line := string(m.input)
			m.input = m.input[:0]
			m.appendLines([]string{"> " + line})
			if m.exec != nil {
				out := m.exec(line)
				m.appendLines(out)
				if strings.TrimSpace(strings.ToLower(line)) == "quit" {
					return m, tea.Quit
				}
			}
		case tea.KeyBackspace:
			if len(m.input) > 0 {
				m.input = m.input[:len(m.input)-1]
			}
		case tea.KeyRunes:
			m.input = append(m.input, msg.Runes...)
		case tea.KeySpace:
			m.input = append(m.input, ' ')
		}
	}

	return m, nil
}

func (m *Model) appendLines(lines []string) {
	m.lines = append(m.lines, lines...)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", m.title)
	if m.status != "" {
		fmt.Fprintf(&b, "%s\n", m.status)
	}
	b.WriteString(strings.Repeat("─", 60) + "\n")

	visible := m.lines
	if m.height > 6 && len(visible) > m.height-5 {
		visible = visible[len(visible)-(m.height-5):]
	}
	for _, line := range visible {
		b.WriteString(line + "\n")
	}

	fmt.Fprintf(&b, "> %s█", string(m.input))
	return b.String()
}

// Run starts the REPL program.
func Run(title string, exec Exec) *tea.Program {
	return tea.NewProgram(NewModel(title, exec))
}

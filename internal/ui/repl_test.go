// ABOUTME: REPL model tests: typing, dispatch, scrollback, status header
// ABOUTME: Drives the bubbletea model directly without a terminal
package ui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func typeLine(m Model, line string) (Model, tea.Cmd) {
	var cmd tea.Cmd
	var model tea.Model = m
	for _, r := range line {
		model, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, cmd = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return model.(Model), cmd
}

func TestDispatchesCommand(t *testing.T) {
	var got string
	m := NewModel("test", func(line string) []string {
		got = line
		return []string{"ok"}
	})

	m, cmd := typeLine(m, "status")
	assert.Equal(t, "status", got)
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "> status")
	assert.Contains(t, m.View(), "ok")
}

func TestBackspaceEdits(t *testing.T) {
	var got string
	m := NewModel("test", func(line string) []string {
		got = line
		return nil
	})

	var model tea.Model = m
	for _, r := range "stoph" {
		model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	_ = model

	assert.Equal(t, "stop", got)
}

func TestQuitCommandQuitsProgram(t *testing.T) {
	m := NewModel("test", func(line string) []string { return []string{"bye"} })
	_, cmd := typeLine(m, "quit")
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestCtrlCQuits(t *testing.T) {
	m := NewModel("test", nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestStatusMsgUpdatesHeader(t *testing.T) {
	m := NewModel("test", nil)
	model, _ := m.Update(StatusMsg{Text: "clients=3"})
	assert.Contains(t, model.(Model).View(), "clients=3")
}

func TestOutputMsgAppends(t *testing.T) {
	m := NewModel("test", nil)
	model, _ := m.Update(OutputMsg{Lines: []string{"hello"}})
	assert.Contains(t, model.(Model).View(), "hello")
}

func TestScrollbackBounded(t *testing.T) {
	m := NewModel("test", nil)
	var model tea.Model = m
	for i := 0; i < maxScrollback*2; i++ {
		model, _ = model.Update(OutputMsg{Lines: []string{"line"}})
	}
	got := model.(Model)
	assert.LessOrEqual(t, len(got.lines), maxScrollback)
	assert.Equal(t, maxScrollback, strings.Count(got.View(), "line")+countHidden(got))
}

// countHidden accounts for lines clipped by the viewport height.
func countHidden(m Model) int {
	if m.height > 6 && len(m.lines) > m.height-5 {
		return len(m.lines) - (m.height - 5)
	}
	return 0
}

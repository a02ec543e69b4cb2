package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/runpack/cli/reader"
)

// StatsModel is a Bubble Tea model for stats views.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewStatsPack:
		content = m.renderStatsPack()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderStatsPack() string {
	data, ok := m.data.(*reader.PackReport)
	if !ok {
		return "Invalid data type for " + ViewStatsPack
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Last Pack"))
	b.WriteString("\n\n")
	for _, row := range [][]string{
		{"Catalog", data.Catalog},
		{"Bundle", data.Bundle},
		{"Completed", data.CompletedAt},
		{"Format", data.Format},
		{"External", data.ExternalPolicy},
		{"Storage", data.StorageBackend},
	} {
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1])))
	}
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Attempted", data.RunsAttempted, highlightColor),
		m.renderStatBox("Exported", data.RunsExported, successColor),
		m.renderStatBox("Failed", data.RunsFailed, errorColor),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Documents", data.DocumentsWritten, highlightColor),
		m.renderStatBox("Files Copied", data.FilesCopied, successColor),
		m.renderStatBox("Copy Failures", data.FilesCopyFailed, errorColor),
	))

	if len(data.DroppedByKind) > 0 {
		kinds := make([]string, 0, len(data.DroppedByKind))
		for k := range data.DroppedByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		b.WriteString("\n")
		for _, k := range kinds {
			b.WriteString(fmt.Sprintf("%s %s\n",
				LabelStyle.Render("Dropped "+k+":"),
				WarningStyle.Render(fmt.Sprintf("%d", data.DroppedByKind[k]))))
		}
	}

	for _, f := range data.Failures {
		b.WriteString("\n" + ErrorStyle.Render("failed run "+f))
	}
	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/justapithecus/runpack/cli/reader"
)

// maxListedUIDs caps the uid list of the bundle view.
const maxListedUIDs = 20

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case ViewInspectBundle:
		content = m.renderInspectBundle()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderInspectBundle() string {
	data, ok := m.data.(*reader.BundleSummary)
	if !ok {
		return "Invalid data type for " + ViewInspectBundle
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Bundle"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Path", data.Path},
		{"Driver", data.Driver},
		{"Generator", data.Generator},
		{"Runs", fmt.Sprintf("%d", data.Runs)},
		{"Document Files", fmt.Sprintf("%d", data.DocumentFiles)},
		{"Roots", fmt.Sprintf("%d", data.RootMapEntries)},
		{"Manifests", fmt.Sprintf("%d", data.ExternalManifests)},
		{"External Files", fmt.Sprintf("%d", data.ExternalFiles)},
	}
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1])))
	}

	if len(data.UIDs) > 0 {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(highlightColor).Render("Runs"))
		b.WriteString("\n")
		for i, uid := range data.UIDs {
			if i == maxListedUIDs {
				b.WriteString(HelpStyle.UnsetMarginTop().Render(fmt.Sprintf("  ... %d more", len(data.UIDs)-i)))
				b.WriteString("\n")
				break
			}
			b.WriteString("  " + ValueStyle.Render(uid) + "\n")
		}
	}

	return BoxStyle.Render(b.String())
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}

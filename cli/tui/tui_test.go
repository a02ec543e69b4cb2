package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/justapithecus/runpack/cli/reader"
)

func TestIsTUISupported(t *testing.T) {
	tests := []struct {
		viewType string
		want     bool
	}{
		{ViewInspectBundle, true},
		{ViewStatsPack, true},
		{"catalogs", false},
		{"version", false},
		{"pack", false},
		{"unpack", false},
		{"inspect_unknown", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.viewType, func(t *testing.T) {
			if got := IsTUISupported(tt.viewType); got != tt.want {
				t.Errorf("IsTUISupported(%q) = %v, want %v", tt.viewType, got, tt.want)
			}
		})
	}
}

func TestRun_UnsupportedViewType(t *testing.T) {
	if err := Run("catalogs", nil); err == nil {
		t.Error("Expected error for unsupported view type")
	}
}

func TestRenderInspectStatic(t *testing.T) {
	uids := make([]string, maxListedUIDs+3)
	for i := range uids {
		uids[i] = "uid-" + strings.Repeat("x", i%3)
	}
	out := RenderInspectStatic(ViewInspectBundle, &reader.BundleSummary{
		Path: "/bundles/one", Driver: "bluesky-msgpack-catalog", Runs: len(uids), UIDs: uids,
	})
	for _, want := range []string{"/bundles/one", "bluesky-msgpack-catalog", "3 more"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	if out := RenderInspectStatic(ViewInspectBundle, "wrong"); !strings.Contains(out, "Invalid data type") {
		t.Errorf("expected invalid data message, got:\n%s", out)
	}
}

func TestRenderStatsStatic(t *testing.T) {
	out := RenderStatsStatic(ViewStatsPack, &reader.PackReport{
		Catalog: "xyz", Bundle: "/bundles/one", RunsAttempted: 3, RunsFailed: 1,
		DroppedByKind: map[string]int64{"datum": 4}, Failures: []string{"run-bad"},
	})
	for _, want := range []string{"xyz", "/bundles/one", "Dropped datum", "run-bad"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestModel_Quit(t *testing.T) {
	m := NewStatsModel(ViewStatsPack, &reader.PackReport{})
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if view := next.View(); view != "" {
		t.Errorf("view after quit = %q, want empty", view)
	}
}

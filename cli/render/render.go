// Package render provides centralized output rendering for the runpack CLI.
//
// Format selection rules:
//   - If output is a TTY, default to table
//   - If output is not a TTY, default to json
//   - --format flag always overrides defaults
//   - Invalid formats are errors
//
// Color handling:
//   - --no-color affects table output only
//   - TUI mode is unaffected by --no-color (uses its own styling)
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/justapithecus/runpack/cli/tui"
)

// defaultWidth is used when the terminal width is unknown.
const defaultWidth = 80

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
}

// NewRenderer creates a renderer from CLI context.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	formatStr := c.String("format")
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}

	// Apply default format based on TTY detection
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}

	return &Renderer{
		format:  format,
		noColor: c.Bool("no-color"),
		out:     os.Stdout,
	}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
	}
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatTable:
		return r.renderTable(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI initiates TUI mode for the given view type.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	// Validate TUI is supported for this view type
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}

	// Run the TUI
	return tui.Run(viewType, data)
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Table is implemented by values with a table layout. A nil header renders
// the rows as "key: value" pairs.
type Table interface {
	TableHeader() []string
	TableRows() [][]string
}

func (r *Renderer) renderTable(data any) error {
	t, ok := data.(Table)
	if !ok {
		_, err := fmt.Fprintf(r.out, "%v\n", data)
		return err
	}

	header, rows := t.TableHeader(), t.TableRows()
	if header != nil && len(rows) == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	if header == nil {
		for _, row := range rows {
			fmt.Fprintf(w, "%s:\t%s\n", row[0], strings.Join(row[1:], "\t"))
		}
		return w.Flush()
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// Columns writes items in as many columns as fit in width, filled top to
// bottom.
func Columns(w io.Writer, items []string, width int) {
	if len(items) == 0 {
		return
	}
	colWidth := 0
	for _, item := range items {
		colWidth = max(colWidth, len(item))
	}
	colWidth += 2
	cols := max(1, width/colWidth)
	rows := (len(items) + cols - 1) / cols
	for row := range rows {
		var b strings.Builder
		for col := range cols {
			i := col*rows + row
			if i >= len(items) {
				break
			}
			b.WriteString(items[i])
			if (col+1)*rows+row < len(items) {
				b.WriteString(strings.Repeat(" ", colWidth-len(items[i])))
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

// TerminalWidth returns the width of f, or a default when f is not a
// terminal.
func TerminalWidth(f *os.File) int {
	if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
		return width
	}
	return defaultWidth
}

// isTTY returns true if f is a terminal.
func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

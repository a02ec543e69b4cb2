package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/render"
	"github.com/justapithecus/runpack/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// TableHeader implements render.Table.
func (v VersionResponse) TableHeader() []string { return nil }

// TableRows implements render.Table.
func (v VersionResponse) TableRows() [][]string {
	return [][]string{{"version", v.Version}, {"commit", v.Commit}}
}

// VersionCommand returns the version command.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}

		// TUI not supported for version command
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", exitFailure)
		}

		return r.Render(VersionResponse{
			Version: types.Version,
			Commit:  commit,
		})
	}
}

// versionLine is what pack and unpack print for --version.
func versionLine() string {
	return fmt.Sprintf("%s %s", types.Library, types.Version)
}

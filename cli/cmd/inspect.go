package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/reader"
	"github.com/justapithecus/runpack/cli/render"
	"github.com/justapithecus/runpack/cli/tui"
)

// InspectCommand returns the inspect command.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarize a bundle directory",
		ArgsUsage: "BUNDLE",
		Flags:     ReadOnlyFlags(),
		Action:    inspectAction,
	}
}

func inspectAction(c *cli.Context) error {
	if err := requireArgs(c, "BUNDLE"); err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	summary, err := reader.InspectBundle(c.Context, c.Args().First())
	if err != nil {
		return cli.Exit(fmt.Sprintf("inspect failed: %v", err), exitFailure)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewInspectBundle, summary)
	}
	return r.Render(summary)
}

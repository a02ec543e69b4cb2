package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/reader"
	"github.com/justapithecus/runpack/cli/render"
	"github.com/justapithecus/runpack/cli/tui"
	"github.com/justapithecus/runpack/lode"
)

// statsTimeout bounds the report dataset read.
const statsTimeout = 30 * time.Second

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show the latest pack report",
		Flags: append(ReadOnlyFlags(),
			ConfigFlag,
			&cli.StringFlag{Name: "report-path", Usage: "Directory of the pack report dataset"},
			&cli.StringFlag{Name: "catalog", Usage: "Only consider packs of this catalog"},
		),
		Action: statsAction,
	}
}

func statsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	path := firstNonEmpty(c.String("report-path"), cfg.ReportPath)
	if path == "" {
		return cli.Exit("--report-path is required (or report_path in the config)", exitFailure)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ds, err := lode.NewReportDatasetFS(path)
	if err != nil {
		return fmt.Errorf("failed to initialize report reader: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.Context, statsTimeout)
	defer cancel()

	report, err := reader.LatestReport(ctx, ds, c.String("catalog"))
	if err != nil {
		if errors.Is(err, lode.ErrNoReportFound) {
			return cli.Exit(err.Error(), exitFailure)
		}
		return fmt.Errorf("failed to read pack report: %w", err)
	}

	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewStatsPack, report)
	}
	return r.Render(report)
}

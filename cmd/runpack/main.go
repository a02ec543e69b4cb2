// Package main provides the runpack CLI entrypoint.
//
// Usage:
//
//	runpack pack CATALOG DIRECTORY (--all | --query Q | --uids FILE) [options]
//	runpack unpack PATH NAME [--how inplace|database] [options]
//	runpack catalogs | inspect BUNDLE | stats | version
//
// Exit codes:
//   - 0: success
//   - 1: no results, a failed run or copy, or a validation error
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/cmd"
	"github.com/justapithecus/runpack/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit for cli.ExitCoder errors.
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "runpack",
		Usage:          "Pack runs of a document catalog into portable bundles, and register bundles as catalogs",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.PackCommand(),
			cmd.UnpackCommand(),
			cmd.CatalogsCommand(),
			cmd.InspectCommand(),
			cmd.StatsCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

// exitErrHandler prints err and exits with its code.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	code, msg := exitStatus(err)
	if msg != "" {
		fmt.Fprintln(os.Stderr, msg)
	}
	os.Exit(code)
}

// exitStatus returns the exit code for err and the message to print.
// cli.Exit codes pass through, possibly wrapped; any other error exits 1.
func exitStatus(err error) (int, string) {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() returns "exit status N"
		if msg == fmt.Sprintf("exit status %d", code) {
			msg = ""
		}
		return code, msg
	}
	return 1, fmt.Sprintf("Error: %v", err)
}

// Package cmd provides CLI commands for the runpack binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables Bubble Tea interactive mode.
	// Only valid for select read-only commands (inspect, stats).
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode (inspect, stats only)",
	}
)

// Shared flags for pack and unpack.
var (
	// ConfigFlag names a runpack.yaml file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to runpack.yaml (default: $RUNPACK_CONFIG)",
		EnvVars: []string{"RUNPACK_CONFIG"},
	}

	// ListCatalogsFlag prints the registered catalogs and exits.
	ListCatalogsFlag = &cli.BoolFlag{
		Name:  "list-catalogs",
		Usage: "List the registered catalogs and exit",
	}

	// VersionFlag prints the version and exits.
	VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"V"},
		Usage:   "Print the version and exit",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
// Includes --tui so that unsupported commands can provide explicit error messages
// instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}

// WriteFlags returns the flags shared by pack and unpack.
func WriteFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		ListCatalogsFlag,
		VersionFlag,
	}
}

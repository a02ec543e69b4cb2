package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/justapithecus/runpack/cli/config"
	"github.com/justapithecus/runpack/cli/render"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/unpack"
)

// Unpack strategies.
const (
	howInPlace  = "inplace"
	howDatabase = "database"
)

// databaseToken is replaced by the database name in --database-uri.
const databaseToken = "{database}"

// UnpackCommand returns the unpack command.
func UnpackCommand() *cli.Command {
	return &cli.Command{
		Name:      "unpack",
		Usage:     "Register a bundle as a named catalog",
		ArgsUsage: "PATH NAME",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "how",
				Usage: "inplace: read the bundle's files where they are; database: copy runs into SQLite",
				Value: howInPlace,
			},
			&cli.BoolFlag{Name: "no-merge", Usage: "Fail instead of merging when NAME is taken"},
			&cli.StringFlag{
				Name:    "database-uri",
				Aliases: []string{"mongo-uri"},
				Usage:   "Database for --how database; " + databaseToken + " becomes runpack_NAME",
			},
		}, WriteFlags()...),
		Action: unpackAction,
	}
}

func unpackAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if done, err := shortCircuit(c, reg, os.Stdout); done {
		return err
	}
	if err := requireArgs(c, "PATH", "NAME"); err != nil {
		return err
	}
	path, name := c.Args().Get(0), c.Args().Get(1)
	merge := !c.Bool("no-merge")

	var file string
	switch how := c.String("how"); how {
	case howInPlace:
		file, err = unpack.InPlace(reg, path, name, merge)
	case howDatabase:
		logger := log.NewTeeLogger(log.Context{Command: "unpack", Catalog: name, Bundle: path},
			os.Stderr, zapcore.InfoLevel, nil)
		uri := databaseURI(c.String("database-uri"), cfg, reg, name)
		file, err = unpack.Database(c.Context, reg, path, uri, name, merge, unpack.DatabaseOptions{
			Logger: logger,
			OnRun: func(uid string, inserted bool) {
				if !inserted {
					logger.Debug("run already in database", map[string]any{"uid": uid})
				}
			},
		})
	default:
		return cli.Exit(fmt.Sprintf("unknown --how %q (must be %s or %s)", how, howInPlace, howDatabase), exitFailure)
	}
	if err != nil {
		var exists *registry.NameExistsError
		if errors.As(err, &exists) {
			printNameExists(os.Stderr, reg, exists)
			return cli.Exit("", exitFailure)
		}
		return cli.Exit(fmt.Sprintf("unpack failed: %v", err), exitFailure)
	}
	fmt.Printf("registered catalog %q in %s\n", name, file)
	return nil
}

// databaseURI picks the flag, then the config, then a SQLite file next
// to the registry, and fills in the database name.
func databaseURI(flag string, cfg *config.Config, reg *registry.Registry, name string) string {
	uri := firstNonEmpty(flag, cfg.DatabaseURI)
	if uri == "" {
		uri = "sqlite://" + filepath.Join(reg.Dirs()[0], databaseToken+".db")
	}
	return strings.ReplaceAll(uri, databaseToken, "runpack_"+name)
}

// printNameExists explains the conflict and lists the taken names.
func printNameExists(w io.Writer, reg *registry.Registry, exists *registry.NameExistsError) {
	fmt.Fprintf(w, "A catalog named %q already exists", exists.Name)
	if exists.Path != "" {
		fmt.Fprintf(w, " (%s)", exists.Path)
	}
	fmt.Fprintln(w, ". Choose a different name, or drop --no-merge to merge into it.")
	names, err := reg.List()
	if err != nil || len(names) == 0 {
		return
	}
	fmt.Fprintln(w, "Registered catalogs:")
	render.Columns(w, names, render.TerminalWidth(os.Stderr))
}

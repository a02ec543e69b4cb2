package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/justapithecus/runpack/cli/config"
	"github.com/justapithecus/runpack/cli/render"
	"github.com/justapithecus/runpack/registry"
)

// Exit codes.
const (
	exitSuccess = 0
	exitFailure = 1
)

// isStderrTTY returns true if stderr is a terminal.
func isStderrTTY() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// loadConfig resolves --config, falling back to an empty config.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Resolve(c.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitFailure)
	}
	return cfg, nil
}

// openRegistry returns the registry over the configured search path, or
// the default one.
func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	if len(cfg.CatalogPath) > 0 && os.Getenv(registry.EnvSearchPath) == "" {
		return registry.New(cfg.CatalogPath...)
	}
	return registry.Default()
}

// shortCircuit handles --version and --list-catalogs. It reports whether
// the command is done.
func shortCircuit(c *cli.Context, reg *registry.Registry, w io.Writer) (bool, error) {
	switch {
	case c.Bool("version"):
		fmt.Fprintln(w, versionLine())
		return true, nil
	case c.Bool("list-catalogs"):
		names, err := reg.List()
		if err != nil {
			return true, err
		}
		render.Columns(w, names, render.TerminalWidth(os.Stdout))
		return true, nil
	}
	return false, nil
}

// requireArgs fails unless exactly the named positional args are given.
func requireArgs(c *cli.Context, names ...string) error {
	if c.NArg() != len(names) {
		return cli.Exit(fmt.Sprintf("usage: %s %s %s",
			c.App.Name, c.Command.Name, strings.Join(names, " ")), exitFailure)
	}
	return nil
}

// readUIDs reads one uid per line. Blank lines and lines starting with #
// are skipped.
func readUIDs(r io.Reader) ([]string, error) {
	var uids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uids = append(uids, line)
	}
	return uids, sc.Err()
}

// readUIDFiles reads every file in paths; "-" reads stdin.
func readUIDFiles(paths []string, stdin io.Reader) ([]string, error) {
	uids := []string{}
	for _, p := range paths {
		var (
			got []string
			err error
		)
		if p == "-" {
			got, err = readUIDs(stdin)
		} else {
			var f *os.File
			f, err = os.Open(p)
			if err == nil {
				got, err = readUIDs(f)
				f.Close()
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read uids from %s: %w", p, err)
		}
		uids = append(uids, got...)
	}
	return uids, nil
}

// writeListFile writes lines to a new temp file and returns its path.
func writeListFile(pattern string, lines []string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(f, l); err != nil {
			f.Close()
			return "", err
		}
	}
	return f.Name(), f.Close()
}

package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/runpack/cli/reader"
	"github.com/justapithecus/runpack/cli/render"
)

// CatalogsCommand returns the catalogs command.
func CatalogsCommand() *cli.Command {
	return &cli.Command{
		Name:   "catalogs",
		Usage:  "List registered catalogs",
		Flags:  append(ReadOnlyFlags(), ConfigFlag),
		Action: catalogsAction,
	}
}

func catalogsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for catalogs command", exitFailure)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	items, err := reader.ListCatalogs(reg)
	if err != nil {
		return err
	}
	return r.Render(reader.CatalogList(items))
}

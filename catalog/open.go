package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/serializer"
)

// ErrUnknownDriver is returned for a source whose driver is not supported.
var ErrUnknownDriver = errors.New("unknown catalog driver")

// Open opens the catalog a source describes.
func Open(ctx context.Context, src Source, handlers filler.Registry) (*IndexCatalog, error) {
	opts := Options{RootMap: src.Args.RootMap, Handlers: handlers}
	if src.Driver == DriverSQLite {
		if src.Args.Database == "" {
			return nil, fmt.Errorf("%s source has no database", DriverSQLite)
		}
		return OpenSQLitePath(ctx, src.Args.Database, opts)
	}
	if _, ok := serializer.FormatForDriver(src.Driver); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, src.Driver)
	}
	if len(src.Args.Paths) == 0 {
		return nil, fmt.Errorf("%s source has no paths", src.Driver)
	}
	return OpenFiles(ctx, src.Args.Paths, opts)
}

// Package pack turns a selection of catalog runs into a bundle.
//
// Pack exports the selected runs, then handles external files according
// to the external policy (record them in manifests, optionally copying
// them into the bundle), and finally writes the catalog file that makes
// the bundle readable.
package pack

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/export"
	"github.com/justapithecus/runpack/external"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/manifest"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/query"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

var (
	// ErrNoResults is returned when the query selects no runs.
	ErrNoResults = errors.New("query yielded no results")
	// ErrNoUIDs is returned when a uid selection is empty.
	ErrNoUIDs = errors.New("no uids given")
	// ErrCatalogExists is returned when the bundle already has a catalog file.
	ErrCatalogExists = errors.New("bundle already contains " + manifest.CatalogFile)
	// ErrCopyPolicy is returned when copying is requested without the
	// record policy.
	ErrCopyPolicy = errors.New("copying external files requires the record policy")
)

// Options configure a pack.
type Options struct {
	Catalog catalog.Catalog
	Manager bundle.Manager
	Format  serializer.Format

	// Query selects runs when UIDs is nil. A nil Query selects all runs.
	Query query.Query
	// UIDs selects runs by (partial) uid. Non-nil and empty is an error.
	UIDs []string

	Strict      bool
	NoDocuments bool
	Limit       int
	Salt        []byte
	External    types.ExternalPolicy
	// Copy copies recorded external files into the bundle.
	Copy bool
	// Verify checks every copy against its source.
	Verify   bool
	Handlers filler.Registry

	Logger    *log.Logger
	Collector *metrics.Collector
	Progress  export.Progress
}

// Result summarizes a pack.
type Result struct {
	Export *export.Result
	// RootMap is the root_map written to the catalog file; nil unless the
	// record policy was used.
	RootMap map[string]string
	// CopyFailures lists source files that could not be copied.
	CopyFailures []string
	CatalogFile  string
	Manifests    []string
}

// Failed reports whether any run or copy failed.
func (r *Result) Failed() bool {
	return len(r.Export.Failures) > 0 || len(r.CopyFailures) > 0
}

// Pack writes a bundle. Per-run and per-file failures are returned in the
// result unless opts.Strict is set.
func Pack(ctx context.Context, opts Options) (*Result, error) {
	if opts.Copy && opts.External != types.ExternalRecord {
		return nil, ErrCopyPolicy
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	m := opts.Manager
	if err := m.Prepare(ctx); err != nil {
		return nil, err
	}
	exists, err := m.Exists(ctx, manifest.CatalogFile)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrCatalogExists, m.Location(manifest.CatalogFile))
	}

	exportOpts := export.Options{
		Strict:      opts.Strict,
		External:    opts.External,
		NoDocuments: opts.NoDocuments,
		Handlers:    opts.Handlers,
		Salt:        opts.Salt,
		Limit:       opts.Limit,
		Logger:      logger,
		Collector:   opts.Collector,
		Progress:    opts.Progress,
	}
	if !opts.NoDocuments {
		exportOpts.Serializer = serializer.New(opts.Format, m)
	}

	var exported *export.Result
	if opts.UIDs != nil {
		if len(opts.UIDs) == 0 {
			return nil, ErrNoUIDs
		}
		exported, err = export.ExportUIDs(ctx, opts.Catalog, opts.UIDs, exportOpts)
	} else {
		selected := opts.Catalog
		if opts.Query != nil {
			selected = opts.Catalog.Search(opts.Query)
		}
		if selected.Len() == 0 {
			return nil, ErrNoResults
		}
		exported, err = export.ExportCatalog(ctx, selected, exportOpts)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("runs exported", map[string]any{
		"failures": len(exported.Failures),
		"roots":    len(exported.Files),
	})

	res := &Result{Export: exported}
	if docs := exported.Artifacts.Sorted(types.ArtifactsAll); !opts.NoDocuments && len(docs) > 0 {
		loc, err := manifest.WriteDocumentsManifest(ctx, m, docs)
		if err != nil {
			return nil, err
		}
		opts.Collector.IncManifestWritten()
		res.Manifests = append(res.Manifests, loc)
	}

	if opts.External == types.ExternalRecord {
		if err := recordExternal(ctx, opts, logger, res); err != nil {
			return nil, err
		}
	}

	loc, err := manifest.WriteCatalogFile(ctx, m, opts.Format, manifest.DocumentPaths(opts.Format), res.RootMap)
	if err != nil {
		return nil, err
	}
	opts.Collector.IncManifestWritten()
	res.CatalogFile = loc
	return res, nil
}

// recordExternal writes one manifest per root and builds the root map.
// Keys are the aliases written into resource documents, or the recorded
// roots when no documents were written. Values point at the copies when
// copying, else at the resolved roots.
func recordExternal(ctx context.Context, opts Options, logger *log.Logger, res *Result) error {
	res.RootMap = make(map[string]string)
	files := res.Export.Files
	for _, key := range files.Keys() {
		mapKey := key.UniqueID
		if opts.NoDocuments {
			mapKey = key.RootInDocument
		}
		listed := files[key].Sorted()

		if opts.Copy {
			copied, err := external.CopyExternalFiles(ctx, opts.Manager, key, listed, external.CopyOptions{
				Strict:    opts.Strict,
				Verify:    opts.Verify,
				Logger:    logger,
				Collector: opts.Collector,
			})
			if err != nil {
				return err
			}
			res.CopyFailures = append(res.CopyFailures, copied.Failures...)
			res.RootMap[mapKey] = copied.NewRoot
			listed = copied.NewFiles
		} else {
			res.RootMap[mapKey] = key.ResolvedRoot
		}

		loc, err := manifest.WriteExternalFilesManifest(ctx, opts.Manager, key.UniqueID, listed)
		if err != nil {
			return err
		}
		opts.Collector.IncManifestWritten()
		res.Manifests = append(res.Manifests, loc)
	}
	return nil
}

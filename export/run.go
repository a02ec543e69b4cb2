// Package export streams runs from a catalog into a bundle.
//
// ExportRun handles one run: it applies the external-data policy to each
// document, rewrites resource roots to their salted aliases, collects the
// external files each resource covers, and hands the documents to a
// serializer. ExportUIDs and ExportCatalog drive ExportRun over a batch
// and decide, through a policy.Policy, whether a failed run aborts the
// batch.
package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/roothash"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// ErrNoFiller is returned when the fill policy is used without a filler.
var ErrNoFiller = errors.New("fill policy requires a filler")

// RunOptions configure a single run export.
type RunOptions struct {
	External    types.ExternalPolicy
	NoDocuments bool
	// Filler is required by ExternalFill. ExportRun takes ownership and
	// closes it before returning.
	Filler    filler.Filler
	Collector *metrics.Collector
	// OnDocument is called after each document is processed.
	OnDocument func()
}

// ExportRun exports one run and returns the document artifacts written
// and the external files found, grouped by root. Errors from the catalog,
// the filler or the serializer are returned unchanged; the run's
// document file is discarded in that case.
func ExportRun(
	ctx context.Context,
	run catalog.Run,
	ser serializer.Serializer,
	rootMap map[string]string,
	hash roothash.Func,
	opts RunOptions,
) (artifacts types.Artifacts, files types.FilesByKey, err error) {
	// The filler is closed before the writer commits, so a failed close
	// leaves no document file behind.
	fillerOpen := opts.Filler != nil
	closeFiller := func() error {
		if !fillerOpen {
			return nil
		}
		fillerOpen = false
		if err := opts.Filler.Close(); err != nil {
			return fmt.Errorf("failed to close filler: %w", err)
		}
		return nil
	}
	defer func() { _ = closeFiller() }()
	if opts.External == types.ExternalFill && opts.Filler == nil {
		return nil, nil, ErrNoFiller
	}

	var w serializer.Writer
	if !opts.NoDocuments {
		if ser == nil {
			return nil, nil, errors.New("no serializer configured")
		}
		w, err = ser.Open(ctx, serializer.RunContext{UID: run.UID()})
		if err != nil {
			return nil, nil, err
		}
		defer func() {
			if err != nil {
				w.Abort()
			}
		}()
	}

	files = types.FilesByKey{}
	err = run.Canonical(ctx, func(p types.Pair) error {
		kind, doc := p.Kind, p.Doc
		if opts.External == types.ExternalFill {
			var err error
			kind, doc, err = opts.Filler.Transform(kind, doc)
			if err != nil {
				return err
			}
			if opts.Filler.IsExternalKind(kind) {
				opts.Collector.IncDocumentDropped(string(kind))
				notify(opts.OnDocument)
				return nil
			}
		} else if kind == types.KindResource {
			opts.Collector.IncResourceSeen()
			root := doc.String("root")
			resolved := root
			if mapped, ok := rootMap[root]; ok {
				resolved = mapped
			}
			alias := hash(resolved)
			if opts.External == types.ExternalRecord {
				listed, err := run.FileList(ctx, doc)
				if err != nil {
					return fmt.Errorf("failed to list files of resource %s: %w", doc.String("uid"), err)
				}
				opts.Collector.AddFilesListed(len(listed))
				files.Add(types.RootKey{RootInDocument: root, ResolvedRoot: resolved, UniqueID: alias}, listed...)
			}
			if !opts.NoDocuments {
				doc = doc.Clone()
				doc["root"] = alias
			}
		}
		if w != nil {
			if err := w.Write(kind, doc); err != nil {
				return err
			}
			opts.Collector.IncDocumentWritten()
		}
		notify(opts.OnDocument)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if err = closeFiller(); err != nil {
		return nil, nil, err
	}

	artifacts = types.Artifacts{}
	if w != nil {
		written, err := w.Close()
		if err != nil {
			return nil, nil, err
		}
		artifacts.Merge(written)
	}
	return artifacts, files, nil
}

func notify(fn func()) {
	if fn != nil {
		fn()
	}
}

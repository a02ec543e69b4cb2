// Package unpack registers a bundle as a named catalog.
//
// InPlace points the registration at the bundle's own document files.
// Database copies every run into a SQLite database and registers that
// instead. Both rebase the bundle-relative paths of catalog.yml onto the
// bundle's absolute location first.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/docstore"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/manifest"
	"github.com/justapithecus/runpack/types"
)

var (
	// ErrNotDirectory is returned when the bundle path is not a directory.
	ErrNotDirectory = errors.New("not a directory")
	// ErrNoCatalogFile is returned when the bundle has no catalog.yml.
	ErrNoCatalogFile = errors.New("could not find " + manifest.CatalogFile)
	// ErrNoPackedSource is returned when catalog.yml has no packed source.
	ErrNoPackedSource = errors.New("catalog file has no " + catalog.PackedSourceName + " source")
)

// Registry is where unpacked catalogs are installed.
type Registry interface {
	CheckInstall(name string, src catalog.Source, allowMerge bool) (catalog.Source, error)
	Install(name string, src catalog.Source, allowMerge bool) (string, error)
}

// ReadBundle validates a bundle directory and returns its packed source
// with absolute, sorted paths and absolute root_map values.
func ReadBundle(path string) (catalog.Source, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return catalog.Source{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return catalog.Source{}, err
	}
	if !info.IsDir() {
		return catalog.Source{}, fmt.Errorf("%s: %w", path, ErrNotDirectory)
	}
	file := filepath.Join(dir, manifest.CatalogFile)
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return catalog.Source{}, fmt.Errorf("%w in %s", ErrNoCatalogFile, path)
		}
		return catalog.Source{}, err
	}
	f, err := catalog.ReadFile(file)
	if err != nil {
		return catalog.Source{}, err
	}
	src, ok := f.Sources[catalog.PackedSourceName]
	if !ok {
		return catalog.Source{}, fmt.Errorf("%s: %w", file, ErrNoPackedSource)
	}
	return rebase(src, dir), nil
}

// rebase makes the source usable outside the bundle directory.
func rebase(src catalog.Source, dir string) catalog.Source {
	if src.Metadata != nil && len(src.Metadata.RelativePaths) > 0 {
		paths := make([]string, len(src.Metadata.RelativePaths))
		for i, rel := range src.Metadata.RelativePaths {
			paths[i] = filepath.Join(dir, filepath.FromSlash(rel))
		}
		sort.Strings(paths)
		src.Args.Paths = paths
	}
	if src.Args.RootMap != nil {
		rootMap := make(map[string]string, len(src.Args.RootMap))
		for k, v := range src.Args.RootMap {
			if !filepath.IsAbs(v) {
				v = filepath.Join(dir, filepath.FromSlash(v))
			}
			rootMap[k] = v
		}
		src.Args.RootMap = rootMap
	}
	return src
}

// InPlace registers the bundle at path as name. When name exists, the
// sources are merged if merge is set; otherwise *registry.NameExistsError
// is returned and nothing is written.
func InPlace(reg Registry, path, name string, merge bool) (string, error) {
	src, err := ReadBundle(path)
	if err != nil {
		return "", err
	}
	return reg.Install(name, src, merge)
}

// DatabaseOptions configure Database.
type DatabaseOptions struct {
	Logger *log.Logger
	// OnRun is called after each run is copied.
	OnRun func(uid string, inserted bool)
}

// Database copies the bundle's runs into the SQLite database at uri and
// registers a catalog reading from it. Runs already present are skipped.
// Name conflicts are detected before any document is copied.
func Database(ctx context.Context, reg Registry, path, uri, name string, merge bool, opts DatabaseOptions) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	src, err := ReadBundle(path)
	if err != nil {
		return "", err
	}
	dbPath, err := docstore.ParseURI(uri)
	if err != nil {
		return "", err
	}
	target := catalog.Source{
		Driver: catalog.DriverSQLite,
		Args: catalog.SourceArgs{
			Database: dbPath,
			RootMap:  src.Args.RootMap,
		},
		Metadata: &catalog.SourceMetadata{GeneratedBy: catalog.CurrentGenerator()},
	}

	if _, err := reg.CheckInstall(name, target, merge); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return "", err
	}
	store, err := docstore.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = store.Close() }()

	// Documents are copied as stored, so no root map or handlers apply.
	source, err := catalog.Open(ctx, catalog.Source{Driver: src.Driver, Args: catalog.SourceArgs{Paths: src.Args.Paths}}, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = source.Close() }()

	copied := 0
	err = source.Each(ctx, func(run catalog.Run) error {
		inserted, err := store.InsertRun(ctx, run.Start(), func(fn func(types.Pair) error) error {
			return run.Canonical(ctx, fn)
		})
		if err != nil {
			return err
		}
		if inserted {
			copied++
		}
		if opts.OnRun != nil {
			opts.OnRun(run.UID(), inserted)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logger.Info("runs copied into database", map[string]any{
		"database": dbPath,
		"copied":   copied,
		"skipped":  source.Len() - copied,
	})
	return reg.Install(name, target, merge)
}

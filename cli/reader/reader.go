package reader

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/lode"
	"github.com/justapithecus/runpack/manifest"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/unpack"
)

// InspectBundle summarizes the bundle directory at path. The bundle's
// document files are opened to count runs.
func InspectBundle(ctx context.Context, path string) (*BundleSummary, error) {
	src, err := unpack.ReadBundle(path)
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	s := &BundleSummary{
		Path:           dir,
		Driver:         src.Driver,
		RootMapEntries: len(src.Args.RootMap),
	}
	if src.Metadata != nil {
		g := src.Metadata.GeneratedBy
		s.Generator = g.Library + " " + g.Version
	}
	docs, err := countLines(filepath.Join(dir, manifest.DocumentsManifest))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.DocumentFiles = docs

	manifests, err := filepath.Glob(filepath.Join(dir, manifest.ExternalFilesManifestName("*")))
	if err != nil {
		return nil, err
	}
	s.ExternalManifests = len(manifests)
	for _, m := range manifests {
		n, err := countLines(m)
		if err != nil {
			return nil, err
		}
		s.ExternalFiles += n
	}

	s.UIDs = []string{}
	if s.DocumentFiles == 0 {
		return s, nil
	}
	cat, err := catalog.Open(ctx, catalog.Source{Driver: src.Driver, Args: catalog.SourceArgs{Paths: src.Args.Paths}}, nil)
	if err != nil {
		return nil, fmt.Errorf("open bundle documents: %w", err)
	}
	defer cat.Close()
	s.Runs = cat.Len()
	s.UIDs = cat.UIDs()
	return s, nil
}

// ListCatalogs returns every catalog visible in reg, sorted by name.
func ListCatalogs(reg *registry.Registry) ([]CatalogItem, error) {
	names, err := reg.List()
	if err != nil {
		return nil, err
	}
	items := make([]CatalogItem, 0, len(names))
	for _, name := range names {
		src, err := reg.Get(name)
		if err != nil {
			return nil, err
		}
		target := src.Args.Database
		if target == "" {
			target = strings.Join(src.Args.Paths, ",")
		}
		items = append(items, CatalogItem{Name: name, Driver: src.Driver, Target: target})
	}
	return items, nil
}

// LatestReport reads the most recent pack report from ds, restricted to
// catalog when non-empty.
func LatestReport(ctx context.Context, ds lodelib.Dataset, catalogName string) (*PackReport, error) {
	record, err := lode.QueryLatestReport(ctx, ds, catalogName)
	if err != nil {
		if errors.Is(err, lode.ErrNoReportFound) && catalogName != "" {
			return nil, fmt.Errorf("%w for catalog %q", err, catalogName)
		}
		return nil, err
	}
	return ParseReportRecord(record)
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n, sc.Err()
}

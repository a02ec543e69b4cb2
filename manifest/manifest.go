// Package manifest writes the text manifests and the catalog file of a
// bundle. Every file is created exclusively; an existing file is never
// replaced.
package manifest

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// File names inside a bundle.
const (
	CatalogFile       = "catalog.yml"
	DocumentsManifest = "documents_manifest.txt"
	externalPrefix    = "external_files_manifest_"
)

// Artifact labels.
const (
	LabelManifest          = "manifest"
	LabelDocumentsManifest = "documents_manifest"
	LabelCatalogFile       = "catalog_file"
)

// ExternalFilesManifestName returns the manifest file name for a unique id.
func ExternalFilesManifestName(uniqueID string) string {
	return externalPrefix + uniqueID + ".txt"
}

// UniqueIDFromManifest returns the unique id of an external files manifest
// name, or false if name is not one.
func UniqueIDFromManifest(name string) (string, bool) {
	rest, ok := strings.CutPrefix(path.Base(name), externalPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, ".txt")
	return id, ok && id != ""
}

// WriteExternalFilesManifest writes the deduplicated, sorted files of one
// root, newline-separated, and returns the manifest's location.
func WriteExternalFilesManifest(ctx context.Context, m bundle.Manager, uniqueID string, files []string) (string, error) {
	body := strings.Join(types.NewPathSet(files...).Sorted(), "\n")
	return write(ctx, m, LabelManifest, ExternalFilesManifestName(uniqueID), body)
}

// WriteDocumentsManifest writes the bundle-relative paths of the document
// files, sorted, one per line. locations are as returned by the manager.
func WriteDocumentsManifest(ctx context.Context, m bundle.Manager, locations []string) (string, error) {
	rel := types.NewPathSet()
	for _, loc := range locations {
		r, err := m.Rel(loc)
		if err != nil {
			return "", err
		}
		rel.Add(r)
	}
	var b strings.Builder
	for _, r := range rel.Sorted() {
		b.WriteString(r)
		b.WriteByte('\n')
	}
	return write(ctx, m, LabelDocumentsManifest, DocumentsManifest, b.String())
}

// DocumentPaths returns the bundle-relative glob of document files.
func DocumentPaths(format serializer.Format) []string {
	return []string{"./" + format.Glob()}
}

// CatalogSource builds the packed source for a bundle. relativePaths are
// bundle-relative globs; they are kept in the metadata and also made
// absolute through the manager. rootMap is written only when non-nil.
func CatalogSource(m bundle.Manager, format serializer.Format, relativePaths []string, rootMap map[string]string) catalog.Source {
	abs := make([]string, len(relativePaths))
	for i, p := range relativePaths {
		abs[i] = m.Location(path.Clean(p))
	}
	src := catalog.Source{
		Driver: format.Driver(),
		Args:   catalog.SourceArgs{Paths: abs},
		Metadata: &catalog.SourceMetadata{
			GeneratedBy:   catalog.CurrentGenerator(),
			RelativePaths: append([]string(nil), relativePaths...),
		},
	}
	if rootMap != nil {
		src.Args.RootMap = make(map[string]string, len(rootMap))
		for k, v := range rootMap {
			src.Args.RootMap[k] = v
		}
	}
	return src
}

// WriteCatalogFile writes catalog.yml with a single packed source and
// returns its location.
func WriteCatalogFile(ctx context.Context, m bundle.Manager, format serializer.Format, relativePaths []string, rootMap map[string]string) (string, error) {
	f := &catalog.File{Sources: map[string]catalog.Source{
		catalog.PackedSourceName: CatalogSource(m, format, relativePaths, rootMap),
	}}
	data, err := f.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", CatalogFile, err)
	}
	return write(ctx, m, LabelCatalogFile, CatalogFile, string(data))
}

func write(ctx context.Context, m bundle.Manager, label, name, body string) (string, error) {
	w, err := m.Open(ctx, label, name)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, body); err != nil {
		bundle.Abort(w)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return m.Location(name), nil
}

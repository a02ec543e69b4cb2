package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/justapithecus/runpack/types"
)

// PackedSourceName is the source name a pack writes into catalog.yml.
const PackedSourceName = "packed_catalog"

// DriverSQLite reads runs registered into a SQLite database.
const DriverSQLite = "runpack-sqlite-catalog"

// File is the on-disk catalog configuration: named sources.
type File struct {
	Sources map[string]Source `yaml:"sources"`
}

// Source describes how to open one catalog.
type Source struct {
	Driver   string          `yaml:"driver"`
	Args     SourceArgs      `yaml:"args"`
	Metadata *SourceMetadata `yaml:"metadata,omitempty"`
}

// SourceArgs are the driver arguments.
type SourceArgs struct {
	// Paths are absolute glob patterns of document files.
	Paths []string `yaml:"paths,omitempty"`
	// Database locates the SQLite database for DriverSQLite.
	Database string `yaml:"database,omitempty"`
	// RootMap maps roots recorded in resource documents to real locations.
	RootMap map[string]string `yaml:"root_map,omitempty"`
}

// SourceMetadata records provenance and the bundle-relative paths.
type SourceMetadata struct {
	GeneratedBy   GeneratedBy `yaml:"generated_by"`
	RelativePaths []string    `yaml:"relative_paths,omitempty"`
}

// GeneratedBy names the tool that wrote a source.
type GeneratedBy struct {
	Library string `yaml:"library"`
	Version string `yaml:"version"`
}

// CurrentGenerator identifies this build.
func CurrentGenerator() GeneratedBy {
	return GeneratedBy{Library: types.Library, Version: types.Version}
}

// ErrNoSources indicates a catalog file without any source.
var ErrNoSources = errors.New("catalog file defines no sources")

// ReadFile parses a catalog configuration file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFile(data, path)
}

// ParseFile parses catalog configuration bytes. name is used in errors.
func ParseFile(data []byte, name string) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if len(f.Sources) == 0 {
		return nil, fmt.Errorf("%s: %w", name, ErrNoSources)
	}
	return &f, nil
}

// Marshal renders f as YAML.
func (f *File) Marshal() ([]byte, error) {
	return yaml.Marshal(f)
}

// Names returns the source names in sorted order.
func (f *File) Names() []string {
	out := make([]string, 0, len(f.Sources))
	for name := range f.Sources {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DriverMismatchError is returned when merging sources with different drivers.
type DriverMismatchError struct {
	Existing string
	Incoming string
}

func (e *DriverMismatchError) Error() string {
	return fmt.Sprintf("cannot merge catalogs with different drivers: existing %q, incoming %q", e.Existing, e.Incoming)
}

// RootMapCollisionError is returned when two sources map the same alias
// to different locations.
type RootMapCollisionError struct {
	Alias    string
	Existing string
	Incoming string
}

func (e *RootMapCollisionError) Error() string {
	return fmt.Sprintf("root_map collision for %q: existing %q, incoming %q", e.Alias, e.Existing, e.Incoming)
}

// DatabaseMismatchError is returned when merging database-backed sources
// that point at different databases.
type DatabaseMismatchError struct {
	Existing string
	Incoming string
}

func (e *DatabaseMismatchError) Error() string {
	return fmt.Sprintf("cannot merge catalogs in different databases: existing %q, incoming %q", e.Existing, e.Incoming)
}

// Merge combines incoming into existing. Paths and relative paths are
// unioned and sorted. The same alias may appear in both root maps only if
// it maps to the same location. Neither input is modified.
func Merge(existing, incoming Source) (Source, error) {
	if existing.Driver != incoming.Driver {
		return Source{}, &DriverMismatchError{Existing: existing.Driver, Incoming: incoming.Driver}
	}
	if existing.Args.Database != incoming.Args.Database {
		return Source{}, &DatabaseMismatchError{Existing: existing.Args.Database, Incoming: incoming.Args.Database}
	}

	merged := Source{
		Driver: existing.Driver,
		Args: SourceArgs{
			Paths:    unionSorted(existing.Args.Paths, incoming.Args.Paths),
			Database: existing.Args.Database,
		},
	}

	if existing.Args.RootMap != nil || incoming.Args.RootMap != nil {
		rootMap := make(map[string]string, len(existing.Args.RootMap)+len(incoming.Args.RootMap))
		for k, v := range existing.Args.RootMap {
			rootMap[k] = v
		}
		aliases := make([]string, 0, len(incoming.Args.RootMap))
		for k := range incoming.Args.RootMap {
			aliases = append(aliases, k)
		}
		sort.Strings(aliases)
		for _, alias := range aliases {
			v := incoming.Args.RootMap[alias]
			if prev, ok := rootMap[alias]; ok && prev != v {
				return Source{}, &RootMapCollisionError{Alias: alias, Existing: prev, Incoming: v}
			}
			rootMap[alias] = v
		}
		merged.Args.RootMap = rootMap
	}

	if existing.Metadata != nil || incoming.Metadata != nil {
		md := &SourceMetadata{GeneratedBy: CurrentGenerator()}
		var rel []string
		if existing.Metadata != nil {
			rel = append(rel, existing.Metadata.RelativePaths...)
		}
		if incoming.Metadata != nil {
			md.GeneratedBy = incoming.Metadata.GeneratedBy
			rel = append(rel, incoming.Metadata.RelativePaths...)
		}
		md.RelativePaths = unionSorted(rel)
		merged.Metadata = md
	}
	return merged, nil
}

func unionSorted(lists ...[]string) []string {
	set := types.NewPathSet()
	for _, l := range lists {
		set.Add(l...)
	}
	if len(set) == 0 {
		return nil
	}
	return set.Sorted()
}

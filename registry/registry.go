// Package registry stores named catalog sources on disk.
//
// A Registry searches an ordered list of directories for YAML catalog
// files. The first directory is the only one written to; later ones are
// read-only (site-wide installs). Each installed name lives in its own
// file, runpack_unpack_<name>.yml, replaced atomically on every write.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"

	"github.com/justapithecus/runpack/catalog"
)

// EnvSearchPath overrides the default search path. It is a list of
// directories separated by the OS path list separator.
const EnvSearchPath = "RUNPACK_CATALOG_PATH"

const filePrefix = "runpack_unpack_"

var (
	// ErrNotFound is returned when no registered source has the name.
	ErrNotFound = errors.New("catalog not registered")
	// ErrInvalidName is returned for names that cannot be used as a file name.
	ErrInvalidName = errors.New("invalid catalog name")
)

// NameExistsError is returned by Install when name is taken and merging
// was not allowed.
type NameExistsError struct {
	Name string
	Path string
}

func (e *NameExistsError) Error() string {
	return fmt.Sprintf("a catalog named %q is already registered (%s)", e.Name, e.Path)
}

// ReadOnlyError is returned when merging into a source that lives in a
// directory this registry does not write to.
type ReadOnlyError struct {
	Name string
	Path string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("catalog %q is registered in read-only %s", e.Name, e.Path)
}

// Registry is a set of named catalog sources.
type Registry struct {
	dirs []string
}

// New returns a registry over dirs. The first is the writable one.
func New(dirs ...string) (*Registry, error) {
	var clean []string
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			clean = append(clean, filepath.Clean(d))
		}
	}
	if len(clean) == 0 {
		return nil, errors.New("registry: no search directories")
	}
	return &Registry{dirs: clean}, nil
}

// DefaultSearchPath returns the directories from EnvSearchPath, or the
// user config directory followed by the system one.
func DefaultSearchPath() []string {
	if v := os.Getenv(EnvSearchPath); v != "" {
		return filepath.SplitList(v)
	}
	var dirs []string
	if cfg, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(cfg, "runpack", "catalogs"))
	}
	return append(dirs, filepath.Join(string(filepath.Separator), "etc", "runpack", "catalogs"))
}

// Default returns a registry over DefaultSearchPath.
func Default() (*Registry, error) {
	return New(DefaultSearchPath()...)
}

// Dirs returns the search directories in order.
func (r *Registry) Dirs() []string {
	return append([]string(nil), r.dirs...)
}

// Path returns the file Install writes name to.
func (r *Registry) Path(name string) string {
	return filepath.Join(r.dirs[0], filePrefix+name+".yml")
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, os.PathListSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// List returns every registered name, sorted and deduplicated. Missing
// search directories are skipped.
func (r *Registry) List() ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range r.dirs {
		files, err := catalogFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			f, err := catalog.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("registry: %w", err)
			}
			for name := range f.Sources {
				seen[name] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Get returns the source registered as name. Earlier directories win.
func (r *Registry) Get(name string) (catalog.Source, error) {
	src, _, err := r.lookup(name)
	return src, err
}

// lookup returns the source and the file it was found in.
func (r *Registry) lookup(name string) (catalog.Source, string, error) {
	for _, dir := range r.dirs {
		files, err := catalogFiles(dir)
		if err != nil {
			return catalog.Source{}, "", err
		}
		for _, path := range files {
			f, err := catalog.ReadFile(path)
			if err != nil {
				return catalog.Source{}, "", fmt.Errorf("registry: %w", err)
			}
			if src, ok := f.Sources[name]; ok {
				return src, path, nil
			}
		}
	}
	return catalog.Source{}, "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// CheckInstall reports whether Install(name, src, allowMerge) would
// succeed and returns the source it would write. Nothing is written.
func (r *Registry) CheckInstall(name string, src catalog.Source, allowMerge bool) (catalog.Source, error) {
	if err := validateName(name); err != nil {
		return catalog.Source{}, err
	}
	existing, foundAt, err := r.lookup(name)
	switch {
	case errors.Is(err, ErrNotFound):
		return src, nil
	case err != nil:
		return catalog.Source{}, err
	case !allowMerge:
		return catalog.Source{}, &NameExistsError{Name: name, Path: foundAt}
	case foundAt != r.Path(name):
		return catalog.Source{}, &ReadOnlyError{Name: name, Path: foundAt}
	}
	return catalog.Merge(existing, src)
}

// Install registers src as name and returns the file written. If name is
// taken, Install fails with *NameExistsError unless allowMerge is set, in
// which case the two sources are merged with catalog.Merge. Nothing is
// written when an error is returned.
func (r *Registry) Install(name string, src catalog.Source, allowMerge bool) (string, error) {
	src, err := r.CheckInstall(name, src, allowMerge)
	if err != nil {
		return "", err
	}
	target := r.Path(name)

	data, err := (&catalog.File{Sources: map[string]catalog.Source{name: src}}).Marshal()
	if err != nil {
		return "", fmt.Errorf("registry: encoding %s: %w", name, err)
	}
	if err := os.MkdirAll(r.dirs[0], 0o755); err != nil {
		return "", fmt.Errorf("registry: %w", err)
	}
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return "", fmt.Errorf("registry: writing %s: %w", target, err)
	}
	return target, nil
}

func catalogFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yml" || ext == ".yaml" {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

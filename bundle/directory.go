package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/types"
)

// Directory is a Manager backed by a local directory.
type Directory struct {
	root      string
	collector *metrics.Collector

	mu  sync.Mutex
	res reservations
}

// NewDirectory returns a manager rooted at dir. The path is made absolute.
// collector may be nil.
func NewDirectory(dir string, collector *metrics.Collector) (*Directory, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	return &Directory{root: abs, collector: collector, res: newReservations()}, nil
}

// Root returns the absolute bundle directory.
func (d *Directory) Root() string { return d.root }

// Backend implements Manager.
func (d *Directory) Backend() string { return "fs" }

// Prepare creates the directory and checks it is writable.
func (d *Directory) Prepare(context.Context) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("failed to create bundle directory %s: %w", d.root, err)
	}
	marker, err := os.CreateTemp(d.root, ".runpack-marker-*")
	if err != nil {
		return fmt.Errorf("bundle directory %s is not writable: %w", d.root, err)
	}
	name := marker.Name()
	_ = marker.Close()
	return os.Remove(name)
}

// Open implements Manager.
func (d *Directory) Open(_ context.Context, label, postfix string) (io.WriteCloser, error) {
	clean, err := CleanPostfix(postfix)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	err = d.res.reserve(clean)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f, err := CreateExclusive(d.Location(clean))
	if err != nil {
		d.collector.IncStoreWriteFailure()
		return nil, err
	}
	return &directoryWriter{ExclusiveFile: f, dir: d, label: label}, nil
}

// Exists implements Manager.
func (d *Directory) Exists(_ context.Context, postfix string) (bool, error) {
	clean, err := CleanPostfix(postfix)
	if err != nil {
		return false, err
	}
	_, err = os.Lstat(d.Location(clean))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// OpenObject implements ObjectReader.
func (d *Directory) OpenObject(_ context.Context, postfix string) (io.ReadCloser, error) {
	clean, err := CleanPostfix(postfix)
	if err != nil {
		return nil, err
	}
	return os.Open(d.Location(clean))
}

// Location implements Manager.
func (d *Directory) Location(postfix string) string {
	return filepath.Join(d.root, filepath.FromSlash(postfix))
}

// Rel implements Manager.
func (d *Directory) Rel(location string) (string, error) {
	rel, err := filepath.Rel(d.root, location)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s is outside %s", ErrInvalidPostfix, location, d.root)
	}
	return rel, nil
}

// Artifacts implements Manager.
func (d *Directory) Artifacts() types.Artifacts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.res.snapshot()
}

type directoryWriter struct {
	*ExclusiveFile
	dir   *Directory
	label string
}

func (w *directoryWriter) Close() error {
	if err := w.ExclusiveFile.Close(); err != nil {
		w.dir.collector.IncStoreWriteFailure()
		return err
	}
	w.dir.collector.IncStoreWriteSuccess()
	w.dir.mu.Lock()
	w.dir.res.artifacts.Add(w.label, w.Name())
	w.dir.mu.Unlock()
	return nil
}

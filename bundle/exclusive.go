package bundle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/justapithecus/runpack/iox"
)

// ExclusiveFile is a file being written to a temporary name that is
// linked into place on Close. The link fails if the target exists, so a
// committed file is never overwritten.
type ExclusiveFile struct {
	target string
	tmp    *os.File
	done   bool
}

// CreateExclusive starts writing target. Missing parent directories are
// created. It fails fast with ErrExists if target is already present.
func CreateExclusive(target string) (*ExclusiveFile, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if _, err := os.Lstat(target); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, target)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat %s: %w", target, err)
	}
	tmp, err := os.CreateTemp(dir, ".runpack-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		iox.DiscardClose(tmp)
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to chmod temp file in %s: %w", dir, err)
	}
	return &ExclusiveFile{target: target, tmp: tmp}, nil
}

// Name returns the target path.
func (f *ExclusiveFile) Name() string { return f.target }

// Write implements io.Writer.
func (f *ExclusiveFile) Write(p []byte) (int, error) {
	return f.tmp.Write(p)
}

// Close commits the file. The temporary file is removed on every path.
func (f *ExclusiveFile) Close() error {
	if f.done {
		return nil
	}
	f.done = true
	tmpName := f.tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := f.tmp.Sync(); err != nil {
		iox.DiscardClose(f.tmp)
		return fmt.Errorf("failed to sync %s: %w", f.target, err)
	}
	if err := f.tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", f.target, err)
	}

	err := os.Link(tmpName, f.target)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%w: %s", ErrExists, f.target)
	default:
		// Filesystems without hard links fall back to O_EXCL.
		return copyExclusive(tmpName, f.target)
	}
}

// Abort discards the file without committing it.
func (f *ExclusiveFile) Abort() {
	if f.done {
		return
	}
	f.done = true
	iox.DiscardClose(f.tmp)
	_ = os.Remove(f.tmp.Name())
}

func copyExclusive(src, target string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", src, err)
	}
	defer iox.DiscardClose(in)

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%w: %s", ErrExists, target)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer iox.CloseInto(&err, out)

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

// WriteExclusive writes data to target with exclusive-create semantics.
func WriteExclusive(target string, data []byte) error {
	f, err := CreateExclusive(target)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return f.Close()
}

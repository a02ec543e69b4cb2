// Package external copies the files behind resource documents into a
// bundle.
//
// Files under one resolved root are copied to
// external_files/<unique id>/<path relative to the root>, so a bundle's
// root_map can point the alias at that directory.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/iox"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/policy"
	"github.com/justapithecus/runpack/types"
)

// Dir is the bundle directory holding copied files.
const Dir = "external_files"

// Label is the artifact label copied files are recorded under.
const Label = "external"

var (
	// ErrOutsideRoot is returned for a file that does not lie under the
	// resolved root it was listed for.
	ErrOutsideRoot = errors.New("file is not under its resource root")
	// ErrChecksumMismatch is returned when a verified copy differs from
	// its source.
	ErrChecksumMismatch = errors.New("copy does not match source")
)

// CopyOptions configure CopyExternalFiles.
type CopyOptions struct {
	// Strict returns the first failure instead of recording it.
	Strict bool
	// Verify re-reads each copy and compares BLAKE3 digests.
	Verify    bool
	Logger    *log.Logger
	Collector *metrics.Collector
}

// CopyResult describes one copied root.
type CopyResult struct {
	// NewRoot is the bundle-relative directory the root was copied to.
	NewRoot string
	// NewFiles are the bundle-relative copies, sorted.
	NewFiles []string
	// Failures are the source paths that could not be copied.
	Failures []string
}

// RootDir returns the bundle-relative directory for a unique id.
func RootDir(uniqueID string) string {
	return path.Join(Dir, uniqueID)
}

// CopyExternalFiles copies files, which must lie under key.ResolvedRoot,
// into the bundle. Files are processed in sorted order. A failed file is
// recorded in the result, or returned unmodified when opts.Strict is set.
func CopyExternalFiles(ctx context.Context, m bundle.Manager, key types.RootKey, files []string, opts CopyOptions) (*CopyResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	pol := policy.New(opts.Strict)
	res := &CopyResult{NewRoot: RootDir(key.UniqueID)}

	for _, src := range types.NewPathSet(files...).Sorted() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		postfix, err := destination(key, src)
		if err == nil {
			err = copyFile(ctx, m, src, postfix, opts)
		}
		if err != nil {
			opts.Collector.IncFileCopyFailed()
			logger.Error("external file copy failed", map[string]any{
				"source":    src,
				"unique_id": key.UniqueID,
				"error":     err.Error(),
			})
			if perr := pol.Handle(src, err); perr != nil {
				return nil, perr
			}
			continue
		}
		res.NewFiles = append(res.NewFiles, postfix)
	}
	res.Failures = pol.Failures()
	return res, nil
}

// destination maps src to its bundle postfix.
func destination(key types.RootKey, src string) (string, error) {
	rel, err := filepath.Rel(key.ResolvedRoot, src)
	if err != nil || !filepath.IsAbs(src) {
		return "", fmt.Errorf("%w: %s (root %s)", ErrOutsideRoot, src, key.ResolvedRoot)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s (root %s)", ErrOutsideRoot, src, key.ResolvedRoot)
	}
	return path.Join(RootDir(key.UniqueID), rel), nil
}

func copyFile(ctx context.Context, m bundle.Manager, src, postfix string, opts CopyOptions) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(in)

	out, err := m.Open(ctx, Label, postfix)
	if err != nil {
		return err
	}

	hasher := blake3.New()
	var r io.Reader = in
	if opts.Verify {
		r = io.TeeReader(in, hasher)
	}
	n, err := io.Copy(out, r)
	if err != nil {
		bundle.Abort(out)
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if opts.Verify {
		if err := verify(ctx, m, postfix, hasher.Sum(nil)); err != nil {
			return err
		}
	}
	opts.Collector.IncFileCopied(n)
	return nil
}

func verify(ctx context.Context, m bundle.Manager, postfix string, want []byte) (err error) {
	reader, ok := m.(bundle.ObjectReader)
	if !ok {
		return fmt.Errorf("%s backend cannot read copies back for verification", m.Backend())
	}
	rc, err := reader.OpenObject(ctx, postfix)
	if err != nil {
		return fmt.Errorf("reading back %s: %w", postfix, err)
	}
	defer iox.CloseInto(&err, rc)

	hasher := blake3.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return fmt.Errorf("reading back %s: %w", postfix, err)
	}
	if got := hasher.Sum(nil); !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, postfix)
	}
	return nil
}

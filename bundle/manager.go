// Package bundle writes pack output into a bundle.
//
// Every object in a bundle is created exclusively: writing to a name that
// already exists fails instead of overwriting. A Manager owns one bundle
// for the lifetime of a pack and records every location it commits, keyed
// by a caller-chosen label.
//
// Concurrent packs into the same bundle are not supported. The filesystem
// manager's exclusive create is atomic; other backends check for existence
// before committing and rely on a single writer.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/justapithecus/runpack/types"
)

// ErrExists indicates the target object already exists in the bundle.
var ErrExists = errors.New("already exists in bundle")

// ErrInvalidPostfix indicates a postfix that is absolute or escapes the bundle.
var ErrInvalidPostfix = errors.New("invalid bundle path")

// Manager is a bundle storage target.
type Manager interface {
	// Open creates the object at postfix and returns a writer for it. The
	// object is committed on Close; Close fails with ErrExists if the object
	// appeared in the meantime. Opening a postfix twice fails with ErrExists.
	// The committed location is recorded under label.
	Open(ctx context.Context, label, postfix string) (io.WriteCloser, error)

	// Exists reports whether postfix is present in the bundle.
	Exists(ctx context.Context, postfix string) (bool, error)

	// Location returns the absolute location of postfix (a filesystem path
	// or a URL). Glob characters are passed through.
	Location(postfix string) string

	// Rel converts a location returned by Location back to its postfix.
	Rel(location string) (string, error)

	// Prepare makes sure the bundle root exists and accepts writes.
	Prepare(ctx context.Context) error

	// Artifacts returns a copy of the committed locations by label.
	Artifacts() types.Artifacts

	// Backend names the storage backend ("fs", "s3", "memory").
	Backend() string
}

// ObjectReader is implemented by managers that can read committed
// objects back.
type ObjectReader interface {
	OpenObject(ctx context.Context, postfix string) (io.ReadCloser, error)
}

// Aborter is implemented by writers returned from Manager.Open that can
// discard their object instead of committing it.
type Aborter interface {
	Abort()
}

// Abort discards w if it supports aborting, otherwise it closes w.
func Abort(w io.WriteCloser) {
	if a, ok := w.(Aborter); ok {
		a.Abort()
		return
	}
	_ = w.Close()
}

// CleanPostfix validates a slash-separated postfix and returns it cleaned.
func CleanPostfix(postfix string) (string, error) {
	if postfix == "" || strings.HasPrefix(postfix, "/") || strings.Contains(postfix, `\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPostfix, postfix)
	}
	clean := path.Clean(postfix)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPostfix, postfix)
	}
	return clean, nil
}

// reservations tracks postfixes opened through a manager and the locations
// committed under each label.
type reservations struct {
	reserved  map[string]bool
	artifacts types.Artifacts
}

func newReservations() reservations {
	return reservations{reserved: make(map[string]bool), artifacts: types.Artifacts{}}
}

func (r *reservations) reserve(postfix string) error {
	if r.reserved[postfix] {
		return fmt.Errorf("%w: %s", ErrExists, postfix)
	}
	r.reserved[postfix] = true
	return nil
}

func (r *reservations) snapshot() types.Artifacts {
	out := types.Artifacts{}
	out.Merge(r.artifacts)
	return out
}

// Package serializer writes run document streams into a bundle and reads
// them back.
//
// Each run becomes one file, documents/<run uid>.<ext>, holding the
// run's (kind, document) pairs in stream order. Two encodings exist:
// msgpack (concatenated two-element arrays) and jsonl (one JSON array per
// line). Map keys are sorted so identical input produces identical bytes.
package serializer

import (
	"context"
	"fmt"
	"strings"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/types"
)

// Format selects a document encoding.
type Format string

const (
	// FormatMsgpack is the default encoding.
	FormatMsgpack Format = "msgpack"
	// FormatJSONL is newline-delimited JSON.
	FormatJSONL Format = "jsonl"
)

// DocumentsDir is the bundle directory holding document files.
const DocumentsDir = "documents"

// ParseFormat parses a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatMsgpack, FormatJSONL:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q (valid: msgpack, jsonl)", s)
	}
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Driver returns the catalog driver able to read bundles in this format.
func (f Format) Driver() string {
	switch f {
	case FormatJSONL:
		return "bluesky-jsonl-catalog"
	default:
		return "bluesky-msgpack-catalog"
	}
}

// Glob returns the bundle-relative pattern matching every document file.
func (f Format) Glob() string {
	return DocumentsDir + "/*" + f.Extension()
}

// FormatForDriver maps a catalog driver back to its format.
func FormatForDriver(driver string) (Format, bool) {
	for _, f := range []Format{FormatMsgpack, FormatJSONL} {
		if f.Driver() == driver {
			return f, true
		}
	}
	return "", false
}

// RunContext identifies the run a writer is opened for.
type RunContext struct {
	// UID is the run's start document uid; it names the output file.
	UID string
}

// Serializer opens one writer per run.
type Serializer interface {
	Open(ctx context.Context, run RunContext) (Writer, error)
}

// Writer receives a run's documents in order.
//
// Exactly one of Close or Abort must be called. Close commits the output
// and returns the artifacts written; Abort discards it.
type Writer interface {
	Write(kind types.DocumentKind, doc types.Document) error
	Close() (types.Artifacts, error)
	Abort()
}

// BundleSerializer writes run files into a bundle.Manager.
type BundleSerializer struct {
	format  Format
	manager bundle.Manager
}

// Verify BundleSerializer implements Serializer.
var _ Serializer = (*BundleSerializer)(nil)

// New returns a serializer writing format into manager.
func New(format Format, manager bundle.Manager) *BundleSerializer {
	return &BundleSerializer{format: format, manager: manager}
}

// Format returns the serializer's encoding.
func (s *BundleSerializer) Format() Format { return s.format }

// Open implements Serializer.
func (s *BundleSerializer) Open(ctx context.Context, run RunContext) (Writer, error) {
	if run.UID == "" {
		return nil, fmt.Errorf("cannot open writer: run uid is empty")
	}
	postfix := DocumentsDir + "/" + run.UID + s.format.Extension()
	w, err := s.manager.Open(ctx, types.ArtifactsAll, postfix)
	if err != nil {
		return nil, err
	}
	return newStreamWriter(s.format, w, s.manager.Location(postfix)), nil
}

package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/justapithecus/runpack/iox"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// errStopStream ends a stream after the first document.
var errStopStream = errors.New("stop")

// OpenFiles indexes the document files matching the glob patterns. Each
// file holds one run; only its start document is read up front.
func OpenFiles(ctx context.Context, patterns []string, opts Options) (*IndexCatalog, error) {
	seen := make(map[string]bool)
	var entries []*entry
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		for _, path := range matches {
			if seen[path] {
				continue
			}
			seen[path] = true
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			e, err := indexFile(ctx, path)
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
	}
	return newIndexCatalog(entries, opts, nil), nil
}

func indexFile(ctx context.Context, path string) (*entry, error) {
	format, ok := serializer.FormatForPath(path)
	if !ok {
		return nil, fmt.Errorf("%s: unrecognized document file extension", path)
	}
	stream := fileStream(path, format)

	var start types.Document
	err := stream(ctx, func(p types.Pair) error {
		if p.Kind != types.KindStart {
			return ErrNoStart
		}
		start = p.Doc
		return errStopStream
	})
	if err != nil && !errors.Is(err, errStopStream) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if start == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoStart)
	}
	return &entry{uid: start.String("uid"), start: start, stream: stream}, nil
}

func fileStream(path string, format serializer.Format) streamFunc {
	return func(ctx context.Context, fn func(types.Pair) error) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer iox.DiscardClose(f)
		return serializer.Each(format, readerWithContext(ctx, f), fn)
	}
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

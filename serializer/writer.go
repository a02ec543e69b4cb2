package serializer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/types"
)

type encoder interface {
	encode(kind types.DocumentKind, doc types.Document) error
}

type msgpackEncoder struct{ enc *msgpack.Encoder }

func (e msgpackEncoder) encode(kind types.DocumentKind, doc types.Document) error {
	return e.enc.Encode([]any{string(kind), map[string]any(doc)})
}

type jsonlEncoder struct{ enc *json.Encoder }

func (e jsonlEncoder) encode(kind types.DocumentKind, doc types.Document) error {
	// json.Encoder sorts map keys and terminates each value with a newline.
	return e.enc.Encode([]any{string(kind), map[string]any(doc)})
}

func newEncoder(format Format, w io.Writer) encoder {
	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return jsonlEncoder{enc: enc}
	default:
		enc := msgpack.NewEncoder(w)
		enc.SetSortMapKeys(true)
		enc.UseCompactInts(true)
		return msgpackEncoder{enc: enc}
	}
}

// streamWriter encodes into a buffered bundle object.
type streamWriter struct {
	out      io.WriteCloser
	buf      *bufio.Writer
	enc      encoder
	location string
	closed   bool
}

func newStreamWriter(format Format, out io.WriteCloser, location string) *streamWriter {
	buf := bufio.NewWriter(out)
	return &streamWriter{out: out, buf: buf, enc: newEncoder(format, buf), location: location}
}

func (w *streamWriter) Write(kind types.DocumentKind, doc types.Document) error {
	if w.closed {
		return fmt.Errorf("write to closed writer for %s", w.location)
	}
	if !kind.IsValid() {
		return fmt.Errorf("refusing to write unknown document kind %q", kind)
	}
	if err := w.enc.encode(kind, doc); err != nil {
		return fmt.Errorf("failed to encode %s document: %w", kind, err)
	}
	return nil
}

func (w *streamWriter) Close() (types.Artifacts, error) {
	if w.closed {
		return nil, fmt.Errorf("writer for %s already closed", w.location)
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		bundle.Abort(w.out)
		return nil, fmt.Errorf("failed to flush %s: %w", w.location, err)
	}
	if err := w.out.Close(); err != nil {
		return nil, err
	}
	artifacts := types.Artifacts{}
	artifacts.Add(types.ArtifactsAll, w.location)
	return artifacts, nil
}

func (w *streamWriter) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	bundle.Abort(w.out)
}

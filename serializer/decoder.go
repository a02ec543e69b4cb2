package serializer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/runpack/types"
)

// Decoder reads (kind, document) pairs back from a run file.
type Decoder struct {
	next func() (any, error)
	n    int
}

// NewDecoder returns a decoder for format reading from r.
func NewDecoder(format Format, r io.Reader) *Decoder {
	br := bufio.NewReader(r)
	switch format {
	case FormatJSONL:
		dec := json.NewDecoder(br)
		dec.UseNumber()
		return &Decoder{next: func() (any, error) {
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, err
			}
			return normalizeNumbers(v), nil
		}}
	default:
		dec := msgpack.NewDecoder(br)
		dec.UseLooseInterfaceDecoding(true)
		return &Decoder{next: func() (any, error) {
			return dec.DecodeInterfaceLoose()
		}}
	}
}

// Next returns the next pair, or io.EOF after the last one.
func (d *Decoder) Next() (types.Pair, error) {
	v, err := d.next()
	if errors.Is(err, io.EOF) {
		return types.Pair{}, io.EOF
	}
	d.n++
	if err != nil {
		return types.Pair{}, fmt.Errorf("entry %d: %w", d.n, err)
	}
	return toPair(v, d.n)
}

func toPair(v any, n int) (types.Pair, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return types.Pair{}, fmt.Errorf("entry %d: expected [kind, document], got %T", n, v)
	}
	name, ok := arr[0].(string)
	if !ok {
		return types.Pair{}, fmt.Errorf("entry %d: kind is %T, not a string", n, arr[0])
	}
	kind, err := types.ParseDocumentKind(name)
	if err != nil {
		return types.Pair{}, fmt.Errorf("entry %d: %w", n, err)
	}
	doc, ok := arr[1].(map[string]any)
	if !ok {
		return types.Pair{}, fmt.Errorf("entry %d: %s document is %T, not a mapping", n, kind, arr[1])
	}
	return types.Pair{Kind: kind, Doc: types.Document(doc)}, nil
}

// Each decodes every pair of r in order and hands it to fn. Iteration
// stops at the first error from fn or from decoding.
func Each(format Format, r io.Reader, fn func(types.Pair) error) error {
	dec := NewDecoder(format, r)
	for {
		pair, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(pair); err != nil {
			return err
		}
	}
}

// FormatForPath infers the format from a file name's extension.
func FormatForPath(p string) (Format, bool) {
	switch strings.ToLower(path.Ext(p)) {
	case FormatMsgpack.Extension():
		return FormatMsgpack, true
	case FormatJSONL.Extension():
		return FormatJSONL, true
	default:
		return "", false
	}
}

// normalizeNumbers replaces json.Number values with int64 when integral,
// float64 otherwise, so JSON and msgpack streams decode alike.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

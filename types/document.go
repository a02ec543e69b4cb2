//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// DocumentKind names the kind of a document in a run stream.
type DocumentKind string

// Document kinds. The set is closed.
const (
	KindStart      DocumentKind = "start"
	KindDescriptor DocumentKind = "descriptor"
	KindEvent      DocumentKind = "event"
	KindEventPage  DocumentKind = "event_page"
	KindResource   DocumentKind = "resource"
	KindDatum      DocumentKind = "datum"
	KindDatumPage  DocumentKind = "datum_page"
	KindStop       DocumentKind = "stop"
)

var validKinds = map[DocumentKind]bool{
	KindStart:      true,
	KindDescriptor: true,
	KindEvent:      true,
	KindEventPage:  true,
	KindResource:   true,
	KindDatum:      true,
	KindDatumPage:  true,
	KindStop:       true,
}

// IsValid returns true if k is one of the known document kinds.
func (k DocumentKind) IsValid() bool {
	return validKinds[k]
}

// ParseDocumentKind validates a raw kind name read off the wire.
func ParseDocumentKind(s string) (DocumentKind, error) {
	k := DocumentKind(s)
	if !k.IsValid() {
		return "", fmt.Errorf("unknown document kind %q", s)
	}
	return k, nil
}

// Document is a string-keyed mapping. Documents are treated as values:
// code that needs to change a field works on a Clone.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// String returns the string value at key, or "" if absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Map returns the nested mapping at key, or nil.
// Both Document and map[string]any values are accepted.
func (d Document) Map(key string) map[string]any {
	switch m := d[key].(type) {
	case map[string]any:
		return m
	case Document:
		return m
	default:
		return nil
	}
}

// Float returns the numeric value at key as float64.
func (d Document) Float(key string) (float64, bool) {
	return ToFloat(d[key])
}

// ToFloat converts any decoded numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Pair is one entry of a run's canonical stream.
type Pair struct {
	Kind DocumentKind
	Doc  Document
}

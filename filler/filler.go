// Package filler resolves external references in run documents.
//
// Events that carry datum IDs instead of data are "unfilled". A Filler
// looks the datum up, asks the resource's Handler for the value, and
// returns a filled copy of the event. Resource and datum documents are
// external kinds: once events are filled they carry no information a
// reader needs.
package filler

import (
	"fmt"
	"sort"

	"github.com/justapithecus/runpack/types"
)

// Filler transforms documents and classifies external kinds.
type Filler interface {
	// Transform returns the document to emit in place of doc. The input is
	// never modified.
	Transform(kind types.DocumentKind, doc types.Document) (types.DocumentKind, types.Document, error)
	// IsExternalKind reports whether kind only carries external references.
	IsExternalKind(kind types.DocumentKind) bool
	// Close releases handlers and cached documents.
	Close() error
}

// IsExternalKind reports whether documents of kind reference external files.
func IsExternalKind(kind types.DocumentKind) bool {
	switch kind {
	case types.KindResource, types.KindDatum, types.KindDatumPage:
		return true
	default:
		return false
	}
}

// EventFiller fills events from one run's stream. It must see resource,
// datum and descriptor documents before the events that reference them,
// which the canonical order guarantees.
type EventFiller struct {
	registry Registry
	rootMap  map[string]string

	descriptors map[string]types.Document
	resources   map[string]types.Document
	datums      map[string]types.Document
	handlers    map[string]Handler
}

// Verify EventFiller implements Filler.
var _ Filler = (*EventFiller)(nil)

// New creates a filler resolving handlers from registry. rootMap is
// applied to resource roots.
func New(registry Registry, rootMap map[string]string) *EventFiller {
	return &EventFiller{
		registry:    registry,
		rootMap:     rootMap,
		descriptors: make(map[string]types.Document),
		resources:   make(map[string]types.Document),
		datums:      make(map[string]types.Document),
		handlers:    make(map[string]Handler),
	}
}

// IsExternalKind implements Filler.
func (f *EventFiller) IsExternalKind(kind types.DocumentKind) bool {
	return IsExternalKind(kind)
}

// Close implements Filler.
func (f *EventFiller) Close() error {
	clear(f.descriptors)
	clear(f.resources)
	clear(f.datums)
	clear(f.handlers)
	return nil
}

// Transform implements Filler.
func (f *EventFiller) Transform(kind types.DocumentKind, doc types.Document) (types.DocumentKind, types.Document, error) {
	switch kind {
	case types.KindDescriptor:
		f.descriptors[doc.String("uid")] = doc
	case types.KindResource:
		f.resources[doc.String("uid")] = doc
	case types.KindDatum:
		f.datums[doc.String("datum_id")] = doc
	case types.KindDatumPage:
		datums, err := ExpandDatumPage(doc)
		if err != nil {
			return "", nil, err
		}
		for _, d := range datums {
			f.datums[d.String("datum_id")] = d
		}
	case types.KindEvent:
		filled, err := f.fillEvent(doc)
		return kind, filled, err
	case types.KindEventPage:
		filled, err := f.fillEventPage(doc)
		return kind, filled, err
	}
	return kind, doc, nil
}

// externalKeys returns the data keys of the event's descriptor that hold
// datum IDs.
func (f *EventFiller) externalKeys(doc types.Document) map[string]bool {
	keys := make(map[string]bool)
	if desc, ok := f.descriptors[doc.String("descriptor")]; ok {
		for key, spec := range desc.Map("data_keys") {
			if m, ok := spec.(map[string]any); ok {
				if ext, _ := m["external"].(string); ext != "" {
					keys[key] = true
				}
			}
		}
	}
	for key, v := range doc.Map("filled") {
		if b, ok := v.(bool); ok && !b {
			keys[key] = true
		}
	}
	return keys
}

func (f *EventFiller) fillEvent(doc types.Document) (types.Document, error) {
	ext := f.externalKeys(doc)
	if len(ext) == 0 {
		return doc, nil
	}
	data := cloneMap(doc.Map("data"))
	filled := cloneMap(doc.Map("filled"))
	for _, key := range sortedKeys(ext) {
		if v, ok := filled[key].(bool); ok && v {
			continue
		}
		datumID, ok := data[key].(string)
		if !ok {
			continue
		}
		value, err := f.fetch(datumID)
		if err != nil {
			return nil, fmt.Errorf("event %s key %q: %w", doc.String("uid"), key, err)
		}
		data[key] = value
		filled[key] = true
	}
	out := doc.Clone()
	out["data"] = data
	out["filled"] = filled
	return out, nil
}

func (f *EventFiller) fillEventPage(doc types.Document) (types.Document, error) {
	ext := f.externalKeys(doc)
	if len(ext) == 0 {
		return doc, nil
	}
	data := cloneMap(doc.Map("data"))
	filled := cloneMap(doc.Map("filled"))
	for _, key := range sortedKeys(ext) {
		ids, ok := data[key].([]any)
		if !ok {
			continue
		}
		flags, _ := filled[key].([]any)
		values := make([]any, len(ids))
		newFlags := make([]any, len(ids))
		for i, raw := range ids {
			if i < len(flags) {
				if b, ok := flags[i].(bool); ok && b {
					values[i], newFlags[i] = raw, true
					continue
				}
			}
			datumID, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("event_page %s key %q: datum id at %d is %T", doc.String("uid"), key, i, raw)
			}
			value, err := f.fetch(datumID)
			if err != nil {
				return nil, fmt.Errorf("event_page %s key %q: %w", doc.String("uid"), key, err)
			}
			values[i], newFlags[i] = value, true
		}
		data[key] = values
		filled[key] = newFlags
	}
	out := doc.Clone()
	out["data"] = data
	out["filled"] = filled
	return out, nil
}

func (f *EventFiller) fetch(datumID string) (any, error) {
	datum, ok := f.datums[datumID]
	if !ok {
		return nil, fmt.Errorf("datum %s not found", datumID)
	}
	resUID := datum.String("resource")
	h, ok := f.handlers[resUID]
	if !ok {
		resource, ok := f.resources[resUID]
		if !ok {
			return nil, fmt.Errorf("resource %s for datum %s not found", resUID, datumID)
		}
		var err error
		h, err = f.registry.NewHandler(resource, f.rootMap)
		if err != nil {
			return nil, err
		}
		f.handlers[resUID] = h
	}
	value, err := h.Fetch(datum.Map("datum_kwargs"))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch datum %s: %w", datumID, err)
	}
	return value, nil
}

// ExpandDatumPage splits a datum_page into datum documents.
func ExpandDatumPage(page types.Document) ([]types.Document, error) {
	ids, ok := page["datum_id"].([]any)
	if !ok {
		return nil, fmt.Errorf("datum_page: datum_id is %T, not a list", page["datum_id"])
	}
	kwargs := page.Map("datum_kwargs")
	out := make([]types.Document, len(ids))
	for i, id := range ids {
		kw := make(map[string]any, len(kwargs))
		for name, column := range kwargs {
			values, ok := column.([]any)
			if !ok || len(values) != len(ids) {
				return nil, fmt.Errorf("datum_page: datum_kwargs[%q] does not match %d datum ids", name, len(ids))
			}
			kw[name] = values[i]
		}
		out[i] = types.Document{
			"datum_id":     id,
			"resource":     page["resource"],
			"datum_kwargs": kw,
		}
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

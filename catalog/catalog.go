// Package catalog reads runs from catalogs.
//
// A Catalog enumerates runs in a stable order (start time, then uid) and
// applies its root map when external files are resolved. Drivers:
//   - memory: runs held in memory (tests, fixtures)
//   - bluesky-msgpack-catalog / bluesky-jsonl-catalog: document files
//     written by a pack
//   - runpack-sqlite-catalog: runs registered into a SQLite database
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/query"
	"github.com/justapithecus/runpack/types"
)

var (
	// ErrRunNotFound is returned when no run matches a uid.
	ErrRunNotFound = errors.New("run not found")
	// ErrAmbiguousUID is returned when a partial uid matches several runs.
	ErrAmbiguousUID = errors.New("ambiguous partial uid")
	// ErrNoStart is returned when a run stream does not begin with a start document.
	ErrNoStart = errors.New("run does not begin with a start document")
)

// Run is one run of a catalog.
type Run interface {
	// UID returns the start document's uid.
	UID() string
	// Start returns the start document.
	Start() types.Document
	// Canonical streams the run's documents in canonical order.
	Canonical(ctx context.Context, fn func(types.Pair) error) error
	// FileList returns the external files backing resource, with the
	// catalog root map applied.
	FileList(ctx context.Context, resource types.Document) ([]string, error)
}

// Catalog is a searchable, ordered collection of runs.
type Catalog interface {
	// Len returns the number of runs.
	Len() int
	// Each calls fn for every run in order, stopping at the first error.
	Each(ctx context.Context, fn func(Run) error) error
	// Get returns the run with uid, accepting a unique uid prefix.
	Get(ctx context.Context, uid string) (Run, error)
	// Search returns the runs whose start document matches q.
	Search(q query.Query) Catalog
	// RootMap returns the root map applied at read time.
	RootMap() map[string]string
	// Close releases driver resources.
	Close() error
}

// Options configure a catalog.
type Options struct {
	RootMap  map[string]string
	Handlers filler.Registry
}

// streamFunc streams one run's documents.
type streamFunc func(ctx context.Context, fn func(types.Pair) error) error

type entry struct {
	uid    string
	start  types.Document
	stream streamFunc
}

// IndexCatalog is a Catalog over an in-memory index of start documents.
// Drivers differ only in how a run's documents are streamed.
type IndexCatalog struct {
	entries []*entry
	rootMap map[string]string
	handler filler.Registry
	closer  func() error
}

func newIndexCatalog(entries []*entry, opts Options, closer func() error) *IndexCatalog {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, _ := entries[i].start.Float("time")
		tj, _ := entries[j].start.Float("time")
		if ti != tj {
			return ti < tj
		}
		return entries[i].uid < entries[j].uid
	})
	handlers := opts.Handlers
	if handlers == nil {
		handlers = filler.Registry{}
	}
	return &IndexCatalog{entries: entries, rootMap: opts.RootMap, handler: handlers, closer: closer}
}

// Len implements Catalog.
func (c *IndexCatalog) Len() int { return len(c.entries) }

// RootMap implements Catalog.
func (c *IndexCatalog) RootMap() map[string]string { return c.rootMap }

// UIDs returns the run uids in order.
func (c *IndexCatalog) UIDs() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.uid
	}
	return out
}

// Each implements Catalog.
func (c *IndexCatalog) Each(ctx context.Context, fn func(Run) error) error {
	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(c.run(e)); err != nil {
			return err
		}
	}
	return nil
}

// Get implements Catalog.
func (c *IndexCatalog) Get(_ context.Context, uid string) (Run, error) {
	if uid == "" {
		return nil, fmt.Errorf("%w: empty uid", ErrRunNotFound)
	}
	var matches []*entry
	for _, e := range c.entries {
		if e.uid == uid {
			return c.run(e), nil
		}
		if strings.HasPrefix(e.uid, uid) {
			matches = append(matches, e)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, uid)
	case 1:
		return c.run(matches[0]), nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d runs", ErrAmbiguousUID, uid, len(matches))
	}
}

// Search implements Catalog.
func (c *IndexCatalog) Search(q query.Query) Catalog {
	var kept []*entry
	for _, e := range c.entries {
		if q.Match(e.start) {
			kept = append(kept, e)
		}
	}
	return &IndexCatalog{entries: kept, rootMap: c.rootMap, handler: c.handler}
}

// Close implements Catalog.
func (c *IndexCatalog) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *IndexCatalog) run(e *entry) *indexedRun {
	return &indexedRun{entry: e, catalog: c}
}

// indexedRun resolves files through the catalog's handler registry.
type indexedRun struct {
	*entry
	catalog *IndexCatalog

	datumsOnce sync.Once
	datums     map[string][]types.Document
	datumsErr  error
}

func (r *indexedRun) UID() string           { return r.uid }
func (r *indexedRun) Start() types.Document { return r.start }

func (r *indexedRun) Canonical(ctx context.Context, fn func(types.Pair) error) error {
	return r.stream(ctx, fn)
}

// FileList scans the run once for datums and groups them by resource.
func (r *indexedRun) FileList(ctx context.Context, resource types.Document) ([]string, error) {
	r.datumsOnce.Do(func() {
		r.datums, r.datumsErr = collectDatums(ctx, r.stream)
	})
	if r.datumsErr != nil {
		return nil, r.datumsErr
	}
	return r.catalog.handler.FileList(resource, r.datums[resource.String("uid")], r.catalog.rootMap)
}

func collectDatums(ctx context.Context, stream streamFunc) (map[string][]types.Document, error) {
	byResource := make(map[string][]types.Document)
	err := stream(ctx, func(p types.Pair) error {
		switch p.Kind {
		case types.KindDatum:
			res := p.Doc.String("resource")
			byResource[res] = append(byResource[res], p.Doc)
		case types.KindDatumPage:
			datums, err := filler.ExpandDatumPage(p.Doc)
			if err != nil {
				return err
			}
			res := p.Doc.String("resource")
			byResource[res] = append(byResource[res], datums...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect datums: %w", err)
	}
	return byResource, nil
}

// NewMemoryCatalog builds a catalog from in-memory runs. Each run must
// begin with its start document.
func NewMemoryCatalog(runs [][]types.Pair, opts Options) (*IndexCatalog, error) {
	entries := make([]*entry, 0, len(runs))
	for i, pairs := range runs {
		if len(pairs) == 0 || pairs[0].Kind != types.KindStart {
			return nil, fmt.Errorf("run %d: %w", i, ErrNoStart)
		}
		entries = append(entries, &entry{
			uid:   pairs[0].Doc.String("uid"),
			start: pairs[0].Doc,
			stream: func(ctx context.Context, fn func(types.Pair) error) error {
				for _, p := range pairs {
					if err := ctx.Err(); err != nil {
						return err
					}
					if err := fn(p); err != nil {
						return err
					}
				}
				return nil
			},
		})
	}
	return newIndexCatalog(entries, opts, nil), nil
}

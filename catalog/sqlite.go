package catalog

import (
	"context"
	"fmt"

	"github.com/justapithecus/runpack/docstore"
	"github.com/justapithecus/runpack/types"
)

// OpenSQLite indexes the runs stored in a document database. The returned
// catalog owns the store and closes it on Close.
func OpenSQLite(ctx context.Context, store *docstore.Store, opts Options) (*IndexCatalog, error) {
	rows, err := store.Runs(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]*entry, 0, len(rows))
	for _, row := range rows {
		uid := row.UID
		entries = append(entries, &entry{
			uid:   uid,
			start: row.Start,
			stream: func(ctx context.Context, fn func(types.Pair) error) error {
				return store.Stream(ctx, uid, fn)
			},
		})
	}
	return newIndexCatalog(entries, opts, store.Close), nil
}

// OpenSQLitePath opens the database at uri and indexes it.
func OpenSQLitePath(ctx context.Context, uri string, opts Options) (*IndexCatalog, error) {
	path, err := docstore.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	store, err := docstore.Open(path)
	if err != nil {
		return nil, err
	}
	cat, err := OpenSQLite(ctx, store, opts)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to index %s: %w", path, err)
	}
	return cat, nil
}

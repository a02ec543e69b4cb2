package lode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/types"
)

// writeCheckKey is written and deleted by Prepare to check the store accepts writes.
const writeCheckKey = ".runpack-writecheck"

// StoreManager is a bundle.Manager backed by a Lode store.
//
// Objects are buffered in memory and committed with a single Put on Close.
// Exclusive create is an Exists check immediately before the Put, which
// holds under the single-writer assumption documented on bundle.Manager.
type StoreManager struct {
	factory   lode.StoreFactory
	base      string
	backend   string
	collector *metrics.Collector

	storeOnce sync.Once
	store     lode.Store
	storeErr  error

	mu        sync.Mutex
	reserved  map[string]bool
	artifacts types.Artifacts
}

// Verify StoreManager implements bundle.Manager and bundle.ObjectReader.
var (
	_ bundle.Manager      = (*StoreManager)(nil)
	_ bundle.ObjectReader = (*StoreManager)(nil)
)

// NewStoreManager creates a manager over the store produced by factory.
// base is the location prefix reported for objects (e.g. "s3://bucket/prefix").
// The store is created lazily on first use.
func NewStoreManager(factory lode.StoreFactory, base, backend string, collector *metrics.Collector) *StoreManager {
	return &StoreManager{
		factory:   factory,
		base:      strings.TrimSuffix(base, "/"),
		backend:   backend,
		collector: collector,
		reserved:  make(map[string]bool),
		artifacts: types.Artifacts{},
	}
}

// NewMemoryManager creates a manager over a fresh in-memory store.
func NewMemoryManager(collector *metrics.Collector) *StoreManager {
	store := lode.NewMemory()
	return NewStoreManager(func() (lode.Store, error) { return store, nil }, "mem://bundle", "memory", collector)
}

func (m *StoreManager) getOrCreateStore() (lode.Store, error) {
	m.storeOnce.Do(func() {
		m.store, m.storeErr = m.factory()
		if m.storeErr != nil {
			m.storeErr = WrapInitError(m.storeErr, m.base)
		}
	})
	return m.store, m.storeErr
}

// Store returns the underlying store, creating it if needed.
func (m *StoreManager) Store() (lode.Store, error) {
	return m.getOrCreateStore()
}

// Backend implements bundle.Manager.
func (m *StoreManager) Backend() string { return m.backend }

// Prepare implements bundle.Manager by writing and deleting a marker object.
func (m *StoreManager) Prepare(ctx context.Context) error {
	store, err := m.getOrCreateStore()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, writeCheckKey, bytes.NewReader(nil)); err != nil {
		return WrapWriteError(err, m.Location(writeCheckKey))
	}
	if err := store.Delete(ctx, writeCheckKey); err != nil {
		return WrapWriteError(err, m.Location(writeCheckKey))
	}
	return nil
}

// Open implements bundle.Manager.
func (m *StoreManager) Open(ctx context.Context, label, postfix string) (io.WriteCloser, error) {
	clean, err := bundle.CleanPostfix(postfix)
	if err != nil {
		return nil, err
	}
	store, err := m.getOrCreateStore()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.reserved[clean] {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", bundle.ErrExists, m.Location(clean))
	}
	m.reserved[clean] = true
	m.mu.Unlock()

	exists, err := store.Exists(ctx, clean)
	if err != nil {
		return nil, WrapReadError(err, m.Location(clean))
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", bundle.ErrExists, m.Location(clean))
	}
	return &storeWriter{ctx: ctx, m: m, store: store, label: label, key: clean}, nil
}

// Exists implements bundle.Manager.
func (m *StoreManager) Exists(ctx context.Context, postfix string) (bool, error) {
	clean, err := bundle.CleanPostfix(postfix)
	if err != nil {
		return false, err
	}
	store, err := m.getOrCreateStore()
	if err != nil {
		return false, err
	}
	exists, err := store.Exists(ctx, clean)
	if err != nil {
		return false, WrapReadError(err, m.Location(clean))
	}
	return exists, nil
}

// Location implements bundle.Manager.
func (m *StoreManager) Location(postfix string) string {
	return m.base + "/" + postfix
}

// Rel implements bundle.Manager.
func (m *StoreManager) Rel(location string) (string, error) {
	rel, ok := strings.CutPrefix(location, m.base+"/")
	if !ok {
		return "", fmt.Errorf("%w: %s is outside %s", bundle.ErrInvalidPostfix, location, m.base)
	}
	return rel, nil
}

// Artifacts implements bundle.Manager.
func (m *StoreManager) Artifacts() types.Artifacts {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := types.Artifacts{}
	out.Merge(m.artifacts)
	return out
}

// OpenObject implements bundle.ObjectReader.
func (m *StoreManager) OpenObject(ctx context.Context, postfix string) (io.ReadCloser, error) {
	store, err := m.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	rc, err := store.Get(ctx, postfix)
	if err != nil {
		return nil, WrapReadError(err, m.Location(postfix))
	}
	return rc, nil
}

// ReadObject returns the content of a committed object.
func (m *StoreManager) ReadObject(ctx context.Context, postfix string) ([]byte, error) {
	rc, err := m.OpenObject(ctx, postfix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// List returns the committed keys under prefix.
func (m *StoreManager) List(ctx context.Context, prefix string) ([]string, error) {
	store, err := m.getOrCreateStore()
	if err != nil {
		return nil, err
	}
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, WrapReadError(err, m.Location(prefix))
	}
	return keys, nil
}

type storeWriter struct {
	ctx   context.Context
	m     *StoreManager
	store lode.Store
	label string
	key   string
	buf   bytes.Buffer
	done  bool
}

func (w *storeWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *storeWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	loc := w.m.Location(w.key)

	exists, err := w.store.Exists(w.ctx, w.key)
	if err != nil {
		w.m.collector.IncStoreWriteFailure()
		return WrapReadError(err, loc)
	}
	if exists {
		w.m.collector.IncStoreWriteFailure()
		return fmt.Errorf("%w: %s", bundle.ErrExists, loc)
	}
	if err := w.store.Put(w.ctx, w.key, bytes.NewReader(w.buf.Bytes())); err != nil {
		w.m.collector.IncStoreWriteFailure()
		return WrapWriteError(err, loc)
	}
	w.m.collector.IncStoreWriteSuccess()

	w.m.mu.Lock()
	w.m.artifacts.Add(w.label, loc)
	w.m.mu.Unlock()
	return nil
}

// Abort discards the buffered object.
func (w *storeWriter) Abort() {
	w.done = true
	w.buf.Reset()
}

// Package metrics provides per-batch metrics collection.
//
// The Collector accumulates counters while a pack runs. It is a leaf package
// with no internal dependencies; document kinds are recorded as strings.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all batch metrics.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Runs
	RunsAttempted int64 `json:"runs_attempted" yaml:"runs_attempted" msgpack:"runs_attempted"`
	RunsExported  int64 `json:"runs_exported" yaml:"runs_exported" msgpack:"runs_exported"`
	RunsFailed    int64 `json:"runs_failed" yaml:"runs_failed" msgpack:"runs_failed"`

	// Documents
	DocumentsWritten int64            `json:"documents_written" yaml:"documents_written" msgpack:"documents_written"`
	DocumentsDropped int64            `json:"documents_dropped" yaml:"documents_dropped" msgpack:"documents_dropped"`
	DroppedByKind    map[string]int64 `json:"dropped_by_kind" yaml:"dropped_by_kind" msgpack:"dropped_by_kind"`
	ResourcesSeen    int64            `json:"resources_seen" yaml:"resources_seen" msgpack:"resources_seen"`

	// External files
	FilesListed     int64 `json:"files_listed" yaml:"files_listed" msgpack:"files_listed"`
	FilesCopied     int64 `json:"files_copied" yaml:"files_copied" msgpack:"files_copied"`
	FilesCopyFailed int64 `json:"files_copy_failed" yaml:"files_copy_failed" msgpack:"files_copy_failed"`
	BytesCopied     int64 `json:"bytes_copied" yaml:"bytes_copied" msgpack:"bytes_copied"`

	// Bundle storage
	ManifestsWritten  int64 `json:"manifests_written" yaml:"manifests_written" msgpack:"manifests_written"`
	StoreWriteSuccess int64 `json:"store_write_success" yaml:"store_write_success" msgpack:"store_write_success"`
	StoreWriteFailure int64 `json:"store_write_failure" yaml:"store_write_failure" msgpack:"store_write_failure"`

	// Dimensions (informational, set at construction)
	Format         string `json:"format" yaml:"format" msgpack:"format"`
	ExternalPolicy string `json:"external_policy" yaml:"external_policy" msgpack:"external_policy"`
	StorageBackend string `json:"storage_backend" yaml:"storage_backend" msgpack:"storage_backend"`
}

// Collector accumulates metrics during a single batch.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	runsAttempted int64
	runsExported  int64
	runsFailed    int64

	documentsWritten int64
	documentsDropped int64
	droppedByKind    map[string]int64
	resourcesSeen    int64

	filesListed     int64
	filesCopied     int64
	filesCopyFailed int64
	bytesCopied     int64

	manifestsWritten  int64
	storeWriteSuccess int64
	storeWriteFailure int64

	format         string
	externalPolicy string
	storageBackend string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(format, externalPolicy, storageBackend string) *Collector {
	return &Collector{
		droppedByKind:  make(map[string]int64),
		format:         format,
		externalPolicy: externalPolicy,
		storageBackend: storageBackend,
	}
}

func (c *Collector) add(counter *int64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*counter += n
	c.mu.Unlock()
}

// --- Runs ---

// IncRunAttempted records a run the batch tried to export.
func (c *Collector) IncRunAttempted() {
	if c == nil {
		return
	}
	c.add(&c.runsAttempted, 1)
}

// IncRunExported records a run that exported without error.
func (c *Collector) IncRunExported() {
	if c == nil {
		return
	}
	c.add(&c.runsExported, 1)
}

// IncRunFailed records a failed run.
func (c *Collector) IncRunFailed() {
	if c == nil {
		return
	}
	c.add(&c.runsFailed, 1)
}

// --- Documents ---

// IncDocumentWritten records a document handed to the serializer.
func (c *Collector) IncDocumentWritten() {
	if c == nil {
		return
	}
	c.add(&c.documentsWritten, 1)
}

// IncDocumentDropped records a document removed from the output by the
// filler, keyed by its kind.
func (c *Collector) IncDocumentDropped(kind string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.documentsDropped++
	c.droppedByKind[kind]++
	c.mu.Unlock()
}

// IncResourceSeen records a resource document.
func (c *Collector) IncResourceSeen() {
	if c == nil {
		return
	}
	c.add(&c.resourcesSeen, 1)
}

// --- External files ---

// AddFilesListed records files discovered for a resource.
func (c *Collector) AddFilesListed(n int) {
	if c == nil {
		return
	}
	c.add(&c.filesListed, int64(n))
}

// IncFileCopied records a copied file and its size.
func (c *Collector) IncFileCopied(bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.filesCopied++
	c.bytesCopied += bytes
	c.mu.Unlock()
}

// IncFileCopyFailed records a file that could not be copied.
func (c *Collector) IncFileCopyFailed() {
	if c == nil {
		return
	}
	c.add(&c.filesCopyFailed, 1)
}

// --- Bundle storage ---
// Store counters are per object, not per byte.

// IncManifestWritten records a manifest or catalog file.
func (c *Collector) IncManifestWritten() {
	if c == nil {
		return
	}
	c.add(&c.manifestsWritten, 1)
}

// IncStoreWriteSuccess records a committed store object.
func (c *Collector) IncStoreWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.storeWriteSuccess, 1)
}

// IncStoreWriteFailure records a store object that failed to commit.
func (c *Collector) IncStoreWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.storeWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByKind))
	for k, v := range c.droppedByKind {
		dropped[k] = v
	}

	return Snapshot{
		RunsAttempted: c.runsAttempted,
		RunsExported:  c.runsExported,
		RunsFailed:    c.runsFailed,

		DocumentsWritten: c.documentsWritten,
		DocumentsDropped: c.documentsDropped,
		DroppedByKind:    dropped,
		ResourcesSeen:    c.resourcesSeen,

		FilesListed:     c.filesListed,
		FilesCopied:     c.filesCopied,
		FilesCopyFailed: c.filesCopyFailed,
		BytesCopied:     c.bytesCopied,

		ManifestsWritten:  c.manifestsWritten,
		StoreWriteSuccess: c.storeWriteSuccess,
		StoreWriteFailure: c.storeWriteFailure,

		Format:         c.format,
		ExternalPolicy: c.externalPolicy,
		StorageBackend: c.storageBackend,
	}
}

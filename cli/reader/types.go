// Package reader provides the read-side data access layer for the
// runpack CLI: bundle summaries, registered catalogs and pack reports.
//
// Nothing in this package writes.
package reader

// BundleSummary describes a bundle directory.
type BundleSummary struct {
	Path              string   `json:"path"`
	Driver            string   `json:"driver"`
	Generator         string   `json:"generator"`
	DocumentFiles     int      `json:"document_files"`
	Runs              int      `json:"runs"`
	RootMapEntries    int      `json:"root_map_entries"`
	ExternalManifests int      `json:"external_manifests"`
	ExternalFiles     int      `json:"external_files"`
	UIDs              []string `json:"uids"`
}

// CatalogItem is one registered catalog.
type CatalogItem struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
	Target string `json:"target"`
}

// PackReport is the stored summary of one pack.
type PackReport struct {
	Catalog      string   `json:"catalog"`
	Bundle       string   `json:"bundle"`
	CompletedAt  string   `json:"completed_at"`
	Failures     []string `json:"failures"`
	CopyFailures []string `json:"copy_failures"`

	RunsAttempted    int64            `json:"runs_attempted"`
	RunsExported     int64            `json:"runs_exported"`
	RunsFailed       int64            `json:"runs_failed"`
	DocumentsWritten int64            `json:"documents_written"`
	DocumentsDropped int64            `json:"documents_dropped"`
	DroppedByKind    map[string]int64 `json:"dropped_by_kind"`
	ResourcesSeen    int64            `json:"resources_seen"`
	FilesListed      int64            `json:"files_listed"`
	FilesCopied      int64            `json:"files_copied"`
	FilesCopyFailed  int64            `json:"files_copy_failed"`
	BytesCopied      int64            `json:"bytes_copied"`
	ManifestsWritten int64            `json:"manifests_written"`

	Format         string `json:"format"`
	ExternalPolicy string `json:"external_policy"`
	StorageBackend string `json:"storage_backend"`
}

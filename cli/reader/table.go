package reader

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// inlineItems is the longest list a table cell shows in full.
const inlineItems = 3

// CatalogList is the table form of ListCatalogs.
type CatalogList []CatalogItem

// TableHeader implements render.Table.
func (l CatalogList) TableHeader() []string {
	return []string{"name", "driver", "target"}
}

// TableRows implements render.Table.
func (l CatalogList) TableRows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, item := range l {
		rows = append(rows, []string{item.Name, item.Driver, item.Target})
	}
	return rows
}

// TableHeader implements render.Table; a summary renders as key/value rows.
func (s BundleSummary) TableHeader() []string { return nil }

// TableRows implements render.Table.
func (s BundleSummary) TableRows() [][]string {
	return [][]string{
		{"path", s.Path},
		{"driver", s.Driver},
		{"generator", s.Generator},
		{"document_files", strconv.Itoa(s.DocumentFiles)},
		{"runs", strconv.Itoa(s.Runs)},
		{"root_map_entries", strconv.Itoa(s.RootMapEntries)},
		{"external_manifests", strconv.Itoa(s.ExternalManifests)},
		{"external_files", strconv.Itoa(s.ExternalFiles)},
		{"uids", listCell(s.UIDs)},
	}
}

// TableHeader implements render.Table; a report renders as key/value rows.
func (p PackReport) TableHeader() []string { return nil }

// TableRows implements render.Table.
func (p PackReport) TableRows() [][]string {
	count := func(n int64) string { return strconv.FormatInt(n, 10) }
	return [][]string{
		{"catalog", p.Catalog},
		{"bundle", p.Bundle},
		{"completed_at", p.CompletedAt},
		{"format", p.Format},
		{"external_policy", p.ExternalPolicy},
		{"storage_backend", p.StorageBackend},
		{"runs_attempted", count(p.RunsAttempted)},
		{"runs_exported", count(p.RunsExported)},
		{"runs_failed", count(p.RunsFailed)},
		{"documents_written", count(p.DocumentsWritten)},
		{"documents_dropped", count(p.DocumentsDropped)},
		{"dropped_by_kind", countsCell(p.DroppedByKind)},
		{"resources_seen", count(p.ResourcesSeen)},
		{"files_listed", count(p.FilesListed)},
		{"files_copied", count(p.FilesCopied)},
		{"files_copy_failed", count(p.FilesCopyFailed)},
		{"bytes_copied", count(p.BytesCopied)},
		{"manifests_written", count(p.ManifestsWritten)},
		{"failures", listCell(p.Failures)},
		{"copy_failures", listCell(p.CopyFailures)},
	}
}

// listCell shows short lists in full and longer ones as a count.
func listCell(items []string) string {
	switch {
	case len(items) == 0:
		return "[]"
	case len(items) <= inlineItems:
		return strings.Join(items, ",")
	default:
		return fmt.Sprintf("[%d items]", len(items))
	}
}

// countsCell renders per-key counts sorted by key.
func countsCell(counts map[string]int64) string {
	if len(counts) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(counts))
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, k+"="+strconv.FormatInt(counts[k], 10))
	}
	return strings.Join(parts, ",")
}

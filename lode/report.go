package lode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/runpack/metrics"
)

// ReportDataset is the dataset ID pack reports are written to.
const ReportDataset = "runpack"

// RecordKindPackReport discriminates pack report records.
const RecordKindPackReport = "pack_report"

// ErrNoReportFound is returned when no pack report exists in the dataset.
var ErrNoReportFound = errors.New("no pack report found")

// Report summarizes one pack.
type Report struct {
	Catalog      string
	Bundle       string
	CompletedAt  time.Time
	Metrics      metrics.Snapshot
	Failures     []string
	CopyFailures []string
}

// NewReportDataset opens the report dataset over factory, partitioned by
// catalog and day.
func NewReportDataset(factory lode.StoreFactory) (lode.Dataset, error) {
	ds, err := lode.NewDataset(
		lode.DatasetID(ReportDataset),
		factory,
		lode.WithHiveLayout("catalog", "day"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, ReportDataset)
	}
	return ds, nil
}

// NewReportDatasetFS opens the report dataset under a local directory.
func NewReportDatasetFS(rootPath string) (lode.Dataset, error) {
	return NewReportDataset(lode.NewFSFactory(rootPath))
}

// WriteReport appends r as a single-record snapshot.
func WriteReport(ctx context.Context, ds lode.Dataset, r Report) error {
	if _, err := ds.Write(ctx, []any{toReportRecordMap(r)}, lode.Metadata{}); err != nil {
		return WrapWriteError(err, ReportDataset)
	}
	return nil
}

// toReportRecordMap converts a Report to a map for Lode storage.
// Lode HiveLayout requires records as map[string]any.
func toReportRecordMap(r Report) map[string]any {
	s := r.Metrics
	return map[string]any{
		"record_kind":   RecordKindPackReport,
		"catalog":       partitionValue(r.Catalog),
		"day":           r.CompletedAt.UTC().Format("2006-01-02"),
		"bundle":        r.Bundle,
		"completed_at":  r.CompletedAt.UTC().Format(time.RFC3339Nano),
		"failures":      nonNil(r.Failures),
		"copy_failures": nonNil(r.CopyFailures),
		"metrics": map[string]any{
			"runs_attempted":      s.RunsAttempted,
			"runs_exported":       s.RunsExported,
			"runs_failed":         s.RunsFailed,
			"documents_written":   s.DocumentsWritten,
			"documents_dropped":   s.DocumentsDropped,
			"dropped_by_kind":     s.DroppedByKind,
			"resources_seen":      s.ResourcesSeen,
			"files_listed":        s.FilesListed,
			"files_copied":        s.FilesCopied,
			"files_copy_failed":   s.FilesCopyFailed,
			"bytes_copied":        s.BytesCopied,
			"manifests_written":   s.ManifestsWritten,
			"store_write_success": s.StoreWriteSuccess,
			"store_write_failure": s.StoreWriteFailure,
			"format":              s.Format,
			"external_policy":     s.ExternalPolicy,
			"storage_backend":     s.StorageBackend,
		},
	}
}

// partitionValue makes a catalog name safe as a Hive path segment.
func partitionValue(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "=", "_").Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// QueryLatestReport finds and reads the most recent pack report.
// Filters by catalog if non-empty.
func QueryLatestReport(ctx context.Context, ds lode.Dataset, catalog string) (map[string]any, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, ReportDataset+"/snapshots")
	}

	// Snapshots are ordered by creation time; walk latest first.
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]

		if catalog != "" && !snapshotMatchesPartition(snap, "catalog", partitionValue(catalog)) {
			continue
		}

		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", ReportDataset, snap.ID))
		}
		for _, item := range data {
			record, ok := item.(map[string]any)
			if !ok || record["record_kind"] != RecordKindPackReport {
				continue
			}
			if catalog != "" && record["catalog"] != partitionValue(catalog) {
				continue
			}
			return record, nil
		}
	}
	return nil, ErrNoReportFound
}

// snapshotMatchesPartition checks whether any file of snap lies in the
// key=value Hive partition. Segments are matched exactly so that
// catalog=a does not match catalog=ab.
func snapshotMatchesPartition(snap *lode.Snapshot, key, value string) bool {
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		for _, part := range strings.Split(f.Path, "/") {
			if part == segment {
				return true
			}
		}
	}
	return false
}

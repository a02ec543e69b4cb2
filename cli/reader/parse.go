package reader

import "errors"

// ParseReportRecord converts a Lode record (map[string]any) to a PackReport.
// Handles both int64 (direct writes) and float64 (JSON round-trips) for numeric fields.
func ParseReportRecord(record map[string]any) (*PackReport, error) {
	if record == nil {
		return nil, errors.New("nil record")
	}

	r := &PackReport{
		Catalog:      toString(record["catalog"]),
		Bundle:       toString(record["bundle"]),
		CompletedAt:  toString(record["completed_at"]),
		Failures:     toStrings(record["failures"]),
		CopyFailures: toStrings(record["copy_failures"]),
	}

	m, _ := record["metrics"].(map[string]any)
	if m == nil {
		return nil, errors.New("report record missing required field: metrics")
	}
	r.RunsAttempted = toInt64(m["runs_attempted"])
	r.RunsExported = toInt64(m["runs_exported"])
	r.RunsFailed = toInt64(m["runs_failed"])
	r.DocumentsWritten = toInt64(m["documents_written"])
	r.DocumentsDropped = toInt64(m["documents_dropped"])
	r.DroppedByKind = parseDroppedByKind(m["dropped_by_kind"])
	r.ResourcesSeen = toInt64(m["resources_seen"])
	r.FilesListed = toInt64(m["files_listed"])
	r.FilesCopied = toInt64(m["files_copied"])
	r.FilesCopyFailed = toInt64(m["files_copy_failed"])
	r.BytesCopied = toInt64(m["bytes_copied"])
	r.ManifestsWritten = toInt64(m["manifests_written"])
	r.Format = toString(m["format"])
	r.ExternalPolicy = toString(m["external_policy"])
	r.StorageBackend = toString(m["storage_backend"])

	// The write path always populates these.
	if r.CompletedAt == "" {
		return nil, errors.New("report record missing required field: completed_at")
	}
	if r.Bundle == "" {
		return nil, errors.New("report record missing required field: bundle")
	}
	return r, nil
}

// toInt64 converts a value to int64, handling float64 from JSON and int64 from direct writes.
func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// toString converts a value to string, returning empty string for nil/non-string.
func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return []string{}
	}
}

// parseDroppedByKind handles both map[string]int64 (direct) and
// map[string]any (JSON round-trip).
func parseDroppedByKind(v any) map[string]int64 {
	switch m := v.(type) {
	case map[string]int64:
		return m
	case map[string]any:
		result := make(map[string]int64, len(m))
		for k, val := range m {
			result[k] = toInt64(val)
		}
		return result
	default:
		return map[string]int64{}
	}
}

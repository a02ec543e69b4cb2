// Package notify publishes pack completion events to downstream systems.
//
// A Notifier is built from configuration by the CLI, used once after a pack
// finishes and then closed.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/justapithecus/runpack/metrics"
)

// EventPackCompleted is the event_type of every published event.
const EventPackCompleted = "pack_completed"

// Outcomes of a pack.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
)

// PackCompletedEvent is the payload published when a pack finishes.
type PackCompletedEvent struct {
	EventType      string `json:"event_type"`
	Version        string `json:"version"`
	Catalog        string `json:"catalog"`
	Bundle         string `json:"bundle"`
	CatalogFile    string `json:"catalog_file"`
	Outcome        string `json:"outcome"`
	Format         string `json:"format"`
	ExternalPolicy string `json:"external_policy"`
	StorageBackend string `json:"storage_backend"`
	Timestamp      string `json:"timestamp"` // RFC 3339
	RunsExported   int64  `json:"runs_exported"`
	RunsFailed     int64  `json:"runs_failed"`
	Documents      int64  `json:"documents"`
	FilesCopied    int64  `json:"files_copied"`
	FilesFailed    int64  `json:"files_failed"`
	DurationMs     int64  `json:"duration_ms"`
}

// NewPackCompletedEvent builds an event from a finished pack's metrics.
// failed reports whether any run or file failed.
func NewPackCompletedEvent(version, catalog, bundle, catalogFile string, s metrics.Snapshot, failed bool, started, finished time.Time) *PackCompletedEvent {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomePartial
	}
	return &PackCompletedEvent{
		EventType:      EventPackCompleted,
		Version:        version,
		Catalog:        catalog,
		Bundle:         bundle,
		CatalogFile:    catalogFile,
		Outcome:        outcome,
		Format:         s.Format,
		ExternalPolicy: s.ExternalPolicy,
		StorageBackend: s.StorageBackend,
		Timestamp:      finished.UTC().Format(time.RFC3339),
		RunsExported:   s.RunsExported,
		RunsFailed:     s.RunsFailed,
		Documents:      s.DocumentsWritten,
		FilesCopied:    s.FilesCopied,
		FilesFailed:    s.FilesCopyFailed,
		DurationMs:     finished.Sub(started).Milliseconds(),
	}
}

// Notifier publishes pack completion events.
type Notifier interface {
	// Publish sends one event. Must respect context cancellation.
	Publish(ctx context.Context, event *PackCompletedEvent) error

	// Close releases notifier resources.
	Close() error
}

// Multi fans an event out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi []Notifier

// Publish sends event to every notifier.
func (m Multi) Publish(ctx context.Context, event *PackCompletedEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every notifier.
func (m Multi) Close() error {
	var errs []error
	for _, n := range m {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Backoff returns the wait before retry attempt i (i >= 1).
func Backoff(i int) time.Duration {
	return time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
}

var _ Notifier = Multi(nil)

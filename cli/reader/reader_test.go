package reader

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	lodelib "github.com/justapithecus/lode/lode"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/lode"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/pack"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

func packFixture(t *testing.T, noDocuments bool) string {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "frame.raw"), []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	var runs [][]types.Pair
	for _, uid := range []string{"run-a", "run-b"} {
		runs = append(runs, []types.Pair{
			{Kind: types.KindStart, Doc: types.Document{"uid": uid, "time": 1.5}},
			{Kind: types.KindResource, Doc: types.Document{
				"uid": "res-" + uid, "spec": filler.HandlerRaw, "root": root,
				"resource_path": "frame.raw", "resource_kwargs": map[string]any{},
			}},
			{Kind: types.KindStop, Doc: types.Document{"uid": "stop-" + uid, "run_start": uid}},
		})
	}
	c, err := catalog.NewMemoryCatalog(runs, catalog.Options{Handlers: filler.DefaultRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "bundle")
	d, err := bundle.NewDirectory(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pack.Pack(t.Context(), pack.Options{
		Catalog: c, Manager: d, Format: serializer.FormatJSONL,
		Salt: []byte("SALT"), NoDocuments: noDocuments,
	}); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestInspectBundle(t *testing.T) {
	dir := packFixture(t, false)

	s, err := InspectBundle(t.Context(), dir)
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if s.Driver != serializer.FormatJSONL.Driver() {
		t.Errorf("Driver = %q", s.Driver)
	}
	if s.DocumentFiles != 2 || s.Runs != 2 {
		t.Errorf("DocumentFiles = %d, Runs = %d, want 2, 2", s.DocumentFiles, s.Runs)
	}
	if !slices.Equal(s.UIDs, []string{"run-a", "run-b"}) {
		t.Errorf("UIDs = %v", s.UIDs)
	}
	// Both runs share one root.
	if s.RootMapEntries != 1 || s.ExternalManifests != 1 || s.ExternalFiles != 1 {
		t.Errorf("root map %d, manifests %d, files %d, want 1, 1, 1",
			s.RootMapEntries, s.ExternalManifests, s.ExternalFiles)
	}
	if s.Generator == "" {
		t.Error("Generator is empty")
	}
}

func TestInspectBundle_NoDocuments(t *testing.T) {
	s, err := InspectBundle(t.Context(), packFixture(t, true))
	if err != nil {
		t.Fatalf("InspectBundle: %v", err)
	}
	if s.Runs != 0 || s.DocumentFiles != 0 || len(s.UIDs) != 0 {
		t.Errorf("summary = %+v, want no runs", s)
	}
	if s.ExternalManifests != 1 {
		t.Errorf("ExternalManifests = %d, want 1", s.ExternalManifests)
	}
}

func TestInspectBundle_NotABundle(t *testing.T) {
	if _, err := InspectBundle(t.Context(), t.TempDir()); err == nil {
		t.Fatal("expected error for directory without catalog.yml")
	}
}

func TestListCatalogs(t *testing.T) {
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sources := map[string]catalog.Source{
		"beta":  {Driver: catalog.DriverSQLite, Args: catalog.SourceArgs{Database: "/db/beta.db"}},
		"alpha": {Driver: serializer.FormatMsgpack.Driver(), Args: catalog.SourceArgs{Paths: []string{"/b/1.msgpack", "/b/2.msgpack"}}},
	}
	for name, src := range sources {
		if _, err := reg.Install(name, src, false); err != nil {
			t.Fatal(err)
		}
	}

	items, err := ListCatalogs(reg)
	if err != nil {
		t.Fatal(err)
	}
	want := []CatalogItem{
		{Name: "alpha", Driver: serializer.FormatMsgpack.Driver(), Target: "/b/1.msgpack,/b/2.msgpack"},
		{Name: "beta", Driver: catalog.DriverSQLite, Target: "/db/beta.db"},
	}
	if !slices.Equal(items, want) {
		t.Errorf("items = %+v, want %+v", items, want)
	}
}

func TestLatestReport(t *testing.T) {
	store := lodelib.NewMemory()
	ds, err := lode.NewReportDataset(func() (lodelib.Store, error) { return store, nil })
	if err != nil {
		t.Fatal(err)
	}

	if _, err := LatestReport(t.Context(), ds, ""); !errors.Is(err, lode.ErrNoReportFound) {
		t.Fatalf("empty dataset: err = %v, want ErrNoReportFound", err)
	}

	c := metrics.NewCollector("msgpack", "record", "fs")
	c.IncRunAttempted()
	c.IncRunAttempted()
	c.IncRunExported()
	c.IncRunFailed()
	c.IncDocumentDropped("datum")
	c.IncFileCopied(42)
	if err := lode.WriteReport(t.Context(), ds, lode.Report{
		Catalog:     "xyz",
		Bundle:      "/bundles/one",
		CompletedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Metrics:     c.Snapshot(),
		Failures:    []string{"run-bad"},
	}); err != nil {
		t.Fatal(err)
	}

	r, err := LatestReport(t.Context(), ds, "xyz")
	if err != nil {
		t.Fatalf("LatestReport: %v", err)
	}
	if r.Bundle != "/bundles/one" || r.RunsAttempted != 2 || r.RunsFailed != 1 || r.BytesCopied != 42 {
		t.Errorf("report = %+v", r)
	}
	if r.DroppedByKind["datum"] != 1 {
		t.Errorf("DroppedByKind = %v", r.DroppedByKind)
	}
	if !slices.Equal(r.Failures, []string{"run-bad"}) || len(r.CopyFailures) != 0 {
		t.Errorf("failures = %v, copy failures = %v", r.Failures, r.CopyFailures)
	}

	if _, err := LatestReport(t.Context(), ds, "other"); !errors.Is(err, lode.ErrNoReportFound) {
		t.Errorf("other catalog: err = %v, want ErrNoReportFound", err)
	}
}

package unpack

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/manifest"
	"github.com/justapithecus/runpack/pack"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/roothash"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

func fixtureRuns(root string) [][]types.Pair {
	var runs [][]types.Pair
	for i, uid := range []string{"run-a", "run-b"} {
		runs = append(runs, []types.Pair{
			{Kind: types.KindStart, Doc: types.Document{"uid": uid, "time": 1.5 + float64(i), "plan_name": "scan"}},
			{Kind: types.KindDescriptor, Doc: types.Document{
				"uid": uid + "-d", "run_start": uid,
				"data_keys": map[string]any{"img": map[string]any{"external": "FILESTORE:"}},
			}},
			{Kind: types.KindResource, Doc: types.Document{
				"uid": uid + "-res", "spec": filler.HandlerRaw, "root": root,
				"resource_path": uid + ".raw", "resource_kwargs": map[string]any{},
			}},
			{Kind: types.KindDatum, Doc: types.Document{
				"datum_id": uid + "-res/0", "resource": uid + "-res", "datum_kwargs": map[string]any{},
			}},
			{Kind: types.KindEvent, Doc: types.Document{
				"uid": uid + "-e", "descriptor": uid + "-d", "seq_num": int64(1),
				"data": map[string]any{"img": uid + "-res/0"}, "filled": map[string]any{"img": false},
			}},
			{Kind: types.KindStop, Doc: types.Document{"uid": uid + "-stop", "run_start": uid, "exit_status": "success"}},
		})
	}
	return runs
}

func packFixture(t *testing.T, format serializer.Format, policy types.ExternalPolicy, copyFiles bool) (string, *catalog.IndexCatalog) {
	t.Helper()
	root := t.TempDir()
	for _, uid := range []string{"run-a", "run-b"} {
		if err := os.WriteFile(filepath.Join(root, uid+".raw"), []byte("data of "+uid), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	src, err := catalog.NewMemoryCatalog(fixtureRuns(root), catalog.Options{Handlers: filler.DefaultRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Join(t.TempDir(), "bundle")
	m, err := bundle.NewDirectory(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := pack.Pack(t.Context(), pack.Options{
		Catalog: src, Manager: m, Format: format, External: policy,
		Copy: copyFiles, Handlers: filler.DefaultRegistry(), Salt: []byte("SALT"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed() {
		t.Fatalf("pack failures: %+v %v", res.Export.Failures, res.CopyFailures)
	}
	return dir, src
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.New(filepath.Join(t.TempDir(), "catalogs"))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// canonical renders a document so values that differ only in numeric
// type compare equal.
func canonical(t *testing.T, doc types.Document) string {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func collect(t *testing.T, c catalog.Catalog) map[string][]types.Pair {
	t.Helper()
	out := make(map[string][]types.Pair)
	err := c.Each(t.Context(), func(r catalog.Run) error {
		return r.Canonical(t.Context(), func(p types.Pair) error {
			out[r.UID()] = append(out[r.UID()], p)
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		policy types.ExternalPolicy
		copy   bool
	}{
		{"record", types.ExternalRecord, false},
		{"record copy", types.ExternalRecord, true},
		{"fill", types.ExternalFill, false},
		{"ignore", types.ExternalIgnore, false},
	}
	for _, format := range []serializer.Format{serializer.FormatMsgpack, serializer.FormatJSONL} {
		for _, tc := range cases {
			t.Run(string(format)+" "+tc.name, func(t *testing.T) {
				dir, src := packFixture(t, format, tc.policy, tc.copy)
				reg := newRegistry(t)
				if _, err := InPlace(reg, dir, "packed", true); err != nil {
					t.Fatal(err)
				}
				registered, err := reg.Get("packed")
				if err != nil {
					t.Fatal(err)
				}
				c, err := catalog.Open(t.Context(), registered, filler.DefaultRegistry())
				if err != nil {
					t.Fatal(err)
				}
				defer func() { _ = c.Close() }()

				want := expectedRuns(t, src, tc.policy)
				got := collect(t, c)
				if !reflect.DeepEqual(keys(got), keys(want)) {
					t.Fatalf("runs = %v, want %v", keys(got), keys(want))
				}
				for uid, pairs := range got {
					wantPairs := want[uid]
					if len(pairs) != len(wantPairs) {
						t.Fatalf("%s: %d documents, want %d", uid, len(pairs), len(wantPairs))
					}
					for i := range pairs {
						if pairs[i].Kind != wantPairs[i].Kind {
							t.Errorf("%s[%d] kind = %s, want %s", uid, i, pairs[i].Kind, wantPairs[i].Kind)
							continue
						}
						if g, w := canonical(t, pairs[i].Doc), canonical(t, wantPairs[i].Doc); g != w {
							t.Errorf("%s[%d] %s = %s, want %s", uid, i, pairs[i].Kind, g, w)
						}
					}
				}

				if tc.policy == types.ExternalRecord {
					assertFilesReachable(t, c)
				}
			})
		}
	}
}

// expectedRuns returns what a bundle packed from src under policy reads
// back as: filled events without external documents for fill, and
// resources rooted at their salted alias otherwise.
func expectedRuns(t *testing.T, src catalog.Catalog, policy types.ExternalPolicy) map[string][]types.Pair {
	t.Helper()
	out := make(map[string][]types.Pair)
	for uid, pairs := range collect(t, src) {
		f := filler.New(filler.DefaultRegistry(), nil)
		for _, p := range pairs {
			switch {
			case policy == types.ExternalFill:
				kind, doc, err := f.Transform(p.Kind, p.Doc)
				if err != nil {
					t.Fatal(err)
				}
				if filler.IsExternalKind(kind) {
					continue
				}
				p = types.Pair{Kind: kind, Doc: doc}
			case p.Kind == types.KindResource:
				doc := p.Doc.Clone()
				doc["root"] = roothash.Hash([]byte("SALT"), p.Doc.String("root"))
				p = types.Pair{Kind: p.Kind, Doc: doc}
			}
			out[uid] = append(out[uid], p)
		}
		_ = f.Close()
	}
	return out
}

func TestRoundTrip_FilledDataMatchesSource(t *testing.T) {
	for _, format := range []serializer.Format{serializer.FormatMsgpack, serializer.FormatJSONL} {
		t.Run(string(format), func(t *testing.T) {
			dir, _ := packFixture(t, format, types.ExternalFill, false)
			src, err := ReadBundle(dir)
			if err != nil {
				t.Fatal(err)
			}
			c, err := catalog.Open(t.Context(), src, filler.DefaultRegistry())
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = c.Close() }()

			for uid, pairs := range collect(t, c) {
				for _, p := range pairs {
					if p.Kind != types.KindEvent {
						continue
					}
					want := filler.ByteValues([]byte("data of " + uid))
					if got := p.Doc.Map("data")["img"]; !reflect.DeepEqual(got, want) {
						t.Errorf("%s img = %#v, want %#v", uid, got, want)
					}
				}
			}
		})
	}
}

// assertFilesReachable checks each resource resolves, through the
// registered root_map, to a file holding the run's data.
func assertFilesReachable(t *testing.T, c catalog.Catalog) {
	t.Helper()
	err := c.Each(t.Context(), func(r catalog.Run) error {
		return r.Canonical(t.Context(), func(p types.Pair) error {
			if p.Kind != types.KindResource {
				return nil
			}
			files, err := r.FileList(t.Context(), p.Doc)
			if err != nil {
				return err
			}
			if len(files) != 1 {
				t.Errorf("%s: files = %v", r.UID(), files)
				return nil
			}
			data, err := os.ReadFile(files[0])
			if err != nil {
				return err
			}
			if string(data) != "data of "+r.UID() {
				t.Errorf("%s: content = %q", r.UID(), data)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func keys(m map[string][]types.Pair) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return types.NewPathSet(out...).Sorted()
}

func TestInPlace_NameExistsWritesNothing(t *testing.T) {
	dir, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalRecord, false)
	reg := newRegistry(t)
	if _, err := InPlace(reg, dir, "xyz", false); err != nil {
		t.Fatal(err)
	}
	before := readAll(t, reg.Path("xyz"))

	_, err := InPlace(reg, dir, "xyz", false)
	var exists *registry.NameExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("err = %v, want NameExistsError", err)
	}
	if after := readAll(t, reg.Path("xyz")); after != before {
		t.Error("registration modified")
	}
}

func TestInPlace_MergeTwoBundles(t *testing.T) {
	dirA, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalRecord, true)
	dirB, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalRecord, true)
	reg := newRegistry(t)
	if _, err := InPlace(reg, dirA, "xyz", false); err != nil {
		t.Fatal(err)
	}
	// Both bundles use the same salt but different source roots, so their
	// aliases differ and the merge succeeds.
	if _, err := InPlace(reg, dirB, "xyz", true); err != nil {
		t.Fatal(err)
	}
	src, err := reg.Get("xyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(src.Args.Paths) != 2 || len(src.Args.RootMap) != 2 {
		t.Errorf("merged source = %+v", src.Args)
	}
	for _, v := range src.Args.RootMap {
		if !filepath.IsAbs(v) {
			t.Errorf("root_map value %q not absolute", v)
		}
	}
}

func TestInPlace_RootMapCollision(t *testing.T) {
	write := func(rootMap string) string {
		dir := t.TempDir()
		body := "sources:\n  packed_catalog:\n    driver: bluesky-msgpack-catalog\n    args:\n      paths: [" +
			filepath.Join(dir, "documents", "*.msgpack") + "]\n      root_map:\n        a: " + rootMap + "\n"
		if err := os.WriteFile(filepath.Join(dir, manifest.CatalogFile), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
		return dir
	}
	reg := newRegistry(t)
	if _, err := InPlace(reg, write("/x"), "xyz", false); err != nil {
		t.Fatal(err)
	}
	before := readAll(t, reg.Path("xyz"))

	_, err := InPlace(reg, write("/y"), "xyz", true)
	var collision *catalog.RootMapCollisionError
	if !errors.As(err, &collision) {
		t.Fatalf("err = %v, want RootMapCollisionError", err)
	}
	if after := readAll(t, reg.Path("xyz")); after != before {
		t.Error("registration modified by a rejected merge")
	}
}

func TestReadBundle_Validation(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadBundle(file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("err = %v, want ErrNotDirectory", err)
	}
	if _, err := ReadBundle(t.TempDir()); !errors.Is(err, ErrNoCatalogFile) {
		t.Errorf("err = %v, want ErrNoCatalogFile", err)
	}
}

func TestReadBundle_RebasesPaths(t *testing.T) {
	dir, _ := packFixture(t, serializer.FormatJSONL, types.ExternalRecord, true)
	src, err := ReadBundle(dir)
	if err != nil {
		t.Fatal(err)
	}
	abs, _ := filepath.Abs(dir)
	if want := []string{filepath.Join(abs, "documents", "*.jsonl")}; !reflect.DeepEqual(src.Args.Paths, want) {
		t.Errorf("paths = %v, want %v", src.Args.Paths, want)
	}
	for _, v := range src.Args.RootMap {
		if filepath.Dir(filepath.Dir(v)) != abs {
			t.Errorf("root_map value %q not under %s", v, abs)
		}
	}
}

func TestDatabase(t *testing.T) {
	dir, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalRecord, true)
	reg := newRegistry(t)
	dbPath := filepath.Join(t.TempDir(), "db", "runpack_xyz.db")

	var seen []string
	opts := DatabaseOptions{OnRun: func(uid string, inserted bool) {
		if inserted {
			seen = append(seen, uid)
		}
	}}
	if _, err := Database(t.Context(), reg, dir, "sqlite://"+dbPath, "xyz", false, opts); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(seen, []string{"run-a", "run-b"}) {
		t.Errorf("inserted = %v", seen)
	}

	src, err := reg.Get("xyz")
	if err != nil {
		t.Fatal(err)
	}
	if src.Driver != catalog.DriverSQLite || src.Args.Database != dbPath {
		t.Errorf("source = %+v", src)
	}
	c, err := catalog.Open(t.Context(), src, filler.DefaultRegistry())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	assertFilesReachable(t, c)

	var exists *registry.NameExistsError
	if _, err := Database(t.Context(), reg, dir, dbPath, "xyz", false, DatabaseOptions{}); !errors.As(err, &exists) {
		t.Errorf("err = %v, want NameExistsError", err)
	}

	seen = nil
	if _, err := Database(t.Context(), reg, dir, dbPath, "xyz", true, opts); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 0 {
		t.Errorf("re-inserted runs: %v", seen)
	}
}

func TestDatabase_ConflictsCopyNothing(t *testing.T) {
	dir, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalRecord, false)

	site := t.TempDir()
	data, err := (&catalog.File{Sources: map[string]catalog.Source{
		"shared": {Driver: catalog.DriverSQLite, Args: catalog.SourceArgs{Database: "/site/shared.db"}},
	}}).Marshal()
	if err != nil {
		t.Fatal(err)
	}
	sitePath := filepath.Join(site, "site.yml")
	if err := os.WriteFile(sitePath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.New(filepath.Join(t.TempDir(), "catalogs"), site)
	if err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(t.TempDir(), "runpack_shared.db")

	var ro *registry.ReadOnlyError
	if _, err := Database(t.Context(), reg, dir, dbPath, "shared", true, DatabaseOptions{}); !errors.As(err, &ro) {
		t.Fatalf("err = %v, want ReadOnlyError", err)
	}
	var exists *registry.NameExistsError
	if _, err := Database(t.Context(), reg, dir, dbPath, "shared", false, DatabaseOptions{}); !errors.As(err, &exists) {
		t.Fatalf("err = %v, want NameExistsError", err)
	}
	if exists.Path != sitePath {
		t.Errorf("NameExistsError.Path = %q, want %q", exists.Path, sitePath)
	}
	if _, err := os.Stat(dbPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("database created despite the conflict: %v", err)
	}
}

func TestDatabase_RejectsMongo(t *testing.T) {
	dir, _ := packFixture(t, serializer.FormatMsgpack, types.ExternalIgnore, false)
	_, err := Database(t.Context(), newRegistry(t), dir, "mongodb://localhost/x", "xyz", false, DatabaseOptions{})
	if err == nil {
		t.Error("expected error for mongodb uri")
	}
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/query"
	"github.com/justapithecus/runpack/roothash"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// recordingSerializer keeps every written document in memory.
type recordingSerializer struct {
	runs    map[string][]types.Pair
	aborted []string
}

func newRecordingSerializer() *recordingSerializer {
	return &recordingSerializer{runs: make(map[string][]types.Pair)}
}

func (s *recordingSerializer) Open(_ context.Context, run serializer.RunContext) (serializer.Writer, error) {
	return &recordingWriter{s: s, uid: run.UID}, nil
}

type recordingWriter struct {
	s     *recordingSerializer
	uid   string
	pairs []types.Pair
}

func (w *recordingWriter) Write(kind types.DocumentKind, doc types.Document) error {
	w.pairs = append(w.pairs, types.Pair{Kind: kind, Doc: doc})
	return nil
}

func (w *recordingWriter) Close() (types.Artifacts, error) {
	w.s.runs[w.uid] = w.pairs
	a := types.Artifacts{}
	a.Add(types.ArtifactsAll, "documents/"+w.uid+".msgpack")
	return a, nil
}

func (w *recordingWriter) Abort() { w.s.aborted = append(w.s.aborted, w.uid) }

// seqRun is a run with one RAW_SEQ resource covering two files.
func seqRun(uid string, t float64, root string) []types.Pair {
	return []types.Pair{
		{Kind: types.KindStart, Doc: types.Document{"uid": uid, "time": t}},
		{Kind: types.KindResource, Doc: types.Document{
			"uid": uid + "-res", "spec": filler.HandlerRawSeq, "root": root,
			"resource_path": "det", "resource_kwargs": map[string]any{},
		}},
		{Kind: types.KindDatumPage, Doc: types.Document{
			"resource":     uid + "-res",
			"datum_id":     []any{uid + "-res/0", uid + "-res/1"},
			"datum_kwargs": map[string]any{"index": []any{int64(0), int64(1)}},
		}},
		{Kind: types.KindStop, Doc: types.Document{"uid": uid + "-stop"}},
	}
}

// brokenRun has a resource no handler can serve.
func brokenRun(uid string, t float64) []types.Pair {
	return []types.Pair{
		{Kind: types.KindStart, Doc: types.Document{"uid": uid, "time": t}},
		{Kind: types.KindResource, Doc: types.Document{
			"uid": uid + "-res", "spec": "NO_SUCH_SPEC", "root": "/broken", "resource_path": "x",
		}},
	}
}

func memCatalog(t *testing.T, runs ...[]types.Pair) *catalog.IndexCatalog {
	t.Helper()
	c, err := catalog.NewMemoryCatalog(runs, catalog.Options{Handlers: filler.DefaultRegistry()})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestExportRun_SingleResource(t *testing.T) {
	salt := []byte("SALT")
	c := memCatalog(t, seqRun("r1", 1, "/data/det1"))
	run, err := c.Get(t.Context(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	ser := newRecordingSerializer()

	artifacts, files, err := ExportRun(t.Context(), run, ser, nil, roothash.New(salt), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}

	alias := roothash.Hash(salt, "/data/det1")
	key := types.RootKey{RootInDocument: "/data/det1", ResolvedRoot: "/data/det1", UniqueID: alias}
	if keys := files.Keys(); !reflect.DeepEqual(keys, []types.RootKey{key}) {
		t.Fatalf("keys = %v, want [%v]", keys, key)
	}
	want := []string{filepath.Join("/data/det1", "det_0.raw"), filepath.Join("/data/det1", "det_1.raw")}
	if got := files[key].Sorted(); !reflect.DeepEqual(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}
	if got := artifacts.Sorted(types.ArtifactsAll); len(got) != 1 {
		t.Errorf("artifacts = %v", got)
	}

	written := ser.runs["r1"]
	if len(written) != 4 {
		t.Fatalf("wrote %d documents, want 4", len(written))
	}
	if root := written[1].Doc.String("root"); root != alias {
		t.Errorf("resource root = %q, want %q", root, alias)
	}
	if root := seqRun("r1", 1, "/data/det1")[1].Doc.String("root"); root != "/data/det1" {
		t.Errorf("input mutated: %q", root)
	}
}

func TestExportRun_RootMapApplied(t *testing.T) {
	salt := []byte("s")
	c, err := catalog.NewMemoryCatalog([][]types.Pair{seqRun("r1", 1, "/old")}, catalog.Options{
		RootMap:  map[string]string{"/old": "/new"},
		Handlers: filler.DefaultRegistry(),
	})
	if err != nil {
		t.Fatal(err)
	}
	run, _ := c.Get(t.Context(), "r1")
	_, files, err := ExportRun(t.Context(), run, newRecordingSerializer(), c.RootMap(), roothash.New(salt), RunOptions{})
	if err != nil {
		t.Fatal(err)
	}
	keys := files.Keys()
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	if keys[0].RootInDocument != "/old" || keys[0].ResolvedRoot != "/new" || keys[0].UniqueID != roothash.Hash(salt, "/new") {
		t.Errorf("key = %+v", keys[0])
	}
	for _, f := range files[keys[0]].Sorted() {
		if filepath.Dir(f) != "/new" {
			t.Errorf("file %s not under the resolved root", f)
		}
	}
}

func TestExportRun_IgnorePolicy(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/data/det1"))
	run, _ := c.Get(t.Context(), "r1")
	ser := newRecordingSerializer()
	hash := roothash.New([]byte("s"))

	_, files, err := ExportRun(t.Context(), run, ser, nil, hash, RunOptions{External: types.ExternalIgnore})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("ignore policy collected files: %v", files)
	}
	if root := ser.runs["r1"][1].Doc.String("root"); root != hash("/data/det1") {
		t.Errorf("root = %q, want alias", root)
	}
}

func TestExportRun_NoDocuments(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/data/det1"))
	run, _ := c.Get(t.Context(), "r1")
	ser := newRecordingSerializer()

	artifacts, files, err := ExportRun(t.Context(), run, ser, nil, roothash.New([]byte("s")), RunOptions{NoDocuments: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(ser.runs) != 0 {
		t.Error("documents written with NoDocuments")
	}
	if len(artifacts) != 0 {
		t.Errorf("artifacts = %v", artifacts)
	}
	if len(files) != 1 {
		t.Errorf("files = %v, want one key", files)
	}
}

func TestExportRun_FillPolicy(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "img.raw"), []byte("pixels"), 0o644); err != nil {
		t.Fatal(err)
	}
	pairs := []types.Pair{
		{Kind: types.KindStart, Doc: types.Document{"uid": "r1", "time": 1.0}},
		{Kind: types.KindDescriptor, Doc: types.Document{
			"uid": "d1", "data_keys": map[string]any{"img": map[string]any{"external": "FILESTORE:"}},
		}},
		{Kind: types.KindResource, Doc: types.Document{
			"uid": "res1", "spec": filler.HandlerRaw, "root": root, "resource_path": "img.raw",
		}},
		{Kind: types.KindDatum, Doc: types.Document{"datum_id": "res1/0", "resource": "res1", "datum_kwargs": map[string]any{}}},
		{Kind: types.KindEvent, Doc: types.Document{
			"uid": "e1", "descriptor": "d1", "data": map[string]any{"img": "res1/0"}, "filled": map[string]any{"img": false},
		}},
	}
	c := memCatalog(t, pairs)
	run, _ := c.Get(t.Context(), "r1")
	ser := newRecordingSerializer()
	collector := metrics.NewCollector("msgpack", "fill", "fs")

	_, files, err := ExportRun(t.Context(), run, ser, nil, roothash.New([]byte("s")), RunOptions{
		External:  types.ExternalFill,
		Filler:    filler.New(filler.DefaultRegistry(), nil),
		Collector: collector,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("fill policy collected files: %v", files)
	}
	var kinds []types.DocumentKind
	for _, p := range ser.runs["r1"] {
		kinds = append(kinds, p.Kind)
	}
	if want := []types.DocumentKind{types.KindStart, types.KindDescriptor, types.KindEvent}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
	if got := collector.Snapshot().DocumentsDropped; got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestExportRun_FillRequiresFiller(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/x"))
	run, _ := c.Get(t.Context(), "r1")
	_, _, err := ExportRun(t.Context(), run, newRecordingSerializer(), nil, roothash.New(nil), RunOptions{External: types.ExternalFill})
	if !errors.Is(err, ErrNoFiller) {
		t.Errorf("err = %v, want ErrNoFiller", err)
	}
}

func TestExportRun_FailureAbortsWriter(t *testing.T) {
	c := memCatalog(t, brokenRun("bad", 1))
	run, _ := c.Get(t.Context(), "bad")
	ser := newRecordingSerializer()
	if _, _, err := ExportRun(t.Context(), run, ser, nil, roothash.New(nil), RunOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if !reflect.DeepEqual(ser.aborted, []string{"bad"}) {
		t.Errorf("aborted = %v", ser.aborted)
	}
	if _, ok := ser.runs["bad"]; ok {
		t.Error("failed run was committed")
	}
}

type closeFailingFiller struct {
	filler.Filler
	closed int
}

func (f *closeFailingFiller) Close() error {
	f.closed++
	return errors.New("handler release failed")
}

func TestExportRun_FillerCloseFailureCommitsNothing(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, t.TempDir()))
	run, _ := c.Get(t.Context(), "r1")
	ser := newRecordingSerializer()
	f := &closeFailingFiller{Filler: filler.New(filler.DefaultRegistry(), nil)}

	_, _, err := ExportRun(t.Context(), run, ser, nil, roothash.New([]byte("s")), RunOptions{Filler: f})
	if err == nil || !strings.Contains(err.Error(), "handler release failed") {
		t.Fatalf("err = %v, want filler close error", err)
	}
	if _, ok := ser.runs["r1"]; ok {
		t.Error("run committed although the filler failed to close")
	}
	if !reflect.DeepEqual(ser.aborted, []string{"r1"}) {
		t.Errorf("aborted = %v", ser.aborted)
	}
	if f.closed != 1 {
		t.Errorf("filler closed %d times, want 1", f.closed)
	}
}

func TestExportCatalog_FailureIsolation(t *testing.T) {
	for _, pos := range []int{0, 1, 2, 3} {
		t.Run(string(rune('a'+pos)), func(t *testing.T) {
			var runs [][]types.Pair
			for i := range 3 {
				runs = append(runs, seqRun("ok"+string(rune('0'+i)), float64(i*2), "/root"+string(rune('0'+i))))
			}
			// Times 0, 2, 4; a broken run at time pos*2-1 lands at index pos.
			runs = append(runs, brokenRun("bad", float64(pos*2)-1))
			c := memCatalog(t, runs...)

			ser := newRecordingSerializer()
			res, err := ExportCatalog(t.Context(), c, Options{Serializer: ser, Salt: []byte("s")})
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(res.Failures, []string{"bad"}) {
				t.Errorf("failures = %v", res.Failures)
			}
			if got := len(res.Artifacts.Sorted(types.ArtifactsAll)); got != 3 {
				t.Errorf("artifacts = %d, want 3", got)
			}
			if got := len(res.Files.Keys()); got != 3 {
				t.Errorf("file keys = %d, want 3", got)
			}
		})
	}
}

// failingRun fails its stream with a fixed error.
type failingRun struct{ err error }

func (r failingRun) UID() string           { return "fail" }
func (r failingRun) Start() types.Document { return types.Document{"uid": "fail"} }
func (r failingRun) Canonical(context.Context, func(types.Pair) error) error {
	return r.err
}
func (r failingRun) FileList(context.Context, types.Document) ([]string, error) { return nil, nil }

// stubCatalog serves a fixed list of runs.
type stubCatalog struct{ runs []catalog.Run }

func (c stubCatalog) Len() int { return len(c.runs) }
func (c stubCatalog) Each(ctx context.Context, fn func(catalog.Run) error) error {
	for _, r := range c.runs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}
func (c stubCatalog) Get(_ context.Context, uid string) (catalog.Run, error) {
	for _, r := range c.runs {
		if r.UID() == uid {
			return r, nil
		}
	}
	return nil, catalog.ErrRunNotFound
}
func (c stubCatalog) Search(query.Query) catalog.Catalog { return c }
func (c stubCatalog) RootMap() map[string]string         { return nil }
func (c stubCatalog) Close() error                       { return nil }

func TestExportCatalog_StrictReturnsUnderlyingError(t *testing.T) {
	boom := errors.New("boom")
	c := stubCatalog{runs: []catalog.Run{failingRun{err: boom}}}
	res, err := ExportCatalog(t.Context(), c, Options{Strict: true, Serializer: newRecordingSerializer()})
	if err != boom {
		t.Errorf("err = %v, want the run's error unmodified", err)
	}
	if res != nil {
		t.Errorf("result = %+v, want nil", res)
	}
}

func TestExportCatalog_Limit(t *testing.T) {
	c := memCatalog(t,
		brokenRun("b0", 0),
		seqRun("r1", 1, "/r1"),
		brokenRun("b2", 2),
		seqRun("r3", 3, "/r3"),
		seqRun("r4", 4, "/r4"),
	)
	for _, limit := range []int{1, 2, 3, 5} {
		collector := metrics.NewCollector("msgpack", "record", "fs")
		_, err := ExportCatalog(t.Context(), c, Options{
			Serializer: newRecordingSerializer(),
			Limit:      limit,
			Collector:  collector,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := collector.Snapshot().RunsAttempted; got != int64(limit) {
			t.Errorf("limit %d: attempted %d", limit, got)
		}
	}
}

func TestExportCatalog_NegativeLimit(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/r1"))
	if _, err := ExportCatalog(t.Context(), c, Options{Serializer: newRecordingSerializer(), Limit: -1}); !errors.Is(err, ErrInvalidLimit) {
		t.Errorf("err = %v, want ErrInvalidLimit", err)
	}
}

func TestExportCatalog_DeterministicWithSalt(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/a"), seqRun("r2", 2, "/b"))
	var prev []types.RootKey
	for range 2 {
		res, err := ExportCatalog(t.Context(), c, Options{Serializer: newRecordingSerializer(), Salt: []byte("fixed")})
		if err != nil {
			t.Fatal(err)
		}
		keys := res.Files.Keys()
		if prev != nil && !reflect.DeepEqual(prev, keys) {
			t.Errorf("keys differ across runs: %v vs %v", prev, keys)
		}
		prev = keys
	}
}

func TestExportCatalog_GeneratesSalt(t *testing.T) {
	c := memCatalog(t, seqRun("r1", 1, "/a"))
	res, err := ExportCatalog(t.Context(), c, Options{Serializer: newRecordingSerializer()})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Salt) == 0 {
		t.Error("no salt generated")
	}
	if res.Failures == nil {
		t.Error("Failures is nil")
	}
}

type countingProgress struct {
	docs     int
	runs     []string
	failures int
}

func (p *countingProgress) Document() { p.docs++ }
func (p *countingProgress) RunDone(uid string, failures int) {
	p.runs = append(p.runs, uid)
	p.failures = failures
}

func TestExportUIDs(t *testing.T) {
	c := memCatalog(t, seqRun("abc1", 1, "/a"), seqRun("def2", 2, "/b"), seqRun("deg3", 3, "/c"))
	progress := &countingProgress{}

	res, err := ExportUIDs(t.Context(), c, []string{"def2", "abc", "missing", "de"}, Options{
		Serializer: newRecordingSerializer(),
		Progress:   progress,
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"missing", "de"}; !reflect.DeepEqual(res.Failures, want) {
		t.Errorf("failures = %v, want %v", res.Failures, want)
	}
	if got := len(res.Artifacts.Sorted(types.ArtifactsAll)); got != 2 {
		t.Errorf("artifacts = %d, want 2", got)
	}
	if len(progress.runs) != 4 || progress.failures != 2 {
		t.Errorf("progress = %+v", progress)
	}
	if progress.docs != 8 {
		t.Errorf("documents = %d, want 8", progress.docs)
	}
}

func TestExportUIDs_Limit(t *testing.T) {
	c := memCatalog(t, seqRun("a", 1, "/a"), seqRun("b", 2, "/b"))
	res, err := ExportUIDs(t.Context(), c, []string{"a", "b"}, Options{Serializer: newRecordingSerializer(), Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Artifacts.Sorted(types.ArtifactsAll); !reflect.DeepEqual(got, []string{"documents/a.msgpack"}) {
		t.Errorf("artifacts = %v", got)
	}
}

package cmd

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/cli/config"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/manifest"
	"github.com/justapithecus/runpack/notify"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// testApp returns an app whose exit handler leaves the process alone.
func testApp() *cli.App {
	return &cli.App{
		Name:           "runpack",
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			PackCommand(),
			UnpackCommand(),
			CatalogsCommand(),
			InspectCommand(),
			StatsCommand(),
			VersionCommand("test"),
		},
	}
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	return testApp().Run(append([]string{"runpack"}, args...))
}

func exitCode(err error) int {
	var ec cli.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	if err != nil {
		return exitFailure
	}
	return exitSuccess
}

// sourceCatalog writes two jsonl runs referencing one external file and
// a catalog file describing them. It returns the catalog file path.
func sourceCatalog(t *testing.T) string {
	t.Helper()
	t.Setenv(registry.EnvSearchPath, t.TempDir())
	t.Setenv(config.EnvConfigPath, "")

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "frame.raw"), []byte("frame"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	mgr, err := bundle.NewDirectory(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := serializer.New(serializer.FormatJSONL, mgr)
	for i, uid := range []string{"run-a", "run-b"} {
		w, err := s.Open(t.Context(), serializer.RunContext{UID: uid})
		if err != nil {
			t.Fatal(err)
		}
		for _, p := range []types.Pair{
			{Kind: types.KindStart, Doc: types.Document{"uid": uid, "time": float64(i) + 0.5}},
			{Kind: types.KindResource, Doc: types.Document{
				"uid": "res-" + uid, "spec": filler.HandlerRaw, "root": root,
				"resource_path": "frame.raw", "resource_kwargs": map[string]any{},
			}},
			{Kind: types.KindStop, Doc: types.Document{"uid": "stop-" + uid, "run_start": uid}},
		} {
			if err := w.Write(p.Kind, p.Doc); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}

	f := catalog.File{Sources: map[string]catalog.Source{
		"source": {
			Driver: serializer.FormatJSONL.Driver(),
			Args:   catalog.SourceArgs{Paths: []string{filepath.Join(dir, serializer.FormatJSONL.Glob())}},
		},
	}}
	data, err := yaml.Marshal(f)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "source.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPackUnpack_EndToEnd(t *testing.T) {
	src := sourceCatalog(t)
	out := filepath.Join(t.TempDir(), "bundle")

	if err := run(t, "pack", "--all", "--format", "JSONL", "--salt", "SALT", "--copy-external", src, out); err != nil {
		t.Fatalf("pack: %v", err)
	}
	for _, name := range []string{manifest.CatalogFile, manifest.DocumentsManifest, "documents/run-a.jsonl"} {
		if _, err := os.Stat(filepath.Join(out, name)); err != nil {
			t.Errorf("bundle missing %s: %v", name, err)
		}
	}

	if err := run(t, "unpack", out, "packed"); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	reg, err := registry.Default()
	if err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get("packed")
	if err != nil {
		t.Fatalf("registered source: %v", err)
	}
	if got.Driver != serializer.FormatJSONL.Driver() || len(got.Args.Paths) != 1 {
		t.Errorf("registered source = %+v", got)
	}

	// The registered bundle can itself be packed by name.
	again := filepath.Join(t.TempDir(), "again")
	if err := run(t, "pack", "--uids", writeUIDs(t, "# selected\nrun-b\n\n"), "--ignore-external", "packed", again); err != nil {
		t.Fatalf("pack by name: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again, "documents", "run-b.msgpack")); err != nil {
		t.Errorf("run-b not packed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(again, "documents", "run-a.msgpack")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("run-a should not be packed: %v", err)
	}

	err = run(t, "unpack", "--no-merge", out, "packed")
	if exitCode(err) != exitFailure {
		t.Errorf("unpack --no-merge over existing name: err = %v, want exit 1", err)
	}

	if err := run(t, "inspect", "--format", "json", out); err != nil {
		t.Errorf("inspect: %v", err)
	}
}

func TestPack_NoResults(t *testing.T) {
	src := sourceCatalog(t)
	err := run(t, "pack", "--query", "{plan_name: nothing}", src, filepath.Join(t.TempDir(), "b"))
	if exitCode(err) != exitFailure || !strings.Contains(err.Error(), "no results") {
		t.Errorf("err = %v, want no results exit", err)
	}
}

func TestPack_NotifyWebhook(t *testing.T) {
	src := sourceCatalog(t)
	events := make(chan notify.PackCompletedEvent, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e notify.PackCompletedEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			t.Errorf("decode: %v", err)
		}
		events <- e
	}))
	defer ts.Close()

	out := filepath.Join(t.TempDir(), "b")
	if err := run(t, "pack", "--all", "--notify-webhook", ts.URL, src, out); err != nil {
		t.Fatalf("pack: %v", err)
	}

	select {
	case e := <-events:
		if e.EventType != notify.EventPackCompleted || e.Outcome != notify.OutcomeSuccess {
			t.Errorf("event = %+v", e)
		}
		if e.RunsExported != 2 || e.Catalog != src {
			t.Errorf("event = %+v", e)
		}
		if e.Version != types.Version {
			t.Errorf("Version = %q", e.Version)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestPack_NotifyFailureIsNotFatal(t *testing.T) {
	src := sourceCatalog(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	if err := run(t, "pack", "--all", "--notify-webhook", ts.URL, src, filepath.Join(t.TempDir(), "b")); err != nil {
		t.Fatalf("pack: %v", err)
	}
}

func TestPack_FlagValidation(t *testing.T) {
	src := sourceCatalog(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no selection", nil, "exactly one of"},
		{"two selections", []string{"--all", "-q", "{}"}, "exactly one of"},
		{"zero limit", []string{"--all", "--limit", "0"}, "--limit"},
		{"bad format", []string{"--all", "--format", "xml"}, "unknown format"},
		{"two policies", []string{"--all", "--copy-external", "--ignore-external"}, "mutually exclusive"},
		{"registry without fill", []string{"--all", "--handler-registry", "{'X': 'RAW'}"}, "--fill-external"},
		{"verify without copy", []string{"--all", "--verify-copies"}, "--copy-external"},
		{"bad storage", []string{"--all", "--storage", "ftp"}, "unknown storage"},
		{"bad query", []string{"-q", "[1, 2"}, "invalid query"},
		{"channel without redis", []string{"--all", "--notify-channel", "x"}, "--notify-redis"},
		{"bad redis url", []string{"--all", "--notify-redis", "not-a-url"}, "invalid URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(append([]string{"pack"}, tt.args...), src, filepath.Join(t.TempDir(), "b"))
			err := run(t, args...)
			if exitCode(err) != exitFailure {
				t.Fatalf("err = %v, want exit 1", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPack_MissingArgs(t *testing.T) {
	sourceCatalog(t)
	err := run(t, "pack", "--all")
	if exitCode(err) != exitFailure || !strings.Contains(err.Error(), "usage") {
		t.Errorf("err = %v, want usage error", err)
	}
}

func TestShortCircuitFlags(t *testing.T) {
	sourceCatalog(t)
	for _, args := range [][]string{
		{"pack", "--version"},
		{"pack", "-V"},
		{"pack", "--list-catalogs"},
		{"unpack", "--list-catalogs"},
	} {
		if err := run(t, args...); err != nil {
			t.Errorf("%v: %v", args, err)
		}
	}
}

func TestUnpack_UnknownHow(t *testing.T) {
	sourceCatalog(t)
	err := run(t, "unpack", "--how", "mongo_normalized", t.TempDir(), "name")
	if exitCode(err) != exitFailure || !strings.Contains(err.Error(), "--how") {
		t.Errorf("err = %v", err)
	}
}

func TestReadUIDs(t *testing.T) {
	got, err := readUIDs(strings.NewReader("  abc \n\n# comment\n#def\nxyz\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"abc", "xyz"}; !slices.Equal(got, want) {
		t.Errorf("readUIDs = %v, want %v", got, want)
	}
}

func TestReadUIDFiles(t *testing.T) {
	file := writeUIDs(t, "one\ntwo\n")
	got, err := readUIDFiles([]string{file, "-"}, strings.NewReader("three\n"))
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"one", "two", "three"}; !slices.Equal(got, want) {
		t.Errorf("uids = %v, want %v", got, want)
	}

	empty, err := readUIDFiles([]string{writeUIDs(t, "# nothing\n")}, nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("comment-only file = %v, %v; want empty non-nil", empty, err)
	}

	if _, err := readUIDFiles([]string{filepath.Join(t.TempDir(), "missing")}, nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDatabaseURI(t *testing.T) {
	reg, err := registry.New("/etc/runpack/catalogs")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		flag string
		cfg  string
		want string
	}{
		{"default", "", "", "sqlite:///etc/runpack/catalogs/runpack_xyz.db"},
		{"config", "", "sqlite:///data/{database}.db", "sqlite:///data/runpack_xyz.db"},
		{"flag wins", "/tmp/{database}/docs.db", "sqlite:///data/{database}.db", "/tmp/runpack_xyz/docs.db"},
		{"no token", "sqlite:///fixed.db", "", "sqlite:///fixed.db"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := databaseURI(tt.flag, &config.Config{DatabaseURI: tt.cfg}, reg, "xyz")
			if got != tt.want {
				t.Errorf("databaseURI = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadOnlyFlags_IncludesTUI(t *testing.T) {
	hasTUI := false
	for _, f := range ReadOnlyFlags() {
		if f.Names()[0] == "tui" {
			hasTUI = true
			break
		}
	}
	if !hasTUI {
		t.Error("ReadOnlyFlags should include --tui flag for explicit error handling")
	}
}

func TestCatalogs_RejectsTUI(t *testing.T) {
	sourceCatalog(t)
	if err := run(t, "catalogs", "--tui"); exitCode(err) != exitFailure {
		t.Errorf("err = %v, want exit 1", err)
	}
}

func writeUIDs(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uids.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/justapithecus/runpack/bundle"
	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/cli/config"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/lode"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/notify"
	"github.com/justapithecus/runpack/pack"
	"github.com/justapithecus/runpack/query"
	"github.com/justapithecus/runpack/registry"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
	"github.com/justapithecus/runpack/unpack"
)

// PackCommand returns the pack command.
func PackCommand() *cli.Command {
	return &cli.Command{
		Name:      "pack",
		Usage:     "Export runs of a catalog into a portable bundle",
		ArgsUsage: "CATALOG DIRECTORY",
		Flags: append([]cli.Flag{
			// Selection
			&cli.BoolFlag{Name: "all", Usage: "Export every run of the catalog"},
			&cli.StringSliceFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "Select runs matching a query (repeatable, ANDed)",
			},
			&cli.StringSliceFlag{
				Name:  "uids",
				Usage: "File of run uids, one per line; - reads stdin (repeatable)",
			},
			&cli.IntFlag{Name: "limit", Usage: "Export at most N runs"},
			// Output
			&cli.StringFlag{Name: "format", Usage: "Document format: msgpack or jsonl (default: msgpack)"},
			&cli.BoolFlag{Name: "no-documents", Usage: "Write manifests only, no document files"},
			&cli.BoolFlag{Name: "strict", Usage: "Abort on the first failed run or file"},
			&cli.StringFlag{Name: "salt", Usage: "Salt for root aliases (default: random)"},
			// External files
			&cli.BoolFlag{Name: "copy-external", Usage: "Copy external files into the bundle"},
			&cli.BoolFlag{Name: "fill-external", Usage: "Inline external data into the documents"},
			&cli.BoolFlag{Name: "ignore-external", Usage: "Leave external references untouched"},
			&cli.StringFlag{
				Name:  "handler-registry",
				Usage: "Map of resource spec to built-in handler, e.g. \"{'NPY_SEQ': 'RAW_SEQ'}\" (with --fill-external)",
			},
			&cli.BoolFlag{Name: "verify-copies", Usage: "Check every copied file against its source"},
			// Storage
			&cli.StringFlag{Name: "storage", Usage: "Bundle storage: fs or s3 (DIRECTORY is bucket/prefix for s3)"},
			&cli.StringFlag{Name: "s3-region", Usage: "AWS region for S3 storage"},
			&cli.StringFlag{Name: "s3-endpoint", Usage: "Custom S3 endpoint (R2, MinIO)"},
			&cli.BoolFlag{Name: "s3-path-style", Usage: "Force path-style S3 addressing"},
			&cli.StringFlag{Name: "report-path", Usage: "Directory of the pack report dataset"},
		}, append(notifyFlags(), WriteFlags()...)...),
		Action: packAction,
	}
}

// packChoice holds the validated pack flags.
type packChoice struct {
	catalogArg string
	dir        string
	selection  selection
	format     serializer.Format
	external   types.ExternalPolicy
	copy       bool
	handlers   filler.Registry
	storage    storageChoice
	reportPath string
	notifier   notify.Notifier
}

type selection struct {
	all     bool
	queries []string
	uidSrcs []string
}

// storageChoice holds the bundle storage configuration.
type storageChoice struct {
	backend   string // "fs" or "s3"
	region    string
	endpoint  string
	pathStyle bool
}

func packAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	if done, err := shortCircuit(c, reg, os.Stdout); done {
		return err
	}
	if err := requireArgs(c, "CATALOG", "DIRECTORY"); err != nil {
		return err
	}

	choice, err := parsePackFlags(c, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	defer func() {
		if choice.notifier != nil {
			_ = choice.notifier.Close()
		}
	}()

	ctx, cancel := signalContext()
	defer cancel()

	errLog, err := os.CreateTemp("", "runpack-pack-*.log")
	if err != nil {
		return fmt.Errorf("create error log: %w", err)
	}
	defer errLog.Close()
	logger := log.NewTeeLogger(log.Context{Command: "pack", Catalog: choice.catalogArg, Bundle: choice.dir},
		os.Stderr, zapcore.WarnLevel, errLog)
	defer func() { _ = logger.Sync() }()

	src, err := resolveSource(reg, choice.catalogArg)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	cat, err := catalog.Open(ctx, src, choice.handlers)
	if err != nil {
		return cli.Exit(fmt.Sprintf("open catalog %s: %v", choice.catalogArg, err), exitFailure)
	}
	defer cat.Close()

	collector := metrics.NewCollector(string(choice.format), choice.external.String(), choice.storage.backend)
	manager, bundleLoc, err := openManager(ctx, choice.dir, choice.storage, collector)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	opts := pack.Options{
		Catalog:     cat,
		Manager:     manager,
		Format:      choice.format,
		Strict:      c.Bool("strict"),
		NoDocuments: c.Bool("no-documents"),
		Limit:       c.Int("limit"),
		External:    choice.external,
		Copy:        choice.copy,
		Verify:      c.Bool("verify-copies"),
		Handlers:    choice.handlers,
		Logger:      logger,
		Collector:   collector,
	}
	if s := c.String("salt"); s != "" {
		opts.Salt = []byte(s)
	}
	if choice.selection.uidSrcs != nil {
		if opts.UIDs, err = readUIDFiles(choice.selection.uidSrcs, os.Stdin); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
	} else if !choice.selection.all {
		if opts.Query, err = query.ParseAll(choice.selection.queries); err != nil {
			return cli.Exit(err.Error(), exitFailure)
		}
	}
	var bar *progress
	if isStderrTTY() {
		bar = newProgress(os.Stderr)
		opts.Progress = bar
	}

	started := time.Now()
	res, err := pack.Pack(ctx, opts)
	if bar != nil {
		bar.finish()
	}
	if err != nil {
		logger.Error("pack failed", map[string]any{"error": err.Error()})
		switch {
		case errors.Is(err, pack.ErrNoResults):
			return cli.Exit("Query yielded no results. Exiting.", exitFailure)
		case errors.Is(err, pack.ErrNoUIDs):
			return cli.Exit("No uids given. Exiting.", exitFailure)
		}
		return cli.Exit(fmt.Sprintf("pack failed: %v\nerror log: %s", err, errLog.Name()), exitFailure)
	}

	if choice.reportPath != "" {
		if err := writeReport(ctx, choice, bundleLoc, collector, res); err != nil {
			logger.Warn("pack report not written", map[string]any{"error": err.Error()})
		}
	}

	printPackResult(res, bundleLoc, collector.Snapshot())
	if choice.notifier != nil {
		event := notify.NewPackCompletedEvent(types.Version, choice.catalogArg, bundleLoc, res.CatalogFile,
			collector.Snapshot(), res.Failed(), started, time.Now())
		publishEvent(ctx, choice.notifier, event, logger)
		choice.notifier = nil
	}
	return packExit(res, errLog.Name())
}

func parsePackFlags(c *cli.Context, cfg *config.Config) (packChoice, error) {
	choice := packChoice{
		catalogArg: c.Args().Get(0),
		dir:        c.Args().Get(1),
		selection: selection{
			all:     c.Bool("all"),
			queries: c.StringSlice("query"),
		},
	}
	if c.IsSet("uids") {
		choice.selection.uidSrcs = c.StringSlice("uids")
	}
	selected := 0
	for _, set := range []bool{choice.selection.all, len(choice.selection.queries) > 0, choice.selection.uidSrcs != nil} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return choice, errors.New("exactly one of --all, --query or --uids is required")
	}

	if c.IsSet("limit") && c.Int("limit") < 1 {
		return choice, fmt.Errorf("--limit must be at least 1, got %d", c.Int("limit"))
	}

	format := c.String("format")
	if format == "" {
		format = cfg.Format
	}
	if format == "" {
		format = string(serializer.FormatMsgpack)
	}
	f, err := serializer.ParseFormat(format)
	if err != nil {
		return choice, err
	}
	choice.format = f

	external, err := parseExternal(c)
	if err != nil {
		return choice, err
	}
	choice.external = external
	choice.copy = c.Bool("copy-external")
	if c.Bool("verify-copies") && !choice.copy {
		return choice, errors.New("--verify-copies requires --copy-external")
	}

	handlers, err := cfg.HandlerRegistry(filler.DefaultRegistry())
	if err != nil {
		return choice, err
	}
	if raw := c.String("handler-registry"); raw != "" {
		if external != types.ExternalFill {
			return choice, errors.New("--handler-registry is only used with --fill-external")
		}
		if handlers, err = filler.ParseRegistry(raw, handlers); err != nil {
			return choice, err
		}
	}
	choice.handlers = handlers

	choice.storage = storageChoice{
		backend:   firstNonEmpty(c.String("storage"), cfg.Storage.Backend, "fs"),
		region:    firstNonEmpty(c.String("s3-region"), cfg.Storage.Region),
		endpoint:  firstNonEmpty(c.String("s3-endpoint"), cfg.Storage.Endpoint),
		pathStyle: c.Bool("s3-path-style") || cfg.Storage.S3PathStyle,
	}
	if b := choice.storage.backend; b != "fs" && b != "s3" {
		return choice, fmt.Errorf("unknown storage %q (must be fs or s3)", b)
	}
	choice.reportPath = firstNonEmpty(c.String("report-path"), cfg.ReportPath)

	if c.IsSet("notify-channel") && firstNonEmpty(c.String("notify-redis"), cfg.Notify.Redis.URL) == "" {
		return choice, errors.New("--notify-channel requires --notify-redis")
	}
	if choice.notifier, err = buildNotifier(c, cfg.Notify); err != nil {
		return choice, err
	}
	return choice, nil
}

// parseExternal maps the mutually exclusive external flags to a policy.
func parseExternal(c *cli.Context) (types.ExternalPolicy, error) {
	var set []string
	policy := types.ExternalRecord
	if c.Bool("copy-external") {
		set = append(set, "--copy-external")
	}
	if c.Bool("fill-external") {
		set = append(set, "--fill-external")
		policy = types.ExternalFill
	}
	if c.Bool("ignore-external") {
		set = append(set, "--ignore-external")
		policy = types.ExternalIgnore
	}
	if len(set) > 1 {
		return "", fmt.Errorf("%s are mutually exclusive", strings.Join(set, ", "))
	}
	return policy, nil
}

// resolveSource finds the catalog named by arg: a bundle directory, a
// catalog file with a single source, or a registered name.
func resolveSource(reg *registry.Registry, arg string) (catalog.Source, error) {
	info, err := os.Stat(arg)
	if err == nil {
		if info.IsDir() {
			return unpack.ReadBundle(arg)
		}
		f, err := catalog.ReadFile(arg)
		if err != nil {
			return catalog.Source{}, err
		}
		names := f.Names()
		if len(names) != 1 {
			return catalog.Source{}, fmt.Errorf("%s defines %d sources (%s); register it and pack by name",
				arg, len(names), strings.Join(names, ", "))
		}
		if names[0] == catalog.PackedSourceName {
			return unpack.ReadBundle(filepath.Dir(arg))
		}
		return f.Sources[names[0]], nil
	}
	src, err := reg.Get(arg)
	if errors.Is(err, registry.ErrNotFound) {
		names, _ := reg.List()
		return catalog.Source{}, fmt.Errorf("catalog %q not found in %s (registered: %s)",
			arg, strings.Join(reg.Dirs(), ":"), strings.Join(names, ", "))
	}
	return src, err
}

// openManager returns the bundle manager for dir and a printable location.
func openManager(ctx context.Context, dir string, sc storageChoice, collector *metrics.Collector) (bundle.Manager, string, error) {
	if sc.backend == "s3" {
		bucket, prefix := lode.ParseS3Path(dir)
		s3cfg := lode.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       sc.region,
			Endpoint:     sc.endpoint,
			UsePathStyle: sc.pathStyle,
		}
		m, err := lode.NewS3Manager(ctx, s3cfg, collector)
		if err != nil {
			return nil, "", fmt.Errorf("open S3 bundle: %w", err)
		}
		return m, s3cfg.URL(), nil
	}
	d, err := bundle.NewDirectory(dir, collector)
	if err != nil {
		return nil, "", err
	}
	return d, d.Root(), nil
}

func writeReport(ctx context.Context, choice packChoice, bundleLoc string, collector *metrics.Collector, res *pack.Result) error {
	ds, err := lode.NewReportDatasetFS(choice.reportPath)
	if err != nil {
		return err
	}
	return lode.WriteReport(ctx, ds, lode.Report{
		Catalog:      choice.catalogArg,
		Bundle:       bundleLoc,
		CompletedAt:  time.Now(),
		Metrics:      collector.Snapshot(),
		Failures:     res.Export.Failures,
		CopyFailures: res.CopyFailures,
	})
}

func printPackResult(res *pack.Result, bundleLoc string, s metrics.Snapshot) {
	fmt.Printf("bundle=%s, runs=%d, failed=%d, documents=%d\n",
		bundleLoc, s.RunsExported, s.RunsFailed, s.DocumentsWritten)
	if s.FilesCopied > 0 || s.FilesCopyFailed > 0 {
		fmt.Printf("external files copied=%d, failed=%d, bytes=%d\n",
			s.FilesCopied, s.FilesCopyFailed, s.BytesCopied)
	}
	fmt.Printf("catalog file: %s\n", res.CatalogFile)
}

// packExit writes failure lists to temp files and points at them.
func packExit(res *pack.Result, errLogPath string) error {
	if !res.Failed() {
		return nil
	}
	var msg strings.Builder
	if n := len(res.Export.Failures); n > 0 {
		path, err := writeListFile("runpack-failed-uids-*.txt", res.Export.Failures)
		if err != nil {
			return err
		}
		fmt.Fprintf(&msg, "%d run(s) failed to export; their uids are in %s\n", n, path)
	}
	if n := len(res.CopyFailures); n > 0 {
		path, err := writeListFile("runpack-failed-files-*.txt", res.CopyFailures)
		if err != nil {
			return err
		}
		fmt.Fprintf(&msg, "%d external file(s) failed to copy; their paths are in %s\n", n, path)
	}
	fmt.Fprintf(&msg, "error log: %s", errLogPath)
	return cli.Exit(msg.String(), exitFailure)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package export

import (
	"context"
	"errors"
	"fmt"

	"github.com/justapithecus/runpack/catalog"
	"github.com/justapithecus/runpack/filler"
	"github.com/justapithecus/runpack/log"
	"github.com/justapithecus/runpack/metrics"
	"github.com/justapithecus/runpack/policy"
	"github.com/justapithecus/runpack/roothash"
	"github.com/justapithecus/runpack/serializer"
	"github.com/justapithecus/runpack/types"
)

// ErrInvalidLimit is returned for a negative limit.
var ErrInvalidLimit = errors.New("limit must not be negative")

// errLimitReached stops catalog enumeration once the limit is hit.
var errLimitReached = errors.New("limit reached")

// Progress receives batch progress. Implementations must be cheap; they
// are called once per document.
type Progress interface {
	Document()
	RunDone(uid string, failures int)
}

// Options configure a batch export.
type Options struct {
	// Strict makes the first failed run abort the batch with its error.
	Strict      bool
	External    types.ExternalPolicy
	NoDocuments bool
	// Handlers resolve external data under ExternalFill.
	Handlers   filler.Registry
	Serializer serializer.Serializer
	// Salt is hashed into every root alias. Generated when nil.
	Salt []byte
	// Limit caps the number of runs attempted. Zero means no limit.
	Limit int

	Logger    *log.Logger
	Collector *metrics.Collector
	Progress  Progress
}

// Result is the outcome of a batch.
type Result struct {
	Artifacts types.Artifacts
	Files     types.FilesByKey
	// Failures lists the IDs of failed runs in the order they failed.
	// Never nil.
	Failures []string
	// Salt is the salt used for aliases.
	Salt []byte
}

type batch struct {
	opts    Options
	rootMap map[string]string
	hash    roothash.Func
	policy  policy.Policy
	logger  *log.Logger
	result  *Result
}

func newBatch(cat catalog.Catalog, opts Options) (*batch, error) {
	if opts.Limit < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, opts.Limit)
	}
	if opts.External == types.ExternalFill && opts.Handlers == nil {
		return nil, fmt.Errorf("%w: no handler registry given", ErrNoFiller)
	}
	if !opts.NoDocuments && opts.Serializer == nil {
		return nil, errors.New("no serializer configured")
	}
	salt := opts.Salt
	if salt == nil {
		var err error
		if salt, err = roothash.NewSalt(); err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &batch{
		opts:    opts,
		rootMap: cat.RootMap(),
		hash:    roothash.New(salt),
		policy:  policy.New(opts.Strict),
		logger:  logger,
		result: &Result{
			Artifacts: types.Artifacts{},
			Files:     types.FilesByKey{},
			Salt:      salt,
		},
	}, nil
}

func (b *batch) runOptions() RunOptions {
	ro := RunOptions{
		External:    b.opts.External,
		NoDocuments: b.opts.NoDocuments,
		Collector:   b.opts.Collector,
	}
	if b.opts.External == types.ExternalFill {
		ro.Filler = filler.New(b.opts.Handlers, b.rootMap)
	}
	if b.opts.Progress != nil {
		ro.OnDocument = b.opts.Progress.Document
	}
	return ro
}

// export runs one attempt. A non-nil return aborts the batch.
func (b *batch) export(ctx context.Context, uid string, run catalog.Run, lookupErr error) error {
	b.opts.Collector.IncRunAttempted()
	err := lookupErr
	if err == nil {
		var (
			artifacts types.Artifacts
			files     types.FilesByKey
		)
		artifacts, files, err = ExportRun(ctx, run, b.opts.Serializer, b.rootMap, b.hash, b.runOptions())
		if err == nil {
			b.result.Artifacts.Merge(artifacts)
			b.result.Files.Merge(files)
			b.opts.Collector.IncRunExported()
			b.logger.ForRun(uid).Debug("run exported", nil)
		}
	}
	if err != nil {
		b.opts.Collector.IncRunFailed()
		b.logger.ForRun(uid).Error("run export failed", map[string]any{
			"error":  err.Error(),
			"policy": b.policy.Name(),
		})
		if perr := b.policy.Handle(uid, err); perr != nil {
			return perr
		}
	}
	if b.opts.Progress != nil {
		b.opts.Progress.RunDone(uid, len(b.policy.Failures()))
	}
	return nil
}

func (b *batch) finish() *Result {
	b.result.Failures = b.policy.Failures()
	return b.result
}

// ExportUIDs exports the runs named by uids, in order. Partial uids are
// resolved by the catalog; a uid that resolves to no run, or to several,
// counts as a failed run.
func ExportUIDs(ctx context.Context, cat catalog.Catalog, uids []string, opts Options) (*Result, error) {
	b, err := newBatch(cat, opts)
	if err != nil {
		return nil, err
	}
	for i, uid := range uids {
		if opts.Limit > 0 && i >= opts.Limit {
			break
		}
		run, lookupErr := cat.Get(ctx, uid)
		if err := b.export(ctx, uid, run, lookupErr); err != nil {
			return nil, err
		}
	}
	return b.finish(), nil
}

// ExportCatalog exports every run of cat in catalog order.
func ExportCatalog(ctx context.Context, cat catalog.Catalog, opts Options) (*Result, error) {
	b, err := newBatch(cat, opts)
	if err != nil {
		return nil, err
	}
	attempted := 0
	err = cat.Each(ctx, func(run catalog.Run) error {
		if opts.Limit > 0 && attempted >= opts.Limit {
			return errLimitReached
		}
		attempted++
		return b.export(ctx, run.UID(), run, nil)
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, err
	}
	return b.finish(), nil
}

package build

import (
	"context"
	stderrors "errors"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/strata/internal/errors"
	"github.com/conneroisu/strata/internal/logging"
	"github.com/conneroisu/strata/internal/scanner"
)

// Trigger status messages.
const (
	MsgInProgress = "compilation already in progress"
	MsgCooldown   = "skipped: cooldown"
	MsgCompleted  = "compilation completed"
	MsgFailed     = "compilation failed"
)

// CollectionsPattern matches every cached collections response.
const CollectionsPattern = "api:collections:*"

// SourceScanner lists the source files of one compile pass.
type SourceScanner interface {
	Scan(ctx context.Context) ([]scanner.SourceFile, error)
}

// CollectionLoader is refreshed after every successful pass.
type CollectionLoader interface {
	Load(outRoot string) error
	Reload(outRoot string, changed []string) error
}

// CacheInvalidator drops cached responses by key pattern.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, pattern string) error
}

// EventPublisher is notified of every finished pass.
type EventPublisher interface {
	PublishCompile(result Result)
}

// Result describes one Trigger call.
type Result struct {
	Success   bool                    `json:"success"`
	Message   string                  `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
	Compiled  int                     `json:"compiled"`
	Skipped   int                     `json:"skipped"`
	Pruned    int                     `json:"pruned"`
	Duration  time.Duration           `json:"duration"`
	Failures  []errors.CompileFailure `json:"failures,omitempty"`
}

// Options configures an Orchestrator.
type Options struct {
	SourceDir  string
	Extension  string
	Cooldown   time.Duration
	Timeout    time.Duration
	Workers    int
	PruneStale bool
}

// Status is a snapshot of the orchestrator for health reporting.
type Status struct {
	Compiling   bool                    `json:"compiling"`
	LastCompile time.Time               `json:"last_compile"`
	LastResult  *Result                 `json:"last_result,omitempty"`
	Metrics     CompileMetrics          `json:"metrics"`
	Memo        MemoStats               `json:"memo"`
	Failures    []errors.CompileFailure `json:"failures,omitempty"`
}

// Orchestrator owns the compile gate. At most one pass runs at a time; the
// gate is claimed before any work starts and released on every exit path.
type Orchestrator struct {
	scanner    SourceScanner
	transpiler *Transpiler
	writer     *ArtifactWriter
	registry   CollectionLoader
	cache      CacheInvalidator
	publisher  EventPublisher
	logger     logging.Logger
	metrics    *CompileMetrics
	failures   *errors.ErrorCollector
	opts       Options

	mu          sync.Mutex
	compiling   bool
	lastCompile time.Time
	lastResult  *Result
	loaded      bool

	now func() time.Time
}

// NewOrchestrator wires a compile pipeline. registry, cache and publisher
// may be nil.
func NewOrchestrator(
	src SourceScanner,
	transpiler *Transpiler,
	writer *ArtifactWriter,
	registry CollectionLoader,
	cache CacheInvalidator,
	publisher EventPublisher,
	logger logging.Logger,
	opts Options,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Extension == "" {
		opts.Extension = ".ts"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Orchestrator{
		scanner:    src,
		transpiler: transpiler,
		writer:     writer,
		registry:   registry,
		cache:      cache,
		publisher:  publisher,
		logger:     logger.WithComponent("orchestrator"),
		metrics:    NewCompileMetrics(),
		failures:   errors.NewErrorCollector(),
		opts:       opts,
		now:        time.Now,
	}
}

// Metrics returns the orchestrator's compile metrics.
func (o *Orchestrator) Metrics() *CompileMetrics {
	return o.metrics
}

// Status reports the gate state and the outcome of the last pass.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{
		Compiling:   o.compiling,
		LastCompile: o.lastCompile,
		LastResult:  o.lastResult,
	}
	o.mu.Unlock()

	st.Metrics = o.metrics.GetSnapshot()
	st.Memo = o.transpiler.Memo().Stats()
	st.Failures = o.failures.GetErrors()
	return st
}

// Trigger runs a compile pass unless one is already running or, when force
// is false, the cooldown since the last pass has not elapsed. A forced pass
// still skips up-to-date sources; it ignores the cooldown and reloads the
// registry in full.
func (o *Orchestrator) Trigger(ctx context.Context, force bool) (Result, error) {
	now := o.now()

	o.mu.Lock()
	if o.compiling {
		o.mu.Unlock()
		o.logger.Debug(ctx, "Compile trigger ignored", "reason", "in_progress", "force", force)
		return Result{Success: true, Message: MsgInProgress, Timestamp: now}, nil
	}
	if !force && !o.lastCompile.IsZero() && now.Sub(o.lastCompile) < o.opts.Cooldown {
		o.mu.Unlock()
		o.logger.Debug(ctx, "Compile trigger ignored", "reason", "cooldown",
			"remaining", o.opts.Cooldown-now.Sub(o.lastCompile))
		return Result{Success: true, Message: MsgCooldown, Timestamp: now}, nil
	}
	o.compiling = true
	o.lastCompile = now
	publisher := o.publisher
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.compiling = false
		o.mu.Unlock()
	}()

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	perf := logging.StartOperation(o.logger, "compile_pass")
	o.failures.Clear()

	result, memoHits, err := o.run(ctx, force)
	result.Timestamp = now
	result.Duration = o.now().Sub(now)

	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = errors.NewInternalError(errors.ErrCodeCompileTimeout, "compile pass timed out", err)
		}
		o.failures.AddError(err)
		result.Success = false
		result.Message = MsgFailed + ": " + errors.PublicMessage(err)
		result.Failures = o.failures.GetErrors()
		perf.EndWithError(ctx, err)
	} else {
		result.Success = true
		result.Message = MsgCompleted
		perf.End(ctx,
			"compiled", result.Compiled,
			"skipped", result.Skipped,
			"pruned", result.Pruned,
			"memo_hits", memoHits,
			"force", force)
	}

	o.metrics.RecordPass(result, memoHits, err)

	o.mu.Lock()
	last := result
	o.lastResult = &last
	o.mu.Unlock()

	if publisher != nil {
		publisher.PublishCompile(result)
	}
	return result, err
}

// run executes one pass: compile everything stale, reconcile the output
// tree, then refresh the registry and the response cache.
func (o *Orchestrator) run(ctx context.Context, force bool) (Result, int, error) {
	var result Result

	files, err := o.scanner.Scan(ctx)
	if err != nil {
		return result, 0, err
	}

	var (
		changedMu sync.Mutex
		changed   []string
		compiled  atomic.Int64
		skipped   atomic.Int64
		memoHits  atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Workers)

	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			rel := ArtifactRel(f.RelPath, o.opts.Extension)
			needed, reason, err := o.transpiler.Check(f, o.writer.Path(rel))
			if err != nil {
				return err
			}
			if !needed {
				skipped.Add(1)
				return nil
			}
			if err := gctx.Err(); err != nil {
				return err
			}
			o.logger.Debug(gctx, "Compiling collection", "path", f.RelPath, "reason", reason)

			out, hit, err := o.transpiler.Transpile(f)
			if err != nil {
				return err
			}
			if hit {
				memoHits.Add(1)
			}
			for _, w := range out.Warnings {
				o.logger.Warn(gctx, nil, "Transpile warning", "path", f.RelPath, "warning", w)
			}

			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := o.writer.Write(rel, out, f.Content); err != nil {
				return err
			}
			compiled.Add(1)

			changedMu.Lock()
			changed = append(changed, rel)
			changedMu.Unlock()
			return nil
		})
	}

	// File I/O does not observe ctx, so a stalled worker must not hold the
	// gate past the deadline. Workers still running after expiry finish in
	// the background and their results are dropped.
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()

	select {
	case err := <-waited:
		if err != nil {
			result.Compiled = int(compiled.Load())
			result.Skipped = int(skipped.Load())
			return result, int(memoHits.Load()), err
		}
	case <-ctx.Done():
		o.logger.Warn(ctx, ctx.Err(), "Abandoning compile workers")
	}
	if err := ctx.Err(); err != nil {
		result.Compiled = int(compiled.Load())
		result.Skipped = int(skipped.Load())
		return result, int(memoHits.Load()), err
	}

	result.Compiled = int(compiled.Load())
	result.Skipped = int(skipped.Load())

	if o.opts.PruneStale {
		removed, err := o.prune(ctx, files)
		if err != nil {
			return result, int(memoHits.Load()), err
		}
		result.Pruned = len(removed)
		changed = append(changed, removed...)
	}
	sort.Strings(changed)

	if err := o.refresh(ctx, force, changed); err != nil {
		return result, int(memoHits.Load()), err
	}
	return result, int(memoHits.Load()), nil
}

// prune removes artifacts whose source no longer exists.
func (o *Orchestrator) prune(ctx context.Context, files []scanner.SourceFile) ([]string, error) {
	expected := make(map[string]struct{}, len(files))
	for _, f := range files {
		expected[ArtifactRel(f.RelPath, o.opts.Extension)] = struct{}{}
	}

	artifacts, err := o.writer.Artifacts()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, rel := range artifacts {
		if _, ok := expected[rel]; ok {
			continue
		}
		// Only files carrying a hash marker were written by a compile pass.
		if hash, err := ReadArtifactHash(o.writer.Path(rel)); err != nil || hash == "" {
			continue
		}
		if err := o.writer.Remove(rel); err != nil {
			return removed, err
		}
		if o.opts.SourceDir != "" {
			src := strings.TrimSuffix(rel, path.Ext(rel)) + o.opts.Extension
			o.transpiler.Memo().InvalidatePath(filepath.Join(o.opts.SourceDir, filepath.FromSlash(src)))
		}
		o.logger.Info(ctx, "Pruned stale artifact", "artifact", rel)
		removed = append(removed, rel)
	}
	return removed, nil
}

// refresh reloads the registry and drops cached collection responses.
func (o *Orchestrator) refresh(ctx context.Context, force bool, changed []string) error {
	if o.registry != nil {
		o.mu.Lock()
		full := force || !o.loaded
		o.mu.Unlock()

		var err error
		if full {
			err = o.registry.Load(o.writer.Root())
		} else if len(changed) > 0 {
			err = o.registry.Reload(o.writer.Root(), changed)
		}
		if err != nil {
			return err
		}

		o.mu.Lock()
		o.loaded = true
		o.mu.Unlock()
	}

	if o.cache != nil {
		if err := o.cache.Invalidate(ctx, CollectionsPattern); err != nil {
			o.logger.Warn(ctx, err, "Cache invalidation failed", "pattern", CollectionsPattern)
		}
	}
	return nil
}

// Package orchestrator drives a run: it enumerates sources, reads and
// selects their records, and feeds matches through retrieval and output
// until the quota is met or the sources run out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/numberforty/cc-codex-crawler/internal/cache"
	"github.com/numberforty/cc-codex-crawler/internal/model"
	"github.com/numberforty/cc-codex-crawler/internal/output"
	"github.com/numberforty/cc-codex-crawler/internal/pipeline"
	"github.com/numberforty/cc-codex-crawler/internal/rules"
	"github.com/numberforty/cc-codex-crawler/internal/shard"
	"github.com/numberforty/cc-codex-crawler/internal/source"
	"github.com/numberforty/cc-codex-crawler/internal/util"
	"github.com/numberforty/cc-codex-crawler/internal/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is the lifecycle state of a run
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseEnumerated Phase = "enumerated"
	PhaseActive     Phase = "active"
	PhaseComplete   Phase = "complete"
	PhaseAborted    Phase = "aborted"
)

// Enumerator produces the sources of a run
type Enumerator interface {
	Enumerate(ctx context.Context, mode model.Mode, hint string) ([]model.Source, error)
}

// Opener opens one source for reading
type Opener interface {
	Open(ctx context.Context, src model.Source) (shard.Reader, error)
}

// Retriever turns selected records into artifacts. *pipeline.Executor
// satisfies it.
type Retriever interface {
	Admit(rec *model.Record) (string, error)
	Retrieve(ctx context.Context, workerID int, rec *model.Record) (*model.Artifact, error)
}

// Writer stores artifacts. *output.Writer satisfies it.
type Writer interface {
	Write(a *model.Artifact) (string, error)
}

// PostProcessor runs after an artifact is written. Failures are logged and
// never stop the run.
type PostProcessor interface {
	Process(ctx context.Context, a *model.Artifact, path string) error
}

// Metrics receives run progress. *metrics.Collector satisfies it.
type Metrics interface {
	pipeline.Recorder
	SourceState(state model.SourceState)
	RecordEvaluated(group string, included bool)
	ArtifactAccepted(size int)
}

type nopMetrics struct{}

func (nopMetrics) FetchAttempt(string) {}
func (nopMetrics) ObserveFetch(time.Duration) {}
func (nopMetrics) SetInFlight(int) {}
func (nopMetrics) SourceState(model.SourceState) {}
func (nopMetrics) RecordEvaluated(string, bool) {}
func (nopMetrics) ArtifactAccepted(int) {}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithEnumerator replaces the source enumerator
func WithEnumerator(e Enumerator) Option {
	return func(o *Orchestrator) { o.enumerator = e }
}

// WithOpener replaces the shard opener
func WithOpener(op Opener) Option {
	return func(o *Orchestrator) { o.opener = op }
}

// WithRetriever replaces the retrieval executor
func WithRetriever(r Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

// WithWriter replaces the output writer
func WithWriter(w Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithPostProcessor adds a step after each successful write
func WithPostProcessor(p PostProcessor) Option {
	return func(o *Orchestrator) { o.post = p }
}

// WithMetrics reports progress to m
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// Orchestrator runs one retrieval job
type Orchestrator struct {
	cfg   *model.Config
	rules *rules.RuleSet

	enumerator Enumerator
	opener     Opener
	retriever  Retriever
	writer     Writer
	post       PostProcessor
	metrics    Metrics
	logger     *zap.Logger

	mu    sync.Mutex
	phase Phase
}

// New creates an orchestrator. Components not supplied through options
// are built from cfg.
func New(cfg *model.Config, rs *rules.RuleSet, opts ...Option) *Orchestrator {
	o := &Orchestrator{cfg: cfg, rules: rs, phase: PhasePending}
	for _, opt := range opts {
		opt(o)
	}

	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}

	store := cache.New(cfg.Cache)
	if o.enumerator == nil {
		o.enumerator = source.NewEnumerator(cfg, store, o.logger)
	}
	if o.opener == nil {
		o.opener = shard.NewOpener(cfg, o.logger)
	}
	if o.retriever == nil && !cfg.DryRun {
		var robots *util.RobotsChecker
		if cfg.RateLimiting.RespectRobots {
			robots = util.NewRobotsChecker(util.NewHTTPClient(cfg.HTTP, cfg.HTTP.Timeout), cfg.HTTP.UserAgent, store, cfg.Cache.TTL, o.logger)
		}
		o.retriever = pipeline.NewExecutor(cfg, robots, o.metrics, o.logger)
	}
	if o.writer == nil && !cfg.DryRun {
		o.writer = output.NewWriter(cfg.OutputDir, o.logger)
	}

	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	return o
}

// Phase returns the current lifecycle phase
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.logger.Debug("run phase", zap.String("phase", string(p)))
}

// run is the per-Run working set
type run struct {
	*Orchestrator
	id      string
	sources []model.Source
	state   *State
	logger  *zap.Logger // Scoped to the run, shadows the orchestrator's

	stopReading context.CancelFunc
	abort       context.CancelFunc

	errOnce sync.Once
	err     error
}

// fail records the first run-fatal error and cancels all work
func (r *run) fail(err error) {
	r.errOnce.Do(func() {
		r.err = err
		r.abort()
	})
}

// Run executes the job. Source and record failures are reported in the
// summary; the returned error is set only for run-fatal failures, in which
// case the partial summary is still returned.
func (o *Orchestrator) Run(ctx context.Context) (*model.Summary, error) {
	sum := &model.Summary{
		RunID:     uuid.NewString(),
		Mode:      o.cfg.Mode,
		DryRun:    o.cfg.DryRun,
		StartedAt: time.Now(),
	}
	logger := o.logger.With(zap.String("run_id", sum.RunID))
	o.setPhase(PhasePending)

	sources, err := o.enumerator.Enumerate(ctx, o.cfg.Mode, o.cfg.Location)
	if err != nil {
		o.setPhase(PhaseAborted)
		sum.Duration = time.Since(sum.StartedAt)
		return sum, err
	}
	o.setPhase(PhaseEnumerated)
	logger.Info("sources enumerated",
		zap.Int("sources", len(sources)),
		zap.String("mode", o.cfg.Mode.String()),
		zap.String("rules", o.rules.String()))

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	readCtx, stopReading := context.WithCancel(runCtx)
	defer stopReading()

	state := NewState(o.cfg.Quota, sources)
	if !o.cfg.DryRun {
		state.SetExtensionCap(o.cfg.Filter.PerExtension)
	}

	r := &run{
		Orchestrator: o,
		id:           sum.RunID,
		sources:      sources,
		state:        state,
		logger:       logger,
		stopReading:  stopReading,
		abort:        abort,
	}

	o.setPhase(PhaseActive)
	r.execute(runCtx, readCtx)

	r.state.Fill(sum)
	sum.Duration = time.Since(sum.StartedAt)

	if r.err == nil && ctx.Err() != nil {
		r.err = ctx.Err()
	}
	if r.err != nil {
		o.setPhase(PhaseAborted)
		logger.Error("run aborted", zap.Error(r.err))
		return sum, r.err
	}

	o.setPhase(PhaseComplete)
	logger.Info("run complete",
		zap.Int("accepted", sum.Accepted),
		zap.Int("evaluated", sum.RecordsEvaluated),
		zap.Bool("quota_met", sum.QuotaMet),
		zap.Duration("duration", sum.Duration))
	return sum, nil
}

// execute reads every source and waits for queued fetches to drain
func (r *run) execute(runCtx, readCtx context.Context) {
	var pool *worker.Pool
	collected := make(chan struct{})
	if !r.cfg.DryRun {
		pool = worker.NewPool(runCtx, r.cfg.Concurrency.Workers, r.cfg.QueueDepth())
		pool.Start()
		go func() {
			defer close(collected)
			for res := range pool.Results() {
				if err := res.GetError(); err != nil && model.IsRunFatal(err) {
					r.fail(err)
				}
			}
		}()
	} else {
		close(collected)
	}

	readers := r.cfg.Concurrency.Readers
	if readers < 1 {
		readers = 1
	}
	g, gctx := errgroup.WithContext(readCtx)
	g.SetLimit(readers)

	for i, src := range r.sources {
		if r.state.QuotaMet() || gctx.Err() != nil {
			break
		}
		i, src := i, src
		g.Go(func() error {
			r.readSource(gctx, i, src, pool)
			return nil
		})
	}
	_ = g.Wait()

	if pool != nil {
		pool.Close()
	}
	<-collected
}

// readSource evaluates the records of one source in order
func (r *run) readSource(ctx context.Context, i int, src model.Source, pool *worker.Pool) {
	// Fetches in flight may still meet the quota; wait for them before
	// touching another source
	if !r.state.AwaitCapacity(ctx) {
		return
	}

	log := r.logger.With(zap.String("source", src.ID))
	r.state.SourceActive(i)
	r.metrics.SourceState(model.SourceActive)

	reader, err := r.opener.Open(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			r.state.SourceDone(i, 0)
			return
		}
		r.sourceFailed(log, i, 0, err)
		return
	}
	defer reader.Close()

	for !r.state.QuotaMet() {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.sourceFailed(log, i, reader.Stats().Malformed, err)
			return
		}
		if !r.handleRecord(ctx, i, rec, pool) {
			break
		}
	}

	stats := reader.Stats()
	r.state.SourceDone(i, stats.Malformed)
	r.metrics.SourceState(model.SourceDone)
	log.Info("source done", zap.Int("records", stats.Records), zap.Int("malformed", stats.Malformed))
}

func (r *run) sourceFailed(log *zap.Logger, i, malformed int, err error) {
	r.state.SourceFailed(i, malformed, err)
	r.metrics.SourceState(model.SourceFailed)
	log.Warn("source failed", zap.Error(err))
}

// handleRecord evaluates one record and queues it for retrieval when it
// matches. It returns false when the source should stop being read.
func (r *run) handleRecord(ctx context.Context, i int, rec *model.Record, pool *worker.Pool) bool {
	decision := rules.Evaluate(rec, r.rules)
	r.state.Evaluated(i, decision.Included)
	r.metrics.RecordEvaluated(string(decision.Group), decision.Included)

	if !decision.Included {
		r.logger.Debug("record skipped", zap.String("url", rec.URL()), zap.Stringer("reason", decision))
		return true
	}

	if r.cfg.DryRun {
		if !r.state.Reserve(ctx) {
			return false
		}
		r.state.AddMatch(model.DryRunMatch{
			URL:      rec.URL(),
			SourceID: rec.Source.ID,
			Offset:   rec.Offset,
			Reason:   decision.String(),
		})
		r.state.Commit()
		r.logger.Info("match", zap.String("url", rec.URL()), zap.Int64("offset", rec.Offset), zap.Stringer("reason", decision))
		if r.state.QuotaMet() {
			r.stopReading()
			return false
		}
		return true
	}

	ext, err := r.retriever.Admit(rec)
	if err != nil {
		r.skipped(rec, err)
		return true
	}
	if !r.state.ReserveExtension(ext) {
		r.state.SkippedByFilter()
		r.logger.Debug("record filtered", zap.String("url", rec.URL()), zap.String("reason", "extension cap reached"))
		return true
	}

	if !r.state.Reserve(ctx) {
		r.state.ReleaseExtension(ext)
		return false
	}
	if err := pool.Submit(ctx, &fetchJob{run: r, rec: rec, ext: ext, reason: decision}); err != nil {
		r.state.Release()
		r.state.ReleaseExtension(ext)
		return false
	}
	return true
}

// skipped counts a matched record that produced no artifact
func (r *run) skipped(rec *model.Record, err error) {
	if pipeline.IsSkip(err) {
		r.state.SkippedByFilter()
		r.logger.Debug("record filtered", zap.String("url", rec.URL()), zap.Error(err))
		return
	}
	r.state.SkippedByFetch()
	r.logger.Warn("fetch failed", zap.String("url", rec.URL()), zap.Error(err))
}

// fetchJob retrieves and stores one matched record
type fetchJob struct {
	run    *run
	rec    *model.Record
	ext    string // Filter extension the record was admitted under
	reason rules.Decision
}

type fetchResult struct {
	err error
}

func (r *fetchResult) GetError() error {
	return r.err
}

func (j *fetchJob) Execute(ctx context.Context, workerID int) worker.Result {
	r := j.run

	art, err := r.retriever.Retrieve(ctx, workerID, j.rec)
	if err != nil {
		r.state.Release()
		r.state.ReleaseExtension(j.ext)
		if ctx.Err() == nil {
			r.skipped(j.rec, err)
		}
		return &fetchResult{err: err}
	}

	art.Index = r.state.Commit()
	path, err := r.writer.Write(art)
	if err != nil {
		r.state.Revoke()
		r.state.ReleaseExtension(j.ext)
		return &fetchResult{err: fmt.Errorf("source %s offset %d: %w", j.rec.Source.ID, j.rec.Offset, err)}
	}
	r.state.AddWritten(path)
	r.metrics.ArtifactAccepted(len(art.Data))
	r.logger.Info("artifact saved",
		zap.Int64("index", art.Index),
		zap.String("path", path),
		zap.String("url", art.URL),
		zap.Stringer("reason", j.reason))

	if r.state.QuotaMet() {
		r.stopReading()
	}

	if r.post != nil {
		if err := r.post.Process(ctx, art, path); err != nil {
			r.logger.Warn("post-processing failed", zap.String("path", path), zap.Error(err))
		}
	}
	return &fetchResult{}
}

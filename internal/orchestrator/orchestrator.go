// Package orchestrator runs POS analysis jobs in the background. Submissions
// are validated synchronously, queued on a bounded queue and executed by a
// fixed pool of workers that record progress in the job store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/errgroup"

	"github.com/takeru403/Ipoca-network/internal/ingest"
	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/models"
	"github.com/takeru403/Ipoca-network/internal/network"
	"github.com/takeru403/Ipoca-network/internal/segment"
	"github.com/takeru403/Ipoca-network/internal/storage"
)

var (
	// ErrQueueFull is returned when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned for submissions after the workers stopped.
	ErrClosed = errors.New("orchestrator is not accepting jobs")
)

// Notifier is told about every terminal job.
type Notifier interface {
	NotifyJob(ctx context.Context, rec models.JobRecord) error
}

// GraphSink receives the network of every completed job.
type GraphSink interface {
	ExportNetwork(ctx context.Context, processID string, net *network.Network) error
}

// Config controls the worker pool and the analysis defaults.
type Config struct {
	Workers          int
	QueueSize        int
	EvictionInterval time.Duration
	ArtifactDir      string // defaults to <tmp>/posnet

	Defaults Defaults
}

// Defaults are applied to request fields left at their zero value.
type Defaults struct {
	MinSupport  float64
	MaxLen      int
	MinLift     float64
	MaxItemsets int
	StrictGraph bool
	NClusters   int
}

// Deps are the collaborators of an Orchestrator. Only Store is required.
type Deps struct {
	Store    *storage.Store
	Namer    segment.Namer
	Notifier Notifier
	Sink     GraphSink
	Now      func() time.Time
}

// Orchestrator owns job submission and execution.
type Orchestrator struct {
	cfg      Config
	store    *storage.Store
	namer    segment.Namer
	notifier Notifier
	sink     GraphSink
	now      func() time.Time

	slots   chan struct{}
	queue   chan *job
	stopped atomic.Bool
}

type job struct {
	writer   *storage.Writer
	frame    *ingest.Frame
	filename string
	params   params
}

// New creates an orchestrator. Call Run to start the workers.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = filepath.Join(os.TempDir(), "posnet")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	namer := deps.Namer
	if namer == nil {
		namer = segment.StaticNamer{}
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    deps.Store,
		namer:    namer,
		notifier: deps.Notifier,
		sink:     deps.Sink,
		now:      now,
		slots:    make(chan struct{}, cfg.QueueSize),
		queue:    make(chan *job, cfg.QueueSize),
	}
}

// ArtifactDir is where rules files are written.
func (o *Orchestrator) ArtifactDir() string { return o.cfg.ArtifactDir }

// NewProcessID returns pos_process_YYYYMMDD_HHMMSS_<suffix>. The random
// suffix keeps ids unique within one second.
func NewProcessID(t time.Time) string {
	return fmt.Sprintf("pos_process_%s_%s", t.Format("20060102_150405"), shortuuid.New()[:8])
}

// Submit parses and validates an upload, creates its job record and queues
// it. Parse errors, *ingest.MissingColumnsError and invalid parameters are
// returned before any id is issued.
func (o *Orchestrator) Submit(ctx context.Context, raw []byte, filename string, req Request) (string, error) {
	if o.stopped.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p, err := o.resolve(req)
	if err != nil {
		return "", err
	}
	frame, err := ingest.Parse(raw, filename)
	if err != nil {
		return "", err
	}
	if err := frame.CheckColumns(req.Mapping); err != nil {
		return "", err
	}

	select {
	case o.slots <- struct{}{}:
	default:
		return "", ErrQueueFull
	}

	w, err := o.create(filename)
	if err != nil {
		<-o.slots
		return "", err
	}
	o.queue <- &job{writer: w, frame: frame, filename: filename, params: p}

	logger.Info("Queued job %s for %s (%d rows)", w.ID(), filename, frame.Len())
	return w.ID(), nil
}

func (o *Orchestrator) create(filename string) (*storage.Writer, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		w, err := o.store.Create(NewProcessID(o.now()), filename, "processing started")
		if err == nil {
			return w, nil
		}
		lastErr = err
		if !errors.Is(err, storage.ErrExists) {
			break
		}
	}
	return nil, fmt.Errorf("failed to create job: %w", lastErr)
}

// Poll returns the current snapshot of a job.
func (o *Orchestrator) Poll(processID string) (models.JobRecord, error) {
	return o.store.Get(processID)
}

// Latest returns the most recently completed job.
func (o *Orchestrator) Latest() (models.JobRecord, error) {
	return o.store.Latest()
}

// Run starts the workers and the eviction loop and blocks until ctx is
// done. Jobs already running finish; jobs still queued are failed.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger.Info("Starting %d workers (queue size %d)", o.cfg.Workers, o.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			o.work(gctx, id)
			return nil
		})
	}
	if o.cfg.EvictionInterval > 0 {
		g.Go(func() error {
			o.evictLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	o.stopped.Store(true)
	o.drain()
	logger.Info("Workers stopped")
	return err
}

func (o *Orchestrator) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-o.queue:
			<-o.slots
			logger.Debug("Worker %d picked up %s", id, j.writer.ID())
			o.process(context.WithoutCancel(ctx), j)
		}
	}
}

func (o *Orchestrator) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := o.store.EvictExpired(); n > 0 {
				logger.Info("Evicted %d expired jobs", n)
			}
		}
	}
}

// drain fails jobs that were queued but never started.
func (o *Orchestrator) drain() {
	for {
		select {
		case j := <-o.queue:
			<-o.slots
			if err := j.writer.Fail("queued failed: service shutting down"); err != nil {
				logger.Warn("Failed to finalize queued job %s: %v", j.writer.ID(), err)
			}
		default:
			return
		}
	}
}

// process runs one job and records its terminal state.
func (o *Orchestrator) process(ctx context.Context, j *job) {
	id := j.writer.ID()
	start := time.Now()

	progress := func(step string, pct int, msg string) {
		if err := j.writer.Advance(step, pct, msg); err != nil {
			logger.Warn("Failed to record progress of %s: %v", id, err)
		}
	}

	res, err := o.pipeline(ctx, id, j.frame, j.params, progress)
	if err != nil {
		logger.Error("Job %s failed after %v: %v", id, time.Since(start), err)
		if ferr := j.writer.Fail(err.Error()); ferr != nil {
			logger.Error("Failed to record failure of %s: %v", id, ferr)
		}
		o.notify(ctx, id)
		return
	}

	payload, err := res.JSON()
	if err == nil {
		err = j.writer.Complete(payload, "processing completed")
	}
	if err != nil {
		logger.Error("Failed to record result of %s: %v", id, err)
		_ = j.writer.Fail(fmt.Sprintf("%s failed: %v", StageCompleted, err))
		o.notify(ctx, id)
		return
	}
	logger.Info("Job %s completed in %v: %d rules, %d nodes, %d edges",
		id, time.Since(start), res.RulesCount, res.NodesCount, res.EdgesCount)

	if o.sink != nil && !res.Network.Empty() {
		if err := o.sink.ExportNetwork(ctx, id, res.Network); err != nil {
			logger.Warn("Failed to export network of %s: %v", id, err)
		}
	}
	o.notify(ctx, id)
}

func (o *Orchestrator) notify(ctx context.Context, id string) {
	if o.notifier == nil {
		return
	}
	rec, err := o.store.Get(id)
	if err != nil {
		logger.Warn("Failed to load %s for notification: %v", id, err)
		return
	}
	if err := o.notifier.NotifyJob(ctx, rec); err != nil {
		logger.Warn("Failed to send notification for %s: %v", id, err)
	}
}

// Package jobs runs copy, checksum and verify jobs in the background and
// records their lifecycle in the store.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/blockio/internal/copier"
	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/model"
	"github.com/seantiz/blockio/internal/store"
)

// progressInterval throttles progress persistence and events.
const progressInterval = 250 * time.Millisecond

// ErrInvalidJob is returned by Submit for a job that cannot be run.
var ErrInvalidJob = errors.New("invalid job")

// Resolver maps volume reference schemes to backends.
type Resolver = copier.Resolver

// Runner orchestrates asynchronous job execution.
type Runner struct {
	store    store.Store
	resolver Resolver
	cfg      engine.Config
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *EventBroker

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]*copier.Copier
}

// NewRunner creates a runner whose jobs use cfg for their engines.
func NewRunner(s store.Store, resolver Resolver, cfg engine.Config, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    s,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		broker:   NewEventBroker(),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*copier.Copier),
	}
}

// Broker returns the runner's event broker for SSE subscription.
func (r *Runner) Broker() *EventBroker {
	return r.broker
}

// Validate checks that j names a known kind and well-formed volumes.
func Validate(j *model.Job) error {
	if !model.ValidKind(j.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	if _, err := model.ParseReadRef(j.Source); err != nil {
		return fmt.Errorf("%w: source: %w", ErrInvalidJob, err)
	}
	switch j.Kind {
	case model.KindCopy:
		if _, err := model.ParseWriteRef(j.Target); err != nil {
			return fmt.Errorf("%w: target: %w", ErrInvalidJob, err)
		}
	case model.KindVerify:
		if j.Reference == "" {
			return fmt.Errorf("%w: verify needs a reference job", ErrInvalidJob)
		}
	}
	if j.ChunkSize < 0 {
		return fmt.Errorf("%w: negative chunk size", ErrInvalidJob)
	}
	return nil
}

// Submit validates j, stores it as pending and runs it in a goroutine.
// The goroutine works on a copy of j.
func (r *Runner) Submit(ctx context.Context, j *model.Job) error {
	if err := Validate(j); err != nil {
		return err
	}
	refs := []string{j.Source}
	if j.Kind == model.KindCopy {
		refs = append(refs, j.Target)
	}
	for _, ref := range refs {
		v, _ := model.ParseReadRef(ref)
		if _, err := r.resolver.Resolve(v.Scheme); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidJob, err)
		}
	}
	if j.ChunkSize == 0 {
		j.ChunkSize = r.cfg.ChunkSize
		if j.ChunkSize == 0 {
			j.ChunkSize = engine.DefaultChunkSize
		}
	}
	j.Status = model.StatusPending
	if err := r.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jCopy := *j
	r.wg.Go(func() {
		r.execute(&jCopy)
	})
	return nil
}

// Wait blocks until all in-flight jobs complete.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels running jobs and waits for them, or for ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports how many jobs are moving data.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Status reports the live queue and worker status of a running job.
func (r *Runner) Status(id string) (engine.QueueStatus, engine.ThreadStatus, bool) {
	r.mu.Lock()
	c, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		return engine.QueueStatus{}, engine.ThreadStatus{}, false
	}
	qs, ts := c.Status()
	return qs, ts, true
}

// execute runs the job lifecycle: pending→running→completed/failed.
func (r *Runner) execute(j *model.Job) {
	defer r.broker.Close(j.ID)
	logger := r.logger.With("job_id", j.ID, "kind", j.Kind)

	if err := r.store.UpdateJobStatus(context.Background(), j.ID, model.StatusRunning, ""); err != nil {
		logger.Error("failed to transition to running", "error", err)
		r.finish(j, nil, fmt.Errorf("failed to start: %w", err))
		return
	}
	r.broker.Publish(j.ID, Event{Type: EventStatus, Status: model.StatusRunning})
	logger.Info("job started", "source", j.Source, "target", j.Target)

	cfg := r.cfg
	cfg.ChunkSize = j.ChunkSize
	c := copier.New(r.resolver, cfg, r.store, logger)
	r.mu.Lock()
	r.running[j.ID] = c
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, j.ID)
		r.mu.Unlock()
	}()

	var lastReport time.Time
	opts := copier.Options{
		JobID: j.ID,
		Force: j.Force,
		OnStart: func(size, chunks int64) {
			if err := r.store.UpdateJobGeometry(r.ctx, j.ID, size, chunks); err != nil {
				logger.Error("failed to record job geometry", "error", err)
			}
		},
		OnProgress: func(p copier.Progress) {
			if time.Since(lastReport) < progressInterval && p.ChunksDone < p.ChunksTotal {
				return
			}
			lastReport = time.Now()
			r.recordProgress(j.ID, p, logger)
		},
	}

	var (
		res *copier.Result
		err error
	)
	switch j.Kind {
	case model.KindCopy:
		opts.ResumeFrom = j.Reference
		res, err = c.Copy(r.ctx, j.Source, j.Target, opts)
	case model.KindChecksum:
		res, err = c.Checksum(r.ctx, j.Source, opts)
	case model.KindVerify:
		res, err = c.Verify(r.ctx, j.Source, j.Reference, opts)
	}
	r.finish(j, res, err)
}

func (r *Runner) recordProgress(id string, p copier.Progress, logger *slog.Logger) {
	if err := r.store.UpdateJobProgress(context.Background(), id, p.ChunksDone, p.Mismatches); err != nil {
		logger.Error("failed to record progress", "error", err)
	}
	r.broker.Publish(id, Event{Type: EventProgress, Progress: &p})
}

// finish records the outcome of a job. res may be nil when err is set.
func (r *Runner) finish(j *model.Job, res *copier.Result, err error) {
	ctx := context.Background()
	status, errMsg := model.StatusCompleted, ""
	if err != nil {
		status, errMsg = model.StatusFailed, err.Error()
	}
	if res != nil {
		if perr := r.store.UpdateJobProgress(ctx, j.ID, res.ChunksTotal, int64(len(res.Mismatched))); perr != nil {
			r.logger.Error("failed to record final progress", "job_id", j.ID, "error", perr)
		}
	}

	if uerr := r.store.UpdateJobStatus(ctx, j.ID, status, errMsg); uerr != nil {
		r.logger.Error("failed to update finished job", "job_id", j.ID, "status", status, "error", uerr)
	}
	jobsTotal.WithLabelValues(j.Kind, status).Inc()
	r.broker.Publish(j.ID, Event{Type: EventStatus, Status: status, Error: errMsg})

	if err != nil {
		r.logger.Error("job failed", "job_id", j.ID, "kind", j.Kind, "error", err)
		return
	}
	r.logger.Info("job completed", "job_id", j.ID, "kind", j.Kind,
		"chunks", res.ChunksTotal, "mismatches", len(res.Mismatched))
}

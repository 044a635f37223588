// Package worker runs transform jobs off the request path.
//
// Callers Submit a job and Wait on its Handle with a timeout. A timeout only
// ends the wait: the job keeps its own context, bounded by JobMaxRuntime, and
// whatever it produces after being abandoned is handed to the Discard hook.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"reelflow/internal/metrics"
	"reelflow/internal/tempstore"
	"reelflow/internal/transform"
)

const DefaultWaitTimeout = 900 * time.Second

var (
	ErrTimeout   = errors.New("timed out waiting for job result")
	ErrQueueFull = errors.New("job queue is full")
	ErrStopped   = errors.New("runner is stopped")
)

// TimeoutError is returned by Handle.Wait when the job did not finish in time.
type TimeoutError struct {
	JobID string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s: no result after %s", e.JobID, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Func does the work of one job. It must be safe to call again on the same
// input after a failure.
type Func func(ctx context.Context, in *tempstore.StagedFile) (transform.Result, error)

type Job struct {
	ID    string
	Input *tempstore.StagedFile
}

type Options struct {
	Concurrency int
	QueueSize   int
	// JobMaxRuntime caps a job's own context regardless of waiters.
	JobMaxRuntime time.Duration
	// Attempts is the total number of runs for a failing job.
	Attempts int
	// Discard receives outputs nobody is waiting for anymore.
	Discard func(path string)
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type Runner struct {
	run  Func
	opts Options

	queue  chan *task
	sem    *semaphore.Weighted
	logger *zap.Logger

	mu         sync.RWMutex
	started    bool
	stopped    bool
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	dispatched chan struct{}
	wg         sync.WaitGroup
}

func New(run Func, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JobMaxRuntime <= 0 {
		opts.JobMaxRuntime = 2 * DefaultWaitTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{
		run:        run,
		opts:       opts,
		queue:      make(chan *task, opts.QueueSize),
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:     opts.Logger.With(zap.String("component", "worker")),
		dispatched: make(chan struct{}),
	}
}

// Start launches the dispatcher. Jobs are detached from ctx's cancellation so
// that an in-flight request ending does not kill its transform.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.jobCtx, r.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))
	go r.dispatch()
	r.logger.Info("worker started",
		zap.Int("concurrency", r.opts.Concurrency),
		zap.Int("queue_size", r.opts.QueueSize))
}

// Stop refuses new jobs and waits for queued and running ones. When ctx ends
// first, running jobs are cancelled.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-r.dispatched
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancelJobs()
		return nil
	case <-ctx.Done():
		r.cancelJobs()
		<-done
		return ctx.Err()
	}
}

// Submit enqueues job without waiting for it to start.
func (r *Runner) Submit(job Job) (*Handle, error) {
	if job.Input == nil {
		return nil, errors.New("job has no input")
	}
	h := &Handle{id: job.ID, input: job.Input.Path(), done: make(chan struct{}), discard: r.discard}
	t := &task{job: job, handle: h}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return nil, ErrStopped
	}
	select {
	case r.queue <- t:
	default:
		return nil, ErrQueueFull
	}
	r.opts.Metrics.SetQueueDepth(len(r.queue))
	return h, nil
}

func (r *Runner) dispatch() {
	defer close(r.dispatched)
	for t := range r.queue {
		r.opts.Metrics.SetQueueDepth(len(r.queue))
		if t.handle.isAbandoned() {
			r.logger.Info("skipping abandoned job", zap.String("job_id", t.job.ID))
			t.handle.finish(transform.Result{}, ErrTimeout)
			continue
		}
		if err := r.sem.Acquire(r.jobCtx, 1); err != nil {
			t.handle.finish(transform.Result{}, err)
			continue
		}
		r.wg.Add(1)
		go func(t *task) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.execute(t)
		}(t)
	}
}

func (r *Runner) execute(t *task) {
	ctx, cancel := context.WithTimeout(r.jobCtx, r.opts.JobMaxRuntime)
	defer cancel()

	log := r.logger.With(zap.String("job_id", t.job.ID), zap.String("input", t.job.Input.Path()))
	start := time.Now()
	r.opts.Metrics.JobStarted()

	var (
		res transform.Result
		err error
	)
	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		res, err = r.safeRun(ctx, t.job.Input)
		if err == nil || ctx.Err() != nil {
			break
		}
		if attempt < r.opts.Attempts {
			log.Warn("job failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		log.Error("job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	} else {
		log.Info("job finished", zap.Stringer("decision", res.Decision), zap.Duration("elapsed", time.Since(start)))
	}
	r.opts.Metrics.JobFinished(outcome, time.Since(start))
	t.handle.finish(res, err)
}

func (r *Runner) safeRun(ctx context.Context, in *tempstore.StagedFile) (res transform.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return r.run(ctx, in)
}

func (r *Runner) discard(path string) {
	r.logger.Warn("discarding output of abandoned job", zap.String("path", path))
	if r.opts.Discard != nil {
		r.opts.Discard(path)
	}
}

type task struct {
	job    Job
	handle *Handle
}

// Handle is the caller's side of a submitted job.
type Handle struct {
	id      string
	input   string
	done    chan struct{}
	discard func(path string)

	mu        sync.Mutex
	finished  bool
	abandoned bool
	result    transform.Result
	err       error
}

func (h *Handle) ID() string { return h.id }

// Wait blocks the calling goroutine until the job finishes, timeout elapses or
// ctx ends. In the latter two cases the handle is abandoned.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (transform.Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-timer.C:
		h.abandon()
		return transform.Result{}, &TimeoutError{JobID: h.id, After: timeout}
	case <-ctx.Done():
		h.abandon()
		return transform.Result{}, ctx.Err()
	}
}

func (h *Handle) abandon() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.abandoned {
		return
	}
	h.abandoned = true
	if h.finished {
		h.discardLocked()
	}
}

func (h *Handle) finish(res transform.Result, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	h.result, h.err = res, err
	close(h.done)
	if h.abandoned {
		h.discardLocked()
	}
}

func (h *Handle) discardLocked() {
	if h.err != nil || h.result.Path == "" || h.result.Path == h.input {
		return
	}
	if h.discard != nil {
		h.discard(h.result.Path)
	}
}

func (h *Handle) isAbandoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abandoned
}

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"insight-queue/internal/handler"
	"insight-queue/internal/models"
	"insight-queue/internal/queue"
	"insight-queue/internal/retry"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Config sizes the worker pool.
type Config struct {
	// Workers is the number of concurrent handler executions.
	Workers int
	// PollInterval is how long an idle worker sleeps between empty
	// claim attempts.
	PollInterval time.Duration
	// HeartbeatInterval is how often a running invocation extends its
	// lease.
	HeartbeatInterval time.Duration
	// ReapInterval is how often the stalled-job sweep runs.
	ReapInterval time.Duration
	// JobTimeout bounds a single handler invocation. A timeout counts
	// as a retryable failure.
	JobTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
}

// Dispatcher pulls claimable jobs under the concurrency cap, runs the
// registered handler for each and translates the outcome into a queue
// transition.
type Dispatcher struct {
	q        *queue.Queue
	registry *handler.Registry
	cfg      Config
	log      *zap.SugaredLogger

	closing *atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. Start must be called before it does
// anything.
func New(q *queue.Queue, registry *handler.Registry, cfg Config, log *zap.SugaredLogger) *Dispatcher {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		q:        q,
		registry: registry,
		cfg:      cfg,
		log:      log,
		closing:  atomic.NewBool(false),
	}
}

// Start launches the worker pool and the stalled-job reaper.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for i := 1; i <= d.cfg.Workers; i++ {
		workerID := i
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runWorker(ctx, workerID)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runReaper(ctx)
	}()

	d.log.Infow("dispatcher started", "workers", d.cfg.Workers)
}

// Shutdown stops claiming new jobs and waits for in-flight handler
// invocations to finish.
func (d *Dispatcher) Shutdown() {
	if !d.closing.CompareAndSwap(false, true) {
		return
	}
	d.log.Infow("dispatcher shutting down")
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.log.Infow("dispatcher shutdown complete")
}

// runWorker claims and executes jobs until the context is cancelled. It
// blocks on the poll ticker between empty polls, never spinning.
func (d *Dispatcher) runWorker(ctx context.Context, workerID int) {
	d.log.Infow("worker started", "worker_id", workerID)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Infow("worker stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			d.drain(ctx, workerID)
		}
	}
}

// drain keeps claiming until the queue is empty, the rate limit window
// closes, or shutdown begins.
func (d *Dispatcher) drain(ctx context.Context, workerID int) {
	for !d.closing.Load() {
		job, err := d.q.Claim(time.Now().UTC())
		if err != nil {
			// Store trouble: stop claiming and wait for the next tick
			// rather than dropping work on the floor.
			d.log.Errorw("claim failed, backing off", "worker_id", workerID, "error", err)
			return
		}
		if job == nil {
			return
		}
		d.execute(workerID, job)
	}
}

// execute runs one handler invocation and reports its outcome.
func (d *Dispatcher) execute(workerID int, job *models.Job) {
	d.log.Infow("job started",
		"job_id", job.ID, "worker_id", workerID, "handler", job.Handler, "attempt", job.Attempts)

	h, ok := d.registry.Get(job.Handler)
	if !ok {
		d.fail(job, workerID, fmt.Sprintf("unknown handler %q", job.Handler))
		return
	}

	// Heartbeats outlive the claim context so a drain during shutdown
	// keeps the lease alive until the handler returns.
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.heartbeatLoop(hbCtx, job)
	}()

	emit := func(step string, current, total int, message string) {
		p := models.Progress{Step: step, Current: current, Total: total, Message: message}
		if err := d.q.Progress(job.ID, job.Attempts, p); err != nil {
			d.log.Warnw("progress write rejected", "job_id", job.ID, "step", step, "error", err)
		}
	}

	runCtx, cancelRun := context.WithTimeout(context.Background(), d.cfg.JobTimeout)
	result, err := h.Handle(runCtx, job.Payload, emit)
	cancelRun()
	stopHeartbeat()

	if err == nil {
		if cerr := d.q.Complete(job.ID, job.Attempts, result); cerr != nil {
			d.log.Warnw("completion write rejected", "job_id", job.ID, "error", cerr)
			return
		}
		d.log.Infow("job completed", "job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
		return
	}

	if retry.Retryable(err) && job.Attempts < job.MaxAttempts {
		delay, rerr := d.q.RetryLater(job.ID, job.Attempts)
		if rerr != nil {
			d.log.Warnw("retry write rejected", "job_id", job.ID, "error", rerr)
			return
		}
		d.log.Warnw("job will retry",
			"job_id", job.ID, "worker_id", workerID,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts,
			"delay", delay, "error", err)
		return
	}

	d.fail(job, workerID, err.Error())
}

func (d *Dispatcher) fail(job *models.Job, workerID int, msg string) {
	if err := d.q.Fail(job.ID, job.Attempts, msg); err != nil {
		d.log.Warnw("failure write rejected", "job_id", job.ID, "error", err)
		return
	}
	d.log.Errorw("job failed",
		"job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts, "error", msg)
}

// heartbeatLoop extends the claim lease while a handler runs, so a live
// but quiet invocation is not mistaken for a stalled one.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, job *models.Job) {
	ticker := time.NewTicker(d.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.q.Heartbeat(job.ID, job.Attempts); err != nil {
				d.log.Debugw("heartbeat rejected", "job_id", job.ID, "error", err)
				return
			}
		}
	}
}

// runReaper periodically reclassifies jobs whose worker went quiet past
// the lease. Without it a crashed process would strand every job it
// held as permanently active.
func (d *Dispatcher) runReaper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.q.ReclaimStalled(time.Now().UTC())
			if err != nil {
				d.log.Errorw("stalled sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.log.Infow("stalled jobs reclaimed", "count", n)
			}
		}
	}
}

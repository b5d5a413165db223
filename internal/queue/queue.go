package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"insight-queue/internal/models"
	"insight-queue/internal/ratelimit"
	"insight-queue/internal/retry"
	"insight-queue/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Queue owns admission and the claim protocol over the durable store.
// All components communicate through the store; the queue only adds the
// state machine, rate shaping and backoff scheduling on top.
type Queue struct {
	store   *store.DB
	limiter *ratelimit.Limiter
	policy  retry.Policy
	lease   time.Duration
	log     *zap.SugaredLogger
	notify  func()
}

// Options configures a Queue.
type Options struct {
	// Lease is how long a claim stays valid without a heartbeat before
	// the job counts as stalled.
	Lease time.Duration
	// Limiter caps claims per rolling window across all workers. Nil
	// disables rate shaping.
	Limiter *ratelimit.Limiter
	// Policy supplies the retry ceiling and backoff delays.
	Policy retry.Policy
	// Notify is invoked after every state change, for live status
	// streams. May be nil.
	Notify func()

	Logger *zap.SugaredLogger
}

// New creates a Queue over the given store.
func New(db *store.DB, opts Options) *Queue {
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = retry.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Queue{
		store:   db,
		limiter: opts.Limiter,
		policy:  opts.Policy,
		lease:   opts.Lease,
		log:     opts.Logger,
		notify:  opts.Notify,
	}
}

// Policy returns the retry policy the queue schedules with.
func (q *Queue) Policy() retry.Policy {
	return q.policy
}

// Enqueue persists a new job in queued state and returns it. A missing
// id is generated; max attempts defaults from the retry policy.
func (q *Queue) Enqueue(req models.SubmitRequest) (*models.Job, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}
	if req.Handler == "" {
		return nil, fmt.Errorf("handler is required")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.policy.MaxAttempts
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:             id,
		Handler:        req.Handler,
		Payload:        req.Payload,
		State:          models.StateQueued,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    maxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := q.store.Put(job); err != nil {
		return nil, err
	}

	q.log.Infow("job enqueued", "job_id", job.ID, "handler", job.Handler)
	q.changed()
	return job, nil
}

// Claim leases the next deliverable job for a worker. Returns nil when
// nothing is claimable or the rate-limit window is exhausted.
func (q *Queue) Claim(now time.Time) (*models.Job, error) {
	if q.limiter != nil && !q.limiter.Allow(now) {
		return nil, nil
	}

	job, err := q.store.Claim(now, now.Add(q.lease))
	if err != nil || job == nil {
		// The window caps claims, not claim attempts; an empty poll
		// hands its slot back.
		if q.limiter != nil {
			q.limiter.Refund()
		}
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		return nil, nil
	}

	q.changed()
	return job, nil
}

// Complete transitions a claimed job to its terminal completed state.
func (q *Queue) Complete(id string, attempt int, result json.RawMessage) error {
	if err := q.store.MarkCompleted(id, attempt, result, time.Now().UTC()); err != nil {
		return err
	}
	q.changed()
	return nil
}

// Fail transitions a claimed job to its terminal failed state with the
// error message pollers will see.
func (q *Queue) Fail(id string, attempt int, errMsg string) error {
	if err := q.store.MarkFailed(id, attempt, errMsg, time.Now().UTC()); err != nil {
		return err
	}
	q.changed()
	return nil
}

// RetryLater cycles a claimed job back to queued with exponential
// backoff and returns the scheduled delay.
func (q *Queue) RetryLater(id string, attempt int) (time.Duration, error) {
	delay := q.policy.Delay(attempt)
	now := time.Now().UTC()
	if err := q.store.Requeue(id, attempt, now.Add(delay), now); err != nil {
		return 0, err
	}
	q.changed()
	return delay, nil
}

// Progress records a handler progress report. The write doubles as a
// heartbeat, extending the claim lease.
func (q *Queue) Progress(id string, attempt int, p models.Progress) error {
	now := time.Now().UTC()
	if err := q.store.UpdateProgress(id, attempt, p, now.Add(q.lease), now); err != nil {
		return err
	}
	q.changed()
	return nil
}

// Heartbeat extends the claim lease on an active job.
func (q *Queue) Heartbeat(id string, attempt int) error {
	return q.store.Heartbeat(id, attempt, time.Now().UTC().Add(q.lease))
}

// ReclaimStalled sweeps active jobs whose worker stopped heartbeating.
// Each one is handled exactly like a retryable failure: re-queued with
// backoff while attempts remain, failed otherwise. Returns how many
// jobs were reclassified.
func (q *Queue) ReclaimStalled(now time.Time) (int, error) {
	stalled, err := q.store.FindStalled(now)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range stalled {
		job := &stalled[i]
		if job.Attempts >= job.MaxAttempts {
			err = q.store.MarkFailed(job.ID, job.Attempts,
				fmt.Sprintf("worker stalled on attempt %d; retry limit reached", job.Attempts), now)
			if err == nil {
				q.log.Warnw("stalled job failed", "job_id", job.ID, "attempts", job.Attempts)
			}
		} else {
			delay := q.policy.Delay(job.Attempts)
			err = q.store.Requeue(job.ID, job.Attempts, now.Add(delay), now)
			if err == nil {
				q.log.Warnw("stalled job re-queued", "job_id", job.ID, "attempts", job.Attempts, "delay", delay)
			}
		}
		if err != nil {
			// The worker may have finished between the sweep select and
			// this write; its transition wins.
			q.log.Debugw("stalled job already transitioned", "job_id", job.ID, "error", err)
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		q.changed()
	}
	return reclaimed, nil
}

// Get returns the stored job by id.
func (q *Queue) Get(id string) (*models.Job, error) {
	return q.store.Get(id)
}

// List returns jobs filtered by state, newest first.
func (q *Queue) List(state string, limit, offset int) ([]models.Job, error) {
	return q.store.List(state, limit, offset)
}

// Counts returns per-state job totals.
func (q *Queue) Counts() (models.Counts, error) {
	return q.store.Counts()
}

// Metrics returns aggregate metrics for dashboards.
func (q *Queue) Metrics() (*models.Metrics, error) {
	return q.store.Metrics()
}

// Remove deletes a job record. Idempotent: removing an absent job
// reports removed=false without error. Active jobs are refused.
func (q *Queue) Remove(id string) (bool, error) {
	removed, err := q.store.Remove(id)
	if err != nil {
		return false, err
	}
	if removed {
		q.log.Infow("job removed", "job_id", id)
		q.changed()
	}
	return removed, nil
}

func (q *Queue) changed() {
	if q.notify != nil {
		q.notify()
	}
}

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"mediaflow/internal/platform/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCapacity is the number of jobs processed concurrently by default.
const DefaultCapacity = 3

// DefaultCheckpoints are the progress values a job reports, in order. The
// last one completes the job.
var DefaultCheckpoints = []int{10, 30, 50, 90, 100}

const failurePersistTimeout = 5 * time.Second

// Processor does the actual work of a job. Advance is called once per
// checkpoint before that checkpoint is recorded; Classify is called after
// the final checkpoint's work is done.
type Processor interface {
	Advance(ctx context.Context, job Job, checkpoint int) error
	Classify(ctx context.Context, job Job) (Classification, error)
}

// QueueConfig tunes a Queue. Zero values select the defaults.
type QueueConfig struct {
	Capacity    int
	Checkpoints []int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

type enqueueRequest struct {
	job   Job
	reply chan enqueueReply
}

type enqueueReply struct {
	position int
	err      error
}

type trackedQuery struct {
	id    AssetID
	reply chan bool
}

// Queue runs processing jobs with bounded concurrency. All scheduling state
// is owned by the Run goroutine; Enqueue, Status and job completions reach it
// over channels.
type Queue struct {
	store       Store
	proc        Processor
	pub         Publisher
	log         *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	capacity    int
	checkpoints []int
	now         func() time.Time

	enqueueCh chan enqueueRequest
	statusCh  chan chan QueueStatus
	trackedCh chan trackedQuery
	doneCh    chan AssetID
	stopped   chan struct{}
	running   atomic.Bool

	// Owned by Run.
	pending  []Job
	active   []AssetID
	inFlight map[AssetID]struct{}
}

// NewQueue returns a Queue that persists through store, delegates work to
// proc and announces progress through pub. Call Run to start dispatching.
func NewQueue(store Store, proc Processor, pub Publisher, cfg QueueConfig) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if !validCheckpoints(cfg.Checkpoints) {
		cfg.Checkpoints = DefaultCheckpoints
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if pub == nil {
		pub = PublisherFunc(func(Event) {})
	}
	return &Queue{
		store:       store,
		proc:        proc,
		pub:         pub,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("mediaflow/media"),
		capacity:    cfg.Capacity,
		checkpoints: slices.Clone(cfg.Checkpoints),
		now:         cfg.Now,
		enqueueCh:   make(chan enqueueRequest),
		statusCh:    make(chan chan QueueStatus),
		trackedCh:   make(chan trackedQuery),
		doneCh:      make(chan AssetID),
		stopped:     make(chan struct{}),
		inFlight:    make(map[AssetID]struct{}),
	}
}

// validCheckpoints requires a strictly increasing sequence within (0, 100]
// that ends at 100.
func validCheckpoints(cps []int) bool {
	if len(cps) == 0 || cps[len(cps)-1] != 100 {
		return false
	}
	prev := 0
	for _, cp := range cps {
		if cp <= prev || cp > 100 {
			return false
		}
		prev = cp
	}
	return true
}

// Capacity returns the maximum number of concurrently running jobs.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Enqueue adds job to the back of the pending line and returns its 1-based
// position at the time it was accepted. Jobs already queued or running are
// rejected with ErrAlreadyQueued.
func (q *Queue) Enqueue(ctx context.Context, job Job) (int, error) {
	req := enqueueRequest{job: job, reply: make(chan enqueueReply, 1)}
	select {
	case q.enqueueCh <- req:
	case <-q.stopped:
		return 0, ErrQueueClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.position, rep.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Status returns a snapshot of the scheduler.
func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	reply := make(chan QueueStatus, 1)
	select {
	case q.statusCh <- reply:
	case <-q.stopped:
		return QueueStatus{}, ErrQueueClosed
	case <-ctx.Done():
		return QueueStatus{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return QueueStatus{}, ctx.Err()
	}
}

// tracked reports whether id is pending or running in this process.
func (q *Queue) tracked(ctx context.Context, id AssetID) (bool, error) {
	query := trackedQuery{id: id, reply: make(chan bool, 1)}
	select {
	case q.trackedCh <- query:
	case <-q.stopped:
		return false, ErrQueueClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-query.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Run dispatches jobs until ctx is cancelled. On return, running jobs have
// been cancelled and recorded as failed; jobs still pending remain queued in
// the store and are picked up by Recover on the next start.
func (q *Queue) Run(ctx context.Context) error {
	if !q.running.CompareAndSwap(false, true) {
		return errors.New("processing queue already running")
	}

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	var wg sync.WaitGroup
	defer func() {
		cancelJobs()
		for len(q.active) > 0 {
			q.finish(<-q.doneCh)
		}
		wg.Wait()
		close(q.stopped)
		q.log.Info("processing queue stopped", slog.Int("pending", len(q.pending)))
	}()

	q.log.Info("processing queue started", slog.Int("capacity", q.capacity))
	for {
		q.dispatch(jobCtx, &wg)
		q.metrics.SetQueue(len(q.active), len(q.pending))

		select {
		case <-ctx.Done():
			return nil
		case req := <-q.enqueueCh:
			req.reply <- q.accept(req.job)
		case id := <-q.doneCh:
			q.finish(id)
		case reply := <-q.statusCh:
			reply <- q.snapshot()
		case query := <-q.trackedCh:
			_, ok := q.inFlight[query.id]
			query.reply <- ok
		}
	}
}

func (q *Queue) accept(job Job) enqueueReply {
	if _, dup := q.inFlight[job.AssetID]; dup {
		return enqueueReply{err: fmt.Errorf("%w: %s", ErrAlreadyQueued, job.AssetID)}
	}
	job.State = StateQueued
	job.Progress = 0
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.now()
	}
	q.pending = append(q.pending, job)
	q.inFlight[job.AssetID] = struct{}{}
	q.log.Debug("job enqueued",
		slog.String("asset_id", string(job.AssetID)),
		slog.Int("position", len(q.pending)),
	)
	return enqueueReply{position: len(q.pending)}
}

// dispatch starts pending jobs while worker slots are free.
func (q *Queue) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	for len(q.pending) > 0 && len(q.active) < q.capacity {
		job := q.pending[0]
		q.pending[0] = Job{}
		q.pending = q.pending[1:]
		q.active = append(q.active, job.AssetID)

		job.State = StateRunning
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.process(ctx, job)
			q.doneCh <- job.AssetID
		}()
	}
}

func (q *Queue) finish(id AssetID) {
	if i := slices.Index(q.active, id); i >= 0 {
		q.active = slices.Delete(q.active, i, i+1)
	}
	delete(q.inFlight, id)
}

func (q *Queue) snapshot() QueueStatus {
	pending := make([]AssetID, len(q.pending))
	for i, job := range q.pending {
		pending[i] = job.AssetID
	}
	return QueueStatus{
		Pending:     pending,
		Active:      slices.Clone(q.active),
		ActiveCount: len(q.active),
		Capacity:    q.capacity,
	}
}

// process runs one job to its terminal state and publishes exactly one of
// complete or failed.
func (q *Queue) process(ctx context.Context, job Job) {
	ctx, span := q.tracer.Start(ctx, "media.process",
		trace.WithAttributes(attribute.String("asset.id", string(job.AssetID))))
	defer span.End()

	q.log.Info("processing started", slog.String("asset_id", string(job.AssetID)))

	done, err := q.execute(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.fail(ctx, job, err)
		return
	}

	q.pub.Publish(Event{
		Kind:           EventComplete,
		OwnerID:        job.OwnerID,
		AssetID:        job.AssetID,
		State:          StateCompleted,
		Progress:       100,
		Classification: done.Classification,
		Asset:          &done,
		Timestamp:      *done.ProcessedAt,
	})
	q.metrics.IncJobs(string(StateCompleted))
	q.log.Info("processing completed",
		slog.String("asset_id", string(job.AssetID)),
		slog.String("classification", string(done.Classification)),
	)
}

// execute walks the checkpoints. Every checkpoint is persisted before its
// progress event is published. Panics in the processor become errors.
func (q *Queue) execute(ctx context.Context, job Job) (done Asset, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	started := q.now()
	running := StateRunning
	zero := 0
	if _, err := q.store.Update(ctx, job.AssetID, AssetUpdate{State: &running, Progress: &zero, StartedAt: &started}); err != nil {
		return Asset{}, fmt.Errorf("mark running: %w", err)
	}
	job.State = StateRunning
	job.StartedAt = &started

	last := len(q.checkpoints) - 1
	for i, cp := range q.checkpoints {
		if err := q.proc.Advance(ctx, job, cp); err != nil {
			return Asset{}, fmt.Errorf("checkpoint %d: %w", cp, err)
		}
		if i == last {
			break
		}
		progress := cp
		if _, err := q.store.Update(ctx, job.AssetID, AssetUpdate{Progress: &progress}); err != nil {
			return Asset{}, fmt.Errorf("persist checkpoint %d: %w", cp, err)
		}
		job.Progress = cp
		q.pub.Publish(Event{
			Kind:      EventProgress,
			OwnerID:   job.OwnerID,
			AssetID:   job.AssetID,
			State:     StateRunning,
			Progress:  cp,
			Timestamp: q.now(),
		})
	}

	class, err := q.proc.Classify(ctx, job)
	if err != nil {
		return Asset{}, fmt.Errorf("classify: %w", err)
	}
	finished := q.now()
	completed := StateCompleted
	full := 100
	noError := ""
	done, err = q.store.Update(ctx, job.AssetID, AssetUpdate{
		State:          &completed,
		Progress:       &full,
		Classification: &class,
		Error:          &noError,
		ProcessedAt:    &finished,
	})
	if err != nil {
		return Asset{}, fmt.Errorf("persist completion: %w", err)
	}
	return done, nil
}

// fail records the failure and announces it. The job is not retried.
func (q *Queue) fail(ctx context.Context, job Job, cause error) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failurePersistTimeout)
	defer cancel()

	failed := StateFailed
	zero := 0
	msg := cause.Error()
	if _, err := q.store.Update(persistCtx, job.AssetID, AssetUpdate{State: &failed, Progress: &zero, Error: &msg}); err != nil {
		q.log.Error("persist job failure",
			slog.String("asset_id", string(job.AssetID)),
			slog.String("error", err.Error()),
		)
	}

	q.pub.Publish(Event{
		Kind:      EventFailed,
		OwnerID:   job.OwnerID,
		AssetID:   job.AssetID,
		State:     StateFailed,
		Progress:  0,
		Error:     msg,
		Timestamp: q.now(),
	})
	q.metrics.IncJobs(string(StateFailed))
	q.log.Warn("processing failed",
		slog.String("asset_id", string(job.AssetID)),
		slog.String("error", msg),
	)
}

// Recover rebuilds the scheduler from the store after a restart. Assets left
// running by a previous process are marked failed, since their work is lost;
// assets still queued are enqueued again in upload order. Jobs this process
// already holds are left alone. Run must be active.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	running, err := q.store.ListByState(ctx, StateRunning)
	if err != nil {
		return 0, fmt.Errorf("list running assets: %w", err)
	}
	orphans := running[:0]
	for _, a := range running {
		live, err := q.tracked(ctx, a.ID)
		if err != nil {
			return 0, fmt.Errorf("check %s: %w", a.ID, err)
		}
		if !live {
			orphans = append(orphans, a)
		}
	}
	for _, a := range orphans {
		q.log.Warn("orphaned job from previous run marked failed", slog.String("asset_id", string(a.ID)))
		q.fail(ctx, a.Job(), errors.New("processing interrupted by restart"))
	}

	queued, err := q.store.ListByState(ctx, StateQueued)
	if err != nil {
		return 0, fmt.Errorf("list queued assets: %w", err)
	}
	requeued := 0
	for _, a := range queued {
		if _, err := q.Enqueue(ctx, a.Job()); err != nil {
			if errors.Is(err, ErrAlreadyQueued) {
				continue
			}
			return requeued, fmt.Errorf("requeue %s: %w", a.ID, err)
		}
		requeued++
	}
	if requeued > 0 || len(orphans) > 0 {
		q.log.Info("processing queue recovered",
			slog.Int("requeued", requeued),
			slog.Int("orphaned", len(orphans)),
		)
	}
	return requeued, nil
}

// DelayProcessor stands in for real media work: it waits Step before each
// checkpoint and gives every asset the same classification.
type DelayProcessor struct {
	Step           time.Duration
	Classification Classification
}

// Advance implements Processor.
func (p DelayProcessor) Advance(ctx context.Context, _ Job, _ int) error {
	if p.Step <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Step)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Classify implements Processor.
func (p DelayProcessor) Classify(ctx context.Context, _ Job) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Classification == "" {
		return ClassificationSafe, nil
	}
	return p.Classification, nil
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/wa-campaign-dispatcher/app/metrics"
	businessflow "github.com/amirphl/wa-campaign-dispatcher/business_flow"
	"github.com/amirphl/wa-campaign-dispatcher/config"
	"github.com/amirphl/wa-campaign-dispatcher/queue"
	"github.com/amirphl/wa-campaign-dispatcher/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultWorkerCount = 4
	defaultPollEvery   = time.Second
	defaultSoftTimeout = 240 * time.Second
	defaultHardTimeout = 300 * time.Second

	// maxTaskAttempts bounds redelivery of a task whose handler keeps failing
	maxTaskAttempts = 5
)

// Handler executes one task. Errors that mean "nothing to do" (not found, conflict)
// are absorbed by the runner; any other error schedules a redelivery.
type Handler func(ctx context.Context, task queue.Task) error

// Runner is the worker pool draining the task queue
type Runner struct {
	queue    queue.Queue
	handlers map[queue.Kind]Handler
	sem      *semaphore.Weighted
	workers  int64
	claimMax int
	poll     time.Duration
	soft     time.Duration
	hard     time.Duration
	now      utils.Clock
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewRunner creates a runner over q; zero config values fall back to the defaults
func NewRunner(q queue.Queue, cfg config.DispatcherConfig, now utils.Clock, logger *zap.Logger) *Runner {
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = defaultWorkerCount
	}
	claimMax := cfg.ClaimBatch
	if claimMax <= 0 || claimMax > workers {
		claimMax = workers
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollEvery
	}
	soft, hard := cfg.TaskSoftTimeout, cfg.TaskHardTimeout
	if hard <= 0 {
		hard = defaultHardTimeout
	}
	if soft <= 0 || soft >= hard {
		soft = min(defaultSoftTimeout, hard*4/5)
	}
	if now == nil {
		now = utils.UTCNow
	}
	return &Runner{
		queue:    q,
		handlers: make(map[queue.Kind]Handler),
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  int64(workers),
		claimMax: claimMax,
		poll:     poll,
		soft:     soft,
		hard:     hard,
		now:      now,
		logger:   logger.Named("runner"),
	}
}

// Handle registers the handler of a task kind
func (r *Runner) Handle(kind queue.Kind, h Handler) {
	r.handlers[kind] = h
}

// Start launches the poll loop and returns a stop function that waits for running tasks
func (r *Runner) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.poll)
		defer ticker.Stop()

		r.logger.Info("runner started", zap.Int64("workers", r.workers), zap.Duration("poll", r.poll))
		for {
			// keep claiming while the queue has due work and workers are free
			for {
				n, err := r.poll1(ctx)
				if err != nil && ctx.Err() == nil {
					r.logger.Error("claim failed", zap.Error(err))
				}
				if n == 0 || ctx.Err() != nil {
					break
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
		r.wg.Wait()
		r.logger.Info("runner stopped")
	}
}

// RunOnce claims the currently due tasks and runs them to completion
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	n, err := r.poll1(ctx)
	r.wg.Wait()
	return n, err
}

// poll1 requeues expired claims, then claims as many due tasks as there are free workers
// and starts them. It returns the number of tasks started.
func (r *Runner) poll1(ctx context.Context) (int, error) {
	now := r.now()
	if n, err := r.queue.RequeueExpired(ctx, now); err != nil {
		return 0, fmt.Errorf("requeue expired: %w", err)
	} else if n > 0 {
		r.logger.Warn("expired claims returned to the queue", zap.Int("tasks", n))
	}

	free := 0
	for free < r.claimMax && r.sem.TryAcquire(1) {
		free++
	}
	if free == 0 {
		return 0, nil
	}

	tasks, err := r.queue.Claim(ctx, now, free)
	if err != nil {
		r.sem.Release(int64(free))
		return 0, fmt.Errorf("claim: %w", err)
	}
	if unused := free - len(tasks); unused > 0 {
		r.sem.Release(int64(unused))
	}

	if depth, err := r.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	for _, task := range tasks {
		r.wg.Add(1)
		go func(task queue.Task) {
			defer r.wg.Done()
			defer r.sem.Release(1)
			r.process(ctx, task)
		}(task)
	}
	return len(tasks), nil
}

func (r *Runner) process(parent context.Context, task queue.Task) {
	log := r.logger.With(zap.String("kind", string(task.Kind)), zap.String("ref", task.Ref.String()))

	h, ok := r.handlers[task.Kind]
	if !ok {
		log.Error("no handler for task kind, dropping")
		metrics.TasksProcessed.WithLabelValues(string(task.Kind), "unhandled").Inc()
		r.ack(parent, task, log)
		return
	}

	// the handler may outlive a shutdown signal up to its hard timeout
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.hard)
	defer cancel()
	soft := time.AfterFunc(r.soft, func() {
		log.Warn("task exceeded soft timeout", zap.Duration("soft_timeout", r.soft))
	})

	metrics.TasksInFlight.Inc()
	started := time.Now()
	err := h(ctx, task)
	soft.Stop()
	metrics.TasksInFlight.Dec()
	metrics.TaskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(started).Seconds())

	result := "ok"
	switch {
	case err == nil:
	case absorbed(err):
		result = "dropped"
		log.Debug("task dropped", zap.Error(err))
	default:
		result = "error"
		r.redeliver(context.WithoutCancel(parent), task, err, log)
	}
	metrics.TasksProcessed.WithLabelValues(string(task.Kind), result).Inc()
	r.ack(parent, task, log)
}

// redeliver enqueues a fresh copy of a failed task with exponential delay
func (r *Runner) redeliver(ctx context.Context, task queue.Task, cause error, log *zap.Logger) {
	if task.Attempt+1 >= maxTaskAttempts {
		log.Error("task failed permanently", zap.Int("attempt", task.Attempt+1), zap.Error(cause))
		return
	}
	retry := task
	retry.ID = uuid.New()
	retry.Attempt++
	delay := utils.RetryBackoff(retry.Attempt)
	if err := r.queue.Enqueue(ctx, retry, delay); err != nil {
		// the claim stays unacked and expires back into the queue
		log.Error("failed to redeliver task", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Warn("task failed, redelivering", zap.Int("attempt", retry.Attempt), zap.Duration("delay", delay), zap.Error(cause))
}

func (r *Runner) ack(ctx context.Context, task queue.Task, log *zap.Logger) {
	if err := r.queue.Ack(context.WithoutCancel(ctx), task); err != nil {
		log.Error("failed to ack task", zap.Error(err))
	}
}

// absorbed reports errors that mean the task has nothing left to do
func absorbed(err error) bool {
	return businessflow.IsNotFound(err) || businessflow.IsConflict(err) || errors.Is(err, queue.ErrInvalidTask)
}

// Package coordinator runs the orchestrator's background loops: the queue
// processor that serves deployments with state-pause choreography, and the
// scheduler that fires cron-registered jobs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"foreman/internal/logging"
	"foreman/internal/metrics"
	"foreman/internal/notify"
	"foreman/internal/queue"
	"foreman/internal/schedule"
	"foreman/internal/task"
)

const (
	defaultQueueInterval     = 5 * time.Second
	defaultSchedulerInterval = 60 * time.Second
	stopTimeout              = 10 * time.Second
)

// Executor performs one deployment. It is injected by the embedding
// application; the coordinator never knows how a service is deployed.
type Executor func(ctx context.Context, item queue.Item) error

// JobRunner executes one scheduled job, optionally resuming from the
// checkpoint recorded on the job's previous run. It returns the id of the
// checkpoint to remember for next time, or nil to keep the current one.
type JobRunner func(ctx context.Context, job schedule.Job, resume *task.Checkpoint) (*int64, error)

// ErrAlreadyRunning is returned by Start when the loops are live.
var ErrAlreadyRunning = errors.New("coordinator already running")

// Coordinator owns the queue and scheduler loops.
type Coordinator struct {
	queue    *queue.Manager
	tracker  *task.Tracker
	jobs     *schedule.Engine
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	logger   logging.Logger

	queueInterval     time.Duration
	schedulerInterval time.Duration

	mu       sync.Mutex
	executor Executor
	runner   JobRunner
	cancel   context.CancelFunc
	done     chan struct{}
}

// Options configure a Coordinator.
type Options struct {
	Queue    *queue.Manager
	Tracker  *task.Tracker
	Jobs     *schedule.Engine
	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Logger   logging.Logger

	// QueueInterval is the queue poll period, default 5s.
	QueueInterval time.Duration
	// SchedulerInterval is the cron poll period, default 60s.
	SchedulerInterval time.Duration
}

// New creates a Coordinator. The executor and job runner are installed
// separately so the embedding application can construct the service first
// and wire behavior afterwards.
func New(opts Options) *Coordinator {
	queueInterval := opts.QueueInterval
	if queueInterval <= 0 {
		queueInterval = defaultQueueInterval
	}
	schedulerInterval := opts.SchedulerInterval
	if schedulerInterval <= 0 {
		schedulerInterval = defaultSchedulerInterval
	}
	return &Coordinator{
		queue:             opts.Queue,
		tracker:           opts.Tracker,
		jobs:              opts.Jobs,
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		logger:            logging.OrNop(opts.Logger),
		queueInterval:     queueInterval,
		schedulerInterval: schedulerInterval,
	}
}

// SetExecutor installs the deployment executor.
func (c *Coordinator) SetExecutor(fn Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executor = fn
}

// SetJobRunner installs the scheduled job runner.
func (c *Coordinator) SetJobRunner(fn JobRunner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runner = fn
}

// Start launches the background loops. Returns ErrAlreadyRunning if they
// are already live.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error {
		c.loop(gctx, c.queueInterval, c.queueTick)
		return nil
	})
	g.Go(func() error {
		c.loop(gctx, c.schedulerInterval, c.schedulerTick)
		return nil
	})
	done := c.done
	go func() {
		_ = g.Wait()
		close(done)
	}()

	c.logger.Info("coordinator started (queue every %s, scheduler every %s)",
		c.queueInterval, c.schedulerInterval)
	return nil
}

// Stop cancels the loops and waits for them to drain, bounded by a fixed
// timeout. Safe to call when not running.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		c.logger.Warn("coordinator loops did not drain within %s", stopTimeout)
	}
	c.logger.Info("coordinator stopped")
}

// Running reports whether the loops are live.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Coordinator) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// queueTick serves at most one deployment per tick.
func (c *Coordinator) queueTick(ctx context.Context) {
	item, err := c.queue.NextPending(ctx)
	if err != nil {
		c.logger.Error("queue poll failed: %v", err)
		return
	}
	c.observeGauges(ctx)
	if item == nil {
		return
	}

	ok, reason, err := c.queue.CheckCanProceed(ctx, item.ID)
	if err != nil {
		c.logger.Error("proceed check for #%d failed: %v", item.ID, err)
		return
	}
	if !ok {
		c.logger.Debug("deployment #%d deferred: %s", item.ID, reason)
		return
	}
	c.ProcessDeployment(ctx, *item)
}

// ProcessDeployment runs one queue item end to end: status transitions,
// state pause and resume around destructive actions, executor invocation,
// and notifications. Errors never escape; they land on the item row.
func (c *Coordinator) ProcessDeployment(ctx context.Context, item queue.Item) {
	if err := c.queue.UpdateStatus(ctx, item.ID, queue.StatusProcessing, ""); err != nil {
		c.logger.Error("mark #%d processing: %v", item.ID, err)
		return
	}
	c.notifier.Send(ctx, item.Requester(),
		fmt.Sprintf("Starting deployment #%d: %s of %s", item.ID, item.Type, item.TargetService),
		notify.EventDeployStarted, &item.ID)

	if item.RequiresStatePause {
		paused, err := c.tracker.PauseAllActive(ctx, &item.ID)
		if err != nil {
			c.logger.Error("pause before #%d failed: %v", item.ID, err)
		} else if paused > 0 {
			c.logger.Info("paused %d task(s) ahead of deployment #%d", paused, item.ID)
		}
	}

	start := time.Now()
	execErr := c.runExecutor(ctx, item)
	elapsed := time.Since(start)

	// Paused tasks come back regardless of how the deployment went.
	if item.RequiresStatePause {
		resumed, err := c.tracker.ResumeAllPaused(ctx)
		if err != nil {
			c.logger.Error("resume after #%d failed: %v", item.ID, err)
		} else if resumed > 0 {
			c.logger.Info("resumed %d task(s) after deployment #%d", resumed, item.ID)
		}
	}

	if execErr != nil {
		if err := c.queue.UpdateStatus(ctx, item.ID, queue.StatusFailed, execErr.Error()); err != nil {
			c.logger.Error("mark #%d failed: %v", item.ID, err)
		}
		c.metrics.ObserveDeployment(string(item.Type), string(queue.StatusFailed), elapsed)
		c.notifier.Send(ctx, item.Requester(),
			fmt.Sprintf("Deployment #%d failed: %v", item.ID, execErr),
			notify.EventDeployFailed, &item.ID)
		c.logger.Error("deployment #%d (%s of %s) failed after %s: %v",
			item.ID, item.Type, item.TargetService, elapsed.Round(time.Millisecond), execErr)
		return
	}

	if err := c.queue.UpdateStatus(ctx, item.ID, queue.StatusCompleted, ""); err != nil {
		c.logger.Error("mark #%d completed: %v", item.ID, err)
	}
	c.metrics.ObserveDeployment(string(item.Type), string(queue.StatusCompleted), elapsed)
	c.notifier.Send(ctx, item.Requester(),
		fmt.Sprintf("Deployment #%d completed: %s of %s", item.ID, item.Type, item.TargetService),
		notify.EventDeployCompleted, &item.ID)
	c.logger.Info("deployment #%d (%s of %s) completed in %s",
		item.ID, item.Type, item.TargetService, elapsed.Round(time.Millisecond))
}

// runExecutor shields the loop from a panicking executor.
func (c *Coordinator) runExecutor(ctx context.Context, item queue.Item) (err error) {
	c.mu.Lock()
	executor := c.executor
	c.mu.Unlock()
	if executor == nil {
		return errors.New("no deployment executor installed")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deployment executor panicked: %v", r)
		}
	}()
	return executor(ctx, item)
}

// schedulerTick fires every due job once.
func (c *Coordinator) schedulerTick(ctx context.Context) {
	due, err := c.jobs.Due(ctx)
	if err != nil {
		c.logger.Error("scheduler poll failed: %v", err)
		return
	}
	for _, job := range due {
		c.runScheduledJob(ctx, job)
	}
}

// RunScheduledJob fires one job by id immediately, outside its schedule.
func (c *Coordinator) RunScheduledJob(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	c.runScheduledJob(ctx, *job)
	return nil
}

func (c *Coordinator) runScheduledJob(ctx context.Context, job schedule.Job) {
	// Correlates every log line of one execution across components.
	runID := uuid.NewString()[:8]
	if err := c.jobs.MarkRunning(ctx, job.JobID); err != nil {
		c.logger.Error("mark job %s running: %v", job.JobID, err)
		return
	}
	c.logger.Debug("job %s run %s starting", job.JobID, runID)

	var resume *task.Checkpoint
	if job.AutoResume && job.LastCheckpointID != nil {
		cp, err := c.tracker.CheckpointByID(ctx, *job.LastCheckpointID)
		if err != nil {
			c.logger.Warn("load checkpoint #%d for job %s: %v", *job.LastCheckpointID, job.JobID, err)
		} else {
			resume = cp
		}
	}

	checkpointID, runErr := c.runJob(ctx, job, resume)
	status := schedule.RunSuccess
	if runErr != nil {
		status = schedule.RunFailed
		c.logger.Error("scheduled job %s run %s failed: %v", job.JobID, runID, runErr)
		c.notifier.Send(ctx, "",
			fmt.Sprintf("Scheduled job %s failed: %v", job.Name, runErr),
			notify.EventScheduledJobDone, nil)
	} else {
		c.logger.Info("scheduled job %s run %s completed", job.JobID, runID)
	}
	c.metrics.IncScheduledRun(string(status))

	if err := c.jobs.Complete(ctx, job.JobID, runErr == nil, checkpointID); err != nil {
		c.logger.Error("complete job %s: %v", job.JobID, err)
	}
}

func (c *Coordinator) runJob(ctx context.Context, job schedule.Job, resume *task.Checkpoint) (id *int64, err error) {
	c.mu.Lock()
	runner := c.runner
	c.mu.Unlock()
	if runner == nil {
		return nil, errors.New("no job runner installed")
	}
	defer func() {
		if r := recover(); r != nil {
			id, err = nil, fmt.Errorf("job runner panicked: %v", r)
		}
	}()
	return runner(ctx, job, resume)
}

func (c *Coordinator) observeGauges(ctx context.Context) {
	if c.metrics == nil {
		return
	}
	if items, err := c.queue.Snapshot(ctx); err == nil {
		open := 0
		for _, item := range items {
			if !item.Status.IsTerminal() && item.Status != queue.StatusProcessing {
				open++
			}
		}
		c.metrics.SetQueuePending(open)
	}
	if n, err := c.tracker.ActiveCount(ctx); err == nil {
		c.metrics.SetTasksActive(n)
	}
}

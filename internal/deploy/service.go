// Package deploy assembles the orchestrator: one Service owns the store,
// the task tracker, the deployment queue, the scheduled job engine, and the
// coordinator loops, and exposes the operations embedding applications call.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"foreman/internal/config"
	"foreman/internal/coordinator"
	"foreman/internal/logging"
	"foreman/internal/metrics"
	"foreman/internal/notify"
	"foreman/internal/project"
	"foreman/internal/queue"
	"foreman/internal/schedule"
	"foreman/internal/store"
	"foreman/internal/task"
)

// Service is the orchestrator facade.
type Service struct {
	cfg      *config.Config
	logger   logging.Logger
	db       *store.DB
	tracker  *task.Tracker
	queue    *queue.Manager
	jobs     *schedule.Engine
	notifier *notify.Notifier
	projects *project.Registry
	coord    *coordinator.Coordinator
	recovery *coordinator.Recovery

	mu          sync.Mutex
	initialized bool
}

// New opens the store and builds the component graph. The deployment
// executor must be installed with SetExecutor before Start.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrNop(logger)

	db, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("deploy: open store: %w", err)
	}

	notifier := notify.New(db, nil, logger)
	tracker := task.NewTracker(db, task.TrackerOptions{
		WarnAfter: cfg.WarnElapsed,
		Logger:    logger,
	})
	queueMgr := queue.NewManager(db, queue.ManagerOptions{
		MaxRetries: cfg.MaxRetries,
		Notifier:   notifier,
		Logger:     logger,
	})
	queueMgr.SetWorkerCounter(tracker.ActiveCount)

	jobs := schedule.NewEngine(db, logger)
	projects := project.NewRegistry(db, logger)

	m := metrics.Default()
	coord := coordinator.New(coordinator.Options{
		Queue:             queueMgr,
		Tracker:           tracker,
		Jobs:              jobs,
		Notifier:          notifier,
		Metrics:           m,
		Logger:            logger,
		QueueInterval:     cfg.QueuePollInterval,
		SchedulerInterval: cfg.SchedulerPollInterval,
	})

	return &Service{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		tracker:  tracker,
		queue:    queueMgr,
		jobs:     jobs,
		notifier: notifier,
		projects: projects,
		coord:    coord,
		recovery: coordinator.NewRecovery(db, tracker, logger),
	}, nil
}

// SetExecutor installs the function that performs deployments.
func (s *Service) SetExecutor(fn coordinator.Executor) { s.coord.SetExecutor(fn) }

// SetJobRunner installs the function that executes scheduled jobs.
func (s *Service) SetJobRunner(fn coordinator.JobRunner) { s.coord.SetJobRunner(fn) }

// SetNotificationHandler installs the outbound notification channel.
func (s *Service) SetNotificationHandler(fn notify.Handler) { s.notifier.SetHandler(fn) }

// InitializeOnStartup ensures the schema exists and reconciles state left
// behind by a previous process. Safe to call more than once.
func (s *Service) InitializeOnStartup(ctx context.Context) (*coordinator.RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("deploy: ensure schema: %w", err)
	}
	report, err := s.recovery.Run(ctx)
	if err != nil {
		return nil, err
	}
	s.initialized = true
	return report, nil
}

// Start launches the coordinator loops, running startup initialization
// first if it has not happened yet.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		if _, err := s.InitializeOnStartup(ctx); err != nil {
			return err
		}
	}
	if err := s.coord.Start(ctx); err != nil {
		if err == coordinator.ErrAlreadyRunning {
			return nil
		}
		return err
	}
	return nil
}

// Stop halts the coordinator loops and closes the store.
func (s *Service) Stop() error {
	s.coord.Stop()
	return s.db.Close()
}

// Running reports whether the coordinator loops are live.
func (s *Service) Running() bool { return s.coord.Running() }

// Task tracker operations.

func (s *Service) RegisterTask(ctx context.Context, p task.RegisterParams) error {
	return s.tracker.Register(ctx, p)
}

func (s *Service) UnregisterTask(ctx context.Context, taskID string, finalState json.RawMessage) error {
	return s.tracker.Unregister(ctx, taskID, finalState)
}

func (s *Service) Heartbeat(ctx context.Context, taskID string) error {
	return s.tracker.Heartbeat(ctx, taskID)
}

func (s *Service) UpdateTaskProgress(ctx context.Context, taskID string, pct float64) error {
	return s.tracker.UpdateProgress(ctx, taskID, pct)
}

func (s *Service) UpdateTaskState(ctx context.Context, taskID string, state json.RawMessage) error {
	return s.tracker.UpdateState(ctx, taskID, state)
}

func (s *Service) TaskState(ctx context.Context, taskID string) (json.RawMessage, error) {
	return s.tracker.State(ctx, taskID)
}

func (s *Service) CreateCheckpoint(ctx context.Context, taskID string, state json.RawMessage, cpType task.CheckpointType) (int64, error) {
	return s.tracker.CreateCheckpoint(ctx, taskID, state, cpType)
}

func (s *Service) LatestCheckpoint(ctx context.Context, taskID string) (*task.Checkpoint, error) {
	return s.tracker.LatestCheckpoint(ctx, taskID)
}

func (s *Service) ActiveTasks(ctx context.Context, filter task.Filter) ([]task.View, error) {
	return s.tracker.ActiveTasks(ctx, filter)
}

func (s *Service) PauseTask(ctx context.Context, taskID string) error {
	return s.tracker.Pause(ctx, taskID)
}

func (s *Service) ResumeTask(ctx context.Context, taskID string) error {
	return s.tracker.Resume(ctx, taskID)
}

// CleanupStale fails tasks whose heartbeat is older than the configured
// threshold and purges checkpoints past retention.
func (s *Service) CleanupStale(ctx context.Context) (tasksFailed, checkpointsPurged int, err error) {
	tasksFailed, err = s.tracker.CleanupStale(ctx, s.cfg.StaleHeartbeatAge)
	if err != nil {
		return 0, 0, err
	}
	checkpointsPurged, err = s.tracker.PurgeCheckpoints(ctx, s.cfg.CheckpointRetention)
	if err != nil {
		return tasksFailed, 0, err
	}
	return tasksFailed, checkpointsPurged, nil
}

// Queue operations.

func (s *Service) QueueDeployment(ctx context.Context, p queue.AddParams) (int64, error) {
	return s.queue.Add(ctx, p)
}

func (s *Service) QueueSnapshot(ctx context.Context) ([]queue.Item, error) {
	return s.queue.Snapshot(ctx)
}

func (s *Service) GetQueueItem(ctx context.Context, id int64) (*queue.Item, error) {
	return s.queue.Get(ctx, id)
}

func (s *Service) CancelDeployment(ctx context.Context, id int64) error {
	return s.queue.Cancel(ctx, id)
}

func (s *Service) RetryFailedDeployments(ctx context.Context) (int, error) {
	return s.queue.RetryFailed(ctx)
}

// Scheduled job operations.

func (s *Service) RegisterScheduledJob(ctx context.Context, p schedule.RegisterParams) (int64, error) {
	return s.jobs.Register(ctx, p)
}

func (s *Service) ScheduledJobs(ctx context.Context) ([]schedule.Job, error) {
	return s.jobs.List(ctx)
}

func (s *Service) SetScheduledJobEnabled(ctx context.Context, jobID string, enabled bool) error {
	return s.jobs.SetEnabled(ctx, jobID, enabled)
}

func (s *Service) DeleteScheduledJob(ctx context.Context, jobID string) error {
	return s.jobs.Delete(ctx, jobID)
}

// RunScheduledJobNow fires a job immediately, outside its cron schedule.
func (s *Service) RunScheduledJobNow(ctx context.Context, jobID string) error {
	return s.coord.RunScheduledJob(ctx, jobID)
}

// Project operations.

func (s *Service) SetProject(ctx context.Context, name, rootPath string) error {
	return s.projects.Set(ctx, name, rootPath)
}

func (s *Service) ActivateProject(ctx context.Context, name string) error {
	return s.projects.Activate(ctx, name)
}

func (s *Service) ActiveProject(ctx context.Context) (*project.Context, error) {
	return s.projects.Active(ctx)
}

func (s *Service) Projects(ctx context.Context) ([]project.Context, error) {
	return s.projects.List(ctx)
}

// Notifications returns the newest audit records.
func (s *Service) Notifications(ctx context.Context, limit int) ([]notify.Record, error) {
	return s.notifier.Recent(ctx, limit)
}

// WaitForQuiet blocks until no task is running or the timeout elapses.
// Useful for tests and graceful shutdown hooks.
func (s *Service) WaitForQuiet(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		n, err := s.tracker.ActiveCount(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("deploy: %d task(s) still running after %s", n, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

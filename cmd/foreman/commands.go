package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/coordinator"
	"foreman/internal/deploy"
	"foreman/internal/logging"
	"foreman/internal/queue"
	"foreman/internal/schedule"
	"foreman/internal/task"
)

// NewRootCommand builds the foreman CLI.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Durable task and deployment orchestrator",
		Long:          "foreman coordinates long-running agent tasks with deployments\nthat would otherwise destroy their in-process state.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCommand(),
		newInitDBCommand(),
		newRecoverCommand(),
		newCleanupCommand(),
		newQueueCommand(),
		newJobsCommand(),
		newTasksCommand(),
	)
	return root
}

// openService loads config and builds the service. The caller owns Stop.
func openService(ctx context.Context) (*deploy.Service, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logging.SetLevel(cfg.LogLevel)
	logger := logging.NewComponentLogger("foreman")
	svc, err := deploy.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func newServeCommand() *cobra.Command {
	var (
		deployCmd   string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, _, err := openService(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()

			svc.SetExecutor(shellExecutor(deployCmd))
			svc.SetJobRunner(func(ctx context.Context, job schedule.Job, resume *task.Checkpoint) (*int64, error) {
				// Jobs registered through the CLI have no execution body.
				return nil, fmt.Errorf("job %s has no runner; embed foreman to run jobs", job.JobID)
			})

			report, err := svc.InitializeOnStartup(ctx)
			if err != nil {
				return err
			}
			fmt.Println(report)

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
					}
				}()
			}

			if err := svc.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			fmt.Println("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&deployCmd, "deploy-cmd", "",
		"shell command run for each deployment; DEPLOY_TYPE, TARGET_SERVICE and QUEUE_ID are set in its environment")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"address for the Prometheus /metrics endpoint, e.g. :9090")
	return cmd
}

// shellExecutor adapts a shell command into a deployment executor. With no
// command configured, deployments are acknowledged without side effects so
// the queue still drains in development setups.
func shellExecutor(command string) coordinator.Executor {
	return func(ctx context.Context, item queue.Item) error {
		if command == "" {
			fmt.Printf("deployment #%d: %s of %s (no --deploy-cmd configured)\n",
				item.ID, item.Type, item.TargetService)
			return nil
		}
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Env = append(os.Environ(),
			"DEPLOY_TYPE="+string(item.Type),
			"TARGET_SERVICE="+item.TargetService,
			"QUEUE_ID="+strconv.FormatInt(item.ID, 10),
		)
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	}
}

func newInitDBCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			if _, err := svc.InitializeOnStartup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema ready")
			return nil
		},
	}
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Reconcile state left behind by a crashed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			report, err := svc.InitializeOnStartup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(report)
			return nil
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Fail stale tasks and purge old checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			tasksFailed, purged, err := svc.CleanupStale(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("failed %d stale task(s), purged %d checkpoint(s)\n", tasksFailed, purged)
			return nil
		},
	}
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the deployment queue",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List queue items in serving order",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			items, err := svc.QueueSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			for _, item := range items {
				line := fmt.Sprintf("#%-4d %-20s %-10s %-8s %s",
					item.ID, item.Status, item.Type, item.Priority, item.TargetService)
				if item.ErrorMessage != nil {
					line += " (" + *item.ErrorMessage + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	var (
		addPriority  string
		addRequester string
		addReason    string
		addAt        string
	)
	add := &cobra.Command{
		Use:   "add <type> <service>",
		Short: "Queue a deployment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			priority, err := queue.ParsePriority(addPriority)
			if err != nil {
				return err
			}
			var scheduledAt *time.Time
			if addAt != "" {
				t, err := time.Parse(time.RFC3339, addAt)
				if err != nil {
					return fmt.Errorf("invalid --at, want RFC3339: %w", err)
				}
				scheduledAt = &t
			}
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			id, err := svc.QueueDeployment(cmd.Context(), queue.AddParams{
				Type:          queue.DeploymentType(args[0]),
				TargetService: args[1],
				RequestedBy:   addRequester,
				Reason:        addReason,
				Priority:      priority,
				ScheduledAt:   scheduledAt,
			})
			if err != nil {
				return err
			}
			fmt.Printf("queued #%d\n", id)
			return nil
		},
	}
	add.Flags().StringVar(&addPriority, "priority", "", "low|normal|high|critical (default by type)")
	add.Flags().StringVar(&addRequester, "requested-by", "", "user to notify about this deployment")
	add.Flags().StringVar(&addReason, "reason", "", "why this deployment was queued")
	add.Flags().StringVar(&addAt, "at", "", "earliest start time, RFC3339")

	cancel := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q", args[0])
			}
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			if err := svc.CancelDeployment(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("cancelled #%d\n", id)
			return nil
		},
	}

	retry := &cobra.Command{
		Use:   "retry",
		Short: "Reset failed deployments with remaining retry budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			n, err := svc.RetryFailedDeployments(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reset %d deployment(s) to pending\n", n)
			return nil
		},
	}

	cmd.AddCommand(list, add, cancel, retry)
	return cmd
}

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage scheduled jobs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			jobs, err := svc.ScheduledJobs(cmd.Context())
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("no scheduled jobs")
				return nil
			}
			for _, job := range jobs {
				next := "-"
				if job.NextRun != nil {
					next = job.NextRun.UTC().Format(time.RFC3339)
				}
				state := "enabled"
				if !job.IsEnabled {
					state = "disabled"
				}
				fmt.Printf("%-20s %-16s %-9s next %s\n", job.JobID, job.CronExpression, state, next)
			}
			return nil
		},
	}

	var (
		addName   string
		addResume bool
	)
	add := &cobra.Command{
		Use:   "add <job-id> <cron>",
		Short: "Register or update a scheduled job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			name := addName
			if name == "" {
				name = args[0]
			}
			if _, err := svc.RegisterScheduledJob(cmd.Context(), schedule.RegisterParams{
				JobID:      args[0],
				Name:       name,
				CronExpr:   args[1],
				AutoResume: addResume,
			}); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", args[0])
			return nil
		},
	}
	add.Flags().StringVar(&addName, "name", "", "human-readable job name (default: job id)")
	add.Flags().BoolVar(&addResume, "auto-resume", false, "resume from the last checkpoint on the next run")

	cmd.AddCommand(list, add, newJobToggleCommand("enable", true), newJobToggleCommand("disable", false))
	return cmd
}

func newJobToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <job-id>",
		Short: capitalize(verb) + " a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			if err := svc.SetScheduledJobEnabled(cmd.Context(), args[0], enabled); err != nil {
				return err
			}
			fmt.Printf("%sd %s\n", verb, args[0])
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tracked tasks",
	}

	var (
		filterProject  string
		filterSubagent string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List running and paused tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Stop() }()
			views, err := svc.ActiveTasks(cmd.Context(), task.Filter{
				ProjectID: filterProject,
				Subagent:  filterSubagent,
			})
			if err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println("no active tasks")
				return nil
			}
			for _, v := range views {
				flag := ""
				if v.Warning {
					flag = " [long-running]"
				}
				fmt.Printf("%-30s %-8s %5.1f%% up %s%s\n",
					v.TaskID, v.Task.Status, v.Progress,
					(time.Duration(v.ElapsedSeconds) * time.Second).String(), flag)
			}
			return nil
		},
	}
	list.Flags().StringVar(&filterProject, "project", "", "filter by project id")
	list.Flags().StringVar(&filterSubagent, "subagent", "", "filter by subagent name")

	cmd.AddCommand(list)
	return cmd
}

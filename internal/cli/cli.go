// ============================================================================
// Tapis Jobs CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the job lifecycle daemon and its operators
//
// Command Structure:
//   tapis-jobs                     # Root command
//   ├── run                        # Start the daemon (controller, HTTP, gRPC health)
//   ├── submit -f jobs.json        # Submit one job or an array of jobs
//   ├── cancel <uuid>              # Post a CANCEL command
//   ├── pause <uuid>               # Post a PAUSE command
//   ├── resume <uuid>              # Post a RESUME command
//   ├── get <uuid>                 # Show a job
//   ├── list [--status S,...]      # List jobs
//   ├── history <uuid>             # Show a job's events
//   └── status [--grpc addr]       # Daemon summary and health
//
// Persistent flags:
//   --config, -c   YAML config file (default: configs/default.yaml)
//   --server       HTTP address of a running daemon. Without it the operator
//                  commands work directly on the configured store.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/tapis-jobs/internal/server"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var (
	configFile string
	serverURL  string
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tapis-jobs",
		Short: "Tapis Jobs: job lifecycle and recovery daemon",
		Long: `Tapis Jobs drives jobs through their lifecycle:
- input staging, submission, monitoring and archiving
- recovery of jobs blocked by recoverable failures
- cancel, pause and resume commands
- durable job state and history`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon HTTP address, e.g. http://localhost:8080")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildCommandCommand(types.CommandCancel))
	rootCmd.AddCommand(buildCommandCommand(types.CommandPause))
	rootCmd.AddCommand(buildCommandCommand(types.CommandResume))
	rootCmd.AddCommand(buildGetCommand())
	rootCmd.AddCommand(buildListCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the job lifecycle daemon",
		Long:  "Start the controller, the HTTP API and the gRPC health service until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			cfg.ConfigureLogging()

			ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runDaemon(ctx context.Context, cfg *Config) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger.WithFields(log.Fields{
		"config":    configFile,
		"backend":   cfg.Storage.Backend,
		"workers":   cfg.Worker.WorkerCount,
		"http_port": cfg.Server.HTTPPort,
		"grpc_port": cfg.Server.GRPCPort,
	}).Info("Starting daemon")

	runErr := app.Run(ctx)
	if err := app.Close(); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("Daemon stopped")
	return runErr
}

// withService runs fn against the daemon at --server, or against a controller
// over the configured store when no server is given.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc server.JobService) error) error {
	ctx := commandContext(cmd)
	if serverURL != "" {
		return fn(ctx, NewClient(serverURL))
	}

	cfg, err := LoadConfig(configFile)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	cfg.ConfigureLogging()
	if cfg.Storage.Backend == BackendMemory {
		logger.Warn("Memory backend selected; changes are lost when the command exits")
	}
	cfg.Metrics.Enabled = false
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close store")
		}
	}()
	return fn(ctx, app.Controller)
}

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit jobs from a JSON file",
		Long:  "Read one job definition or an array of them from a JSON file and submit each as a new PENDING job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return errors.New("job file is required (use --file or -f)")
			}
			jobs, err := readJobFile(jobFile)
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				return submitJobs(ctx, cmd.OutOrStdout(), svc, jobs)
			})
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readJobFile(path string) ([]*types.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read job file")
	}
	var jobs []*types.Job
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		err = json.Unmarshal(data, &jobs)
	} else {
		var job types.Job
		err = json.Unmarshal(data, &job)
		jobs = append(jobs, &job)
	}
	if err != nil {
		return nil, errors.Wrap(err, "parse job file")
	}
	for i, j := range jobs {
		if j.AppType == "" || j.Runtime == "" {
			return nil, errors.Errorf("job %d: app_type and runtime are required", i)
		}
	}
	return jobs, nil
}

func submitJobs(ctx context.Context, out io.Writer, svc server.JobService, jobs []*types.Job) error {
	submitted := 0
	for _, j := range jobs {
		created, err := svc.Submit(ctx, j)
		if err != nil {
			logger.WithError(err).WithField("name", j.Name).Error("Failed to submit job")
			continue
		}
		submitted++
		fmt.Fprintf(out, "%s\t%s\n", created.UUID, created.Status)
	}
	if submitted < len(jobs) {
		return errors.Errorf("submitted %d/%d jobs", submitted, len(jobs))
	}
	return nil
}

func buildCommandCommand(ct types.CommandType) *cobra.Command {
	name := strings.ToLower(string(ct))
	return &cobra.Command{
		Use:   name + " <uuid>",
		Short: fmt.Sprintf("Send a %s command to a job", ct),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				var err error
				switch ct {
				case types.CommandCancel:
					err = svc.Cancel(ctx, args[0])
				case types.CommandPause:
					err = svc.Pause(ctx, args[0])
				case types.CommandResume:
					err = svc.Resume(ctx, args[0])
				}
				if err != nil {
					return errors.Wrapf(err, "%s job %s", name, args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s requested for job %s\n", ct, args[0])
				return nil
			})
		},
	}
}

func buildGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <uuid>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				job, err := svc.Job(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func buildListCommand() *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatuses(statusFilter)
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				jobs, err := svc.Jobs(ctx, statuses...)
				if err != nil {
					return err
				}
				return printJobs(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "comma separated statuses to include")
	return cmd
}

func parseStatuses(raw string) ([]types.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []types.JobStatus
	for _, name := range strings.Split(raw, ",") {
		s, err := types.ParseStatus(strings.ToUpper(strings.TrimSpace(name)))
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

func printJobs(out io.Writer, jobs []*types.Job) error {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Created.Before(jobs[j].Created) })
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UUID\tNAME\tSTATUS\tBLOCKED\tLAST UPDATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", j.UUID, j.Name, j.Status, j.BlockedCount,
			j.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func buildHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <uuid>",
		Short: "Show a job's history events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				evs, err := svc.History(ctx, args[0])
				if err != nil {
					return err
				}
				return printHistory(cmd.OutOrStdout(), evs)
			})
		},
	}
}

func printHistory(out io.Writer, evs []types.JobEvent) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tCREATED\tEVENT\tSTATUS\tDESCRIPTION")
	for _, ev := range evs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Created.Format(time.RFC3339), ev.EventType,
			ev.Status, ev.Description)
	}
	return tw.Flush()
}

func buildStatusCommand() *cobra.Command {
	var grpcAddr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  "Display job counts per status and worker state, and optionally the gRPC health of a daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if grpcAddr != "" {
				ctx, cancel := context.WithTimeout(commandContext(cmd), 5*time.Second)
				defer cancel()
				st, err := CheckHealth(ctx, grpcAddr)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "health: %s\n", st)
			}
			return withService(cmd, func(ctx context.Context, svc server.JobService) error {
				st, err := svc.GetStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(out, st)
			})
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "daemon gRPC address to health check, e.g. localhost:50051")
	return cmd
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

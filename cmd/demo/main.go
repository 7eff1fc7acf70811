// Command demo shows crash recovery of the job lifecycle on a simulated
// execution system with random connection failures.
//
//	go run ./cmd/demo start     # submit jobs, press Ctrl+C while they run
//	go run ./cmd/demo recover   # restart on the same store and watch them finish
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/cli"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

const demoJobs = 50

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover> [config]")
		os.Exit(1)
	}
	mode := os.Args[1]
	path := "configs/default.yaml"
	if len(os.Args) > 2 {
		path = os.Args[2]
	}

	cfg, err := cli.LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Storage.Backend = cli.BackendFile
	cfg.Storage.Dir = "data/demo"
	cfg.Execution.Simulated.Enabled = true
	cfg.Execution.Simulated.FailureRate = 0.1
	cfg.Files.BaseURL = ""
	cfg.Monitor.PollInterval = 100 * time.Millisecond
	cfg.Monitor.MaxPollInterval = 100 * time.Millisecond
	cfg.Remote.PollInterval = 100 * time.Millisecond
	cfg.Recovery.SweepInterval = 500 * time.Millisecond
	cfg.Recovery.Default = &cli.PolicyConfig{Initial: time.Second, Factor: 1.5, Steps: 5, Cap: 5 * time.Second, MaxAttempts: 10}
	cfg.Recovery.PerKind = nil
	cfg.Server.GRPCPort = 0
	cfg.Log.Level = "warn"
	cfg.ConfigureLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cli.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build daemon: %v", err)
	}
	defer app.Close()

	existing, err := app.Store.ListJobs(ctx)
	if err != nil {
		log.Fatalf("Failed to list jobs: %v", err)
	}

	switch {
	case mode == "recover" || len(existing) > 0:
		fmt.Printf("Found %d jobs from a previous run\n", len(existing))
		printCounts(existing)
	default:
		for i := 1; i <= demoJobs; i++ {
			_, err := app.Controller.Submit(ctx, &types.Job{
				Name:            fmt.Sprintf("demo-%03d", i),
				AppID:           "sleep-1.0",
				AppType:         types.AppTypeBatch,
				Runtime:         types.RuntimeSimulated,
				ExecSystemID:    "sim-exec",
				InputTransfers:  []types.FileTransfer{{SourceURI: "tapis://store/in", DestinationURI: "tapis://sim-exec/in"}},
				ArchiveTransfer: &types.FileTransfer{SourceURI: "tapis://sim-exec/out", DestinationURI: "tapis://store/out"},
			})
			if err != nil {
				log.Fatalf("Failed to submit job: %v", err)
			}
		}
		fmt.Printf("Submitted %d jobs. Press Ctrl+C while they run, then run the recover mode.\n", demoJobs)
	}

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				log.Fatalf("Daemon failed: %v", err)
			}
			fmt.Println("\nStopped. Job state is journaled under", cfg.Storage.Dir)
			return
		case <-ticker.C:
			jobs, err := app.Store.ListJobs(ctx)
			if err != nil {
				continue
			}
			printCounts(jobs)
			if allTerminal(jobs) {
				fmt.Println("All jobs reached a terminal status.")
				stop()
			}
		}
	}
}

func printCounts(jobs []*types.Job) {
	counts := make(map[types.JobStatus]int)
	for _, j := range jobs {
		counts[j.Status]++
	}
	parts := make([]string, 0, len(counts))
	for s, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", s, n))
	}
	sort.Strings(parts)
	fmt.Println(strings.Join(parts, " "))
}

func allTerminal(jobs []*types.Job) bool {
	for _, j := range jobs {
		if !j.Status.IsTerminal() {
			return false
		}
	}
	return len(jobs) > 0
}

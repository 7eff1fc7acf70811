package cli

import (
	"context"
	"net/http"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/tapis-jobs/internal/command"
	"github.com/ChuLiYu/tapis-jobs/internal/controller"
	"github.com/ChuLiYu/tapis-jobs/internal/events"
	"github.com/ChuLiYu/tapis-jobs/internal/execution"
	"github.com/ChuLiYu/tapis-jobs/internal/execution/kubernetes"
	"github.com/ChuLiYu/tapis-jobs/internal/metrics"
	"github.com/ChuLiYu/tapis-jobs/internal/monitor"
	"github.com/ChuLiYu/tapis-jobs/internal/server"
	"github.com/ChuLiYu/tapis-jobs/internal/sim"
	"github.com/ChuLiYu/tapis-jobs/internal/statemachine"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/filestore"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/memory"
	"github.com/ChuLiYu/tapis-jobs/internal/storage/sqlite"
	"github.com/ChuLiYu/tapis-jobs/internal/transfer"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "cli")

// App is a fully wired daemon.
type App struct {
	Config     *Config
	Store      storage.Store
	Controller *controller.Controller
	Server     *server.Server
	Metrics    *metrics.Collector
	Registry   *prometheus.Registry
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg *Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendFile:
		s, err := filestore.Open(filestore.Options{Dir: cfg.Storage.Dir, SyncOnAppend: cfg.Storage.SyncOnAppend})
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendMemory:
		return memory.New(), nil
	}
	return nil, errors.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// NewApp wires every component from cfg. The caller owns the returned app
// and must Close it.
func NewApp(ctx context.Context, cfg *Config) (*App, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}

	app := &App{Config: cfg, Store: store}
	if cfg.Metrics.Enabled {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		app.Metrics = metrics.NewCollector(app.Registry)
	}

	registry := execution.NewRegistry()
	var transfers transfer.Client
	var faults *sim.Faults
	if cfg.Execution.Simulated.Enabled {
		sc := cfg.Execution.Simulated
		faults = sim.NewFaults(sc.FailureRate, sc.Seed)
		exec := sim.NewExecution(sc.QueuedChecks, sc.RunningChecks, faults)
		for _, appType := range []types.AppType{types.AppTypeBatch, types.AppTypeFork} {
			for _, rt := range []types.Runtime{types.RuntimeSimulated, types.RuntimeDocker, types.RuntimeSingularity, types.RuntimeZip} {
				registry.Register(appType, rt, exec.Factory())
			}
		}
	}
	if kc := cfg.Execution.Kubernetes; kc.Enabled {
		client, err := kubernetes.NewClientset(kc.Kubeconfig)
		if err != nil {
			store.Close()
			return nil, err
		}
		runner := kubernetes.NewRunner(client, kubernetes.Config{
			Kubeconfig:     kc.Kubeconfig,
			Namespace:      kc.Namespace,
			ServiceAccount: kc.ServiceAccount,
		})
		registry.Register(types.AppTypeBatch, types.RuntimeKubernetes, runner.Factory())
		registry.Register(types.AppTypeFork, types.RuntimeKubernetes, runner.Factory())
	}
	if cfg.Files.BaseURL != "" {
		transfers = transfer.NewHTTPClient(transfer.HTTPConfig{
			BaseURL:    cfg.Files.BaseURL,
			Token:      cfg.Files.Token,
			Timeout:    cfg.Files.Timeout,
			Attempts:   cfg.Files.Attempts,
			RetryDelay: cfg.Files.RetryDelay,
		})
	} else {
		transfers = sim.NewTransfers(cfg.Execution.Simulated.TransferPolls, faults)
	}
	logger.WithField("supported", registry.Supported()).Info("Execution backends registered")

	cmds := command.NewChannel(store, store)
	recorder := events.NewRecorder(store)

	var pollObserver monitor.PollObserver
	if app.Metrics != nil {
		pollObserver = app.Metrics
	}
	mon, err := monitor.NewTransferMonitor(
		monitor.EventDrivenMonitor{},
		monitor.NewPollingMonitor(transfers, cmds, monitor.PollingConfig{
			PollInterval:    cfg.Monitor.PollInterval,
			MaxPollInterval: cfg.Monitor.MaxPollInterval,
			BackoffFactor:   cfg.Monitor.BackoffFactor,
		}, pollObserver),
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	machine := statemachine.New(store, recorder, statemachine.Config{RemotePollInterval: cfg.Remote.PollInterval})
	ctl := controller.New(controller.Config{
		WorkerCount:           cfg.Worker.WorkerCount,
		LeaseTTL:              cfg.Worker.LeaseTTL,
		DispatchInterval:      cfg.Worker.DispatchInterval,
		RecoverySweepInterval: cfg.Recovery.SweepInterval,
		CommandInterval:       cfg.Worker.CommandInterval,
		SnapshotInterval:      cfg.Storage.SnapshotInterval,
		TaskTimeout:           cfg.Worker.TaskTimeout,
	}, controller.Deps{
		Store:    store,
		Machine:  machine,
		Recorder: recorder,
		Exec: &statemachine.ExecContext{
			Executions: registry,
			Transfers:  transfers,
			Monitor:    mon,
			Commands:   cmds,
		},
		Commands: cmds,
		Policy:   cfg.Policy(),
	})
	if app.Metrics != nil {
		machine.SetObserver(app.Metrics)
		ctl.SetObserver(app.Metrics)
		ctl.Recovery().SetObserver(app.Metrics)
	}
	app.Controller = ctl

	var metricsHandler http.Handler
	if app.Registry != nil {
		metricsHandler = metrics.Handler(app.Registry)
	}
	app.Server = server.New(server.Config{HTTPPort: cfg.Server.HTTPPort, GRPCPort: cfg.Server.GRPCPort}, ctl, metricsHandler)
	return app, nil
}

// Run starts the controller and the servers and blocks until ctx is done or
// a server fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Controller.Start(ctx); err != nil {
		return errors.Wrap(err, "start controller")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Serve(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Controller.Stop()
		return nil
	})
	return g.Wait()
}

// Close stops the controller if it is still running, compacts a journaled
// store and closes it.
func (a *App) Close() error {
	var result *multierror.Error
	a.Controller.Stop()
	if c, ok := a.Store.(controller.Compacter); ok {
		if err := c.Compact(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "final compaction"))
		}
	}
	if err := a.Store.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close store"))
	}
	return result.ErrorOrNil()
}

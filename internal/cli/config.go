package cli

import (
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/internal/recovery"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Config maps the daemon configuration file.
type Config struct {
	Worker struct {
		WorkerCount      int           `yaml:"worker_count"`
		TaskTimeout      time.Duration `yaml:"task_timeout"`
		LeaseTTL         time.Duration `yaml:"lease_ttl"`
		DispatchInterval time.Duration `yaml:"dispatch_interval"`
		CommandInterval  time.Duration `yaml:"command_interval"`
	} `yaml:"worker"`

	Storage struct {
		Backend          string        `yaml:"backend"`
		Path             string        `yaml:"path"`
		Dir              string        `yaml:"dir"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"storage"`

	Monitor struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		MaxPollInterval time.Duration `yaml:"max_poll_interval"`
		BackoffFactor   float64       `yaml:"backoff_factor"`
	} `yaml:"monitor"`

	Remote struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"remote"`

	Recovery struct {
		SweepInterval time.Duration           `yaml:"sweep_interval"`
		Default       *PolicyConfig           `yaml:"default"`
		PerKind       map[string]PolicyConfig `yaml:"per_kind"`
		PerActivity   map[string]PolicyConfig `yaml:"per_activity"`
	} `yaml:"recovery"`

	Files struct {
		BaseURL    string        `yaml:"base_url"`
		Token      string        `yaml:"token"`
		Timeout    time.Duration `yaml:"timeout"`
		Attempts   uint          `yaml:"attempts"`
		RetryDelay time.Duration `yaml:"retry_delay"`
	} `yaml:"files"`

	Execution struct {
		Simulated struct {
			Enabled       bool    `yaml:"enabled"`
			QueuedChecks  int     `yaml:"queued_checks"`
			RunningChecks int     `yaml:"running_checks"`
			TransferPolls int     `yaml:"transfer_polls"`
			FailureRate   float64 `yaml:"failure_rate"`
			Seed          int64   `yaml:"seed"`
		} `yaml:"simulated"`
		Kubernetes struct {
			Enabled        bool   `yaml:"enabled"`
			Kubeconfig     string `yaml:"kubeconfig"`
			Namespace      string `yaml:"namespace"`
			ServiceAccount string `yaml:"service_account"`
		} `yaml:"kubernetes"`
	} `yaml:"execution"`

	Server struct {
		HTTPPort int `yaml:"http_port"`
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// PolicyConfig is the file form of recovery.KindPolicy.
type PolicyConfig struct {
	Initial     time.Duration `yaml:"initial"`
	Factor      float64       `yaml:"factor"`
	Jitter      float64       `yaml:"jitter"`
	Steps       int           `yaml:"steps"`
	Cap         time.Duration `yaml:"cap"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxBlocked  time.Duration `yaml:"max_blocked"`
}

func (p PolicyConfig) kindPolicy() recovery.KindPolicy {
	return recovery.KindPolicy{
		Backoff: wait.Backoff{
			Duration: p.Initial,
			Factor:   p.Factor,
			Jitter:   p.Jitter,
			Steps:    p.Steps,
			Cap:      p.Cap,
		},
		MaxAttempts: p.MaxAttempts,
		MaxBlocked:  p.MaxBlocked,
	}
}

// DefaultConfig runs a simulated system on a local sqlite database.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Worker.WorkerCount = 4
	cfg.Worker.LeaseTTL = 5 * time.Minute
	cfg.Worker.DispatchInterval = 200 * time.Millisecond
	cfg.Worker.CommandInterval = time.Second

	cfg.Storage.Backend = BackendSQLite
	cfg.Storage.Path = "data/jobs.db"
	cfg.Storage.Dir = "data/store"
	cfg.Storage.SnapshotInterval = time.Minute

	cfg.Monitor.PollInterval = 5 * time.Second
	cfg.Monitor.MaxPollInterval = 5 * time.Second
	cfg.Monitor.BackoffFactor = 1

	cfg.Remote.PollInterval = 5 * time.Second
	cfg.Recovery.SweepInterval = 10 * time.Second

	cfg.Files.Timeout = 30 * time.Second
	cfg.Files.Attempts = 3
	cfg.Files.RetryDelay = 500 * time.Millisecond

	cfg.Execution.Simulated.Enabled = true
	cfg.Execution.Simulated.QueuedChecks = 2
	cfg.Execution.Simulated.RunningChecks = 3
	cfg.Execution.Simulated.TransferPolls = 2
	cfg.Execution.Simulated.Seed = 1
	cfg.Execution.Kubernetes.Namespace = "default"

	cfg.Server.HTTPPort = 8080
	cfg.Server.GRPCPort = 50051
	cfg.Metrics.Enabled = true

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// LoadConfig reads path over DefaultConfig and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite backend")
		}
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for the file backend")
		}
	case BackendMemory:
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Worker.WorkerCount < 1 {
		return errors.Errorf("worker.worker_count must be positive, got %d", c.Worker.WorkerCount)
	}
	if c.Monitor.BackoffFactor != 0 && c.Monitor.BackoffFactor < 1 {
		return errors.Errorf("monitor.backoff_factor must be at least 1, got %g", c.Monitor.BackoffFactor)
	}
	if !c.Execution.Simulated.Enabled && !c.Execution.Kubernetes.Enabled {
		return errors.New("at least one execution backend must be enabled")
	}
	if !c.Execution.Simulated.Enabled && c.Files.BaseURL == "" {
		return errors.New("files.base_url is required without the simulated backend")
	}
	if r := c.Execution.Simulated.FailureRate; r < 0 || r > 1 {
		return errors.Errorf("execution.simulated.failure_rate must be in [0,1], got %g", r)
	}

	for name := range c.Recovery.PerKind {
		if !knownKind(recoverable.Kind(name)) {
			return errors.Errorf("recovery.per_kind: unknown kind %q", name)
		}
	}
	for name := range c.Recovery.PerActivity {
		if types.BlockedActivity(name).Status() == "" {
			return errors.Errorf("recovery.per_activity: unknown activity %q", name)
		}
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func knownKind(k recoverable.Kind) bool {
	for _, rk := range recoverable.RecoverableKinds() {
		if rk == k {
			return true
		}
	}
	return false
}

// Policy overlays the configured recovery policies on recovery.DefaultPolicy.
func (c *Config) Policy() recovery.Policy {
	p := recovery.DefaultPolicy()
	if c.Recovery.Default != nil {
		p.Default = c.Recovery.Default.kindPolicy()
	}
	if p.PerKind == nil {
		p.PerKind = make(map[recoverable.Kind]recovery.KindPolicy)
	}
	for name, pc := range c.Recovery.PerKind {
		p.PerKind[recoverable.Kind(name)] = pc.kindPolicy()
	}
	if len(c.Recovery.PerActivity) > 0 && p.PerActivity == nil {
		p.PerActivity = make(map[types.BlockedActivity]recovery.KindPolicy)
	}
	for name, pc := range c.Recovery.PerActivity {
		p.PerActivity[types.BlockedActivity(name)] = pc.kindPolicy()
	}
	return p
}

// ConfigureLogging applies the log section to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	if level, err := log.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(level)
	}
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// Package server exposes the operational surface of the jobs daemon: an HTTP
// API for job history and commands, Prometheus metrics and a gRPC health
// service.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "server")

// ServiceName is the gRPC health service name of the daemon.
const ServiceName = "tapis.jobs.v1.Lifecycle"

// JobService is the controller surface served over HTTP.
type JobService interface {
	Submit(ctx context.Context, job *types.Job) (*types.Job, error)
	Job(ctx context.Context, jobUUID string) (*types.Job, error)
	Jobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error)
	History(ctx context.Context, jobUUID string) ([]types.JobEvent, error)
	Cancel(ctx context.Context, jobUUID string) error
	Pause(ctx context.Context, jobUUID string) error
	Resume(ctx context.Context, jobUUID string) error
	GetStatus(ctx context.Context) (map[string]interface{}, error)
}

// Config selects listen ports. A zero port disables that listener.
type Config struct {
	HTTPPort int
	GRPCPort int
}

// Server runs the HTTP and gRPC listeners.
type Server struct {
	cfg    Config
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// New builds the servers. metrics may be nil.
func New(cfg Config, jobs JobService, metrics http.Handler) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Handler:           NewRouter(jobs, metrics),
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc:   gs,
		health: hs,
	}
}

// Serve listens until ctx is done, then shuts both servers down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	running := 0

	if s.cfg.HTTPPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
		if err != nil {
			return errors.Wrap(err, "listen http")
		}
		running++
		go func() {
			logger.WithField("addr", lis.Addr().String()).Info("HTTP server listening")
			if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- errors.Wrap(err, "serve http")
				return
			}
			errCh <- nil
		}()
	}
	if s.cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.GRPCPort))
		if err != nil {
			s.shutdown()
			return errors.Wrap(err, "listen grpc")
		}
		running++
		go func() {
			logger.WithField("addr", lis.Addr().String()).Info("gRPC health server listening")
			if err := s.grpc.Serve(lis); err != nil {
				errCh <- errors.Wrap(err, "serve grpc")
				return
			}
			errCh <- nil
		}()
	}
	s.SetServing(true)

	var result *multierror.Error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		running--
		result = multierror.Append(result, err)
	}
	s.shutdown()
	for ; running > 0; running-- {
		if err := <-errCh; err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// SetServing flips the health status of the daemon.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

func (s *Server) shutdown() {
	s.SetServing(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown")
	}
	s.grpc.GracefulStop()
}

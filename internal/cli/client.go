package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/tapis-jobs/internal/server"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

// Client is a server.JobService backed by a running daemon's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ server.JobService = (*Client)(nil)

// NewClient creates a client for the daemon at baseURL, e.g.
// http://localhost:8080.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type remoteError struct {
	Title      string `json:"title"`
	ID         string `json:"id"`
	StatusCode int    `json:"status_code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var re remoteError
		if err := json.NewDecoder(resp.Body).Decode(&re); err != nil || re.Title == "" {
			return errors.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
		}
		return re.sentinel()
	}
	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

// sentinel maps an API error back onto the storage error values so callers
// can use errors.Is regardless of the transport.
func (re remoteError) sentinel() error {
	var base error
	switch re.ID {
	case "not_found":
		base = storage.ErrJobNotFound
	case "duplicate_job":
		base = storage.ErrDuplicateJob
	default:
		return errors.Errorf("server error %d: %s", re.StatusCode, re.Title)
	}
	return errors.WithMessage(base, re.Title)
}

func (c *Client) Submit(ctx context.Context, job *types.Job) (*types.Job, error) {
	var out types.Job
	if err := c.do(ctx, http.MethodPost, "/jobs", job, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Job(ctx context.Context, jobUUID string) (*types.Job, error) {
	var out types.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobUUID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Jobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	path := "/jobs"
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(names, ","))
	}
	var out []*types.Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, jobUUID string) ([]types.JobEvent, error) {
	var out []types.JobEvent
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobUUID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) command(ctx context.Context, jobUUID string, cmd types.CommandType) error {
	path := fmt.Sprintf("/jobs/%s/%s", url.PathEscape(jobUUID), strings.ToLower(string(cmd)))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Cancel(ctx context.Context, jobUUID string) error {
	return c.command(ctx, jobUUID, types.CommandCancel)
}

func (c *Client) Pause(ctx context.Context, jobUUID string) error {
	return c.command(ctx, jobUUID, types.CommandPause)
}

func (c *Client) Resume(ctx context.Context, jobUUID string) error {
	return c.command(ctx, jobUUID, types.CommandResume)
}

func (c *Client) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckHealth queries the daemon's gRPC health service.
func CheckHealth(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errors.Wrap(err, "connect to daemon")
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, errors.Wrap(err, "health check")
	}
	return resp.GetStatus(), nil
}

package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

var logger = log.WithField("component", "transfer")

const tokenHeader = "X-Tapis-Token"

// HTTPConfig configures the Files service client.
type HTTPConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
}

// HTTPClient talks to the Files service REST API.
type HTTPClient struct {
	cfg  HTTPConfig
	http *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client. Zero values get defaults.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type transferRequest struct {
	Tag      string            `json:"tag"`
	Elements []transferElement `json:"elements"`
}

type transferElement struct {
	SourceURI      string `json:"sourceURI"`
	DestinationURI string `json:"destinationURI"`
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// unavailable marks a failure worth another attempt.
type unavailable struct{ err error }

func (u *unavailable) Error() string { return u.err.Error() }
func (u *unavailable) Unwrap() error { return u.err }

// StartTransfer submits a transfer and returns its id.
func (c *HTTPClient) StartTransfer(ctx context.Context, tag string, elements []types.FileTransfer) (string, error) {
	req := transferRequest{Tag: tag}
	for _, e := range elements {
		req.Elements = append(req.Elements, transferElement{SourceURI: e.SourceURI, DestinationURI: e.DestinationURI})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", errors.Wrap(err, "encode transfer request")
	}

	var task Task
	ok, err := c.do(ctx, http.MethodPost, "/v3/files/transfers", body, &task)
	if err != nil {
		return "", err
	}
	if !ok || task.UUID == "" {
		return "", recoverable.NewJobError("Files service returned no transfer id for tag %s", tag)
	}
	logger.WithFields(log.Fields{"tag": tag, "transfer": task.UUID}).Info("Transfer started")
	return task.UUID, nil
}

// GetTransferTask fetches the current task. A response without a result
// yields a nil task.
func (c *HTTPClient) GetTransferTask(ctx context.Context, transferID string) (*Task, error) {
	var task Task
	ok, err := c.do(ctx, http.MethodGet, "/v3/files/transfers/"+transferID, nil, &task)
	if err != nil || !ok {
		return nil, err
	}
	return &task, nil
}

// CancelTransfer asks the Files service to stop the transfer.
func (c *HTTPClient) CancelTransfer(ctx context.Context, transferID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v3/files/transfers/"+transferID, nil, nil)
	if err == nil {
		logger.WithField("transfer", transferID).Info("Transfer cancelled")
	}
	return err
}

// do runs one request with retries. It reports whether the envelope carried
// a non-null result, decoded into out.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out interface{}) (bool, error) {
	var env envelope
	err := retry.Do(
		func() error {
			var err error
			env, err = c.roundTrip(ctx, method, path, body)
			if err == nil {
				return nil
			}
			var u *unavailable
			if errors.As(err, &u) {
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithFields(log.Fields{"attempt": n + 1, "path": path}).Warn("Files request failed, retrying")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var u *unavailable
		if errors.As(err, &u) {
			return false, recoverable.NewServiceConnection("Files service unreachable", u.err,
				map[string]string{"service": "files", "path": path})
		}
		return false, err
	}

	raw := bytes.TrimSpace(env.Result)
	if out == nil || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, recoverable.WrapJobError(err, "malformed Files service response for %s %s", method, path)
	}
	return true, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body []byte) (envelope, error) {
	var env envelope
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return env, errors.Wrap(err, "build request")
	}
	req.Header.Set(tokenHeader, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return env, &unavailable{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return env, &unavailable{err: errors.Wrap(err, "read response")}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return env, recoverable.WrapJobError(err, "malformed Files service response for %s %s", method, path)
		}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return env, &unavailable{err: fmt.Errorf("%s %s: %s %s", method, path, resp.Status, env.Message)}
	case resp.StatusCode >= 300:
		return env, recoverable.NewJobError("Files service rejected %s %s: %s %s", method, path, resp.Status, env.Message)
	}
	return env, nil
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/tapis-jobs/internal/command"
	"github.com/ChuLiYu/tapis-jobs/internal/storage"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[string]*types.Job
	events   map[string][]types.JobEvent
	commands []string
	filter   []types.JobStatus
	fail     error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs: map[string]*types.Job{
			"job-1": {UUID: "job-1", Status: types.StatusRunning},
			"job-2": {UUID: "job-2", Status: types.StatusFinished},
		},
		events: map[string][]types.JobEvent{
			"job-1": {{Seq: 1, JobUUID: "job-1", EventType: types.EventNewStatus, Status: types.StatusPending}},
		},
	}
}

func (f *fakeJobs) Submit(ctx context.Context, job *types.Job) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.UUID == "" {
		job.UUID = "generated"
	}
	if _, ok := f.jobs[job.UUID]; ok {
		return nil, errors.Wrapf(storage.ErrDuplicateJob, "job %s", job.UUID)
	}
	job.Status = types.StatusPending
	f.jobs[job.UUID] = job
	return job, nil
}

func (f *fakeJobs) Job(ctx context.Context, uuid string) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	j, ok := f.jobs[uuid]
	if !ok {
		return nil, errors.Wrapf(storage.ErrJobNotFound, "job %s", uuid)
	}
	return j, nil
}

func (f *fakeJobs) Jobs(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = statuses
	var out []*types.Job
	for _, j := range f.jobs {
		if storage.MatchStatus(j.Status, statuses) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeJobs) History(ctx context.Context, uuid string) ([]types.JobEvent, error) {
	if _, err := f.Job(ctx, uuid); err != nil {
		return nil, err
	}
	return f.events[uuid], nil
}

func (f *fakeJobs) post(uuid, cmd string) error {
	j, err := f.Job(context.Background(), uuid)
	if err != nil {
		return err
	}
	if j.Status.IsTerminal() {
		return errors.Wrapf(command.ErrJobTerminal, "job %s is %s", uuid, j.Status)
	}
	f.mu.Lock()
	f.commands = append(f.commands, uuid+":"+cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeJobs) Cancel(ctx context.Context, uuid string) error { return f.post(uuid, "CANCEL") }
func (f *fakeJobs) Pause(ctx context.Context, uuid string) error  { return f.post(uuid, "PAUSE") }
func (f *fakeJobs) Resume(ctx context.Context, uuid string) error { return f.post(uuid, "RESUME") }

func (f *fakeJobs) GetStatus(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"workers": 4}, nil
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHealthAndStatus(t *testing.T) {
	h := NewRouter(newFakeJobs(), nil)

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"workers":4}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no metrics handler configured")
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tapis_jobs_in_flight 0\n"))
	})
	rec := do(t, NewRouter(newFakeJobs(), metrics), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tapis_jobs_in_flight")
}

func TestGetJobAndEvents(t *testing.T) {
	h := NewRouter(newFakeJobs(), nil)

	rec := do(t, h, http.MethodGet, "/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, types.StatusRunning, job.Status)

	rec = do(t, h, http.MethodGet, "/jobs/job-1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []types.JobEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(1), evs[0].Seq)

	rec = do(t, h, http.MethodGet, "/jobs/job-2/events", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, "not_found", e.ID)
	assert.Equal(t, "/jobs/missing", e.Instance)
}

func TestListJobsWithFilter(t *testing.T) {
	fake := newFakeJobs()
	h := NewRouter(fake, nil)

	rec := do(t, h, http.MethodGet, "/jobs?status=running,blocked", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-1", jobs[0].UUID)
	assert.Equal(t, []types.JobStatus{types.StatusRunning, types.StatusBlocked}, fake.filter)

	rec = do(t, h, http.MethodGet, "/jobs?status=SLEEPING", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitJob(t *testing.T) {
	h := NewRouter(newFakeJobs(), nil)

	rec := do(t, h, http.MethodPost, "/jobs", map[string]interface{}{
		"name":     "sleep",
		"app_type": "BATCH",
		"runtime":  "SIMULATED",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "generated", job.UUID)
	assert.Equal(t, types.StatusPending, job.Status)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]interface{}{"uuid": "job-1", "app_type": "BATCH", "runtime": "SIMULATED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs", map[string]interface{}{"name": "no runtime"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "missing_parameter", decodeError(t, rec).ID)
}

func TestCommands(t *testing.T) {
	fake := newFakeJobs()
	h := NewRouter(fake, nil)

	for _, cmd := range []string{"pause", "resume", "cancel"} {
		rec := do(t, h, http.MethodPost, "/jobs/job-1/"+cmd, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code, cmd)
	}
	assert.Equal(t, []string{"job-1:PAUSE", "job-1:RESUME", "job-1:CANCEL"}, fake.commands)

	rec := do(t, h, http.MethodPost, "/jobs/job-2/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state", decodeError(t, rec).ID)

	rec = do(t, h, http.MethodPost, "/jobs/job-1/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorsAreHidden(t *testing.T) {
	fake := newFakeJobs()
	fake.fail = errors.New("disk on fire")
	rec := do(t, NewRouter(fake, nil), http.MethodGet, "/jobs/job-1", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestHealthServiceFollowsServingState(t *testing.T) {
	s := New(Config{}, newFakeJobs(), nil)
	ctx := context.Background()

	s.SetServing(true)
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	s.SetServing(false)
	resp, err = s.health.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestServeStopsWithContext(t *testing.T) {
	s := New(Config{}, newFakeJobs(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, s.Serve(ctx))
}

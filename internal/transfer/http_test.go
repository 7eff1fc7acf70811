package transfer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tapis-jobs/internal/recoverable"
	"github.com/ChuLiYu/tapis-jobs/pkg/types"
)

func newClient(url string) *HTTPClient {
	return NewHTTPClient(HTTPConfig{BaseURL: url + "/", Token: "secret", Attempts: 3, RetryDelay: time.Millisecond})
}

func writeResult(w http.ResponseWriter, code int, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "success", "message": "ok", "result": result})
}

func TestStartTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/files/transfers", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get(tokenHeader))

		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "corr-1", req.Tag)
		require.Len(t, req.Elements, 1)
		assert.Equal(t, "tapis://src/a", req.Elements[0].SourceURI)

		writeResult(w, http.StatusOK, Task{UUID: "tx-1", Tag: req.Tag, Status: StatusAccepted})
	}))
	defer srv.Close()

	id, err := newClient(srv.URL).StartTransfer(context.Background(), "corr-1",
		[]types.FileTransfer{{SourceURI: "tapis://src/a", DestinationURI: "tapis://dst/a"}})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", id)
}

func TestGetTransferTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/files/transfers/tx-1":
			writeResult(w, http.StatusOK, Task{UUID: "tx-1", Status: StatusInProgress})
		default:
			writeResult(w, http.StatusOK, nil)
		}
	}))
	defer srv.Close()
	c := newClient(srv.URL)

	task, err := c.GetTransferTask(context.Background(), "tx-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, StatusInProgress, task.Status)

	task, err = c.GetTransferTask(context.Background(), "tx-null")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestServerErrorsAreRetriedThenRecoverable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeResult(w, http.StatusServiceUnavailable, nil)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).GetTransferTask(context.Background(), "tx-1")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	rec, ok := recoverable.As(err)
	require.True(t, ok)
	assert.Equal(t, recoverable.KindServiceConnection, rec.Kind)
	assert.Equal(t, "files", rec.RecoveryMessage["service"])
}

func TestTransientFailureRecovers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeResult(w, http.StatusBadGateway, nil)
			return
		}
		writeResult(w, http.StatusOK, Task{UUID: "tx-1", Status: StatusCompleted})
	}))
	defer srv.Close()

	task, err := newClient(srv.URL).GetTransferTask(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientErrorsAreFatalAndNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeResult(w, http.StatusNotFound, nil)
	}))
	defer srv.Close()

	err := newClient(srv.URL).CancelTransfer(context.Background(), "tx-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, recoverable.IsRecoverable(err))
	var jobErr *recoverable.JobError
	assert.ErrorAs(t, err, &jobErr)
}

func TestUnreachableServiceIsRecoverable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(url).GetTransferTask(context.Background(), "tx-1")
	require.Error(t, err)
	assert.True(t, recoverable.IsRecoverable(err))
}

func TestTaskStatusTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusFailedOpt, StatusCancelled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []TaskStatus{StatusAccepted, StatusStaging, StatusStaged, StatusInProgress, StatusPaused} {
		assert.False(t, s.IsTerminal(), s)
	}
}

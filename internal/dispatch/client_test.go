package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"miner-backend/pkg/models"
)

const minerAddress = "0x1234567890abcdef1234567890abcdef12345678"

func testClient(baseUrl string) *Client {
	c := NewClient(baseUrl, minerAddress, []string{"1", "2"})
	c.baseWait = 5 * time.Millisecond
	return c
}

func writeJson(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestPollForTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/miner_request", r.URL.Path)

		var req models.PollRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, minerAddress, req.ERC20Address)
		assert.Equal(t, []string{"1", "2"}, req.WorkflowIds)

		writeJson(t, w, map[string]any{
			"task_id":      "t1",
			"task_type":    "txt2vid",
			"workflow_id":  "1",
			"task_details": map[string]any{"parameters": map[string]any{"prompt": "a cat"}},
		})
	}))
	defer srv.Close()

	task := testClient(srv.URL).PollForTask(context.Background())
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.TaskId)
	assert.Equal(t, "txt2vid", task.TaskType)
	assert.Equal(t, "1", task.WorkflowId)
}

func TestPollForTaskNoWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJson(t, w, map[string]any{"msg": "no task"})
	}))
	defer srv.Close()

	assert.Nil(t, testClient(srv.URL).PollForTask(context.Background()))
}

func TestPollForTaskAlreadyRunning(t *testing.T) {
	// A task is in flight for this miner; the poll result must be ignored.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJson(t, w, map[string]any{"task_id": "t1", "msg": "task already running"})
	}))
	defer srv.Close()

	assert.Nil(t, testClient(srv.URL).PollForTask(context.Background()))
}

func TestPollForTaskRetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJson(t, w, map[string]any{"task_id": "t1", "workflow_id": "1"})
	}))
	defer srv.Close()

	task := testClient(srv.URL).PollForTask(context.Background())
	require.NotNil(t, task)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()
}

func TestPollForTaskBackoffDoubles(t *testing.T) {
	var mu sync.Mutex
	var times []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.baseWait = 20 * time.Millisecond

	assert.Nil(t, c.PollForTask(context.Background()))
	require.Len(t, times, 3)

	firstWait := times[1].Sub(times[0])
	secondWait := times[2].Sub(times[1])
	assert.GreaterOrEqual(t, firstWait, 20*time.Millisecond)
	assert.GreaterOrEqual(t, secondWait, 40*time.Millisecond)
	assert.Greater(t, secondWait, firstWait)
}

func TestPollForTaskConnectionRefused(t *testing.T) {
	c := testClient("http://127.0.0.1:1")
	start := time.Now()
	assert.Nil(t, c.PollForTask(context.Background()))
	// All three attempts waited: 5 + 10 + 20 ms.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestPollForTaskUnexpectedBodyNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{broken"))
	}))
	defer srv.Close()

	assert.Nil(t, testClient(srv.URL).PollForTask(context.Background()))
	assert.Equal(t, 1, calls)
}

func TestReportResult(t *testing.T) {
	var got models.TaskReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/miner_submit", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	report := models.TaskReport{
		Success:          true,
		TaskId:           "t1",
		MinerId:          minerAddress,
		Result:           "test-video/key.mp4",
		InferenceLatency: 1.2,
		UploadLatency:    0.4,
	}
	testClient(srv.URL).ReportResult(context.Background(), report)

	assert.Equal(t, report, got)
}

func TestReportResultLossTolerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// Failures are logged and swallowed; no retry, no panic.
	testClient(srv.URL).ReportResult(context.Background(), models.TaskReport{TaskId: "t1"})

	c := testClient("http://127.0.0.1:1")
	c.ReportResult(context.Background(), models.TaskReport{TaskId: "t1"})
}

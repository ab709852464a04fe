package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/cache"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/requestqueue"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	store := cache.NewLocal(cache.Config{})
	t.Cleanup(func() { store.Close() })

	q := requestqueue.New("ai-test", requestqueue.Config{
		MaxConcurrent: 2,
		MaxQueueSize:  10,
		Timeout:       5 * time.Second,
	})

	return New(Config{
		BaseURL:        baseURL,
		RetryAttempts:  3,
		AttemptTimeout: time.Second,
		BackoffBase:    10 * time.Millisecond,
	}, q, store)
}

var sampleTasks = []Task{
	{ID: "t1", Title: "Write report"},
	{ID: "t2", Title: "Review PR"},
	{ID: "t3", Title: "Update docs"},
}

var sampleEmployees = []Employee{
	{ID: "e1", Name: "Alice", CurrentTasks: 2},
	{ID: "e2", Name: "Bob", CurrentTasks: 0},
}

func TestCallWithRetrySucceedsOnThirdAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	data, err := c.CallWithRetry(context.Background(), http.MethodGet, "/healthcheck", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "exactly 3 underlying calls")
}

func TestCallWithRetryDoesNotRetry4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CallWithRetry(context.Background(), http.MethodPost, "/assign-tasks", map[string]string{"bad": "payload"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a 4xx must not be retried")

	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, http.StatusBadRequest, rce.StatusCode)
}

func TestCallWithRetryExhaustsOnPersistentFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.CallWithRetry(context.Background(), http.MethodGet, "/suggestions", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "last observed error is surfaced")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCallWithRetryNetworkErrorIsRetryable(t *testing.T) {
	// Nothing listens here.
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.CallWithRetry(context.Background(), http.MethodGet, "/healthcheck", nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestAssignTasksFromServiceThenCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req assignRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := assignResponse{}
		for _, task := range req.Tasks {
			resp.Assignments = append(resp.Assignments, Assignment{
				TaskID:     task.ID,
				EmployeeID: req.Employees[0].ID,
				Reason:     "best skill match",
				Confidence: 0.92,
			})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	first, err := c.AssignTasks(ctx, sampleTasks, sampleEmployees, Criteria{"strategy": "skills"})
	require.NoError(t, err)
	assert.Equal(t, "ai", first.Source)
	assert.Len(t, first.Assignments, 3)
	assert.False(t, first.Assignments[0].Fallback)

	second, err := c.AssignTasks(ctx, sampleTasks, sampleEmployees, Criteria{"strategy": "skills"})
	require.NoError(t, err)
	assert.Equal(t, "cache", second.Source)
	assert.Equal(t, first.Assignments, second.Assignments)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "cache hit must not contact the service")

	// Different criteria means a different cache key.
	_, err = c.AssignTasks(ctx, sampleTasks, sampleEmployees, Criteria{"strategy": "deadline"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAssignTasksFallsBackWhenServiceDown(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	ctx := context.Background()

	result, err := c.AssignTasks(ctx, sampleTasks, sampleEmployees, nil)
	require.NoError(t, err, "assignment must always succeed when a fallback exists")
	assert.Equal(t, "fallback", result.Source)
	require.Len(t, result.Assignments, 3)
	for _, a := range result.Assignments {
		assert.True(t, a.Fallback)
		assert.InDelta(t, fallbackConfidence, a.Confidence, 0.001)
		assert.NotEmpty(t, a.Reason)
	}

	// Deterministic: a repeat run yields identical assignments.
	again, err := c.AssignTasks(ctx, sampleTasks, sampleEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, result.Assignments, again.Assignments)
}

func TestAssignTasksFallsBackOnQueueRejection(t *testing.T) {
	store := cache.NewLocal(cache.Config{})
	t.Cleanup(func() { store.Close() })

	q := requestqueue.New("ai-full", requestqueue.Config{
		MaxConcurrent: 1,
		MaxQueueSize:  1,
		Timeout:       5 * time.Second,
	})
	c := New(Config{BaseURL: "http://127.0.0.1:1", BackoffBase: 10 * time.Millisecond}, q, store)

	// Saturate the queue: one running job plus one waiting.
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), PriorityLow, func() (interface{}, error) {
				<-release
				return nil, nil
			})
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := q.GetStats()
		if s.Running == 1 && s.QueueLength == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	result, err := c.AssignTasks(context.Background(), sampleTasks, sampleEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result.Source)

	close(release)
	wg.Wait()
}

func TestAssignTasksRejectsEmptyEmployees(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.AssignTasks(context.Background(), sampleTasks, nil, nil)
	assert.Error(t, err)
}

func TestInvalidateAssignments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(assignResponse{Assignments: []Assignment{
			{TaskID: "t1", EmployeeID: "e1", Confidence: 0.9},
		}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	_, err := c.AssignTasks(ctx, sampleTasks[:1], sampleEmployees, nil)
	require.NoError(t, err)

	removed := c.InvalidateAssignments(ctx)
	assert.Equal(t, int64(1), removed)

	// Next call misses the cache and goes back to the service.
	result, err := c.AssignTasks(ctx, sampleTasks[:1], sampleEmployees, nil)
	require.NoError(t, err)
	assert.Equal(t, "ai", result.Source)
}

func TestGetSuggestionsPropagatesFailure(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.GetSuggestions(context.Background(), "user-1")
	assert.Error(t, err, "suggestions have no fallback policy")
}

func TestGetSuggestions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-1", r.URL.Query().Get("userId"))
		w.Write([]byte(`[{"taskId":"t9","suggestion":"split into subtasks"}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	raw, err := c.GetSuggestions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "subtasks")
}

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	assert.NoError(t, c.Healthcheck(context.Background()))

	down := newTestClient(t, "http://127.0.0.1:1")
	assert.Error(t, down.Healthcheck(context.Background()))
}

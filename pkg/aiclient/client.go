package aiclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/cache"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/logger"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/requestqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitaskm_ai_calls_total",
		Help: "Individual HTTP attempts against the AI service",
	}, []string{"outcome"})

	fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aitaskm_ai_fallbacks_total",
		Help: "Task assignments served by the local workload balancer",
	})
)

// Config controls retry behaviour and cache TTLs for the AI client.
type Config struct {
	// BaseURL is the AI service root, e.g. "http://ai.internal:8000".
	BaseURL string

	// RetryAttempts is the total number of attempts per call (default 3).
	RetryAttempts int

	// AttemptTimeout bounds each individual HTTP attempt.
	AttemptTimeout time.Duration

	// BackoffBase scales the wait between attempts: base * attemptNumber.
	BackoffBase time.Duration

	// AssignCacheTTL is how long assignment results stay cached.
	AssignCacheTTL time.Duration
}

// Client wraps the AI service with retries, queue admission and caching.
// Safe for concurrent use; construct one per process.
type Client struct {
	cfg   Config
	http  *http.Client
	queue *requestqueue.Queue
	cache *cache.Cache
}

// New builds a client that submits its remote calls to q and caches results
// in store.
func New(cfg Config, q *requestqueue.Queue, store *cache.Cache) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.AssignCacheTTL <= 0 {
		cfg.AssignCacheTTL = 300 * time.Second
	}

	return &Client{
		cfg:   cfg,
		http:  &http.Client{},
		queue: q,
		cache: store,
	}
}

// CallWithRetry performs an HTTP call against the AI service with bounded
// retries. The wait between attempt n and n+1 is BackoffBase * n. Retryable
// failures are network errors, 5xx responses and attempt timeouts; a 4xx
// fails immediately. On exhaustion the last observed error is returned.
func (c *Client) CallWithRetry(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * c.cfg.BackoffBase
			logger.Log.Debug().
				Str("path", path).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying AI service call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		data, err := c.attempt(ctx, method, path, body)
		if err == nil {
			remoteCalls.WithLabelValues("success").Inc()
			return data, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			remoteCalls.WithLabelValues("rejected").Inc()
			return nil, err
		}
		remoteCalls.WithLabelValues("error").Inc()
		logger.Log.Warn().Err(err).
			Str("path", path).
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.RetryAttempts).
			Msg("AI service call failed")
	}

	return nil, lastErr
}

// attempt performs one bounded HTTP round trip.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, &RemoteCallError{Err: err, retryable: false}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection failures and timeouts are worth another attempt.
		return nil, &RemoteCallError{Err: err, retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteCallError{Err: err, retryable: true}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode >= 500:
		return nil, &RemoteCallError{StatusCode: resp.StatusCode, retryable: true}
	default:
		// 4xx: the payload itself is invalid, retrying cannot help.
		return nil, &RemoteCallError{StatusCode: resp.StatusCode, retryable: false}
	}
}

// AssignTasks distributes tasks across employees. The result comes from the
// cache when fresh, from the AI service via the request queue otherwise, and
// from the deterministic local balancer when the service is unavailable or
// the queue rejects the job. It never fails as long as input is non-empty:
// some valid assignment is always produced.
func (c *Client) AssignTasks(ctx context.Context, tasks []Task, employees []Employee, criteria Criteria) (*AssignmentResult, error) {
	if len(tasks) == 0 {
		return &AssignmentResult{Assignments: []Assignment{}, Source: "ai"}, nil
	}
	if len(employees) == 0 {
		return nil, fmt.Errorf("no employees to assign %d tasks to", len(tasks))
	}

	key, err := assignCacheKey(tasks, employees, criteria)
	if err == nil {
		if raw, ok := c.cache.Get(ctx, key); ok {
			var result AssignmentResult
			if jsonErr := json.Unmarshal([]byte(raw), &result); jsonErr == nil {
				result.Source = "cache"
				return &result, nil
			}
			// Corrupt entry; drop it and recompute.
			c.cache.Del(ctx, key)
		}
	}

	payload := assignRequest{Tasks: tasks, Employees: employees, Criteria: criteria}
	value, qErr := c.queue.Do(ctx, PriorityHigh, func() (interface{}, error) {
		data, callErr := c.CallWithRetry(ctx, http.MethodPost, "/assign-tasks", payload)
		if callErr != nil {
			return nil, callErr
		}
		var resp assignResponse
		if jsonErr := json.Unmarshal(data, &resp); jsonErr != nil {
			return nil, fmt.Errorf("malformed assignment response: %w", jsonErr)
		}
		return resp.Assignments, nil
	})

	if qErr != nil {
		logger.Log.Warn().Err(qErr).
			Int("tasks", len(tasks)).
			Int("employees", len(employees)).
			Msg("AI assignment unavailable, using workload-balanced fallback")
		fallbacksTotal.Inc()
		return &AssignmentResult{
			Assignments: fallbackAssign(tasks, employees),
			Source:      "fallback",
		}, nil
	}

	result := &AssignmentResult{
		Assignments: value.([]Assignment),
		Source:      "ai",
	}
	if key != "" {
		if raw, jsonErr := json.Marshal(result); jsonErr == nil {
			c.cache.Set(ctx, key, string(raw), c.cfg.AssignCacheTTL)
		}
	}
	return result, nil
}

// InvalidateAssignments drops every cached assignment result, e.g. after
// task or employee data changes. Returns the number of entries removed.
func (c *Client) InvalidateAssignments(ctx context.Context) int64 {
	return c.cache.DelPattern(ctx, "ai:assign:*")
}

// GetSuggestions fetches AI-generated task suggestions for a user. There is
// no fallback for this operation: queue rejections and exhausted retries
// propagate to the caller.
func (c *Client) GetSuggestions(ctx context.Context, userID string) (json.RawMessage, error) {
	value, err := c.queue.Do(ctx, PriorityNormal, func() (interface{}, error) {
		return c.CallWithRetry(ctx, http.MethodGet, "/suggestions?userId="+userID, nil)
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value.([]byte)), nil
}

// Healthcheck probes the AI service directly, bypassing queue and retries.
func (c *Client) Healthcheck(ctx context.Context) error {
	_, err := c.attempt(ctx, http.MethodGet, "/healthcheck", nil)
	return err
}

// assignCacheKey derives a deterministic key from the full argument set.
func assignCacheKey(tasks []Task, employees []Employee, criteria Criteria) (string, error) {
	raw, err := json.Marshal(assignRequest{Tasks: tasks, Employees: employees, Criteria: criteria})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return "ai:assign:" + hex.EncodeToString(sum[:]), nil
}

// Package main runs the AI gateway for the task-management backend. Every
// AI-backed route passes the adaptive rate limiter, the assignment cache and
// the bounded priority request queue before the external AI service is
// contacted, so the server degrades gracefully when that dependency is slow,
// overloaded, or down.
//
// API Endpoints:
//
//	POST /assign-tasks            - Distribute tasks across employees (AI or fallback)
//	GET  /suggestions?userId=...  - AI task suggestions (no fallback)
//	POST /invalidate-assignments  - Drop all cached assignment results
//	GET  /health                  - Health surface (always 200, healthy flag inside)
//	GET  /stats                   - Queue, cache and limiter snapshots
//	GET  /metrics                 - Prometheus metrics
//
// Usage:
//
//	go run cmd/server/main.go
//
// Configuration is environment-driven, see pkg/config (AITASKM_* variables).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/aiclient"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/cache"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/config"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/logger"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/ratelimit"
	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/requestqueue"
)

// app bundles the process-wide singletons handed to the route handlers.
type app struct {
	client  *aiclient.Client
	queue   *requestqueue.Queue
	cache   *cache.Cache
	limiter *ratelimit.Limiter
}

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*") // Allow all origins for dev
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// rateLimited rejects callers over their window budget with a 429 and a
// Retry-After hint before the handler runs.
func (a *app) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decision := a.limiter.Allow(r.Context(), clientKey(r))
		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":             "rate limit exceeded",
				"retryAfterSeconds": retryAfter,
			})
			return
		}
		next(w, r)
	}
}

// clientKey identifies the caller for rate limiting: the API key when
// present, the remote address otherwise.
func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.RemoteAddr
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(a *app, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// assignHandler distributes tasks across employees. Assignment always
	// produces some result: the AI service when reachable, the local
	// workload balancer otherwise.
	mux.HandleFunc("/assign-tasks", enableCORS(authMiddleware(a.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Tasks     []aiclient.Task     `json:"tasks"`
			Employees []aiclient.Employee `json:"employees"`
			Criteria  aiclient.Criteria   `json:"criteria"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := a.client.AssignTasks(r.Context(), req.Tasks, req.Employees, req.Criteria)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}), apiKey)))

	// suggestionsHandler has no fallback policy: queue rejection maps to
	// 503 (backpressure), deadline to 504, anything else to 502.
	mux.HandleFunc("/suggestions", enableCORS(authMiddleware(a.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "Missing userId", http.StatusBadRequest)
			return
		}

		raw, err := a.client.GetSuggestions(r.Context(), userID)
		if err != nil {
			switch {
			case errors.Is(err, requestqueue.ErrQueueFull):
				http.Error(w, "AI queue at capacity, try again later", http.StatusServiceUnavailable)
			case errors.Is(err, requestqueue.ErrTimeout):
				http.Error(w, "AI request timed out", http.StatusGatewayTimeout)
			default:
				http.Error(w, err.Error(), http.StatusBadGateway)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}), apiKey)))

	// invalidateHandler drops cached assignment results, e.g. after task or
	// employee records change.
	mux.HandleFunc("/invalidate-assignments", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		removed := a.client.InvalidateAssignments(r.Context())
		writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
	}, apiKey)))

	// healthHandler reports degradation without failing the request: a gate
	// upstream marks requests AI-unavailable based on the healthy flag.
	mux.HandleFunc("/health", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		aiErr := a.client.Healthcheck(ctx)
		stats := a.queue.GetStats()

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"healthy":      aiErr == nil,
			"aiService":    aiErr == nil,
			"queue":        stats,
			"cache":        a.cache.GetStats(r.Context()),
			"rateLimitMax": a.limiter.EffectiveMax(),
		})
	}))

	// statsHandler returns queue, cache and limiter snapshots.
	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"queue":        a.queue.GetStats(),
			"cache":        a.cache.GetStats(r.Context()),
			"rateLimitMax": a.limiter.EffectiveMax(),
		})
	}, apiKey)))

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// main wires the singletons, starts the server and tears everything down on
// SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Invalid configuration")
	}

	store := cache.New(cache.Config{
		Addr:                 cfg.Cache.Addr,
		Password:             cfg.Cache.Password,
		DB:                   cfg.Cache.DB,
		DefaultTTL:           cfg.Cache.DefaultTTL,
		OpTimeout:            cfg.Cache.OpTimeout,
		MaxReconnectAttempts: cfg.Cache.MaxReconnectAttempts,
	})
	defer store.Close()

	aiQueue := requestqueue.New("ai", requestqueue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		Timeout:       cfg.Queue.Timeout,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Window:           cfg.RateLimit.Window,
		Max:              cfg.RateLimit.Max,
		MinMax:           cfg.RateLimit.MinMax,
		MemoryHighWater:  cfg.RateLimit.MemoryHighWater,
		MemoryLowWater:   cfg.RateLimit.MemoryLowWater,
		SampleInterval:   cfg.RateLimit.SampleInterval,
		MemoryLimitBytes: cfg.RateLimit.MemoryLimitBytes,
	}, store)
	if err := limiter.Start(); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to start rate limiter sampler")
	}
	defer limiter.Stop()

	client := aiclient.New(aiclient.Config{
		BaseURL:        cfg.Client.BaseURL,
		RetryAttempts:  cfg.Client.RetryAttempts,
		AttemptTimeout: cfg.Client.AttemptTimeout,
		BackoffBase:    cfg.Client.BackoffBase,
		AssignCacheTTL: cfg.Client.AssignCacheTTL,
	}, aiQueue, store)

	a := &app{client: client, queue: aiQueue, cache: store, limiter: limiter}

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("AITASKM_SERVER_API_KEY not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: setupRouter(a, cfg.Server.APIKey),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down server...")

		// Waiting jobs get ErrQueueCleared instead of hanging through
		// the drain; running jobs finish within the shutdown grace.
		aiQueue.Clear()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	logger.Log.Info().Int("port", cfg.Server.Port).Msg("AI gateway listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}

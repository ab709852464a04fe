// Package requestqueue provides a bounded, admission-controlled executor for
// calls to slow external dependencies. It supports:
//   - Strict priority ordering with FIFO tie-break within a priority band
//   - A hard cap on concurrently executing jobs
//   - Immediate rejection (no blocking) once the waiting area is full
//   - A per-job deadline covering both wait time and execution time
//
// The Queue type is the main entry point. Independent pools (e.g. one for AI
// calls, one for analytics) are simply independent Queue instances.
package requestqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/logger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue behaviour, labelled per queue instance.
var (
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aitaskm_queue_depth",
		Help: "Number of jobs waiting for dispatch",
	}, []string{"queue"})

	queueRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aitaskm_queue_running",
		Help: "Number of jobs currently executing",
	}, []string{"queue"})

	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aitaskm_queue_jobs_total",
		Help: "Job outcomes by status",
	}, []string{"queue", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aitaskm_queue_job_duration_seconds",
		Help:    "Execution time of dispatched jobs",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
)

// Work is a deferred computation submitted to the queue. The queue makes no
// assumptions about what the work does internally.
type Work func() (interface{}, error)

// Config bounds a Queue instance.
type Config struct {
	// MaxConcurrent is the maximum number of simultaneously executing jobs.
	MaxConcurrent int

	// MaxQueueSize is the maximum number of waiting jobs, excluding those
	// already running. Enforced at admission, not by eviction.
	MaxQueueSize int

	// Timeout covers a job's combined wait and execution time.
	Timeout time.Duration
}

type outcome struct {
	value interface{}
	err   error
}

// job is owned by the queue from admission until dispatch; ownership of the
// result transfers to the caller via the done channel.
type job struct {
	id       string
	work     Work
	priority int
	seq      uint64
	index    int // heap index, -1 once dispatched or removed

	// done is buffered so the runner never blocks on delivery.
	done chan outcome

	// abandoned and delivered are guarded by the queue mutex. abandoned
	// means the caller stopped waiting; delivered means an outcome was
	// (or is about to be) placed on done.
	abandoned bool
	delivered bool
}

// jobHeap orders jobs by descending priority, FIFO within a priority.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*job)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[:n-1]
	return item
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	QueueLength   int    `json:"queueLength"`
	Running       int    `json:"running"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	TimedOut      uint64 `json:"timedOut"`
	Rejected      uint64 `json:"rejected"`
	MaxConcurrent int    `json:"maxConcurrent"`
	MaxQueueSize  int    `json:"maxQueueSize"`
}

// Queue is a bounded priority executor. Safe for concurrent use by any
// number of callers.
type Queue struct {
	name string
	cfg  Config

	mu      sync.Mutex
	waiting jobHeap
	seq     uint64
	running int

	completed uint64
	failed    uint64
	timedOut  uint64
	rejected  uint64
}

// New creates a queue with the given name and limits. The name labels the
// queue's metrics and log lines; each name should be used by one instance.
func New(name string, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Queue{
		name: name,
		cfg:  cfg,
	}
}

// Do submits work at the given priority and blocks until the job completes,
// the queue deadline fires, or ctx is cancelled. Strictly higher priorities
// are dispatched first.
//
// Returns ErrQueueFull immediately if the waiting area is at capacity, and
// ErrTimeout if combined wait and execution time exceeds the configured
// deadline. The work's own error is returned unwrapped on failure.
func (q *Queue) Do(ctx context.Context, priority int, work Work) (interface{}, error) {
	if work == nil {
		return nil, ErrNilWork
	}

	j := &job{
		id:       uuid.New().String(),
		work:     work,
		priority: priority,
		done:     make(chan outcome, 1),
	}

	q.mu.Lock()
	if len(q.waiting) >= q.cfg.MaxQueueSize {
		q.rejected++
		q.mu.Unlock()
		jobsTotal.WithLabelValues(q.name, "rejected").Inc()
		logger.Log.Warn().
			Str("queue", q.name).
			Int("max_queue_size", q.cfg.MaxQueueSize).
			Msg("Queue full, rejecting job")
		return nil, ErrQueueFull
	}
	q.seq++
	j.seq = q.seq
	heap.Push(&q.waiting, j)
	depth := len(q.waiting)
	q.mu.Unlock()

	queueDepth.WithLabelValues(q.name).Set(float64(depth))
	logger.Log.Debug().
		Str("queue", q.name).
		Str("job_id", j.id).
		Int("priority", priority).
		Msg("Job enqueued")

	q.dispatch()

	timer := time.NewTimer(q.cfg.Timeout)
	defer timer.Stop()

	select {
	case out := <-j.done:
		return out.value, out.err
	case <-timer.C:
		return q.abandon(j, ErrTimeout)
	case <-ctx.Done():
		return q.abandon(j, ctx.Err())
	}
}

// abandon removes a job from consideration after its caller stopped waiting.
// If an outcome was already delivered, it is consumed and returned instead
// (the job beat the deadline by a hair).
func (q *Queue) abandon(j *job, cause error) (interface{}, error) {
	q.mu.Lock()
	if j.delivered {
		q.mu.Unlock()
		out := <-j.done
		return out.value, out.err
	}
	j.abandoned = true
	if j.index >= 0 {
		// Still waiting; drop it from the heap.
		heap.Remove(&q.waiting, j.index)
		queueDepth.WithLabelValues(q.name).Set(float64(len(q.waiting)))
	}
	if cause == ErrTimeout {
		q.timedOut++
	}
	q.mu.Unlock()

	if cause == ErrTimeout {
		jobsTotal.WithLabelValues(q.name, "timeout").Inc()
		logger.Log.Warn().
			Str("queue", q.name).
			Str("job_id", j.id).
			Dur("timeout", q.cfg.Timeout).
			Msg("Job abandoned after deadline")
	}
	return nil, cause
}

// dispatch moves jobs from the waiting area to execution while capacity
// allows, highest priority first. It runs after every enqueue and every
// completion so freed capacity is reused immediately. Reentrant-safe: the
// lock is released before any job runs.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.cfg.MaxConcurrent || len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		j := heap.Pop(&q.waiting).(*job)
		q.running++
		depth := len(q.waiting)
		running := q.running
		q.mu.Unlock()

		queueDepth.WithLabelValues(q.name).Set(float64(depth))
		queueRunning.WithLabelValues(q.name).Set(float64(running))

		go q.run(j)
	}
}

// run executes a dispatched job and delivers its outcome unless the caller
// has already abandoned it.
func (q *Queue) run(j *job) {
	start := time.Now()
	value, err := j.work()
	jobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())

	q.mu.Lock()
	q.running--
	running := q.running
	discarded := j.abandoned
	if !discarded {
		j.delivered = true
		if err != nil {
			q.failed++
		} else {
			q.completed++
		}
	}
	q.mu.Unlock()

	queueRunning.WithLabelValues(q.name).Set(float64(running))

	if discarded {
		// Caller already received ErrTimeout; drop the result.
		logger.Log.Debug().
			Str("queue", q.name).
			Str("job_id", j.id).
			Msg("Discarding outcome of abandoned job")
	} else {
		if err != nil {
			jobsTotal.WithLabelValues(q.name, "failed").Inc()
		} else {
			jobsTotal.WithLabelValues(q.name, "completed").Inc()
		}
		j.done <- outcome{value: value, err: err}
	}

	q.dispatch()
}

// GetStats returns a snapshot of queue state. Safe to call concurrently
// with enqueue and dispatch.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		QueueLength:   len(q.waiting),
		Running:       q.running,
		Completed:     q.completed,
		Failed:        q.failed,
		TimedOut:      q.timedOut,
		Rejected:      q.rejected,
		MaxConcurrent: q.cfg.MaxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
	}
}

// Clear fails every waiting job with ErrQueueCleared and empties the waiting
// area. Running jobs are unaffected and complete normally.
func (q *Queue) Clear() int {
	q.mu.Lock()
	drained := q.waiting
	q.waiting = nil
	for _, j := range drained {
		j.index = -1
		j.delivered = true
		j.done <- outcome{err: ErrQueueCleared}
	}
	q.mu.Unlock()

	queueDepth.WithLabelValues(q.name).Set(0)
	if len(drained) > 0 {
		jobsTotal.WithLabelValues(q.name, "cleared").Add(float64(len(drained)))
		logger.Log.Info().
			Str("queue", q.name).
			Int("count", len(drained)).
			Msg("Cleared waiting jobs")
	}
	return len(drained)
}

// Package main provides a benchmark tool for the AI request queue to measure
// admission and dispatch throughput. It submits a large number of dummy jobs
// across mixed priorities and measures completion time and rejections.
//
// Usage:
//
//	go run benchmark/main.go -jobs 100000
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Echo-Sols-Ltd/AITaskM-backend/pkg/requestqueue"
)

func main() {
	numJobs := flag.Int("jobs", 100000, "Number of jobs to submit")
	numSubmitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	maxConcurrent := flag.Int("concurrency", 8, "Queue MaxConcurrent")
	maxQueueSize := flag.Int("depth", 1000, "Queue MaxQueueSize")
	workDelay := flag.Duration("work", 0, "Simulated per-job work duration")
	flag.Parse()

	q := requestqueue.New("benchmark", requestqueue.Config{
		MaxConcurrent: *maxConcurrent,
		MaxQueueSize:  *maxQueueSize,
		Timeout:       time.Minute,
	})
	ctx := context.Background()

	fmt.Printf("Request Queue Benchmark\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Jobs to submit: %d\n", *numJobs)
	fmt.Printf("Concurrent submitters: %d\n", *numSubmitters)
	fmt.Printf("Queue concurrency: %d, depth: %d\n\n", *maxConcurrent, *maxQueueSize)

	fmt.Printf("Starting submit phase...\n")
	start := time.Now()

	var wg sync.WaitGroup
	var completed, rejected atomic.Int64
	var running, peak atomic.Int64
	jobsPerSubmitter := *numJobs / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < jobsPerSubmitter; j++ {
				priority := (submitterID + j) % 11
				_, err := q.Do(ctx, priority, func() (interface{}, error) {
					now := running.Add(1)
					for {
						p := peak.Load()
						if now <= p || peak.CompareAndSwap(p, now) {
							break
						}
					}
					if *workDelay > 0 {
						time.Sleep(*workDelay)
					}
					running.Add(-1)
					return nil, nil
				})
				switch {
				case err == nil:
					completed.Add(1)
				case errors.Is(err, requestqueue.ErrQueueFull):
					rejected.Add(1)
				default:
					fmt.Printf("Error submitting: %v\n", err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	stats := q.GetStats()

	fmt.Printf("✓ Completed %d jobs in %s\n", completed.Load(), elapsed)
	fmt.Printf("  Rejected at admission: %d\n", rejected.Load())
	fmt.Printf("  Peak concurrency observed: %d (limit %d)\n", peak.Load(), *maxConcurrent)
	fmt.Printf("  Throughput: %.2f jobs/sec\n\n", float64(completed.Load())/elapsed.Seconds())

	fmt.Printf("Queue counters: completed=%d failed=%d timedOut=%d rejected=%d\n",
		stats.Completed, stats.Failed, stats.TimedOut, stats.Rejected)
}

package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go-qearn-stats/logger"
	"go-qearn-stats/metrics"
	"go-qearn-stats/model"
)

const (
	DefaultQueueBatchSize  = 5
	DefaultQueueBatchDelay = 500 * time.Millisecond
)

var ErrSchedulerClosed = errors.New("scheduler closed")

// Caller performs one logical contract query.
type Caller interface {
	Call(ctx context.Context, query model.Query) (*model.QueryResult, error)
}

// Outcome is delivered exactly once on the channel returned by Submit.
type Outcome struct {
	Result *model.QueryResult
	Err    error
}

type pendingCall struct {
	query model.Query
	done  chan Outcome
}

type SchedulerOptions struct {
	BatchSize  int
	BatchDelay time.Duration
}

/*
Scheduler is a FIFO request queue drained by at most one loop at a time.
The loop takes up to BatchSize calls from the head, runs them concurrently,
waits for all of them and pauses BatchDelay before the next batch while work remains.
*/
type Scheduler struct {
	caller     Caller
	batchSize  int
	batchDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	queue      []*pendingCall
	processing bool
	closed     bool
	batches    int
	total      uint64
	successful uint64
	failed     uint64

	// dispatched observes each batch before it runs; nil outside tests.
	dispatched func(batch int, queries []model.Query)
}

func NewScheduler(caller Caller, opts SchedulerOptions) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultQueueBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		caller:     caller,
		batchSize:  opts.BatchSize,
		batchDelay: opts.BatchDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
}

/*
Submit enqueues a query at the tail of the queue and starts the drain loop if it is idle.
The returned channel receives exactly one Outcome.
*/
func (s *Scheduler) Submit(query model.Query) <-chan Outcome {
	call := &pendingCall{query: query, done: make(chan Outcome, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		call.done <- Outcome{Err: ErrSchedulerClosed}
		return call.done
	}
	s.queue = append(s.queue, call)
	metrics.QueueLength.Set(float64(len(s.queue)))
	start := !s.processing
	if start {
		s.processing = true
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}
	return call.done
}

func (s *Scheduler) Stats() model.QueryStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() model.QueryStats {
	stats := model.QueryStats{
		TotalRequests:      s.total,
		SuccessfulRequests: s.successful,
		FailedRequests:     s.failed,
		QueueLength:        len(s.queue),
		IsProcessing:       s.processing,
	}
	if s.total > 0 {
		stats.SuccessRate = float64(s.successful) / float64(s.total) * 100
	}
	return stats
}

// Close stops the drain loop, cancels in-flight calls and fails anything still queued.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.failQueued(ErrSchedulerClosed)
}

func (s *Scheduler) drain() {
	defer s.wg.Done()

	s.mu.Lock()
	logger.LogDebug("processing queue with %d requests", len(s.queue))
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.ctx.Err() != nil {
			s.processing = false
			stats := s.statsLocked()
			s.mu.Unlock()
			logger.LogDebug("queue drained: total=%d ok=%d failed=%d success=%.1f%%",
				stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests, stats.SuccessRate)
			return
		}
		n := min(s.batchSize, len(s.queue))
		batch := make([]*pendingCall, n)
		copy(batch, s.queue[:n])
		s.queue = append(s.queue[:0:0], s.queue[n:]...)
		s.batches++
		batchNo := s.batches
		metrics.QueueLength.Set(float64(len(s.queue)))
		s.mu.Unlock()

		s.runBatch(batchNo, batch)

		s.mu.Lock()
		more := len(s.queue) > 0
		s.mu.Unlock()
		if more {
			logger.LogDebug("waiting %v before next batch", s.batchDelay)
			// cancellation is picked up at the top of the loop
			_ = sleepContext(s.ctx, s.batchDelay)
		}
	}
}

func (s *Scheduler) runBatch(batchNo int, batch []*pendingCall) {
	metrics.QueueBatchesTotal.Inc()
	if s.dispatched != nil {
		queries := make([]model.Query, len(batch))
		for i, call := range batch {
			queries[i] = call.query
		}
		s.dispatched(batchNo, queries)
	}

	var g errgroup.Group
	for _, call := range batch {
		call := call
		g.Go(func() error {
			s.mu.Lock()
			s.total++
			s.mu.Unlock()

			result, err := s.caller.Call(s.ctx, call.query)

			s.mu.Lock()
			if err != nil {
				s.failed++
			} else {
				s.successful++
			}
			s.mu.Unlock()

			if err != nil {
				metrics.QueueRequestsTotal.WithLabelValues("failed").Inc()
				logger.LogDebug("queued request failed: %v", err)
			} else {
				metrics.QueueRequestsTotal.WithLabelValues("success").Inc()
			}
			call.done <- Outcome{Result: result, Err: err}
			// Failures are delivered through the outcome; the group never short-circuits.
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) failQueued(err error) {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.processing = false
	metrics.QueueLength.Set(0)
	s.mu.Unlock()

	for _, call := range queued {
		call.done <- Outcome{Err: err}
	}
}

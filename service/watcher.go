package service

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"go-qearn-stats/logger"
	"go-qearn-stats/metrics"
	"go-qearn-stats/model"
)

const (
	DefaultTickSchedule = "@every 4s"
	pollTimeout         = 30 * time.Second
)

var ErrWatcherRunning = errors.New("epoch watcher already running")

type TickSource interface {
	FetchTickInfo(ctx context.Context) (*model.TickInfo, error)
	FetchLatestStats(ctx context.Context) (*model.LatestStats, error)
}

type TickRecorder interface {
	SetTickInfo(tick model.TickInfo)
	SetLatestStats(stats model.LatestStats)
}

type WindowFetcher interface {
	FetchEpochWindow(ctx context.Context, currentEpoch, floor uint32) (*WindowResult, error)
}

/*
EpochWatcher polls tick info on a cron schedule and starts a window fetch when
the epoch changes. A change seen while a fetch is running is remembered and
fetched after it; intermediate epochs are coalesced into the newest one.
*/
type EpochWatcher struct {
	source   TickSource
	ticks    TickRecorder
	fetcher  WindowFetcher
	reporter Reporter
	floor    uint32
	schedule string

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	isRunning  bool
	lastEpoch  uint32
	fetching   bool
	pending    uint32
	hasPending bool

	now func() time.Time
}

func NewEpochWatcher(source TickSource, ticks TickRecorder, fetcher WindowFetcher, reporter Reporter, floor uint32, schedule string) *EpochWatcher {
	if schedule == "" {
		schedule = DefaultTickSchedule
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EpochWatcher{
		source:   source,
		ticks:    ticks,
		fetcher:  fetcher,
		reporter: reporter,
		floor:    floor,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

// Start loads the latest stats once, polls immediately and then on the schedule.
func (w *EpochWatcher) Start() error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.isRunning = true
	w.mu.Unlock()

	if _, err := w.cron.AddFunc(w.schedule, func() {
		_ = w.Poll(w.ctx)
	}); err != nil {
		w.mu.Lock()
		w.isRunning = false
		w.mu.Unlock()
		return errors.Wrapf(err, "schedule tick poll %q", w.schedule)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loadLatestStats(w.ctx)
	}()
	_ = w.Poll(w.ctx)

	w.cron.Start()
	logger.LogInfo("epoch watcher started with schedule %s", w.schedule)
	return nil
}

// Stop halts polling, cancels a running fetch and waits for it to return.
func (w *EpochWatcher) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	w.cancel()
	<-w.cron.Stop().Done()
	w.wg.Wait()
	logger.LogInfo("epoch watcher stopped")
}

/* This method fetches tick info once, records it and triggers a window fetch on an epoch change */
func (w *EpochWatcher) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	w.reporter.SetLoading(model.LoadingTickInfo, true)
	defer w.reporter.SetLoading(model.LoadingTickInfo, false)

	tick, err := w.source.FetchTickInfo(ctx)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		metrics.WatcherPollErrors.Inc()
		logger.LogError(errors.Wrap(err, "fetch tick info"))
		w.reporter.ReportError(model.FetchError{
			Message:   "Failed to fetch tick info",
			Timestamp: w.now().UnixMilli(),
			Context:   "tickInfo",
		})
		return err
	}
	if tick.Tick == 0 {
		return nil
	}

	w.ticks.SetTickInfo(*tick)
	metrics.WatcherCurrentEpoch.Set(float64(tick.Epoch))
	w.onEpoch(tick.Epoch)
	return nil
}

func (w *EpochWatcher) onEpoch(epoch uint32) {
	if epoch == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if epoch == w.lastEpoch {
		return
	}
	w.lastEpoch = epoch
	if w.fetching {
		logger.LogDebug("epoch %d seen during a running fetch, queued", epoch)
		w.pending = epoch
		w.hasPending = true
		return
	}
	w.fetching = true
	w.wg.Add(1)
	go w.runFetches(epoch)
}

func (w *EpochWatcher) runFetches(epoch uint32) {
	defer w.wg.Done()
	for {
		logger.LogInfo("epoch changed to %d, fetching epoch window", epoch)
		result, err := w.fetcher.FetchEpochWindow(w.ctx, epoch, w.floor)
		switch {
		case err != nil:
			logger.LogError(errors.Wrapf(err, "epoch %d", epoch))
		case result.Err() != nil:
			logger.LogWarn("epoch %d: %v (failure rate %.1f%%)", epoch, result.Err(), result.FailureRate()*100)
		}

		w.mu.Lock()
		if !w.hasPending || w.ctx.Err() != nil {
			w.fetching = false
			w.hasPending = false
			w.mu.Unlock()
			return
		}
		epoch = w.pending
		w.hasPending = false
		w.mu.Unlock()
	}
}

func (w *EpochWatcher) loadLatestStats(ctx context.Context) {
	stats, err := w.source.FetchLatestStats(ctx)
	if err != nil {
		logger.LogError(errors.Wrap(err, "fetch latest stats"))
		w.reporter.ReportError(model.FetchError{
			Message:   "Failed to fetch latest stats",
			Timestamp: w.now().UnixMilli(),
			Context:   "latestStats",
		})
		return
	}
	w.ticks.SetLatestStats(*stats)
}

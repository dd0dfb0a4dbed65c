package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go-qearn-stats/logger"
	"go-qearn-stats/metrics"
	"go-qearn-stats/model"
)

const (
	DefaultMaxEpochs        = 53
	DefaultEpochBatchSize   = 5
	DefaultEpochBatchDelay  = 200 * time.Millisecond
	DefaultSettleDelay      = 2 * time.Second
	criticalFetchErrMessage = "Critical error in data fetching process"
)

var (
	ErrFetchInProgress = errors.New("epoch window fetch already in progress")
	ErrPartialFailure  = errors.New("partial failure")
	ErrTotalFailure    = errors.New("total failure")
)

// TotalFailureError aborts a window fetch. Previously published stats are left untouched.
type TotalFailureError struct {
	Err error
}

func (e *TotalFailureError) Error() string {
	return "epoch window fetch aborted: " + e.Err.Error()
}

func (e *TotalFailureError) Unwrap() error {
	return e.Err
}

func (e *TotalFailureError) Is(target error) bool {
	return target == ErrTotalFailure
}

// Submitter enqueues a contract query; *Scheduler implements it.
type Submitter interface {
	Submit(query model.Query) <-chan Outcome
}

type BalanceFetcher interface {
	FetchBalance(ctx context.Context, id string) (*model.Balance, error)
}

// Reporter receives progress snapshots and failure events. Implementations must not block.
type Reporter interface {
	ReportProgress(progress model.LoadingProgress)
	ReportError(fetchErr model.FetchError)
	ShowErrors(summary model.FailureSummary)
	SetLoading(flag model.LoadingFlag, on bool)
}

type StatsPublisher interface {
	MergeStats(stats model.AggregateStats)
}

type WindowState int

const (
	Settled WindowState = iota
	PartiallyFailed
	TotallyFailed
)

func (s WindowState) String() string {
	switch s {
	case PartiallyFailed:
		return "partially_failed"
	case TotallyFailed:
		return "totally_failed"
	}
	return "settled"
}

type WindowResult struct {
	Stats      model.AggregateStats
	StartEpoch uint32
	EndEpoch   uint32
	Total      int
	Failed     int
	Succeeded  int
	State      WindowState
}

// Err reports item failures as an error matching ErrPartialFailure. Stats stay usable.
func (r *WindowResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return errors.Wrapf(ErrPartialFailure, "%d of %d items failed", r.Failed, r.Total)
}

func (r *WindowResult) FailureRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Failed) / float64(r.Total)
}

type FetcherOptions struct {
	ContractAddress string
	Contract        QearnContract
	MaxEpochs       int
	BatchSize       int
	BatchDelay      time.Duration
	SettleDelay     time.Duration
}

/*
EpochFetcher pulls the most recent window of per-epoch lock-info and burn/boost
records through the scheduler, folds them into AggregateStats and publishes
the result. Only one window fetch runs at a time.
*/
type EpochFetcher struct {
	submitter Submitter
	balances  BalanceFetcher
	reporter  Reporter
	publisher StatsPublisher
	opts      FetcherOptions

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	running        int32
	hasInitialLoad bool

	settleMu    sync.Mutex
	settleGen   uint64
	settleTimer *time.Timer
}

func NewEpochFetcher(submitter Submitter, balances BalanceFetcher, reporter Reporter, publisher StatsPublisher, opts FetcherOptions) *EpochFetcher {
	if opts.MaxEpochs <= 0 {
		opts.MaxEpochs = DefaultMaxEpochs
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultEpochBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	return &EpochFetcher{
		submitter: submitter,
		balances:  balances,
		reporter:  reporter,
		publisher: publisher,
		opts:      opts,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// Window returns how many epochs to fetch and the oldest epoch of the window.
// The window ends at current, holds at most maxEpochs epochs and never starts below floor.
func Window(current, floor uint32, maxEpochs int) (int, uint32) {
	if current < floor || maxEpochs <= 0 {
		return 0, floor
	}
	count := min(maxEpochs, int(current-floor)+1)
	start := max(floor, current-uint32(count)+1)
	return count, start
}

/*
This method folds the per-epoch results into aggregate totals. Index i holds
epoch current-i. Entries missing either half are skipped. The running average
is index shifted: index 0 never updates it and index i divides by i.
*/
func Aggregate(current uint32, locks []*model.LockInfo, burns []*model.BurnBoostStats) model.AggregateStats {
	stats := model.AggregateStats{Epochs: make(map[uint32]model.EpochRecord)}
	for index, lock := range locks {
		if lock == nil || index >= len(burns) || burns[index] == nil {
			continue
		}
		epoch := current - uint32(index)
		stats.Epochs[epoch] = model.EpochRecord{Epoch: epoch, LockInfo: *lock, BurnBoostStats: *burns[index]}
		stats.TotalInitialLockAmount += lock.LockAmount
		stats.TotalInitialBonusAmount += lock.BonusAmount
		stats.TotalBonusAmount += lock.CurrentBonusAmount
		if index != 0 {
			stats.AverageYieldPercentage = (stats.AverageYieldPercentage*float64(index-1) + lock.YieldPercentage) / float64(index)
		}
	}
	return stats
}

type itemOutcome[T any] struct {
	value *T
	err   error
}

type windowRun struct {
	progress model.LoadingProgress
	locks    []*model.LockInfo
	burns    []*model.BurnBoostStats
}

/*
FetchEpochWindow fetches the window ending at currentEpoch. Item failures are
absorbed and counted in the result; an error is returned only when the whole
window is aborted (ErrTotalFailure) or another fetch is running (ErrFetchInProgress).
*/
func (f *EpochFetcher) FetchEpochWindow(ctx context.Context, currentEpoch, floor uint32) (*WindowResult, error) {
	if !atomic.CompareAndSwapInt32(&f.running, 0, 1) {
		return nil, ErrFetchInProgress
	}
	defer atomic.StoreInt32(&f.running, 0)

	started := time.Now()
	f.cancelSettle()
	f.reporter.SetLoading(model.LoadingEpochData, true)
	f.reporter.SetLoading(model.LoadingInitial, !f.hasInitialLoad)
	f.reporter.SetLoading(model.LoadingDataFetching, true)

	run := &windowRun{}
	defer func() {
		f.finish(run)
		metrics.FetcherWindowLatency.Observe(time.Since(started).Seconds())
	}()

	result, err := f.fetch(ctx, run, currentEpoch, floor)
	if errors.Is(err, context.Canceled) {
		logger.LogInfo("epoch window fetch ending at %d canceled", currentEpoch)
		return nil, &TotalFailureError{Err: err}
	}
	if err != nil {
		metrics.FetcherWindowsTotal.WithLabelValues(TotallyFailed.String()).Inc()
		logger.LogError(errors.Wrapf(err, "fetch epoch window ending at %d", currentEpoch))
		f.reporter.ReportError(model.FetchError{
			Message:   criticalFetchErrMessage,
			Timestamp: f.now().UnixMilli(),
			Context:   "fetchEpochData",
		})
		f.reporter.ShowErrors(model.FailureSummary{Failed: run.progress.Failed, Total: run.progress.Total})
		return nil, &TotalFailureError{Err: err}
	}

	metrics.FetcherWindowsTotal.WithLabelValues(result.State.String()).Inc()
	metrics.FetcherFailureRate.Set(result.FailureRate())
	return result, nil
}

func (f *EpochFetcher) fetch(ctx context.Context, run *windowRun, currentEpoch, floor uint32) (*WindowResult, error) {
	balance, err := f.balances.FetchBalance(ctx, f.opts.ContractAddress)
	if err != nil {
		return nil, errors.Wrap(err, "fetch contract balance")
	}
	totalLockAmount, err := strconv.ParseUint(balance.Balance, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "parse contract balance %q", balance.Balance)
	}

	count, startEpoch := Window(currentEpoch, floor, f.opts.MaxEpochs)
	logger.LogInfo("fetching %d epochs from %d to %d", count, startEpoch, currentEpoch)

	run.locks = make([]*model.LockInfo, count)
	run.burns = make([]*model.BurnBoostStats, count)
	run.progress = model.LoadingProgress{Total: count * 2, Message: "Fetching epoch data..."}
	f.reporter.ReportProgress(run.progress)

	totalBatches := (count + f.opts.BatchSize - 1) / f.opts.BatchSize
	for offset := 0; offset < count; offset += f.opts.BatchSize {
		end := min(offset+f.opts.BatchSize, count)
		batchNumber := offset/f.opts.BatchSize + 1

		run.progress.Message = fmt.Sprintf("Processing batch %d/%d...", batchNumber, totalBatches)
		f.reporter.ReportProgress(run.progress)
		logger.LogDebug("processing epoch batch %d/%d", batchNumber, totalBatches)

		if err := f.runBatch(ctx, run, currentEpoch, offset, end); err != nil {
			return nil, errors.Wrapf(err, "epoch batch %d/%d", batchNumber, totalBatches)
		}
		run.progress.Current += (end - offset) * 2

		if end < count {
			if err := f.sleep(ctx, f.opts.BatchDelay); err != nil {
				return nil, err
			}
		}
	}

	if run.progress.Failed > 0 {
		run.progress.Message = "Processing results with some connection issues..."
	} else {
		run.progress.Message = "Processing results..."
	}
	f.reporter.ReportProgress(run.progress)
	logger.LogInfo("epoch window processed: %d succeeded, %d failed", run.progress.Succeeded, run.progress.Failed)

	stats := Aggregate(currentEpoch, run.locks, run.burns)
	stats.TotalLockAmount = totalLockAmount
	f.publisher.MergeStats(stats)
	f.hasInitialLoad = true

	result := &WindowResult{
		Stats:      stats,
		StartEpoch: startEpoch,
		EndEpoch:   currentEpoch,
		Total:      run.progress.Total,
		Failed:     run.progress.Failed,
		Succeeded:  run.progress.Succeeded,
	}
	if result.Failed > 0 {
		result.State = PartiallyFailed
		logger.LogWarn("epoch window completed with failures: %v", result.Err())
		f.reporter.ShowErrors(model.FailureSummary{Failed: result.Failed, Total: result.Total})
	}
	return result, nil
}

// runBatch fetches both record kinds for window indexes [from, to). Lock-info queries
// are queued ahead of burn/boost queries. Item failures are recorded as nil entries;
// only context cancellation fails the batch.
func (f *EpochFetcher) runBatch(ctx context.Context, run *windowRun, currentEpoch uint32, from, to int) error {
	n := to - from
	lockCalls := submitAll(f.submitter, n, func(i int) model.Query {
		return f.opts.Contract.LockInfoQuery(currentEpoch - uint32(from+i))
	})
	burnCalls := submitAll(f.submitter, n, func(i int) model.Query {
		return f.opts.Contract.BurnBoostQuery(currentEpoch - uint32(from+i))
	})

	locks := make([]itemOutcome[model.LockInfo], n)
	burns := make([]itemOutcome[model.BurnBoostStats], n)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return await(gctx, lockCalls, DecodeLockInfo, locks)
	})
	g.Go(func() error {
		return await(gctx, burnCalls, DecodeBurnBoostStats, burns)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for i, out := range locks {
		epoch := currentEpoch - uint32(from+i)
		run.locks[from+i] = out.value
		f.recordItem(&run.progress, "lockInfo", fmt.Sprintf("Failed to fetch lock info for epoch %d", epoch), out.err)
	}
	for i, out := range burns {
		epoch := currentEpoch - uint32(from+i)
		run.burns[from+i] = out.value
		f.recordItem(&run.progress, "burnedBoosted", fmt.Sprintf("Failed to fetch burned/boosted stats for epoch %d", epoch), out.err)
	}
	return nil
}

func submitAll(submitter Submitter, n int, query func(i int) model.Query) []<-chan Outcome {
	pending := make([]<-chan Outcome, n)
	for i := range pending {
		pending[i] = submitter.Submit(query(i))
	}
	return pending
}

// await waits for each outcome in order and decodes it.
func await[T any](ctx context.Context, pending []<-chan Outcome, decode func(*model.QueryResult) (*T, error), out []itemOutcome[T]) error {
	for i, ch := range pending {
		select {
		case res := <-ch:
			if res.Err != nil {
				out[i].err = res.Err
				continue
			}
			out[i].value, out[i].err = decode(res.Result)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *EpochFetcher) recordItem(progress *model.LoadingProgress, kind, message string, err error) {
	if err == nil {
		progress.Succeeded++
		metrics.FetcherItemsTotal.WithLabelValues(kind, "success").Inc()
		return
	}
	progress.Failed++
	metrics.FetcherItemsTotal.WithLabelValues(kind, "failed").Inc()
	logger.LogWarn("%s: %v", message, err)
	f.reporter.ReportError(model.FetchError{
		Message:   message,
		Timestamp: f.now().UnixMilli(),
		Context:   kind,
	})
}

// finish publishes the final status and schedules the reset to the zero state.
func (f *EpochFetcher) finish(run *windowRun) {
	f.reporter.SetLoading(model.LoadingEpochData, false)
	f.reporter.SetLoading(model.LoadingInitial, false)
	f.reporter.SetLoading(model.LoadingDataFetching, false)

	final := run.progress
	final.Current = final.Total
	if final.Failed > 0 {
		final.Message = "Completed with some connection issues"
	} else {
		final.Message = "Loading completed successfully"
	}
	f.reporter.ReportProgress(final)
	f.scheduleReset()
}

func (f *EpochFetcher) scheduleReset() {
	f.settleMu.Lock()
	defer f.settleMu.Unlock()

	f.settleGen++
	gen := f.settleGen
	f.settleTimer = time.AfterFunc(f.opts.SettleDelay, func() {
		f.settleMu.Lock()
		defer f.settleMu.Unlock()
		if gen != f.settleGen {
			return
		}
		f.reporter.ReportProgress(model.LoadingProgress{})
	})
}

// cancelSettle drops a pending reset so it cannot clear a newer fetch's progress.
func (f *EpochFetcher) cancelSettle() {
	f.settleMu.Lock()
	defer f.settleMu.Unlock()

	f.settleGen++
	if f.settleTimer != nil {
		f.settleTimer.Stop()
		f.settleTimer = nil
	}
}

// Close stops a pending progress reset.
func (f *EpochFetcher) Close() {
	f.cancelSettle()
}

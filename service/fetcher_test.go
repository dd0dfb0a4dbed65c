package service

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-qearn-stats/model"
)

type fakeReporter struct {
	mu       sync.Mutex
	progress []model.LoadingProgress
	errs     []model.FetchError
	shown    []model.FailureSummary
	flags    map[model.LoadingFlag]bool
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{flags: make(map[model.LoadingFlag]bool)}
}

func (r *fakeReporter) ReportProgress(p model.LoadingProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *fakeReporter) ReportError(e model.FetchError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *fakeReporter) ShowErrors(s model.FailureSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, s)
}

func (r *fakeReporter) SetLoading(flag model.LoadingFlag, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[flag] = on
}

func (r *fakeReporter) lastProgress() model.LoadingProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress[len(r.progress)-1]
}

type fakePublisher struct {
	mu     sync.Mutex
	merged []model.AggregateStats
}

func (p *fakePublisher) MergeStats(stats model.AggregateStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.merged = append(p.merged, stats)
}

type fakeBalances struct {
	balance string
	err     error
	gate    chan struct{}
}

func (b *fakeBalances) FetchBalance(ctx context.Context, id string) (*model.Balance, error) {
	if b.gate != nil {
		<-b.gate
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.err != nil {
		return nil, b.err
	}
	return &model.Balance{ID: id, Balance: b.balance}, nil
}

// contractSubmitter answers queries immediately with per-epoch records derived from the epoch.
type contractSubmitter struct {
	mu      sync.Mutex
	fail    func(q model.Query, epoch uint32) bool
	queries []model.Query
}

func queryEpoch(q model.Query) uint32 {
	raw, _ := base64.StdEncoding.DecodeString(q.RequestData)
	return binary.LittleEndian.Uint32(raw)
}

func (s *contractSubmitter) Submit(q model.Query) <-chan Outcome {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	ch := make(chan Outcome, 1)
	if s.fail != nil && s.fail(q, queryEpoch(q)) {
		ch <- Outcome{Err: &CallError{Kind: KindRateLimited, Attempts: 4, Err: errors.New("429")}}
		return ch
	}
	ch <- epochOutcome(q)
	return ch
}

// epochOutcome answers a per-epoch contract query with records derived from the epoch.
func epochOutcome(q model.Query) Outcome {
	e := uint64(queryEpoch(q))
	if q.InputType == lockInfoPerEpochInput {
		return Outcome{Result: encodeWords(e*1000, e*10, e*900, e*5, e*100)}
	}
	return Outcome{Result: encodeWords(e, 100000, 2*e, 200000, 3*e, 300000)}
}

// heldSubmitter records queries and delivers outcomes only when released.
type heldSubmitter struct {
	mu      sync.Mutex
	queries []model.Query
	chans   []chan Outcome
}

func (s *heldSubmitter) Submit(q model.Query) <-chan Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Outcome, 1)
	s.queries = append(s.queries, q)
	s.chans = append(s.chans, ch)
	return ch
}

func (s *heldSubmitter) submitted() []model.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Query(nil), s.queries...)
}

func (s *heldSubmitter) release(from, to int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := from; i < to; i++ {
		s.chans[i] <- epochOutcome(s.queries[i])
	}
}

func newTestFetcher(sub Submitter, balances BalanceFetcher) (*EpochFetcher, *fakeReporter, *fakePublisher) {
	rep := newFakeReporter()
	pub := &fakePublisher{}
	f := NewEpochFetcher(sub, balances, rep, pub, FetcherOptions{
		ContractAddress: "QEARN",
		Contract:        QearnContract{Index: 9},
		MaxEpochs:       53,
		BatchSize:       5,
		SettleDelay:     10 * time.Millisecond,
	})
	f.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return f, rep, pub
}

func TestWindow_Bounds(t *testing.T) {
	for _, floor := range []uint32{0, 1, 100, 138} {
		for current := floor; current < floor+200; current++ {
			count, start := Window(current, floor, 53)
			assert.Equal(t, min(53, int(current-floor)+1), count)
			assert.GreaterOrEqual(t, start, floor)
			assert.Equal(t, current-uint32(count)+1, start)
		}
	}

	count, start := Window(99, 100, 53)
	assert.Zero(t, count)
	assert.Equal(t, uint32(100), start)
}

func TestWindow_Scenario(t *testing.T) {
	count, start := Window(120, 100, 53)
	assert.Equal(t, 21, count)
	assert.Equal(t, uint32(100), start)
}

func TestAggregate_YieldRecurrence(t *testing.T) {
	locks := []*model.LockInfo{
		{YieldPercentage: 100},
		{YieldPercentage: 2},
		{YieldPercentage: 4},
		{YieldPercentage: 6},
	}
	burns := []*model.BurnBoostStats{{}, {}, {}, {}}

	stats := Aggregate(50, locks, burns)
	assert.InDelta(t, 4.0, stats.AverageYieldPercentage, 1e-9)
	assert.Len(t, stats.Epochs, 4)
	assert.Contains(t, stats.Epochs, uint32(47))
}

func TestAggregate_SkipsMissingHalves(t *testing.T) {
	locks := []*model.LockInfo{
		{LockAmount: 1, BonusAmount: 10, CurrentBonusAmount: 100, YieldPercentage: 9},
		nil,
		{LockAmount: 2, BonusAmount: 20, CurrentBonusAmount: 200, YieldPercentage: 4},
		{LockAmount: 3, BonusAmount: 30, CurrentBonusAmount: 300, YieldPercentage: 6},
		{LockAmount: 1000, YieldPercentage: 1000},
	}
	burns := []*model.BurnBoostStats{{}, {}, {}, {}, nil}

	stats := Aggregate(10, locks, burns)
	assert.Equal(t, uint64(6), stats.TotalInitialLockAmount)
	assert.Equal(t, uint64(60), stats.TotalInitialBonusAmount)
	assert.Equal(t, uint64(600), stats.TotalBonusAmount)
	// index 2: (0*1+4)/2 = 2, index 3: (2*2+6)/3
	assert.InDelta(t, 10.0/3.0, stats.AverageYieldPercentage, 1e-9)
	assert.NotContains(t, stats.Epochs, uint32(9))
	assert.NotContains(t, stats.Epochs, uint32(6))
	assert.Zero(t, stats.TotalLockAmount)
}

func TestAggregate_Idempotent(t *testing.T) {
	var locks []*model.LockInfo
	var burns []*model.BurnBoostStats
	for i := 0; i < 10; i++ {
		locks = append(locks, &model.LockInfo{LockAmount: uint64(i), YieldPercentage: float64(i) * 1.7})
		burns = append(burns, &model.BurnBoostStats{BurnAmount: uint64(i)})
	}
	assert.Equal(t, Aggregate(60, locks, burns), Aggregate(60, locks, burns))
}

func TestFetchEpochWindow_AllSucceed(t *testing.T) {
	sub := &contractSubmitter{}
	f, rep, pub := newTestFetcher(sub, &fakeBalances{balance: "987654321"})
	defer f.Close()

	result, err := f.FetchEpochWindow(context.Background(), 120, 100)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, Settled, result.State)
	assert.Equal(t, uint32(100), result.StartEpoch)
	assert.Equal(t, uint32(120), result.EndEpoch)
	assert.Equal(t, 42, result.Total)
	assert.Equal(t, 42, result.Succeeded)
	assert.Zero(t, result.Failed)
	assert.Len(t, sub.queries, 42)

	// epochs 100..120 sum to 2310
	stats := result.Stats
	assert.Equal(t, uint64(2310*1000), stats.TotalInitialLockAmount)
	assert.Equal(t, uint64(2310*10), stats.TotalInitialBonusAmount)
	assert.Equal(t, uint64(2310*5), stats.TotalBonusAmount)
	assert.Equal(t, uint64(987654321), stats.TotalLockAmount)
	assert.Len(t, stats.Epochs, 21)
	assert.Equal(t, uint64(120), stats.Epochs[120].BurnAmount)
	assert.Equal(t, uint64(100*1000), stats.Epochs[100].LockAmount)

	require.Len(t, pub.merged, 1)
	assert.Equal(t, stats, pub.merged[0])
	assert.Empty(t, rep.errs)
	assert.Empty(t, rep.shown)
}

func TestFetchEpochWindow_QueriesNewestFirst(t *testing.T) {
	sub := &contractSubmitter{}
	f, _, _ := newTestFetcher(sub, &fakeBalances{balance: "1"})
	defer f.Close()

	_, err := f.FetchEpochWindow(context.Background(), 7, 0)
	require.NoError(t, err)

	var lockEpochs []uint32
	for _, q := range sub.queries {
		if q.InputType == lockInfoPerEpochInput {
			lockEpochs = append(lockEpochs, queryEpoch(q))
		}
	}
	assert.Equal(t, []uint32{7, 6, 5, 4, 3, 2, 1, 0}, lockEpochs)
}

func TestFetchEpochWindow_PartialFailure(t *testing.T) {
	sub := &contractSubmitter{fail: func(q model.Query, epoch uint32) bool {
		if q.InputType == lockInfoPerEpochInput {
			return epoch >= 116
		}
		return epoch >= 111 && epoch <= 115
	}}
	f, rep, pub := newTestFetcher(sub, &fakeBalances{balance: "5"})
	defer f.Close()

	result, err := f.FetchEpochWindow(context.Background(), 120, 100)
	require.NoError(t, err)

	assert.Equal(t, PartiallyFailed, result.State)
	assert.Equal(t, 10, result.Failed)
	assert.Equal(t, 32, result.Succeeded)
	assert.InDelta(t, 10.0/42.0, result.FailureRate(), 1e-9)
	assert.ErrorIs(t, result.Err(), ErrPartialFailure)

	assert.Len(t, result.Stats.Epochs, 11)
	assert.NotContains(t, result.Stats.Epochs, uint32(111))
	assert.Equal(t, uint64(5), result.Stats.TotalLockAmount)
	require.Len(t, pub.merged, 1)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.errs, 10)
	contexts := map[string]int{}
	for _, e := range rep.errs {
		contexts[e.Context]++
		assert.Equal(t, int64(1700000000000), e.Timestamp)
	}
	assert.Equal(t, map[string]int{"lockInfo": 5, "burnedBoosted": 5}, contexts)
	assert.Contains(t, rep.errs[0].Message, "Failed to fetch lock info for epoch 120")
	assert.Equal(t, []model.FailureSummary{{Failed: 10, Total: 42}}, rep.shown)
}

func TestFetchEpochWindow_AllItemsFail(t *testing.T) {
	sub := &contractSubmitter{fail: func(model.Query, uint32) bool { return true }}
	f, rep, pub := newTestFetcher(sub, &fakeBalances{balance: "5"})
	defer f.Close()

	result, err := f.FetchEpochWindow(context.Background(), 104, 100)
	require.NoError(t, err)
	assert.Equal(t, PartiallyFailed, result.State)
	assert.Equal(t, 1.0, result.FailureRate())
	assert.Empty(t, result.Stats.Epochs)
	require.Len(t, pub.merged, 1)
	assert.Equal(t, []model.FailureSummary{{Failed: 10, Total: 10}}, rep.shown)
}

func TestFetchEpochWindow_BalanceFailureIsTotal(t *testing.T) {
	sub := &contractSubmitter{}
	f, rep, pub := newTestFetcher(sub, &fakeBalances{err: errors.New("connection reset")})
	defer f.Close()

	result, err := f.FetchEpochWindow(context.Background(), 120, 100)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrTotalFailure)
	assert.Contains(t, err.Error(), "connection reset")

	var total *TotalFailureError
	assert.True(t, errors.As(err, &total))

	assert.Empty(t, pub.merged)
	assert.Empty(t, sub.queries)
	require.Len(t, rep.errs, 1)
	assert.Equal(t, "fetchEpochData", rep.errs[0].Context)
	assert.Equal(t, "Critical error in data fetching process", rep.errs[0].Message)
	assert.Len(t, rep.shown, 1)
	assert.False(t, rep.flags[model.LoadingDataFetching])
}

func TestFetchEpochWindow_BadBalanceIsTotal(t *testing.T) {
	f, _, pub := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "lots"})
	defer f.Close()

	_, err := f.FetchEpochWindow(context.Background(), 120, 100)
	assert.ErrorIs(t, err, ErrTotalFailure)
	assert.Empty(t, pub.merged)
}

func TestFetchEpochWindow_ProgressSequence(t *testing.T) {
	f, rep, _ := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "1"})
	defer f.Close()

	_, err := f.FetchEpochWindow(context.Background(), 6, 0)
	require.NoError(t, err)

	rep.mu.Lock()
	got := append([]model.LoadingProgress(nil), rep.progress...)
	rep.mu.Unlock()

	require.GreaterOrEqual(t, len(got), 5)
	assert.Equal(t, model.LoadingProgress{Total: 14, Message: "Fetching epoch data..."}, got[0])
	assert.Equal(t, model.LoadingProgress{Total: 14, Message: "Processing batch 1/2..."}, got[1])
	assert.Equal(t, model.LoadingProgress{Current: 10, Total: 14, Message: "Processing batch 2/2...", Succeeded: 10}, got[2])
	assert.Equal(t, model.LoadingProgress{Current: 14, Total: 14, Message: "Processing results...", Succeeded: 14}, got[3])
	assert.Equal(t, model.LoadingProgress{Current: 14, Total: 14, Message: "Loading completed successfully", Succeeded: 14}, got[4])

	require.Eventually(t, func() bool {
		return rep.lastProgress() == model.LoadingProgress{}
	}, time.Second, 5*time.Millisecond)
}

func TestFetchEpochWindow_LoadingFlags(t *testing.T) {
	gate := make(chan struct{})
	f, rep, _ := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "1", gate: gate})
	defer f.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.FetchEpochWindow(context.Background(), 3, 0)
	}()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return rep.flags[model.LoadingDataFetching]
	}, time.Second, time.Millisecond)
	rep.mu.Lock()
	assert.True(t, rep.flags[model.LoadingInitial])
	assert.True(t, rep.flags[model.LoadingEpochData])
	rep.mu.Unlock()

	close(gate)
	<-done

	rep.mu.Lock()
	assert.False(t, rep.flags[model.LoadingInitial])
	assert.False(t, rep.flags[model.LoadingEpochData])
	assert.False(t, rep.flags[model.LoadingDataFetching])
	rep.mu.Unlock()

	// a second fetch is no longer the initial load
	_, err := f.FetchEpochWindow(context.Background(), 3, 0)
	require.NoError(t, err)
	assert.True(t, f.hasInitialLoad)
}

func TestFetchEpochWindow_NotReentrant(t *testing.T) {
	gate := make(chan struct{})
	f, rep, _ := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "1", gate: gate})
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		_, err := f.FetchEpochWindow(context.Background(), 10, 0)
		done <- err
	}()

	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return rep.flags[model.LoadingDataFetching]
	}, time.Second, time.Millisecond)
	_, err := f.FetchEpochWindow(context.Background(), 11, 0)
	assert.ErrorIs(t, err, ErrFetchInProgress)

	close(gate)
	require.NoError(t, <-done)

	_, err = f.FetchEpochWindow(context.Background(), 11, 0)
	assert.NoError(t, err)
}

func TestFetchEpochWindow_SettleResetSuperseded(t *testing.T) {
	gate := make(chan struct{})
	balances := &fakeBalances{balance: "1"}
	f, rep, _ := newTestFetcher(&contractSubmitter{}, balances)
	f.opts.SettleDelay = time.Hour
	defer f.Close()

	_, err := f.FetchEpochWindow(context.Background(), 2, 0)
	require.NoError(t, err)

	f.settleMu.Lock()
	firstGen := f.settleGen
	require.NotNil(t, f.settleTimer)
	f.settleMu.Unlock()

	// start another fetch and hold it open
	balances.gate = gate
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.FetchEpochWindow(context.Background(), 2, 0)
	}()
	require.Eventually(t, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return rep.flags[model.LoadingDataFetching]
	}, time.Second, time.Millisecond)

	f.settleMu.Lock()
	assert.Nil(t, f.settleTimer, "pending reset is stopped")
	assert.Greater(t, f.settleGen, firstGen, "stale reset can no longer match")
	f.settleMu.Unlock()
	assert.NotEqual(t, model.LoadingProgress{}, rep.lastProgress())

	close(gate)
	<-done
}

func TestFetchEpochWindow_PausesBetweenBatchesOnly(t *testing.T) {
	f, _, _ := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "1"})
	f.opts.BatchDelay = DefaultEpochBatchDelay
	defer f.Close()

	var delays []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	// 21 epochs in batches of 5
	_, err := f.FetchEpochWindow(context.Background(), 120, 100)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond}, delays)

	// a single batch never pauses
	delays = nil
	_, err = f.FetchEpochWindow(context.Background(), 104, 100)
	require.NoError(t, err)
	assert.Empty(t, delays)
}

func TestFetchEpochWindow_NextBatchWaitsForAllOutcomes(t *testing.T) {
	sub := &heldSubmitter{}
	f, _, pub := newTestFetcher(sub, &fakeBalances{balance: "1"})
	defer f.Close()

	done := make(chan error, 1)
	go func() {
		_, err := f.FetchEpochWindow(context.Background(), 9, 0)
		done <- err
	}()

	require.Eventually(t, func() bool { return len(sub.submitted()) == 10 }, time.Second, time.Millisecond)

	first := sub.submitted()
	for i, q := range first {
		if i < 5 {
			assert.Equal(t, uint32(lockInfoPerEpochInput), q.InputType, "query %d", i)
			assert.Equal(t, uint32(9-i), queryEpoch(q))
		} else {
			assert.Equal(t, uint32(burnBoostStatsPerEpochInput), q.InputType, "query %d", i)
			assert.Equal(t, uint32(9-(i-5)), queryEpoch(q))
		}
	}

	// all but one outcome of batch 1 settled
	sub.release(0, 9)
	require.Never(t, func() bool { return len(sub.submitted()) > 10 }, 50*time.Millisecond, 5*time.Millisecond)

	sub.release(9, 10)
	require.Eventually(t, func() bool { return len(sub.submitted()) == 20 }, time.Second, time.Millisecond)
	for _, q := range sub.submitted()[10:] {
		assert.Less(t, queryEpoch(q), uint32(5))
	}

	sub.release(10, 20)
	require.NoError(t, <-done)
	require.Len(t, pub.merged, 1)
	assert.Len(t, pub.merged[0].Epochs, 10)
}

func TestFetchEpochWindow_CanceledIsNotReported(t *testing.T) {
	f, rep, pub := newTestFetcher(&contractSubmitter{}, &fakeBalances{balance: "1"})
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.FetchEpochWindow(ctx, 20, 0)
	assert.ErrorIs(t, err, ErrTotalFailure)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.merged)

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Empty(t, rep.errs)
	assert.Empty(t, rep.shown)
	assert.False(t, rep.flags[model.LoadingDataFetching])
}

func TestFetchEpochWindow_ContextCanceled(t *testing.T) {
	sub := &contractSubmitter{}
	f, _, pub := newTestFetcher(sub, &fakeBalances{balance: "1"})
	f.opts.BatchDelay = time.Second
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.FetchEpochWindow(ctx, 20, 0)
	assert.ErrorIs(t, err, ErrTotalFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, pub.merged)
}

func TestFetchEpochWindow_ThroughScheduler(t *testing.T) {
	transport := &scriptedTransport{}
	caller := NewRetryingCaller(transport, 3, time.Millisecond)
	scheduler := NewScheduler(caller, SchedulerOptions{BatchSize: 5, BatchDelay: time.Millisecond})
	defer scheduler.Close()

	f, _, pub := newTestFetcher(scheduler, &fakeBalances{balance: "1"})
	defer f.Close()

	result, err := f.FetchEpochWindow(context.Background(), 12, 10)
	require.NoError(t, err)

	// the scripted transport answers "ok", which is not valid base64 contract data
	assert.Equal(t, 6, result.Total)
	assert.Equal(t, 6, result.Failed)
	assert.Equal(t, uint64(6), scheduler.Stats().SuccessfulRequests)
	require.Len(t, pub.merged, 1)
}

package store

import (
	"sync"
	"time"

	"go-qearn-stats/model"
)

const (
	recentErrorWindow = 10 * time.Second
	errorRetention    = 5 * time.Minute
)

/*
ClassifyFailureRate maps the share of failed requests to a notification tier.
More than half failing usually means the endpoint is throttling us.
*/
func ClassifyFailureRate(rate float64) (model.NotificationTier, string, time.Duration) {
	switch {
	case rate > 0.5:
		return model.TierRateLimited, "Rate limit exceeded. Please try again in 1-2 minutes.", 8 * time.Second
	case rate > 0.1:
		return model.TierPartial, "Some data could not be loaded. Showing available information.", 6 * time.Second
	default:
		return model.TierMinor, "Minor connection issues detected. Data may be incomplete.", 4 * time.Second
	}
}

// LoadingStore holds the loading flags, progress and fetch errors reported by the fetcher and watcher.
type LoadingStore struct {
	mu      sync.Mutex
	state   model.LoadingState
	summary model.FailureSummary
	now     func() time.Time
}

func NewLoadingStore() *LoadingStore {
	return &LoadingStore{
		state: model.LoadingState{IsInitialLoading: true},
		now:   time.Now,
	}
}

func (s *LoadingStore) ReportProgress(progress model.LoadingProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LoadingProgress = progress
}

func (s *LoadingStore) ReportError(fetchErr model.FetchError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	s.state.FetchErrors = append(s.state.FetchErrors, fetchErr)
}

func (s *LoadingStore) ShowErrors(summary model.FailureSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ShouldShowErrors = true
	s.summary = summary
}

func (s *LoadingStore) SetLoading(flag model.LoadingFlag, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch flag {
	case model.LoadingInitial:
		s.state.IsInitialLoading = on
	case model.LoadingDataFetching:
		s.state.IsDataFetching = on
	case model.LoadingEpochData:
		s.state.IsEpochDataLoading = on
	case model.LoadingTickInfo:
		s.state.IsTickInfoLoading = on
	}
}

func (s *LoadingStore) Snapshot() model.LoadingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.FetchErrors = append([]model.FetchError(nil), s.state.FetchErrors...)
	return snap
}

/*
TakeNotification returns the pending notification, if any, and clears it.
A notification is pending when errors were flagged for display and at least
one error happened within the last 10 seconds. The failure rate comes from
the flagged window summary, then the current progress, then the recent error
count. Errors older than 5 minutes are dropped once the notification is taken.
*/
func (s *LoadingStore) TakeNotification(now time.Time) (*model.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.ShouldShowErrors || len(s.state.FetchErrors) == 0 {
		return nil, false
	}
	recent := 0
	for _, e := range s.state.FetchErrors {
		if now.UnixMilli()-e.Timestamp < recentErrorWindow.Milliseconds() {
			recent++
		}
	}
	if recent == 0 {
		return nil, false
	}

	total, failed := s.summary.Total, s.summary.Failed
	if total == 0 {
		total, failed = s.state.LoadingProgress.Total, s.state.LoadingProgress.Failed
	}
	if total == 0 {
		total = recent
	}
	if failed == 0 {
		failed = recent
	}
	rate := float64(failed) / float64(total)

	tier, message, duration := ClassifyFailureRate(rate)
	s.state.ShouldShowErrors = false
	s.summary = model.FailureSummary{}
	s.pruneLocked(now)

	return &model.Notification{
		Tier:        tier,
		Message:     message,
		DurationMs:  duration.Milliseconds(),
		FailureRate: rate,
		ErrorCount:  recent,
	}, true
}

func (s *LoadingStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-errorRetention).UnixMilli()
	kept := s.state.FetchErrors[:0]
	for _, e := range s.state.FetchErrors {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	s.state.FetchErrors = kept
}

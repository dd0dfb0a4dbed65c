package store

import (
	"sync"

	"go-qearn-stats/model"
)

// StatsStore keeps the last published aggregate. Totals are replaced on merge,
// per-epoch records accumulate across windows.
type StatsStore struct {
	mu      sync.RWMutex
	stats   model.AggregateStats
	updated bool
}

func NewStatsStore() *StatsStore {
	return &StatsStore{stats: model.AggregateStats{Epochs: make(map[uint32]model.EpochRecord)}}
}

func (s *StatsStore) MergeStats(next model.AggregateStats) {
	s.mu.Lock()
	defer s.mu.Unlock()

	epochs := make(map[uint32]model.EpochRecord, len(s.stats.Epochs)+len(next.Epochs))
	for epoch, rec := range s.stats.Epochs {
		epochs[epoch] = rec
	}
	for epoch, rec := range next.Epochs {
		epochs[epoch] = rec
	}
	next.Epochs = epochs
	s.stats = next
	s.updated = true
}

// Snapshot returns a copy of the stats and whether any window has been merged yet.
func (s *StatsStore) Snapshot() (model.AggregateStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.stats
	snap.Epochs = make(map[uint32]model.EpochRecord, len(s.stats.Epochs))
	for epoch, rec := range s.stats.Epochs {
		snap.Epochs[epoch] = rec
	}
	return snap, s.updated
}

func (s *StatsStore) Epoch(epoch uint32) (model.EpochRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.stats.Epochs[epoch]
	return rec, ok
}

package store

import (
	"sync"

	"go-qearn-stats/model"
)

type TickStore struct {
	mu     sync.RWMutex
	tick   *model.TickInfo
	latest *model.LatestStats
}

func NewTickStore() *TickStore {
	return &TickStore{}
}

func (s *TickStore) SetTickInfo(tick model.TickInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick = &tick
}

func (s *TickStore) SetLatestStats(stats model.LatestStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &stats
}

func (s *TickStore) TickInfo() (model.TickInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tick == nil {
		return model.TickInfo{}, false
	}
	return *s.tick, true
}

func (s *TickStore) LatestStats() (model.LatestStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return model.LatestStats{}, false
	}
	return *s.latest, true
}

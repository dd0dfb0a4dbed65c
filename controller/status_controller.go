package controller

import (
	"net/http"
	"time"

	"go-qearn-stats/model"
)

type LoadingReader interface {
	Snapshot() model.LoadingState
	TakeNotification(now time.Time) (*model.Notification, bool)
}

type QueryStatsReader interface {
	Stats() model.QueryStats
}

type TickReader interface {
	TickInfo() (model.TickInfo, bool)
	LatestStats() (model.LatestStats, bool)
}

type tickInfoResponse struct {
	TickInfo    model.TickInfo     `json:"tickInfo"`
	LatestStats *model.LatestStats `json:"latestStats,omitempty"`
}

// StatusController serves loading progress, notifications, queue counters and tick info.
type StatusController struct {
	loading LoadingReader
	queue   QueryStatsReader
	ticks   TickReader
	now     func() time.Time
}

func NewStatusController(loading LoadingReader, queue QueryStatsReader, ticks TickReader) *StatusController {
	return &StatusController{
		loading: loading,
		queue:   queue,
		ticks:   ticks,
		now:     time.Now,
	}
}

func (c *StatusController) GetLoading(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, c.loading.Snapshot())
}

/*
This handler hands out the pending error notification once.
When nothing is pending it answers 204 No Content.
*/
func (c *StatusController) GetNotification(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	n, ok := c.loading.TakeNotification(c.now())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (c *StatusController) GetQueryStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, c.queue.Stats())
}

func (c *StatusController) GetTickInfo(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	tick, ok := c.ticks.TickInfo()
	if !ok {
		http.Error(w, "tick info is not loaded yet", http.StatusServiceUnavailable)
		return
	}
	resp := tickInfoResponse{TickInfo: tick}
	if latest, ok := c.ticks.LatestStats(); ok {
		resp.LatestStats = &latest
	}
	writeJSON(w, http.StatusOK, resp)
}

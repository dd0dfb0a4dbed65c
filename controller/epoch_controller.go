package controller

import (
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"go-qearn-stats/logger"
	"go-qearn-stats/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type StatsReader interface {
	Snapshot() (model.AggregateStats, bool)
	Epoch(epoch uint32) (model.EpochRecord, bool)
}

type EpochController struct {
	stats StatsReader
}

func NewEpochController(stats StatsReader) *EpochController {
	return &EpochController{
		stats: stats,
	}
}

/*
This handler returns the aggregated staking stats as json.
With ?epoch=N only that epoch's record is returned.
*/
func (c *EpochController) GetStats(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	queryParams := r.URL.Query()
	if len(queryParams) > 1 {
		http.Error(w, "Pass only one attribute for filtering", http.StatusBadRequest)
		return
	}

	if raw := queryParams.Get("epoch"); raw != "" {
		epoch, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			http.Error(w, "epoch must be a non-negative integer", http.StatusBadRequest)
			return
		}
		record, ok := c.stats.Epoch(uint32(epoch))
		if !ok {
			http.Error(w, "no data for epoch "+raw, http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
		return
	}
	if len(queryParams) == 1 {
		http.Error(w, "Only the epoch attribute is supported for filtering", http.StatusBadRequest)
		return
	}

	stats, ok := c.stats.Snapshot()
	if !ok {
		http.Error(w, "stats are not loaded yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet {
		return true
	}
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		handleInternalServerError(errors.Wrap(err, "encode response"), w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logger.LogError(err)
	}
}

func handleInternalServerError(err error, w http.ResponseWriter) {
	if err != nil {
		logger.LogError(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

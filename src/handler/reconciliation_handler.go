package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	logger "github.com/sirupsen/logrus"

	"statereconciler/src/reconciler"
)

type reportProvider interface {
	LastReport() *reconciler.Report
}

type lockPruner interface {
	PruneReleased(ctx context.Context, before time.Time) (int64, error)
}

// ReconciliationReportHandler returns the most recent reconciliation
// pass report for the bot, or 404 before the first pass has finished.
func ReconciliationReportHandler(engine reportProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := engine.LastReport()
		if report == nil {
			http.Error(w, "no reconciliation pass completed yet", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.WithError(err).Error("Failed to encode reconciliation report")
		}
	}
}

// PruneLocksHandler removes released lock rows older than the
// olderThan query parameter (RFC3339 duration-less cutoff; defaults to
// 24h ago).
func PruneLocksHandler(repo lockPruner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		before := time.Now().Add(-24 * time.Hour)
		if param := r.URL.Query().Get("before"); param != "" {
			parsed, err := time.Parse(time.RFC3339, param)
			if err != nil {
				http.Error(w, "invalid before", http.StatusBadRequest)
				return
			}
			before = parsed
		}

		pruned, err := repo.PruneReleased(r.Context(), before)
		if err != nil {
			logger.WithError(err).Error("Failed to prune released locks")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]int64{"pruned": pruned}); err != nil {
			logger.WithError(err).Error("Failed to encode prune response")
		}
	}
}

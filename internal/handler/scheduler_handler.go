package handler

import (
	"net/http"
	"time"

	"github.com/hitoshi/kakeibo/internal/scheduler"
)

// SchedulerMetricsProvider はスケジューラー発火統計の参照・リセットを提供する。
type SchedulerMetricsProvider interface {
	Metrics() scheduler.FireMetrics
	ResetMetrics()
}

// SchedulerHandler はスケジューラー統計のHTTPハンドラー。
type SchedulerHandler struct {
	provider SchedulerMetricsProvider
}

// NewSchedulerHandler はSchedulerHandlerを生成する。
func NewSchedulerHandler(provider SchedulerMetricsProvider) *SchedulerHandler {
	return &SchedulerHandler{provider: provider}
}

// fireMetricsResponse は発火統計のAPIレスポンス。
type fireMetricsResponse struct {
	TotalFires        int64      `json:"total_fires"`
	SuccessfulFires   int64      `json:"successful_fires"`
	FailedFires       int64      `json:"failed_fires"`
	AverageDurationMs int64      `json:"average_duration_ms"`
	LastFireAt        *time.Time `json:"last_fire_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt     *time.Time `json:"last_failure_at,omitempty"`
}

// GetMetrics はスケジューラー発火統計を返す。
// GET /api/sync/scheduler/metrics
func (h *SchedulerHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	m := h.provider.Metrics()
	writeJSON(w, http.StatusOK, fireMetricsResponse{
		TotalFires:        m.TotalFires,
		SuccessfulFires:   m.SuccessfulFires,
		FailedFires:       m.FailedFires,
		AverageDurationMs: m.AverageDuration.Milliseconds(),
		LastFireAt:        m.LastFireAt,
		LastSuccessAt:     m.LastSuccessAt,
		LastFailureAt:     m.LastFailureAt,
	})
}

// ResetMetrics はスケジューラー発火統計をゼロに戻す。
// POST /api/sync/scheduler/metrics/reset
func (h *SchedulerHandler) ResetMetrics(w http.ResponseWriter, r *http.Request) {
	h.provider.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}

// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレータやスケジューラから利用する。
type MetricsCollector interface {
	RecordLegSuccess(institutionID string)
	RecordLegFailure(institutionID string, reason string)
	RecordLegLatency(duration time.Duration)
	RecordBatchOutcome(status string)
	RecordRecords(fetched, newRecords, duplicates int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	legSuccess   prometheus.Counter
	legFail      prometheus.Counter
	legLatency   prometheus.Histogram
	batchOutcome *prometheus.CounterVec
	recordsTotal *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		legSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakeibo_sync_leg_success_total",
			Help: "金融機関レッグ同期成功の合計数",
		}),
		legFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kakeibo_sync_leg_fail_total",
			Help: "金融機関レッグ同期失敗の合計数",
		}),
		legLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kakeibo_sync_leg_latency_seconds",
			Help:    "金融機関レッグ同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		batchOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kakeibo_sync_batch_outcome_total",
			Help: "バッチ同期の終了状態別の合計数",
		}, []string{"status"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kakeibo_sync_records_total",
			Help: "同期で処理した取引レコードの種別ごとの合計数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.legSuccess,
		c.legFail,
		c.legLatency,
		c.batchOutcome,
		c.recordsTotal,
	)

	return c
}

// RecordLegSuccess はレッグ同期成功を記録する。
func (c *Collector) RecordLegSuccess(institutionID string) {
	c.legSuccess.Inc()
}

// RecordLegFailure はレッグ同期失敗を記録する。
func (c *Collector) RecordLegFailure(institutionID string, reason string) {
	c.legFail.Inc()
}

// RecordLegLatency はレッグ同期のレイテンシを記録する。
func (c *Collector) RecordLegLatency(duration time.Duration) {
	c.legLatency.Observe(duration.Seconds())
}

// RecordBatchOutcome はバッチ同期の終了状態を記録する。
func (c *Collector) RecordBatchOutcome(status string) {
	c.batchOutcome.WithLabelValues(status).Inc()
}

// RecordRecords は取得・新規・重複のレコード数を記録する。
func (c *Collector) RecordRecords(fetched, newRecords, duplicates int) {
	c.recordsTotal.WithLabelValues("fetched").Add(float64(fetched))
	c.recordsTotal.WithLabelValues("new").Add(float64(newRecords))
	c.recordsTotal.WithLabelValues("duplicate").Add(float64(duplicates))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/kakeibo/internal/metrics"
	"github.com/hitoshi/kakeibo/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 同期実行
	SyncService SyncServiceInterface

	// 同期設定
	SettingsService SettingsServiceInterface

	// スケジューラー統計
	SchedulerMetrics SchedulerMetricsProvider

	// Prometheusメトリクス
	Gatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	syncHandler := NewSyncHandler(deps.SyncService)
	settingsHandler := NewSettingsHandler(deps.SettingsService)
	schedulerHandler := NewSchedulerHandler(deps.SchedulerMetrics)

	// --- レート制限の外のルート ---

	// ヘルスチェック
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Prometheusスクレイプ
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- レート制限付きのAPIルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/sync", func(r chi.Router) {
			// POST /api/sync/run - 手動同期トリガー（専用レート制限を追加）
			r.With(deps.RateLimiter.SyncTriggerMiddleware()).Post("/run", syncHandler.StartSync)

			r.Get("/status", syncHandler.GetStatus)
			r.Get("/history", syncHandler.GetHistory)

			// 同期実行の参照・キャンセル
			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", syncHandler.GetRun)
				r.Post("/cancel", syncHandler.CancelRun)
			})

			// スケジューラー発火統計
			r.Route("/scheduler/metrics", func(r chi.Router) {
				r.Get("/", schedulerHandler.GetMetrics)
				r.Post("/reset", schedulerHandler.ResetMetrics)
			})

			// 同期設定
			r.Route("/settings", func(r chi.Router) {
				r.Get("/", settingsHandler.GetGlobalSettings)
				r.Put("/", settingsHandler.UpdateGlobalSettings)

				r.Route("/institutions", func(r chi.Router) {
					r.Get("/", settingsHandler.ListInstitutionSettings)

					r.Route("/{institutionID}", func(r chi.Router) {
						r.Get("/", settingsHandler.GetInstitutionSettings)
						r.Put("/", settingsHandler.UpdateInstitutionSettings)
						r.Delete("/", settingsHandler.DeleteInstitutionSettings)
						r.Post("/reset-errors", settingsHandler.ResetInstitutionErrors)
					})
				})
			})
		})
	})

	return r
}

package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/kakeibo/internal/config"
	"github.com/hitoshi/kakeibo/internal/database"
	"github.com/hitoshi/kakeibo/internal/handler"
	"github.com/hitoshi/kakeibo/internal/logger"
	"github.com/hitoshi/kakeibo/internal/metrics"
	"github.com/hitoshi/kakeibo/internal/middleware"
	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
	"github.com/hitoshi/kakeibo/internal/scheduler"
	"github.com/hitoshi/kakeibo/internal/settings"
	"github.com/hitoshi/kakeibo/internal/syncer"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// components は組み立て済みの依存グラフを保持する。
type components struct {
	db              *sql.DB
	registry        prometheus.Gatherer
	syncService     *syncer.Service
	settingsService *settings.Service
	scheduler       *scheduler.Scheduler
	triggerRegistry *scheduler.CronTriggerRegistry
}

// buildComponents はDB接続済みの状態から全コンポーネントをワイヤリングする。
// スケジューラーは同期サービス経由で設定サービスに依存するため、
// 設定サービスのスケジュール再適用先は最後にSetPusherで接続する。
func buildComponents(cfg *config.Config, db *sql.DB) *components {
	log := slog.Default()

	// 1. リポジトリの初期化
	instRepo := repository.NewPostgresInstitutionRepo(db)
	runRepo := repository.NewPostgresSyncRunRepo(db)
	configRepo := repository.NewPostgresSyncConfigRepo(db)
	txRepo := repository.NewPostgresTransactionRepo(db)

	// 2. Prometheusメトリクス
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 3. 設定サービス（スケジュール再適用先は後から接続）
	settingsService := settings.NewService(
		configRepo, instRepo, nil, scheduler.ValidateExpression, log,
	)

	// 4. コネクタの初期化
	// アグリゲータへの呼び出しは金融機関種別ごとにレート制限をかける
	httpClient := &http.Client{Timeout: cfg.AggregatorTimeout}
	aggregator := syncer.NewAggregatorConnector(httpClient, log, cfg.AggregatorBaseURL, cfg.AggregatorAPIKey)

	connectors := syncer.NewConnectorRegistry()
	for _, instType := range []model.InstitutionType{
		model.InstitutionTypeBank,
		model.InstitutionTypeCard,
		model.InstitutionTypeSecurities,
	} {
		connectors.Register(instType, syncer.NewRateLimitedConnector(aggregator, cfg.SyncRateLimit, cfg.SyncRateBurst))
	}

	// 5. オーケストレーターと同期サービス
	strategy := syncer.NewStrategy(time.Now)
	orchestrator := syncer.NewOrchestrator(
		runRepo, txRepo, connectors, strategy, settingsService,
		collector, log, cfg.SyncBatchWidth, cfg.SyncLegTimeout,
	)
	syncService := syncer.NewService(instRepo, runRepo, orchestrator, settingsService, log)

	// 6. スケジューラー
	triggerRegistry := scheduler.NewCronTriggerRegistry()
	sched := scheduler.NewScheduler(triggerRegistry, syncService, log, cfg.SyncTimezone)
	settingsService.SetPusher(sched)

	return &components{
		db:              db,
		registry:        promRegistry,
		syncService:     syncService,
		settingsService: settingsService,
		scheduler:       sched,
		triggerRegistry: triggerRegistry,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、スケジューラーとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	comps := buildComponents(cfg, db)
	defer comps.triggerRegistry.Stop()

	// 2. 永続化済み設定からスケジュールを復元
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := comps.settingsService.ApplyAllSchedules(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to apply schedules: %w", err)
	}
	cancel()

	// 3. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		// configのRateLimitGeneralはreq/min単位なのでreq/secに変換する
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:      slog.Default(),
		RateLimiter: rateLimiter,

		SyncService:      comps.syncService,
		SettingsService:  comps.settingsService,
		SchedulerMetrics: comps.scheduler,

		Gatherer: comps.registry,
	}

	router := handler.NewRouter(deps)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はスケジューラー専用モードで起動する。
// HTTPサーバーを立てず、永続化済み設定からスケジュールを復元してcronを回す。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	comps := buildComponents(cfg, db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := comps.settingsService.ApplyAllSchedules(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to apply schedules: %w", err)
	}
	cancel()

	slog.Info("worker starting",
		slog.String("timezone", cfg.SyncTimezone),
		slog.Int("batch_width", cfg.SyncBatchWidth),
	)

	// シグナルを受けるまでcronに任せてブロックする
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down worker...")
	comps.triggerRegistry.Stop()

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

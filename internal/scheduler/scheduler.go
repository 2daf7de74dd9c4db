package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
)

// globalScheduleKey はグローバルスケジュールのトリガーキー。
const globalScheduleKey = "global"

// SyncRunner はスケジュール発火時の同期実行インターフェース。
// syncer.Serviceが実装する。
type SyncRunner interface {
	// RunGlobalSync は全金融機関のバッチ同期を実行する。
	RunGlobalSync(ctx context.Context) error
	// RunInstitutionSync は1金融機関の同期を実行する。
	RunInstitutionSync(ctx context.Context, institutionID string) error
}

// FireMetrics はスケジュール発火の読み取り専用メトリクスのスナップショット。
type FireMetrics struct {
	TotalFires      int64
	SuccessfulFires int64
	FailedFires     int64
	AverageDuration time.Duration
	LastFireAt      *time.Time
	LastSuccessAt   *time.Time
	LastFailureAt   *time.Time
}

// Scheduler は同期スケジュールのトリガー集合を管理する。
// グローバル1件と金融機関ごとの上書き0件以上を保持し、
// 設定変更のたびにトリガー式を再計算して置換する。
type Scheduler struct {
	registry TriggerRegistry
	runner   SyncRunner
	logger   *slog.Logger
	timezone string
	now      func() time.Time

	// 発火メトリクス。Resetでゼロクリアし、それ以外は発火ごとに単調に更新する。
	mu            sync.Mutex
	totalFires    int64
	successFires  int64
	failedFires   int64
	totalDuration time.Duration
	lastFireAt    *time.Time
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// timezoneはIANAタイムゾーン名（例: "Asia/Tokyo"）。
func NewScheduler(registry TriggerRegistry, runner SyncRunner, logger *slog.Logger, timezone string) *Scheduler {
	return &Scheduler{
		registry: registry,
		runner:   runner,
		logger:   logger,
		timezone: timezone,
		now:      time.Now,
	}
}

// ApplyGlobalSchedule はグローバル設定からトリガー式を導出して登録する。
// manual（式なし）の場合は既存トリガーを削除し、新規登録は行わない。
// 登録は常に置換セマンティクスで、同一キーの重複発火は発生しない。
func (s *Scheduler) ApplyGlobalSchedule(cfg *model.SyncConfiguration) error {
	expression, ok, err := cfg.DefaultInterval.ToTriggerExpression()
	if err != nil {
		return err
	}
	if !ok {
		removed := s.registry.Cancel(globalScheduleKey)
		s.logger.Info("グローバルスケジュールを解除しました",
			slog.Bool("removed", removed),
		)
		return nil
	}

	quietHours := cfg.QuietHours
	err = s.registry.Register(globalScheduleKey, expression, s.timezone, func() {
		s.fire(globalScheduleKey, quietHours, func(ctx context.Context) error {
			return s.runner.RunGlobalSync(ctx)
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("グローバルスケジュールを登録しました",
		slog.String("expression", expression),
		slog.String("timezone", s.timezone),
	)
	return nil
}

// ApplyInstitutionSchedule は金融機関別のトリガーを登録する。
// 無効化されている、または実効間隔がmanualの場合は既存トリガーの削除のみ行う。
// グローバルトリガーとは独立に置換される。
func (s *Scheduler) ApplyInstitutionSchedule(
	institutionID string,
	cfg *model.InstitutionSyncConfiguration,
	globalDefault model.IntervalPolicy,
	quietHours model.QuietHours,
) error {
	if !cfg.Enabled {
		s.RemoveInstitutionSchedule(institutionID)
		return nil
	}

	interval := cfg.EffectiveInterval(globalDefault)
	expression, ok, err := interval.ToTriggerExpression()
	if err != nil {
		return err
	}
	if !ok {
		s.RemoveInstitutionSchedule(institutionID)
		return nil
	}

	err = s.registry.Register(institutionID, expression, s.timezone, func() {
		s.fire(institutionID, quietHours, func(ctx context.Context) error {
			return s.runner.RunInstitutionSync(ctx, institutionID)
		})
	})
	if err != nil {
		return err
	}

	s.logger.Info("金融機関スケジュールを登録しました",
		slog.String("institution_id", institutionID),
		slog.String("expression", expression),
	)
	return nil
}

// RemoveInstitutionSchedule は金融機関別トリガーを削除する。
func (s *Scheduler) RemoveInstitutionSchedule(institutionID string) {
	if s.registry.Cancel(institutionID) {
		s.logger.Info("金融機関スケジュールを解除しました",
			slog.String("institution_id", institutionID),
		)
	}
}

// fire はトリガー発火時の同期実行とメトリクス記録を行う。
// 静音時間帯の発火は同期を実行せずスキップする。
func (s *Scheduler) fire(key string, quietHours model.QuietHours, run func(ctx context.Context) error) {
	now := s.now()
	if quietHours.Contains(now) {
		s.logger.Info("静音時間帯のためスケジュール同期をスキップしました",
			slog.String("key", key),
			slog.String("quiet_start", quietHours.Start),
			slog.String("quiet_end", quietHours.End),
		)
		return
	}

	s.logger.Info("スケジュール同期を発火します",
		slog.String("key", key),
	)

	start := s.now()
	err := run(context.Background())
	duration := s.now().Sub(start)

	s.recordFire(start, duration, err)

	if err != nil {
		s.logger.Error("スケジュール同期が失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return
	}
	s.logger.Info("スケジュール同期が完了しました",
		slog.String("key", key),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// recordFire は発火メトリクスを更新する。
func (s *Scheduler) recordFire(firedAt time.Time, duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalFires++
	s.totalDuration += duration
	t := firedAt
	s.lastFireAt = &t

	if err != nil {
		s.failedFires++
		s.lastFailureAt = &t
	} else {
		s.successFires++
		s.lastSuccessAt = &t
	}
}

// Metrics は発火メトリクスのスナップショットを返す。
func (s *Scheduler) Metrics() FireMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := FireMetrics{
		TotalFires:      s.totalFires,
		SuccessfulFires: s.successFires,
		FailedFires:     s.failedFires,
		LastFireAt:      copyTime(s.lastFireAt),
		LastSuccessAt:   copyTime(s.lastSuccessAt),
		LastFailureAt:   copyTime(s.lastFailureAt),
	}
	if s.totalFires > 0 {
		m.AverageDuration = s.totalDuration / time.Duration(s.totalFires)
	}
	return m
}

// ResetMetrics は発火メトリクスをゼロクリアする。
func (s *Scheduler) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalFires = 0
	s.successFires = 0
	s.failedFires = 0
	s.totalDuration = 0
	s.lastFireAt = nil
	s.lastSuccessAt = nil
	s.lastFailureAt = nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Package settings は同期設定（グローバル・金融機関別）の管理を提供する。
// 書き込み透過のインメモリキャッシュとスケジュール再計算の連動を含む。
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
)

// SchedulePusher は設定変更時のスケジュール再適用インターフェース。
// scheduler.Schedulerが実装する。
type SchedulePusher interface {
	ApplyGlobalSchedule(cfg *model.SyncConfiguration) error
	ApplyInstitutionSchedule(institutionID string, cfg *model.InstitutionSyncConfiguration, globalDefault model.IntervalPolicy, quietHours model.QuietHours) error
	RemoveInstitutionSchedule(institutionID string)
}

// ExpressionValidator はカスタムcron式の構文検証関数。
// scheduler.ValidateExpressionを注入する。
type ExpressionValidator func(expression string) error

// Service は同期設定の取得・更新を提供する。
// 読み取りはキャッシュを単一の真実として扱い、書き込みは必ずキャッシュを更新してから返る。
// キャッシュミス時はストアから再取得してキャッシュを埋める。
type Service struct {
	store        repository.SyncConfigurationStore
	directory    repository.InstitutionDirectory
	pusher       SchedulePusher
	validateExpr ExpressionValidator
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.RWMutex
	globalCache *model.SyncConfiguration
	instCache   map[string]*model.InstitutionSyncConfiguration
}

// NewService はServiceの新しいインスタンスを生成する。
// pusherがnilの場合はスケジュール再適用を行わない（テスト用）。
func NewService(
	store repository.SyncConfigurationStore,
	directory repository.InstitutionDirectory,
	pusher SchedulePusher,
	validateExpr ExpressionValidator,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:        store,
		directory:    directory,
		pusher:       pusher,
		validateExpr: validateExpr,
		logger:       logger,
		now:          time.Now,
		instCache:    make(map[string]*model.InstitutionSyncConfiguration),
	}
}

// SetPusher はスケジュール再適用先を後から設定する。
// スケジューラーは同期サービス経由で本サービスに依存するため、
// 起動時の組み立てでは全コンポーネント生成後にこのメソッドで接続する。
func (s *Service) SetPusher(pusher SchedulePusher) {
	s.pusher = pusher
}

// GetGlobal はグローバル同期設定を返す。
// 未永続化の場合は既定値のインスタンスを生成・保存して返す（遅延生成）。
func (s *Service) GetGlobal(ctx context.Context) (*model.SyncConfiguration, error) {
	s.mu.RLock()
	cached := s.globalCache
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	cfg, err := s.store.FindGlobal(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = model.DefaultSyncConfiguration(uuid.NewString(), s.now())
		if err := s.store.SaveGlobal(ctx, cfg); err != nil {
			return nil, fmt.Errorf("既定のグローバル同期設定の保存に失敗しました: %w", err)
		}
		s.logger.Info("グローバル同期設定を既定値で生成しました",
			slog.String("config_id", cfg.ID),
		)
	}

	s.mu.Lock()
	s.globalCache = cfg
	s.mu.Unlock()
	return cfg, nil
}

// UpdateGlobalInterval は既定間隔を更新し、全スケジュールを再適用する。
// カスタムcron式が指定されている場合は構文を検証してから受け入れる。
func (s *Service) UpdateGlobalInterval(ctx context.Context, interval model.IntervalPolicy) (*model.SyncConfiguration, error) {
	if err := s.validateInterval(interval); err != nil {
		return nil, err
	}

	current, err := s.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	updated := current.UpdateInterval(interval, s.now())
	if err := s.saveGlobal(ctx, updated); err != nil {
		return nil, err
	}

	if err := s.reapplySchedules(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateGlobalOptions は同期オプション（Wi-Fi限定・省電力・リトライ・静音時間帯）を更新する。
// 検証失敗時はErrInvalidConfigを返し、設定は変更しない。
func (s *Service) UpdateGlobalOptions(
	ctx context.Context,
	wifiOnly, batterySavingMode, autoRetry bool,
	maxRetries int,
	quietHours model.QuietHours,
) (*model.SyncConfiguration, error) {
	current, err := s.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	updated, err := current.UpdateOptions(wifiOnly, batterySavingMode, autoRetry, maxRetries, quietHours, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.saveGlobal(ctx, updated); err != nil {
		return nil, err
	}

	// 静音時間帯は発火時の判定に織り込まれるため、トリガーを再登録する
	if err := s.reapplySchedules(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// saveGlobal はグローバル設定を保存し、キャッシュを更新する。
func (s *Service) saveGlobal(ctx context.Context, cfg *model.SyncConfiguration) error {
	if err := s.store.SaveGlobal(ctx, cfg); err != nil {
		return fmt.Errorf("グローバル同期設定の保存に失敗しました: %w", err)
	}
	s.mu.Lock()
	s.globalCache = cfg
	s.mu.Unlock()
	return nil
}

// reapplySchedules はグローバルと全金融機関のスケジュールを再適用する。
func (s *Service) reapplySchedules(ctx context.Context, global *model.SyncConfiguration) error {
	if s.pusher == nil {
		return nil
	}
	if err := s.pusher.ApplyGlobalSchedule(global); err != nil {
		return fmt.Errorf("グローバルスケジュールの適用に失敗しました: %w", err)
	}

	configs, err := s.store.FindAllInstitutionSettings(ctx)
	if err != nil {
		return err
	}
	for _, cfg := range configs {
		if err := s.pusher.ApplyInstitutionSchedule(cfg.InstitutionID, cfg, global.DefaultInterval, global.QuietHours); err != nil {
			s.logger.Error("金融機関スケジュールの適用に失敗しました",
				slog.String("institution_id", cfg.InstitutionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// GetInstitutionSettings は金融機関の同期設定を返す。
// 初回アクセス時はグローバル既定間隔を継承した設定を生成・保存する。
// 金融機関が存在しない場合はErrNotFound。
func (s *Service) GetInstitutionSettings(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error) {
	s.mu.RLock()
	cached, ok := s.instCache[institutionID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cfg, err := s.store.FindInstitutionSettings(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		inst, err := s.directory.FindByID(ctx, institutionID)
		if err != nil {
			return nil, err
		}
		if inst == nil {
			return nil, model.NewInstitutionNotFoundError(institutionID)
		}

		global, err := s.GetGlobal(ctx)
		if err != nil {
			return nil, err
		}
		cfg = model.NewInstitutionSyncConfiguration(uuid.NewString(), institutionID, global.DefaultInterval, s.now())
		if err := s.store.SaveInstitutionSettings(ctx, cfg); err != nil {
			return nil, fmt.Errorf("金融機関同期設定の生成に失敗しました: %w", err)
		}
		s.logger.Info("金融機関同期設定を既定値で生成しました",
			slog.String("institution_id", institutionID),
		)
	}

	s.mu.Lock()
	s.instCache[institutionID] = cfg
	s.mu.Unlock()
	return cfg, nil
}

// ListInstitutionSettings は全金融機関の同期設定を返す。
func (s *Service) ListInstitutionSettings(ctx context.Context) ([]*model.InstitutionSyncConfiguration, error) {
	return s.store.FindAllInstitutionSettings(ctx)
}

// UpdateInstitutionInterval は金融機関の同期間隔を更新し、スケジュールを再適用する。
// intervalにnilを渡すとグローバル既定の継承に戻る。
func (s *Service) UpdateInstitutionInterval(ctx context.Context, institutionID string, interval *model.IntervalPolicy) (*model.InstitutionSyncConfiguration, error) {
	if interval != nil {
		if err := s.validateInterval(*interval); err != nil {
			return nil, err
		}
	}

	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	global, err := s.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	updated := current.UpdateInterval(interval, global.DefaultInterval, s.now())
	if err := s.saveInstitution(ctx, updated); err != nil {
		return nil, err
	}

	if s.pusher != nil {
		if err := s.pusher.ApplyInstitutionSchedule(institutionID, updated, global.DefaultInterval, global.QuietHours); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// SetInstitutionEnabled は金融機関の同期有効フラグを更新し、スケジュールを再適用する。
func (s *Service) SetInstitutionEnabled(ctx context.Context, institutionID string, enabled bool) (*model.InstitutionSyncConfiguration, error) {
	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	global, err := s.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	updated := current.SetEnabled(enabled, global.DefaultInterval, s.now())
	if err := s.saveInstitution(ctx, updated); err != nil {
		return nil, err
	}

	if s.pusher != nil {
		if err := s.pusher.ApplyInstitutionSchedule(institutionID, updated, global.DefaultInterval, global.QuietHours); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// DeleteInstitutionSettings は金融機関の同期設定を削除し、スケジュールを解除する。
// 金融機関自体の削除に追従して呼ばれる。
func (s *Service) DeleteInstitutionSettings(ctx context.Context, institutionID string) error {
	if err := s.store.DeleteInstitutionSettings(ctx, institutionID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.instCache, institutionID)
	s.mu.Unlock()

	if s.pusher != nil {
		s.pusher.RemoveInstitutionSchedule(institutionID)
	}
	return nil
}

// InstitutionEnabled は金融機関の同期が有効かどうかを返す。
// syncer.SettingsReaderインターフェースを実装する。
func (s *Service) InstitutionEnabled(ctx context.Context, institutionID string) (bool, error) {
	cfg, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return false, err
	}
	return cfg.Enabled, nil
}

// RecordSyncStart は金融機関を同期中状態に遷移させる。
// syncer.InstitutionStateRecorderインターフェースを実装する。
func (s *Service) RecordSyncStart(ctx context.Context, institutionID string) error {
	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return err
	}
	return s.saveInstitution(ctx, current.MarkSyncing(s.now()))
}

// RecordSyncSuccess は同期成功を記録し、次回同期時刻を再計算する。
func (s *Service) RecordSyncSuccess(ctx context.Context, institutionID string, at time.Time) error {
	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return err
	}
	global, err := s.GetGlobal(ctx)
	if err != nil {
		return err
	}
	return s.saveInstitution(ctx, current.RecordSuccessfulSync(at, global.DefaultInterval, s.now()))
}

// RecordSyncFailure はエラー回数を加算しエラー状態に遷移させる。
func (s *Service) RecordSyncFailure(ctx context.Context, institutionID string, message string) error {
	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return err
	}
	return s.saveInstitution(ctx, current.IncrementErrorCount(message, s.now()))
}

// ResetInstitutionErrors はエラー状態をクリアし、次回同期時刻を現在時刻基準で引き直す。
// エラーで停止していた金融機関を手動で復帰させる操作。
func (s *Service) ResetInstitutionErrors(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error) {
	current, err := s.GetInstitutionSettings(ctx, institutionID)
	if err != nil {
		return nil, err
	}
	global, err := s.GetGlobal(ctx)
	if err != nil {
		return nil, err
	}

	updated := current.ResetErrorCount(global.DefaultInterval, s.now())
	if err := s.saveInstitution(ctx, updated); err != nil {
		return nil, err
	}

	if s.pusher != nil {
		if err := s.pusher.ApplyInstitutionSchedule(institutionID, updated, global.DefaultInterval, global.QuietHours); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// saveInstitution は金融機関設定を保存し、キャッシュを更新する。
func (s *Service) saveInstitution(ctx context.Context, cfg *model.InstitutionSyncConfiguration) error {
	if err := s.store.SaveInstitutionSettings(ctx, cfg); err != nil {
		return fmt.Errorf("金融機関同期設定の保存に失敗しました: %w", err)
	}
	s.mu.Lock()
	s.instCache[cfg.InstitutionID] = cfg
	s.mu.Unlock()
	return nil
}

// validateInterval はカスタムcron式付き間隔の構文を検証する。
func (s *Service) validateInterval(interval model.IntervalPolicy) error {
	if interval.Expression() == "" || s.validateExpr == nil {
		return nil
	}
	if err := s.validateExpr(interval.Expression()); err != nil {
		return fmt.Errorf("%w: %s", model.ErrInvalidConfig, err.Error())
	}
	return nil
}

// ApplyAllSchedules は起動時に永続化済みの全スケジュールを適用する。
func (s *Service) ApplyAllSchedules(ctx context.Context) error {
	global, err := s.GetGlobal(ctx)
	if err != nil {
		return err
	}
	return s.reapplySchedules(ctx, global)
}

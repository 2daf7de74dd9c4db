package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
)

// SettingsReader は同期対象の選別に必要な設定参照のインターフェース。
type SettingsReader interface {
	// InstitutionEnabled は指定金融機関の同期が有効かどうかを返す。
	InstitutionEnabled(ctx context.Context, institutionID string) (bool, error)
}

// Service はバッチ同期の開始・状態参照・履歴参照・キャンセルを提供する。
// HTTPハンドラーとスケジューラの両方から使用される。
type Service struct {
	directory    repository.InstitutionDirectory
	history      repository.SyncHistoryStore
	orchestrator *Orchestrator
	settings     SettingsReader
	logger       *slog.Logger
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	directory repository.InstitutionDirectory,
	history repository.SyncHistoryStore,
	orchestrator *Orchestrator,
	settings SettingsReader,
	logger *slog.Logger,
) *Service {
	return &Service{
		directory:    directory,
		history:      history,
		orchestrator: orchestrator,
		settings:     settings,
		logger:       logger,
		now:          time.Now,
	}
}

// StartBatchSync は接続済み・同期有効の全金融機関を対象にバッチ同期を実行する。
// 別のバッチ同期が実行中の場合はSyncAlreadyRunningエラーを返す
// （実行中判定は永続化された履歴への問い合わせで行い、別のフラグは持たない）。
func (s *Service) StartBatchSync(ctx context.Context, forceFull bool) (*RunSummary, error) {
	running, err := s.history.FindRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("実行中同期の確認に失敗しました: %w", err)
	}
	if running != nil {
		return nil, model.NewSyncAlreadyRunningError(running.ID)
	}

	targets, err := s.buildTargets(ctx)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Run(ctx, targets, forceFull)
}

// StartInstitutionSync は1金融機関のみを対象に同期を実行する。
// 金融機関が存在しない場合はErrNotFound。
func (s *Service) StartInstitutionSync(ctx context.Context, institutionID string, forceFull bool) (*RunSummary, error) {
	inst, err := s.directory.FindByID(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("金融機関の取得に失敗しました: %w", err)
	}
	if inst == nil {
		return nil, model.NewInstitutionNotFoundError(institutionID)
	}

	target := model.SyncTarget{
		InstitutionID: inst.ID,
		Name:          inst.Name,
		Type:          inst.Type,
		LastSyncedAt:  inst.LastSyncedAt,
	}
	return s.orchestrator.Run(ctx, []model.SyncTarget{target}, forceFull)
}

// buildTargets は接続済みかつ同期有効な金融機関から同期対象を構築する。
func (s *Service) buildTargets(ctx context.Context) ([]model.SyncTarget, error) {
	institutions, err := s.directory.ListConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("接続済み金融機関の取得に失敗しました: %w", err)
	}

	targets := make([]model.SyncTarget, 0, len(institutions))
	for _, inst := range institutions {
		enabled, err := s.settings.InstitutionEnabled(ctx, inst.ID)
		if err != nil {
			s.logger.Warn("金融機関の同期設定の取得に失敗したため対象から除外します",
				slog.String("institution_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !enabled {
			continue
		}
		targets = append(targets, model.SyncTarget{
			InstitutionID: inst.ID,
			Name:          inst.Name,
			Type:          inst.Type,
			LastSyncedAt:  inst.LastSyncedAt,
		})
	}
	return targets, nil
}

// RunGlobalSync はスケジュール発火からのバッチ同期実行。
// scheduler.SyncRunnerインターフェースを実装する。
func (s *Service) RunGlobalSync(ctx context.Context) error {
	_, err := s.StartBatchSync(ctx, false)
	return err
}

// RunInstitutionSync はスケジュール発火からの1金融機関同期実行。
// scheduler.SyncRunnerインターフェースを実装する。
func (s *Service) RunInstitutionSync(ctx context.Context, institutionID string) error {
	_, err := s.StartInstitutionSync(ctx, institutionID, false)
	return err
}

// Status は現在実行中のバッチ同期の概況を表す。
type Status struct {
	Running      bool
	RunID        string
	StartedAt    time.Time
	TotalTargets int
	Fetched      int
	NewRecords   int
}

// GetStatus は現在実行中のバッチ同期の概況を返す。実行中でない場合はRunning=false。
func (s *Service) GetStatus(ctx context.Context) (*Status, error) {
	running, err := s.history.FindRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("実行中同期の確認に失敗しました: %w", err)
	}
	if running == nil {
		return &Status{Running: false}, nil
	}
	return &Status{
		Running:      true,
		RunID:        running.ID,
		StartedAt:    running.StartedAt,
		TotalTargets: running.TotalInstitutions,
		Fetched:      running.TotalFetched,
		NewRecords:   running.NewRecords,
	}, nil
}

// HistoryPage は同期履歴の1ページを表す。
type HistoryPage struct {
	Runs  []*model.SyncRun
	Total int
}

// GetHistory は条件に一致する同期履歴をページネーション付きで返す。
// limitが0以下の場合は20、100を超える場合は100に制限する。
func (s *Service) GetHistory(ctx context.Context, filters repository.SyncRunFilters, limit, offset int) (*HistoryPage, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := s.history.FindWithFilters(ctx, filters, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.history.CountWithFilters(ctx, filters)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Runs: runs, Total: total}, nil
}

// GetRun は指定IDの同期実行を返す。存在しない場合はErrNotFound。
func (s *Service) GetRun(ctx context.Context, runID string) (*model.SyncRun, error) {
	run, err := s.history.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, model.NewSyncRunNotFoundError(runID)
	}
	return run, nil
}

// CancelRun は指定IDの同期実行をキャンセルする。
// 実行をcancelledに遷移させて永続化し、キャンセルハンドルに中断を通知する。
// 戻り値は「ハンドルが見つかり通知できたか」であり、
// 既に完了していた場合のfalseはエラーではない。
// 実行が存在しない場合はErrNotFound、running以外の場合はErrInvalidTransition。
func (s *Service) CancelRun(ctx context.Context, runID string) (bool, error) {
	run, err := s.history.FindByID(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("同期実行の取得に失敗しました: %w", err)
	}
	if run == nil {
		return false, model.NewSyncRunNotFoundError(runID)
	}

	if err := run.Cancel(s.now()); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return false, model.NewSyncNotRunningError(runID)
		}
		return false, err
	}
	if err := s.history.Update(ctx, run); err != nil {
		return false, fmt.Errorf("同期実行の更新に失敗しました: %w", err)
	}

	signalled := s.orchestrator.Cancel(runID)
	s.logger.Info("同期のキャンセルを要求しました",
		slog.String("run_id", runID),
		slog.Bool("signalled", signalled),
	)
	return signalled, nil
}

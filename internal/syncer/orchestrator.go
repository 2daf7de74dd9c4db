package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kakeibo/internal/metrics"
	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
)

// defaultBatchWidth はバッチ幅の既定値。
// 連携先APIのレート制限を考慮し、同時実行レッグ数をこの幅で抑える。
const defaultBatchWidth = 5

// InstitutionStateRecorder はレッグの進行に応じた金融機関同期設定の更新インターフェース。
// 設定サービスが実装する。
type InstitutionStateRecorder interface {
	// RecordSyncStart は金融機関を同期中状態に遷移させる。
	RecordSyncStart(ctx context.Context, institutionID string) error
	// RecordSyncSuccess は同期成功を記録し、次回同期時刻を再計算する。
	RecordSyncSuccess(ctx context.Context, institutionID string, at time.Time) error
	// RecordSyncFailure はエラー回数を加算しエラー状態に遷移させる。
	RecordSyncFailure(ctx context.Context, institutionID string, message string) error
}

// LegResult は1金融機関レッグの実行結果を表す。
type LegResult struct {
	RunID         string
	InstitutionID string
	Name          string
	Success       bool
	Fetched       int
	NewRecords    int
	Duplicates    int
	ErrorMessage  string
}

// RunSummary はバッチ同期の集計結果を表す。
// レッグの並び順は完了順ではなく対象の投入順に従う。
type RunSummary struct {
	RunID             string
	Status            model.SyncRunStatus
	TotalInstitutions int
	SuccessCount      int
	FailureCount      int
	TotalFetched      int
	NewRecords        int
	DuplicateRecords  int
	StartedAt         time.Time
	Duration          time.Duration
	Legs              []LegResult
}

// Orchestrator はバッチ同期を全対象金融機関にファンアウトする。
// バッチ幅Wで区切って実行し、バッチ内は並列、バッチ間は直列。
// レッグの失敗は分離され、他のレッグやバッチを中断しない。
type Orchestrator struct {
	history    repository.SyncHistoryStore
	txStore    repository.TransactionStore
	connectors *ConnectorRegistry
	strategy   *Strategy
	state      InstitutionStateRecorder
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	batchWidth int
	legTimeout time.Duration
	now        func() time.Time

	// 実行中のランIDからキャンセル関数への対応表。
	// レッグ・バッチの開始時に登録し、完了時に必ず削除する。
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewOrchestrator はOrchestratorを生成する。
// batchWidthが0以下の場合は既定値5を使用する。
// legTimeoutが0以下の場合はレッグのタイムアウトを適用しない。
func NewOrchestrator(
	history repository.SyncHistoryStore,
	txStore repository.TransactionStore,
	connectors *ConnectorRegistry,
	strategy *Strategy,
	state InstitutionStateRecorder,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	batchWidth int,
	legTimeout time.Duration,
) *Orchestrator {
	if batchWidth <= 0 {
		batchWidth = defaultBatchWidth
	}
	return &Orchestrator{
		history:    history,
		txStore:    txStore,
		connectors: connectors,
		strategy:   strategy,
		state:      state,
		metrics:    collector,
		logger:     logger,
		batchWidth: batchWidth,
		legTimeout: legTimeout,
		now:        time.Now,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Run はバッチ同期を実行し、集計結果を返す。
// 対象が空の場合はエラーではなく、即時完了のゼロ件サマリーを返す。
// レッグの失敗はサマリーに計上されるのみで、Run自体のエラーにはならない。
// Runがエラーを返すのは履歴永続化などインフラ操作が失敗した場合のみ。
func (o *Orchestrator) Run(ctx context.Context, targets []model.SyncTarget, forceFull bool) (*RunSummary, error) {
	start := o.now()

	batchRun := model.NewSyncRun(uuid.NewString(), "", "バッチ同期", model.SyncRunTypeBatch, start)
	batchRun.TotalInstitutions = len(targets)
	if err := o.history.Create(ctx, batchRun); err != nil {
		return nil, fmt.Errorf("バッチ同期実行の作成に失敗しました: %w", err)
	}

	if err := batchRun.Start(o.now()); err != nil {
		return nil, err
	}

	// 対象なしは即時完了（エラーではない）
	if len(targets) == 0 {
		if err := batchRun.Complete(0, 0, o.now()); err != nil {
			return nil, err
		}
		if err := o.history.Update(ctx, batchRun); err != nil {
			return nil, fmt.Errorf("バッチ同期実行の更新に失敗しました: %w", err)
		}
		o.logger.Info("同期対象の金融機関がないため即時完了しました",
			slog.String("run_id", batchRun.ID),
		)
		return o.buildSummary(batchRun, start, nil), nil
	}

	if err := o.history.Update(ctx, batchRun); err != nil {
		return nil, fmt.Errorf("バッチ同期実行の更新に失敗しました: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	o.registerCancel(batchRun.ID, cancelRun)
	defer o.unregisterCancel(batchRun.ID)

	o.logger.Info("バッチ同期を開始します",
		slog.String("run_id", batchRun.ID),
		slog.Int("target_count", len(targets)),
		slog.Int("batch_width", o.batchWidth),
		slog.Bool("force_full", forceFull),
	)

	// バッチ幅Wで区切り、バッチkの全レッグが完了するまでバッチk+1を開始しない
	results := make([]LegResult, len(targets))
	for offset := 0; offset < len(targets); offset += o.batchWidth {
		if runCtx.Err() != nil {
			break
		}

		end := offset + o.batchWidth
		if end > len(targets) {
			end = len(targets)
		}

		var wg sync.WaitGroup
		for i := offset; i < end; i++ {
			wg.Add(1)
			go func(idx int, target model.SyncTarget) {
				defer wg.Done()
				results[idx] = o.runLeg(runCtx, target, forceFull)
			}(i, targets[i])
		}
		wg.Wait()
	}

	// 集計（投入順を保持）。キャンセルにより未実行のまま残ったレッグは
	// 計上もサマリーへの掲載も行わない。
	var successCount, failureCount, totalFetched, newRecords, duplicates int
	executed := make([]LegResult, 0, len(results))
	for _, res := range results {
		if res.RunID == "" {
			continue
		}
		executed = append(executed, res)
		if res.Success {
			successCount++
		} else {
			failureCount++
		}
		totalFetched += res.Fetched
		newRecords += res.NewRecords
		duplicates += res.Duplicates
	}

	if err := batchRun.AddNewTransactions(totalFetched, newRecords, duplicates, o.now()); err != nil {
		return nil, err
	}

	if runCtx.Err() != nil {
		// キャンセルハンドル経由の中断。状態機械上まだrunningであれば遷移させる。
		if batchRun.Status == model.SyncRunRunning {
			if err := batchRun.Cancel(o.now()); err != nil {
				return nil, err
			}
		}
		batchRun.SuccessCount = successCount
		batchRun.FailureCount = failureCount
	} else {
		if err := batchRun.Complete(successCount, failureCount, o.now()); err != nil {
			return nil, err
		}
	}

	if err := o.history.Update(ctx, batchRun); err != nil {
		return nil, fmt.Errorf("バッチ同期実行の更新に失敗しました: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordBatchOutcome(string(batchRun.Status))
	}

	summary := o.buildSummary(batchRun, start, executed)
	o.logger.Info("バッチ同期が完了しました",
		slog.String("run_id", batchRun.ID),
		slog.String("status", string(batchRun.Status)),
		slog.Int("success_count", summary.SuccessCount),
		slog.Int("failure_count", summary.FailureCount),
		slog.Int("total_fetched", summary.TotalFetched),
		slog.Int("new_records", summary.NewRecords),
		slog.Int("duplicate_records", summary.DuplicateRecords),
		slog.Float64("duration_ms", float64(summary.Duration.Milliseconds())),
	)

	return summary, nil
}

// buildSummary はバッチ実行とレッグ結果からサマリーを構築する。
func (o *Orchestrator) buildSummary(batchRun *model.SyncRun, start time.Time, legs []LegResult) *RunSummary {
	return &RunSummary{
		RunID:             batchRun.ID,
		Status:            batchRun.Status,
		TotalInstitutions: batchRun.TotalInstitutions,
		SuccessCount:      batchRun.SuccessCount,
		FailureCount:      batchRun.FailureCount,
		TotalFetched:      batchRun.TotalFetched,
		NewRecords:        batchRun.NewRecords,
		DuplicateRecords:  batchRun.DuplicateRecords,
		StartedAt:         start,
		Duration:          o.now().Sub(start),
		Legs:              legs,
	}
}

// runLeg は1金融機関のレッグ同期を実行する。
// レッグ内で発生したエラーとpanicはここで捕捉し、失敗結果として返す。
// 兄弟レッグや後続バッチへは決して伝播させない。
func (o *Orchestrator) runLeg(ctx context.Context, target model.SyncTarget, forceFull bool) (result LegResult) {
	legStart := o.now()
	result = LegResult{
		InstitutionID: target.InstitutionID,
		Name:          target.Name,
	}

	legRun := model.NewSyncRun(uuid.NewString(), target.InstitutionID, target.Name, model.SyncRunTypeInstitution, legStart)
	result.RunID = legRun.ID

	// panic境界: レッグの予期しないエラーは失敗として記録して続行する
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("予期しないエラーが発生しました: %v", rec)
			o.logger.Error("レッグ同期でpanicが発生しました",
				slog.String("run_id", legRun.ID),
				slog.String("institution_id", target.InstitutionID),
				slog.Any("panic", rec),
			)
			result = o.failLeg(ctx, legRun, result, msg)
		}
		if o.metrics != nil {
			o.metrics.RecordLegLatency(o.now().Sub(legStart))
		}
	}()

	if err := o.history.Create(ctx, legRun); err != nil {
		result.ErrorMessage = fmt.Sprintf("レッグ同期実行の作成に失敗しました: %s", err.Error())
		return result
	}
	if err := legRun.Start(o.now()); err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}
	if err := o.history.Update(ctx, legRun); err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}

	// 1金融機関の遅延がバッチ全体を停滞させないよう、レッグ単位のタイムアウトを適用する
	legCtx := ctx
	var legCancel context.CancelFunc
	if o.legTimeout > 0 {
		legCtx, legCancel = context.WithTimeout(ctx, o.legTimeout)
	} else {
		legCtx, legCancel = context.WithCancel(ctx)
	}
	defer legCancel()
	o.registerCancel(legRun.ID, legCancel)
	defer o.unregisterCancel(legRun.ID)

	if o.state != nil {
		if err := o.state.RecordSyncStart(legCtx, target.InstitutionID); err != nil {
			o.logger.Warn("金融機関の同期中状態への遷移に失敗しました",
				slog.String("institution_id", target.InstitutionID),
				slog.String("error", err.Error()),
			)
		}
	}

	// 取得ウィンドウを計算（成功した前回レッグがあれば増分、なければフル）
	lastSuccess, err := o.lastSuccessfulLeg(legCtx, target.InstitutionID)
	if err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}
	windowStart := o.strategy.DetermineWindowStart(lastSuccess, forceFull)
	windowEnd := o.now()

	period := o.strategy.OptimizePeriod(windowStart, windowEnd, 0)
	if period.Adjusted {
		o.logger.Info("取得期間を上限に合わせて調整しました",
			slog.String("institution_id", target.InstitutionID),
			slog.Time("original_start", windowStart),
			slog.Time("adjusted_start", period.Start),
		)
	}
	if err := o.strategy.ValidatePeriod(period.Start, period.End); err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}

	connector, err := o.connectors.Lookup(target.Type)
	if err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}

	fetched, err := connector.Fetch(legCtx, target.InstitutionID, period.Start, period.End)
	if err != nil {
		if legCtx.Err() != nil {
			return o.interruptLeg(ctx, legCtx, legRun, result)
		}
		return o.failLeg(ctx, legRun, result, fmt.Sprintf("取引データの取得に失敗しました: %s", err.Error()))
	}

	// 中断後は重複排除・永続化を進めない
	if legCtx.Err() != nil {
		return o.interruptLeg(ctx, legCtx, legRun, result)
	}

	knownIDs, err := o.txStore.KnownExternalIDs(legCtx, target.InstitutionID, period.Start)
	if err != nil {
		if legCtx.Err() != nil {
			return o.interruptLeg(ctx, legCtx, legRun, result)
		}
		return o.failLeg(ctx, legRun, result, err.Error())
	}
	dedup := o.strategy.FilterDuplicates(fetched, knownIDs)

	if legCtx.Err() != nil {
		return o.interruptLeg(ctx, legCtx, legRun, result)
	}

	inserted, err := o.txStore.InsertRecords(legCtx, target.InstitutionID, dedup.New)
	if err != nil {
		if legCtx.Err() != nil {
			return o.interruptLeg(ctx, legCtx, legRun, result)
		}
		return o.failLeg(ctx, legRun, result, fmt.Sprintf("取引レコードの保存に失敗しました: %s", err.Error()))
	}

	result.Fetched = len(fetched)
	result.NewRecords = inserted
	result.Duplicates = len(dedup.Duplicates)

	if err := legRun.AddNewTransactions(len(fetched), inserted, len(dedup.Duplicates), o.now()); err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}
	if err := legRun.Complete(1, 0, o.now()); err != nil {
		return o.failLeg(ctx, legRun, result, err.Error())
	}
	if err := o.history.Update(ctx, legRun); err != nil {
		result.ErrorMessage = fmt.Sprintf("レッグ同期実行の更新に失敗しました: %s", err.Error())
		return result
	}

	if o.state != nil {
		if err := o.state.RecordSyncSuccess(ctx, target.InstitutionID, o.now()); err != nil {
			o.logger.Warn("金融機関の同期成功の記録に失敗しました",
				slog.String("institution_id", target.InstitutionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordLegSuccess(target.InstitutionID)
		o.metrics.RecordRecords(len(fetched), inserted, len(dedup.Duplicates))
	}

	result.Success = true
	o.logger.Info("レッグ同期が完了しました",
		slog.String("run_id", legRun.ID),
		slog.String("institution_id", target.InstitutionID),
		slog.Int("fetched", result.Fetched),
		slog.Int("new_records", result.NewRecords),
		slog.Int("duplicates", result.Duplicates),
	)
	return result
}

// failLeg はレッグを失敗として記録する。
func (o *Orchestrator) failLeg(ctx context.Context, legRun *model.SyncRun, result LegResult, message string) LegResult {
	result.Success = false
	result.ErrorMessage = message

	if legRun.Status == model.SyncRunRunning {
		if err := legRun.Fail(message, o.now()); err == nil {
			if err := o.history.Update(ctx, legRun); err != nil {
				o.logger.Error("レッグ同期実行の更新に失敗しました",
					slog.String("run_id", legRun.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if o.state != nil {
		if err := o.state.RecordSyncFailure(ctx, result.InstitutionID, message); err != nil {
			o.logger.Warn("金融機関の同期失敗の記録に失敗しました",
				slog.String("institution_id", result.InstitutionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordLegFailure(result.InstitutionID, message)
	}

	o.logger.Error("レッグ同期が失敗しました",
		slog.String("run_id", legRun.ID),
		slog.String("institution_id", result.InstitutionID),
		slog.String("error", message),
	)
	return result
}

// interruptLeg は中断されたレッグをコンテキストの終了理由に応じて記録する。
// タイムアウトはレッグ失敗（Failed）、キャンセル要求はCancelledとして扱う。
func (o *Orchestrator) interruptLeg(ctx context.Context, legCtx context.Context, legRun *model.SyncRun, result LegResult) LegResult {
	if errors.Is(legCtx.Err(), context.DeadlineExceeded) {
		return o.failLeg(ctx, legRun, result, fmt.Sprintf("レッグ同期がタイムアウトしました（上限 %s）", o.legTimeout))
	}
	return o.cancelLeg(ctx, legRun, result)
}

// cancelLeg はキャンセルされたレッグを記録する。
func (o *Orchestrator) cancelLeg(ctx context.Context, legRun *model.SyncRun, result LegResult) LegResult {
	result.Success = false
	result.ErrorMessage = "同期がキャンセルされました"

	if legRun.Status == model.SyncRunRunning {
		if err := legRun.Cancel(o.now()); err == nil {
			if err := o.history.Update(ctx, legRun); err != nil {
				o.logger.Error("レッグ同期実行の更新に失敗しました",
					slog.String("run_id", legRun.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	o.logger.Info("レッグ同期がキャンセルされました",
		slog.String("run_id", legRun.ID),
		slog.String("institution_id", result.InstitutionID),
	)
	return result
}

// lastSuccessfulLeg は指定金融機関の直近の成功レッグを取得する。存在しない場合はnil。
func (o *Orchestrator) lastSuccessfulLeg(ctx context.Context, institutionID string) (*model.SyncRun, error) {
	runs, err := o.history.FindWithFilters(ctx, repository.SyncRunFilters{
		InstitutionID: institutionID,
		Status:        model.SyncRunCompleted,
		Type:          model.SyncRunTypeInstitution,
	}, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("前回同期実行の取得に失敗しました: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// Cancel は指定ランIDのキャンセルハンドルに中断を通知する。
// ハンドルが見つかり通知できた場合のみtrueを返す。
// 既に完了したランや未知のIDに対してはfalseを返す（エラーではない）。
func (o *Orchestrator) Cancel(runID string) bool {
	o.cancelMu.Lock()
	cancel, ok := o.cancels[runID]
	o.cancelMu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// registerCancel はランIDにキャンセル関数を登録する。
func (o *Orchestrator) registerCancel(runID string, cancel context.CancelFunc) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	o.cancels[runID] = cancel
}

// unregisterCancel はランIDのキャンセル関数を削除する。
// 対応表の無制限な成長を防ぐため、レッグ・バッチの完了時に必ず呼ぶ。
func (o *Orchestrator) unregisterCancel(runID string) {
	o.cancelMu.Lock()
	defer o.cancelMu.Unlock()
	delete(o.cancels, runID)
}

// Package syncer は金融機関データの同期オーケストレーションを提供する。
// 増分同期の取得ウィンドウ計算、重複排除、バッチ実行の並列制御を含む。
package syncer

import (
	"fmt"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
)

const (
	// defaultLookbackDays は初回・強制フル同期時の取得期間（90日）。
	defaultLookbackDays = 90
	// safetyOverlapDays は増分同期の安全マージン（1日）。
	// 時刻ずれや遅延計上された取引の取りこぼしを防ぐため、前回完了時刻より1日遡る。
	safetyOverlapDays = 1
	// maxPeriodDays は取得期間の上限（365日）。
	maxPeriodDays = 365
	// defaultOptimizeMaxDays は期間最適化の既定上限（90日）。
	defaultOptimizeMaxDays = 90
)

// Strategy は増分同期の取得ウィンドウ決定と重複排除を行う。
// 純粋な計算のみでI/Oは持たない。
type Strategy struct {
	now func() time.Time
}

// NewStrategy はStrategyを生成する。
// nowFuncがnilの場合はtime.Nowを使用する（テストで時計を固定するための注入点）。
func NewStrategy(nowFunc func() time.Time) *Strategy {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Strategy{now: nowFunc}
}

// DetermineWindowStart は同期の取得開始時刻を決定する。
// 強制フル同期または成功した前回実行が存在しない場合は90日前からのフル取得。
// それ以外は前回完了時刻から1日の安全マージンを引いた増分取得。
func (s *Strategy) DetermineWindowStart(lastSuccessfulRun *model.SyncRun, forceFull bool) time.Time {
	now := s.now()
	if forceFull || lastSuccessfulRun == nil || lastSuccessfulRun.CompletedAt == nil {
		return now.AddDate(0, 0, -defaultLookbackDays)
	}
	return lastSuccessfulRun.CompletedAt.AddDate(0, 0, -safetyOverlapDays)
}

// DedupResult は重複排除の結果を表す。
type DedupResult struct {
	New        []model.RawRecord
	Duplicates []model.RawRecord
}

// FilterDuplicates は取得レコードを既知識別子集合と照合し、新規と重複に分割する。
// 識別子を持たないレコードは重複判定ができないため常に新規として扱う。
// 入力順を保持した安定な1パス処理。
func (s *Strategy) FilterDuplicates(fetched []model.RawRecord, knownIDs map[string]struct{}) DedupResult {
	result := DedupResult{
		New:        make([]model.RawRecord, 0, len(fetched)),
		Duplicates: make([]model.RawRecord, 0),
	}
	for _, rec := range fetched {
		if !rec.HasExternalID() {
			result.New = append(result.New, rec)
			continue
		}
		if _, known := knownIDs[rec.ExternalID]; known {
			result.Duplicates = append(result.Duplicates, rec)
		} else {
			result.New = append(result.New, rec)
		}
	}
	return result
}

// ValidatePeriod は取得期間の妥当性を検証する。
// 開始が終了より後、終了が未来、期間が365日超の場合はErrInvalidConfig。
// ちょうど365日の期間は有効。
func (s *Strategy) ValidatePeriod(start, end time.Time) error {
	if start.After(end) {
		return model.NewInvalidPeriodError("開始日が終了日より後です")
	}
	if end.After(s.now()) {
		return model.NewInvalidPeriodError("終了日が未来日です")
	}
	if end.Sub(start) > maxPeriodDays*24*time.Hour {
		return model.NewInvalidPeriodError(fmt.Sprintf("取得期間が%d日を超えています", maxPeriodDays))
	}
	return nil
}

// OptimizedPeriod は期間最適化の結果を表す。
type OptimizedPeriod struct {
	Start    time.Time
	End      time.Time
	Adjusted bool
}

// OptimizePeriod は取得期間をmaxDays以内に収める。
// 上限を超える場合は直近のデータを優先し、開始をend - maxDaysに繰り上げる。
// 終了は変更しない。maxDaysが0以下の場合は既定の90日を使用する。
func (s *Strategy) OptimizePeriod(start, end time.Time, maxDays int) OptimizedPeriod {
	if maxDays <= 0 {
		maxDays = defaultOptimizeMaxDays
	}
	if end.Sub(start) <= time.Duration(maxDays)*24*time.Hour {
		return OptimizedPeriod{Start: start, End: end, Adjusted: false}
	}
	return OptimizedPeriod{
		Start:    end.AddDate(0, 0, -maxDays),
		End:      end,
		Adjusted: true,
	}
}

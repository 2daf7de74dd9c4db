package model

import (
	"fmt"
	"time"
)

// IntervalKind は同期間隔の種別を表す。
type IntervalKind string

const (
	// IntervalRealtime は5分間隔の同期を示す。
	IntervalRealtime IntervalKind = "realtime"
	// IntervalFrequent は1時間間隔の同期を示す。
	IntervalFrequent IntervalKind = "frequent"
	// IntervalStandard は6時間間隔の同期を示す。
	IntervalStandard IntervalKind = "standard"
	// IntervalInfrequent は1日間隔の同期を示す。
	IntervalInfrequent IntervalKind = "infrequent"
	// IntervalManual は手動実行のみ（スケジュールなし）を示す。
	IntervalManual IntervalKind = "manual"
	// IntervalCustom はamount+unitで指定するカスタム間隔を示す。
	IntervalCustom IntervalKind = "custom"
)

// IntervalUnit はカスタム間隔の時間単位を表す。
type IntervalUnit string

const (
	// UnitMinutes は分単位を示す。
	UnitMinutes IntervalUnit = "minutes"
	// UnitHours は時間単位を示す。
	UnitHours IntervalUnit = "hours"
	// UnitDays は日単位を示す。
	UnitDays IntervalUnit = "days"
)

const (
	// minCustomMinutes はカスタム間隔の下限（5分）。
	minCustomMinutes = 5
	// maxCustomMinutes はカスタム間隔の上限（43200分 = 30日）。
	maxCustomMinutes = 43200
)

// presetMinutes はプリセット間隔の分数テーブル。
var presetMinutes = map[IntervalKind]int{
	IntervalRealtime:   5,
	IntervalFrequent:   60,
	IntervalStandard:   360,
	IntervalInfrequent: 1440,
}

// unitFactor は時間単位から分への換算係数。
var unitFactor = map[IntervalUnit]int{
	UnitMinutes: 1,
	UnitHours:   60,
	UnitDays:    1440,
}

// IntervalPolicy は同期の実行周期を表すイミュータブルな値オブジェクト。
// プリセット（realtime/frequent/standard/infrequent）、手動（manual）、
// カスタム（amount+unit、任意でcron式の直接指定）のいずれかを表す。
// 一度構築したら変更せず、変更は新しい値の生成で表現する。
type IntervalPolicy struct {
	kind       IntervalKind
	amount     int
	unit       IntervalUnit
	expression string // カスタムcron式（任意指定、そのまま保存・返却する）
}

// NewPresetInterval はプリセットまたは手動のIntervalPolicyを生成する。
// customを指定した場合はErrInvalidConfig（NewCustomIntervalを使用すること）。
func NewPresetInterval(kind IntervalKind) (IntervalPolicy, error) {
	switch kind {
	case IntervalRealtime, IntervalFrequent, IntervalStandard, IntervalInfrequent, IntervalManual:
		return IntervalPolicy{kind: kind}, nil
	case IntervalCustom:
		return IntervalPolicy{}, NewInvalidIntervalError("custom間隔にはamountとunitの指定が必要です")
	default:
		return IntervalPolicy{}, NewInvalidIntervalError(fmt.Sprintf("未知の間隔種別です: %q", kind))
	}
}

// NewCustomInterval はカスタム間隔のIntervalPolicyを生成する。
// 換算後の分数が[5, 43200]の範囲外の場合はErrInvalidConfig。
// expressionにcron式を渡すと、派生式の代わりにその式をそのまま使用する。
func NewCustomInterval(amount int, unit IntervalUnit, expression string) (IntervalPolicy, error) {
	if amount <= 0 {
		return IntervalPolicy{}, NewInvalidIntervalError(fmt.Sprintf("amountは正の値が必要です: %d", amount))
	}
	factor, ok := unitFactor[unit]
	if !ok {
		return IntervalPolicy{}, NewInvalidIntervalError(fmt.Sprintf("未知の時間単位です: %q", unit))
	}
	minutes := amount * factor
	if minutes < minCustomMinutes || minutes > maxCustomMinutes {
		return IntervalPolicy{}, NewInvalidIntervalError(fmt.Sprintf("%d分から%d分の範囲で指定してください: %d分", minCustomMinutes, maxCustomMinutes, minutes))
	}
	return IntervalPolicy{
		kind:       IntervalCustom,
		amount:     amount,
		unit:       unit,
		expression: expression,
	}, nil
}

// IntervalFromParts は永続化された構成要素からIntervalPolicyを復元する。
// 構築時と同じ検証を適用する。
func IntervalFromParts(kind IntervalKind, amount int, unit IntervalUnit, expression string) (IntervalPolicy, error) {
	if kind == IntervalCustom {
		return NewCustomInterval(amount, unit, expression)
	}
	if amount != 0 || unit != "" {
		return IntervalPolicy{}, NewInvalidIntervalError(fmt.Sprintf("%s間隔にamount/unitは指定できません", kind))
	}
	return NewPresetInterval(kind)
}

// Kind は間隔種別を返す。
func (p IntervalPolicy) Kind() IntervalKind { return p.kind }

// Amount はカスタム間隔の数量を返す。カスタム以外は0。
func (p IntervalPolicy) Amount() int { return p.amount }

// Unit はカスタム間隔の時間単位を返す。カスタム以外は空文字。
func (p IntervalPolicy) Unit() IntervalUnit { return p.unit }

// Expression は直接指定されたcron式を返す。未指定の場合は空文字。
func (p IntervalPolicy) Expression() string { return p.expression }

// IsManual は手動実行のみの間隔かどうかを返す。
func (p IntervalPolicy) IsManual() bool { return p.kind == IntervalManual }

// ToMinutes は間隔を分数に変換する。manualは0を返す。
func (p IntervalPolicy) ToMinutes() (int, error) {
	switch p.kind {
	case IntervalManual:
		return 0, nil
	case IntervalCustom:
		factor, ok := unitFactor[p.unit]
		if !ok || p.amount <= 0 {
			return 0, fmt.Errorf("%w: カスタム間隔にamountとunitが設定されていません", ErrInvalidConfig)
		}
		minutes := p.amount * factor
		if minutes < minCustomMinutes || minutes > maxCustomMinutes {
			return 0, fmt.Errorf("%w: カスタム間隔が範囲外です: %d分", ErrInvalidConfig, minutes)
		}
		return minutes, nil
	default:
		minutes, ok := presetMinutes[p.kind]
		if !ok {
			return 0, fmt.Errorf("%w: 未知の間隔種別です: %q", ErrInvalidConfig, p.kind)
		}
		return minutes, nil
	}
}

// ToTriggerExpression は間隔からcron式を導出する。
// manualはスケジュールを持たないため("", false)を返す。
// cron式が直接指定されている場合はそれをそのまま返す。
// それ以外は分数から導出する: 60分未満は分ステップ、1440分未満は時ステップ、それ以上は日ステップ。
func (p IntervalPolicy) ToTriggerExpression() (string, bool, error) {
	if p.kind == IntervalManual {
		return "", false, nil
	}
	if p.expression != "" {
		return p.expression, true, nil
	}

	minutes, err := p.ToMinutes()
	if err != nil {
		return "", false, err
	}

	switch {
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes), true, nil
	case minutes < 1440:
		return fmt.Sprintf("0 */%d * * *", minutes/60), true, nil
	default:
		return fmt.Sprintf("0 0 */%d * *", minutes/1440), true, nil
	}
}

// NextRunAfter は前回実行時刻から次回実行時刻を計算する。
// manualはスケジュールが存在しないためErrInvalidConfig。
// lastがnilの場合は即時実行（now）。計算結果が過去の場合もnowを返す
// （キャッチアップ: 過去へのスケジュールや連続発火は発生させない）。
func (p IntervalPolicy) NextRunAfter(last *time.Time, now time.Time) (time.Time, error) {
	if p.kind == IntervalManual {
		return time.Time{}, fmt.Errorf("%w: manual間隔にスケジュールは存在しません", ErrInvalidConfig)
	}
	if last == nil {
		return now, nil
	}

	minutes, err := p.ToMinutes()
	if err != nil {
		return time.Time{}, err
	}

	next := last.Add(time.Duration(minutes) * time.Minute)
	if next.Before(now) {
		return now, nil
	}
	return next, nil
}

// Equal は構造的等価性（kind、amount、unit、expression）を判定する。
func (p IntervalPolicy) Equal(other IntervalPolicy) bool {
	return p.kind == other.kind &&
		p.amount == other.amount &&
		p.unit == other.unit &&
		p.expression == other.expression
}

package model

import (
	"fmt"
	"time"
)

const (
	// minRetryCount は自動リトライ回数の下限。
	minRetryCount = 1
	// maxRetryCount は自動リトライ回数の上限。
	maxRetryCount = 10
)

// QuietHours は同期を休止する静音時間帯を表す。
// StartとEndは"HH:mm"形式。Endが翌日になる日跨ぎ指定（例: 23:00〜06:00）も有効。
type QuietHours struct {
	Enabled bool
	Start   string
	End     string
}

// validateQuietHours は静音時間帯の形式を検証する。
// 有効化時はStart/Endが必須かつHH:mm形式で、同一時刻は不可。
func validateQuietHours(qh QuietHours) error {
	if !qh.Enabled {
		return nil
	}
	if qh.Start == "" || qh.End == "" {
		return NewInvalidQuietHoursError("開始・終了時刻は必須です")
	}
	if _, err := time.Parse("15:04", qh.Start); err != nil {
		return NewInvalidQuietHoursError(fmt.Sprintf("開始時刻がHH:mm形式ではありません: %q", qh.Start))
	}
	if _, err := time.Parse("15:04", qh.End); err != nil {
		return NewInvalidQuietHoursError(fmt.Sprintf("終了時刻がHH:mm形式ではありません: %q", qh.End))
	}
	if qh.Start == qh.End {
		return NewInvalidQuietHoursError(fmt.Sprintf("開始と終了に同一時刻は指定できません: %q", qh.Start))
	}
	return nil
}

// Contains は指定時刻が静音時間帯に含まれるかを判定する。
// 日跨ぎの時間帯（Start > End）にも対応する。無効化時は常にfalse。
func (qh QuietHours) Contains(t time.Time) bool {
	if !qh.Enabled {
		return false
	}
	start, err := time.Parse("15:04", qh.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", qh.End)
	if err != nil {
		return false
	}

	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	nowMin := t.Hour()*60 + t.Minute()

	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// 日跨ぎ: 開始以降または終了前
	return nowMin >= startMin || nowMin < endMin
}

// SyncConfiguration はデプロイメント全体の同期設定を表すイミュータブルなエンティティ。
// 永続化されていない場合はDefaultSyncConfigurationで遅延生成される。
// 更新は新しいインスタンスの生成で表現し、UpdatedAtを更新する。
type SyncConfiguration struct {
	ID                string
	DefaultInterval   IntervalPolicy
	WifiOnly          bool
	BatterySavingMode bool
	AutoRetry         bool
	MaxRetryCount     int
	QuietHours        QuietHours
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewSyncConfiguration はグローバル同期設定を検証付きで生成する。
// リトライ回数の範囲外、不正な静音時間帯はErrInvalidConfig。補正は行わない。
func NewSyncConfiguration(
	id string,
	defaultInterval IntervalPolicy,
	wifiOnly, batterySavingMode, autoRetry bool,
	maxRetries int,
	quietHours QuietHours,
	now time.Time,
) (*SyncConfiguration, error) {
	if maxRetries < minRetryCount || maxRetries > maxRetryCount {
		return nil, NewInvalidRetryCountError(maxRetries)
	}
	if err := validateQuietHours(quietHours); err != nil {
		return nil, err
	}
	return &SyncConfiguration{
		ID:                id,
		DefaultInterval:   defaultInterval,
		WifiOnly:          wifiOnly,
		BatterySavingMode: batterySavingMode,
		AutoRetry:         autoRetry,
		MaxRetryCount:     maxRetries,
		QuietHours:        quietHours,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// DefaultSyncConfiguration は既定値のグローバル同期設定を生成する。
// 初回アクセス時、永続化済み設定が存在しない場合に使用する。
func DefaultSyncConfiguration(id string, now time.Time) *SyncConfiguration {
	return &SyncConfiguration{
		ID:              id,
		DefaultInterval: IntervalPolicy{kind: IntervalStandard},
		AutoRetry:       true,
		MaxRetryCount:   3,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// UpdateInterval は既定間隔を変更した新しいインスタンスを返す。
func (c *SyncConfiguration) UpdateInterval(interval IntervalPolicy, now time.Time) *SyncConfiguration {
	next := *c
	next.DefaultInterval = interval
	next.UpdatedAt = now
	return &next
}

// UpdateOptions は同期オプションを変更した新しいインスタンスを返す。
// 検証に失敗した場合はErrInvalidConfigを返し、元のインスタンスは変更しない。
func (c *SyncConfiguration) UpdateOptions(
	wifiOnly, batterySavingMode, autoRetry bool,
	maxRetries int,
	quietHours QuietHours,
	now time.Time,
) (*SyncConfiguration, error) {
	if maxRetries < minRetryCount || maxRetries > maxRetryCount {
		return nil, NewInvalidRetryCountError(maxRetries)
	}
	if err := validateQuietHours(quietHours); err != nil {
		return nil, err
	}
	next := *c
	next.WifiOnly = wifiOnly
	next.BatterySavingMode = batterySavingMode
	next.AutoRetry = autoRetry
	next.MaxRetryCount = maxRetries
	next.QuietHours = quietHours
	next.UpdatedAt = now
	return &next, nil
}

// SyncStatus は金融機関の同期状態を表す。
type SyncStatus string

const (
	// SyncStatusIdle は待機状態。
	SyncStatusIdle SyncStatus = "idle"
	// SyncStatusSyncing は同期実行中の状態。
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusError はエラー発生状態。
	SyncStatusError SyncStatus = "error"
)

// InstitutionSyncConfiguration は金融機関ごとの同期設定を表すイミュータブルなエンティティ。
// Intervalがnilの場合はグローバル既定間隔を継承する。
// 金融機関ごとに1インスタンスで、初回の設定アクセス時に生成される。
type InstitutionSyncConfiguration struct {
	ID            string
	InstitutionID string
	Interval      *IntervalPolicy // nil ⇒ グローバル既定を継承
	Enabled       bool
	LastSyncedAt  *time.Time
	NextSyncAt    *time.Time
	SyncStatus    SyncStatus
	ErrorCount    int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewInstitutionSyncConfiguration は金融機関同期設定を初期状態で生成する。
// 初回はグローバル既定間隔を継承（Interval=nil）し、有効・待機状態で開始する。
func NewInstitutionSyncConfiguration(id, institutionID string, globalDefault IntervalPolicy, now time.Time) *InstitutionSyncConfiguration {
	cfg := &InstitutionSyncConfiguration{
		ID:            id,
		InstitutionID: institutionID,
		Enabled:       true,
		SyncStatus:    SyncStatusIdle,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	cfg.NextSyncAt = computeNextSyncAt(cfg, globalDefault, now)
	return cfg
}

// EffectiveInterval は適用される間隔を返す。個別設定がなければグローバル既定を返す。
func (c *InstitutionSyncConfiguration) EffectiveInterval(globalDefault IntervalPolicy) IntervalPolicy {
	if c.Interval != nil {
		return *c.Interval
	}
	return globalDefault
}

// computeNextSyncAt は次回同期時刻を再計算する。
// 無効化またはmanual間隔の場合はnil（スケジュールなし）。
func computeNextSyncAt(c *InstitutionSyncConfiguration, globalDefault IntervalPolicy, now time.Time) *time.Time {
	if !c.Enabled {
		return nil
	}
	interval := c.EffectiveInterval(globalDefault)
	if interval.IsManual() {
		return nil
	}
	next, err := interval.NextRunAfter(c.LastSyncedAt, now)
	if err != nil {
		return nil
	}
	return &next
}

// UpdateInterval は間隔を変更しNextSyncAtを再計算した新しいインスタンスを返す。
// intervalにnilを渡すとグローバル既定の継承に戻る。
func (c *InstitutionSyncConfiguration) UpdateInterval(interval *IntervalPolicy, globalDefault IntervalPolicy, now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.Interval = interval
	next.UpdatedAt = now
	next.NextSyncAt = computeNextSyncAt(&next, globalDefault, now)
	return &next
}

// SetEnabled は有効フラグを変更しNextSyncAtを再計算した新しいインスタンスを返す。
func (c *InstitutionSyncConfiguration) SetEnabled(enabled bool, globalDefault IntervalPolicy, now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.Enabled = enabled
	next.UpdatedAt = now
	next.NextSyncAt = computeNextSyncAt(&next, globalDefault, now)
	return &next
}

// RecordSuccessfulSync は同期成功を記録した新しいインスタンスを返す。
// エラー状態をクリアし、LastSyncedAtを更新してNextSyncAtを再計算する。
func (c *InstitutionSyncConfiguration) RecordSuccessfulSync(at time.Time, globalDefault IntervalPolicy, now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.LastSyncedAt = &at
	next.SyncStatus = SyncStatusIdle
	next.ErrorCount = 0
	next.LastError = ""
	next.UpdatedAt = now
	next.NextSyncAt = computeNextSyncAt(&next, globalDefault, now)
	return &next
}

// IncrementErrorCount はエラー回数を加算しエラー状態に遷移した新しいインスタンスを返す。
func (c *InstitutionSyncConfiguration) IncrementErrorCount(lastError string, now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.ErrorCount++
	next.LastError = lastError
	next.SyncStatus = SyncStatusError
	next.UpdatedAt = now
	return &next
}

// ResetErrorCount はエラー状態をクリアし、NextSyncAtを再計算した新しいインスタンスを返す。
// エラーで止まっていた間に経過したスケジュールを現在時刻基準に引き直す。
func (c *InstitutionSyncConfiguration) ResetErrorCount(globalDefault IntervalPolicy, now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.ErrorCount = 0
	next.LastError = ""
	next.SyncStatus = SyncStatusIdle
	next.UpdatedAt = now
	next.NextSyncAt = computeNextSyncAt(&next, globalDefault, now)
	return &next
}

// MarkSyncing は同期実行中状態に遷移した新しいインスタンスを返す。
func (c *InstitutionSyncConfiguration) MarkSyncing(now time.Time) *InstitutionSyncConfiguration {
	next := *c
	next.SyncStatus = SyncStatusSyncing
	next.UpdatedAt = now
	return &next
}

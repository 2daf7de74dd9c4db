// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 同期コアのエラー分類。errors.Isで判定する。
var (
	// ErrInvalidConfig は不正な同期設定（間隔・リトライ回数・静音時間帯など）を表す。
	// 構築時に検出し、自動補正は行わない。
	ErrInvalidConfig = errors.New("invalid sync configuration")

	// ErrInvalidTransition は同期実行の不正な状態遷移を表す。
	// 遷移元の状態は一切変更されない。
	ErrInvalidTransition = errors.New("invalid sync run transition")

	// ErrNotFound は存在しない同期実行・金融機関・設定への参照を表す。
	ErrNotFound = errors.New("not found")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, sync, system
	Action   string // ユーザー向け対処方法

	wrapped error // errors.Isによる分類用（validation系はErrInvalidConfigを包む）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は分類用のエラーを返す。未設定の場合はnil。
func (e *APIError) Unwrap() error {
	return e.wrapped
}

// 定義済みエラーコード
const (
	ErrCodeInvalidInterval     = "INVALID_INTERVAL"
	ErrCodeInvalidQuietHours   = "INVALID_QUIET_HOURS"
	ErrCodeInvalidRetryCount   = "INVALID_RETRY_COUNT"
	ErrCodeInvalidPeriod       = "INVALID_PERIOD"
	ErrCodeSyncRunNotFound     = "SYNC_RUN_NOT_FOUND"
	ErrCodeInstitutionNotFound = "INSTITUTION_NOT_FOUND"
	ErrCodeSyncAlreadyRunning  = "SYNC_ALREADY_RUNNING"
	ErrCodeSyncNotRunning      = "SYNC_NOT_RUNNING"
)

// NewInvalidIntervalError は無効な同期間隔エラーを生成する。
func NewInvalidIntervalError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInterval,
		Message:  fmt.Sprintf("無効な同期間隔です: %s", reason),
		Category: "validation",
		Action:   "カスタム間隔は5分から43200分（30日）の範囲で指定してください。",
		wrapped:  ErrInvalidConfig,
	}
}

// NewInvalidQuietHoursError は無効な静音時間帯エラーを生成する。
func NewInvalidQuietHoursError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuietHours,
		Message:  fmt.Sprintf("無効な静音時間帯です: %s", reason),
		Category: "validation",
		Action:   "開始・終了時刻をHH:mm形式で指定し、開始と終了に同一時刻は指定しないでください。",
		wrapped:  ErrInvalidConfig,
	}
}

// NewInvalidRetryCountError は無効なリトライ回数エラーを生成する。
func NewInvalidRetryCountError(count int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRetryCount,
		Message:  fmt.Sprintf("無効なリトライ回数です: %d", count),
		Category: "validation",
		Action:   "リトライ回数は1から10の範囲で指定してください。",
		wrapped:  ErrInvalidConfig,
	}
}

// NewInvalidPeriodError は無効な取得期間エラーを生成する。
func NewInvalidPeriodError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPeriod,
		Message:  fmt.Sprintf("無効な取得期間です: %s", reason),
		Category: "validation",
		Action:   "開始日は終了日以前、期間は365日以内、終了日は未来日でない日付を指定してください。",
		wrapped:  ErrInvalidConfig,
	}
}

// NewSyncRunNotFoundError は同期実行未検出エラーを生成する。
func NewSyncRunNotFoundError(runID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncRunNotFound,
		Message:  fmt.Sprintf("指定された同期実行が見つかりません: %s", runID),
		Category: "sync",
		Action:   "同期実行IDを確認してください。",
	}
}

// NewInstitutionNotFoundError は金融機関未検出エラーを生成する。
func NewInstitutionNotFoundError(institutionID string) *APIError {
	return &APIError{
		Code:     ErrCodeInstitutionNotFound,
		Message:  fmt.Sprintf("指定された金融機関が見つかりません: %s", institutionID),
		Category: "sync",
		Action:   "金融機関IDを確認してください。",
	}
}

// NewSyncAlreadyRunningError は同期実行の二重起動エラーを生成する。
func NewSyncAlreadyRunningError(runID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncAlreadyRunning,
		Message:  fmt.Sprintf("別の同期が実行中です: %s", runID),
		Category: "sync",
		Action:   "実行中の同期が完了してから再度お試しください。",
	}
}

// NewSyncNotRunningError は実行中でない同期のキャンセルエラーを生成する。
func NewSyncNotRunningError(runID string) *APIError {
	return &APIError{
		Code:     ErrCodeSyncNotRunning,
		Message:  fmt.Sprintf("指定された同期は実行中ではありません: %s", runID),
		Category: "sync",
		Action:   "キャンセルは実行中の同期に対してのみ行えます。",
	}
}

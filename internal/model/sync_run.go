package model

import (
	"fmt"
	"time"
)

// SyncRunStatus は同期実行の状態を表す。
type SyncRunStatus string

const (
	// SyncRunPending は開始待ちの初期状態。
	SyncRunPending SyncRunStatus = "pending"
	// SyncRunRunning は実行中の状態。
	SyncRunRunning SyncRunStatus = "running"
	// SyncRunCompleted は全件成功で完了した終端状態。
	SyncRunCompleted SyncRunStatus = "completed"
	// SyncRunFailed は全件失敗で完了した終端状態。
	SyncRunFailed SyncRunStatus = "failed"
	// SyncRunPartialSuccess は一部成功で完了した終端状態。
	SyncRunPartialSuccess SyncRunStatus = "partial_success"
	// SyncRunCancelled はキャンセルされた終端状態。
	SyncRunCancelled SyncRunStatus = "cancelled"
)

// IsTerminal は終端状態かどうかを返す。終端状態からの遷移は存在しない。
func (s SyncRunStatus) IsTerminal() bool {
	switch s {
	case SyncRunCompleted, SyncRunFailed, SyncRunPartialSuccess, SyncRunCancelled:
		return true
	default:
		return false
	}
}

// SyncRunType は同期実行の種別を表す。
type SyncRunType string

const (
	// SyncRunTypeBatch は全金融機関を対象とするバッチ実行。
	SyncRunTypeBatch SyncRunType = "batch"
	// SyncRunTypeInstitution は1金融機関のレッグ実行。
	SyncRunTypeInstitution SyncRunType = "institution"
)

// SyncRun は1回の同期試行（バッチまたはレッグ）を記録する状態機械。
// 遷移は一方向: pending → running → {completed, failed, partial_success, cancelled}。
// 終端状態からの復帰はなく、不正な遷移はErrInvalidTransitionで拒否し状態を変更しない。
type SyncRun struct {
	ID            string
	InstitutionID string // バッチ実行の場合は空
	Name          string
	Type          SyncRunType
	Status        SyncRunStatus
	StartedAt     time.Time
	CompletedAt   *time.Time

	// 集計カウンタ
	TotalFetched      int
	NewRecords        int
	DuplicateRecords  int
	TotalInstitutions int
	SuccessCount      int
	FailureCount      int

	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewSyncRun はpending状態の同期実行を生成する。
func NewSyncRun(id, institutionID, name string, runType SyncRunType, now time.Time) *SyncRun {
	return &SyncRun{
		ID:            id,
		InstitutionID: institutionID,
		Name:          name,
		Type:          runType,
		Status:        SyncRunPending,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Start はpending → runningの遷移を行う。
func (r *SyncRun) Start(now time.Time) error {
	if r.Status != SyncRunPending {
		return fmt.Errorf("%w: %s状態からは開始できません", ErrInvalidTransition, r.Status)
	}
	r.Status = SyncRunRunning
	r.StartedAt = now
	r.UpdatedAt = now
	return nil
}

// Complete はrunningから集計カウンタに基づく終端状態へ遷移する。
// failureCount=0 ⇒ completed、successCount=0 ⇒ failed、混在 ⇒ partial_success。
func (r *SyncRun) Complete(successCount, failureCount int, now time.Time) error {
	if r.Status != SyncRunRunning {
		return fmt.Errorf("%w: %s状態からは完了できません", ErrInvalidTransition, r.Status)
	}
	r.SuccessCount = successCount
	r.FailureCount = failureCount

	switch {
	case failureCount == 0:
		r.Status = SyncRunCompleted
	case successCount == 0:
		r.Status = SyncRunFailed
	default:
		r.Status = SyncRunPartialSuccess
	}
	r.markCompleted(now)
	return nil
}

// Fail はrunning → failedの遷移を行い、エラーメッセージを記録する。
func (r *SyncRun) Fail(message string, now time.Time) error {
	if r.Status != SyncRunRunning {
		return fmt.Errorf("%w: %s状態からは失敗にできません", ErrInvalidTransition, r.Status)
	}
	r.Status = SyncRunFailed
	r.ErrorMessage = message
	r.markCompleted(now)
	return nil
}

// Cancel はrunning → cancelledの遷移を行う。
// running以外（pending・終端状態）からのキャンセルはErrInvalidTransitionで拒否し、
// 状態を一切変更しない。
func (r *SyncRun) Cancel(now time.Time) error {
	if r.Status != SyncRunRunning {
		return fmt.Errorf("%w: %s状態の同期はキャンセルできません", ErrInvalidTransition, r.Status)
	}
	r.Status = SyncRunCancelled
	r.markCompleted(now)
	return nil
}

// AddNewTransactions は取得・新規・重複のカウンタを加算する。
// 非終端状態でのみ有効。
func (r *SyncRun) AddNewTransactions(fetched, newRecords, duplicates int, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: 終端状態(%s)ではカウンタを加算できません", ErrInvalidTransition, r.Status)
	}
	r.TotalFetched += fetched
	r.NewRecords += newRecords
	r.DuplicateRecords += duplicates
	r.UpdatedAt = now
	return nil
}

// IncrementRetryCount はリトライ回数を加算する。
func (r *SyncRun) IncrementRetryCount(now time.Time) {
	r.RetryCount++
	r.UpdatedAt = now
}

// markCompleted は終端状態への初回到達時にCompletedAtを1回だけ設定する。
func (r *SyncRun) markCompleted(now time.Time) {
	if r.CompletedAt == nil {
		t := now
		r.CompletedAt = &t
	}
	r.UpdatedAt = now
}

// Duration は開始から完了までの所要時間を返す。未完了の場合はnowまでの経過時間。
func (r *SyncRun) Duration(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

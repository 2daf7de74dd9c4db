// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
)

// InstitutionDirectory は接続済み金融機関の参照インターフェース。
// 同期対象の構築に使用する。
type InstitutionDirectory interface {
	// ListConnected は接続済みの金融機関一覧を返す。
	ListConnected(ctx context.Context) ([]*model.Institution, error)

	// FindByID は指定IDの金融機関を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Institution, error)
}

// SyncRunFilters は同期履歴の検索条件を表す。
// ゼロ値のフィールドは条件に含めない。
type SyncRunFilters struct {
	InstitutionID string
	Status        model.SyncRunStatus
	Type          model.SyncRunType
}

// SyncHistoryStore は同期実行履歴の永続化インターフェース。
type SyncHistoryStore interface {
	// Create は同期実行を作成する。
	Create(ctx context.Context, run *model.SyncRun) error

	// Update は同期実行の状態とカウンタを更新する。
	Update(ctx context.Context, run *model.SyncRun) error

	// FindByID は指定IDの同期実行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.SyncRun, error)

	// FindRunning は実行中（running）のバッチ同期を取得する。存在しない場合はnilを返す。
	// 「同期実行中か」の判定は常にこのクエリで行い、別のフラグは持たない。
	FindRunning(ctx context.Context) (*model.SyncRun, error)

	// FindWithFilters は条件に一致する同期実行をstarted_at降順で取得する。
	FindWithFilters(ctx context.Context, filters SyncRunFilters, limit, offset int) ([]*model.SyncRun, error)

	// CountWithFilters は条件に一致する同期実行の件数を返す。
	CountWithFilters(ctx context.Context, filters SyncRunFilters) (int, error)
}

// SyncConfigurationStore は同期設定の永続化インターフェース。
type SyncConfigurationStore interface {
	// FindGlobal はグローバル同期設定を取得する。未永続化の場合はnilを返す。
	FindGlobal(ctx context.Context) (*model.SyncConfiguration, error)

	// SaveGlobal はグローバル同期設定を保存（UPSERT）する。
	SaveGlobal(ctx context.Context, cfg *model.SyncConfiguration) error

	// FindInstitutionSettings は指定金融機関の同期設定を取得する。見つからない場合はnilを返す。
	FindInstitutionSettings(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error)

	// FindAllInstitutionSettings は全金融機関の同期設定を返す。
	FindAllInstitutionSettings(ctx context.Context) ([]*model.InstitutionSyncConfiguration, error)

	// SaveInstitutionSettings は金融機関の同期設定を保存（UPSERT）する。
	SaveInstitutionSettings(ctx context.Context, cfg *model.InstitutionSyncConfiguration) error

	// DeleteInstitutionSettings は金融機関の同期設定を削除する。
	// 金融機関自体の削除に追従して呼ばれる。
	DeleteInstitutionSettings(ctx context.Context, institutionID string) error
}

// TransactionStore は取引レコードの永続化インターフェース。
// 重複排除用の既知識別子の取得と、新規レコードの一括登録を提供する。
type TransactionStore interface {
	// KnownExternalIDs は指定金融機関・指定日時以降の既知の外部識別子集合を返す。
	KnownExternalIDs(ctx context.Context, institutionID string, since time.Time) (map[string]struct{}, error)

	// InsertRecords は新規取引レコードを一括登録し、登録件数を返す。
	InsertRecords(ctx context.Context, institutionID string, records []model.RawRecord) (int, error)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/kakeibo/internal/model"
)

// PostgresSyncRunRepo はPostgreSQLを使用した同期履歴リポジトリ。
type PostgresSyncRunRepo struct {
	db *sql.DB
}

// NewPostgresSyncRunRepo はPostgresSyncRunRepoを生成する。
func NewPostgresSyncRunRepo(db *sql.DB) *PostgresSyncRunRepo {
	return &PostgresSyncRunRepo{db: db}
}

const syncRunColumns = `id, institution_id, name, type, status, started_at, completed_at,
	        total_fetched, new_records, duplicate_records, total_institutions,
	        success_count, failure_count, error_message, retry_count, created_at, updated_at`

// Create は同期実行を作成する。
func (r *PostgresSyncRunRepo) Create(ctx context.Context, run *model.SyncRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, institution_id, name, type, status, started_at, completed_at,
		                        total_fetched, new_records, duplicate_records, total_institutions,
		                        success_count, failure_count, error_message, retry_count,
		                        created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, nullString(run.InstitutionID), run.Name, run.Type, run.Status,
		run.StartedAt, nullTime(run.CompletedAt),
		run.TotalFetched, run.NewRecords, run.DuplicateRecords, run.TotalInstitutions,
		run.SuccessCount, run.FailureCount, nullString(run.ErrorMessage), run.RetryCount,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期実行の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は同期実行の状態とカウンタを更新する。
func (r *PostgresSyncRunRepo) Update(ctx context.Context, run *model.SyncRun) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_runs
		 SET status = $2, started_at = $3, completed_at = $4,
		     total_fetched = $5, new_records = $6, duplicate_records = $7,
		     total_institutions = $8, success_count = $9, failure_count = $10,
		     error_message = $11, retry_count = $12, updated_at = $13
		 WHERE id = $1`,
		run.ID, run.Status, run.StartedAt, nullTime(run.CompletedAt),
		run.TotalFetched, run.NewRecords, run.DuplicateRecords,
		run.TotalInstitutions, run.SuccessCount, run.FailureCount,
		nullString(run.ErrorMessage), run.RetryCount, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("同期実行の更新に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの同期実行を取得する。見つからない場合はnilを返す。
func (r *PostgresSyncRunRepo) FindByID(ctx context.Context, id string) (*model.SyncRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id)

	run, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("同期実行の取得に失敗しました: %w", err)
	}
	return run, nil
}

// FindRunning は実行中のバッチ同期を取得する。存在しない場合はnilを返す。
func (r *PostgresSyncRunRepo) FindRunning(ctx context.Context) (*model.SyncRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+syncRunColumns+`
		 FROM sync_runs
		 WHERE type = $1 AND status = $2
		 ORDER BY started_at DESC
		 LIMIT 1`,
		model.SyncRunTypeBatch, model.SyncRunRunning)

	run, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("実行中の同期の取得に失敗しました: %w", err)
	}
	return run, nil
}

// FindWithFilters は条件に一致する同期実行をstarted_at降順で取得する。
func (r *PostgresSyncRunRepo) FindWithFilters(ctx context.Context, filters SyncRunFilters, limit, offset int) ([]*model.SyncRun, error) {
	where, args := buildSyncRunFilters(filters)
	args = append(args, limit, offset)

	query := `SELECT ` + syncRunColumns + ` FROM sync_runs` + where +
		fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("同期履歴の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []*model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("同期履歴の読み取りに失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("同期履歴の検索に失敗しました: %w", err)
	}
	return runs, nil
}

// CountWithFilters は条件に一致する同期実行の件数を返す。
func (r *PostgresSyncRunRepo) CountWithFilters(ctx context.Context, filters SyncRunFilters) (int, error) {
	where, args := buildSyncRunFilters(filters)

	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_runs`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("同期履歴の件数取得に失敗しました: %w", err)
	}
	return count, nil
}

// buildSyncRunFilters は検索条件からWHERE句とバインド引数を構築する。
func buildSyncRunFilters(filters SyncRunFilters) (string, []any) {
	var conds []string
	var args []any

	if filters.InstitutionID != "" {
		args = append(args, filters.InstitutionID)
		conds = append(conds, fmt.Sprintf("institution_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.Type != "" {
		args = append(args, filters.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSyncRun は1行をSyncRunに読み取る。
func scanSyncRun(row rowScanner) (*model.SyncRun, error) {
	run := &model.SyncRun{}
	var institutionID, errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &institutionID, &run.Name, &run.Type, &run.Status,
		&run.StartedAt, &completedAt,
		&run.TotalFetched, &run.NewRecords, &run.DuplicateRecords, &run.TotalInstitutions,
		&run.SuccessCount, &run.FailureCount, &errorMessage, &run.RetryCount,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.InstitutionID = nullStringValue(institutionID)
	run.ErrorMessage = nullStringValue(errorMessage)
	run.CompletedAt = nullTimeValue(completedAt)
	return run, nil
}

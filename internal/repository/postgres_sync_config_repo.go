package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kakeibo/internal/model"
)

// PostgresSyncConfigRepo はPostgreSQLを使用した同期設定リポジトリ。
// グローバル設定と金融機関ごとの設定の両方を扱う。
type PostgresSyncConfigRepo struct {
	db *sql.DB
}

// NewPostgresSyncConfigRepo はPostgresSyncConfigRepoを生成する。
func NewPostgresSyncConfigRepo(db *sql.DB) *PostgresSyncConfigRepo {
	return &PostgresSyncConfigRepo{db: db}
}

// FindGlobal はグローバル同期設定を取得する。未永続化の場合はnilを返す。
// グローバル設定はデプロイメントごとに1行のシングルトン。
func (r *PostgresSyncConfigRepo) FindGlobal(ctx context.Context) (*model.SyncConfiguration, error) {
	var (
		id                                     string
		kind                                   string
		amount                                 sql.NullInt64
		unit, expression                       sql.NullString
		wifiOnly, batterySavingMode, autoRetry bool
		maxRetryCount                          int
		quietEnabled                           bool
		quietStart, quietEnd                   sql.NullString
		createdAt, updatedAt                   sql.NullTime
	)

	err := r.db.QueryRowContext(ctx,
		`SELECT id, interval_kind, interval_amount, interval_unit, interval_expression,
		        wifi_only, battery_saving_mode, auto_retry, max_retry_count,
		        quiet_hours_enabled, quiet_hours_start, quiet_hours_end,
		        created_at, updated_at
		 FROM sync_configurations
		 LIMIT 1`,
	).Scan(
		&id, &kind, &amount, &unit, &expression,
		&wifiOnly, &batterySavingMode, &autoRetry, &maxRetryCount,
		&quietEnabled, &quietStart, &quietEnd,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("グローバル同期設定の取得に失敗しました: %w", err)
	}

	interval, err := model.IntervalFromParts(
		model.IntervalKind(kind), nullIntValue(amount),
		model.IntervalUnit(nullStringValue(unit)), nullStringValue(expression),
	)
	if err != nil {
		return nil, fmt.Errorf("永続化された同期間隔の復元に失敗しました: %w", err)
	}

	cfg, err := model.NewSyncConfiguration(
		id, interval, wifiOnly, batterySavingMode, autoRetry, maxRetryCount,
		model.QuietHours{
			Enabled: quietEnabled,
			Start:   nullStringValue(quietStart),
			End:     nullStringValue(quietEnd),
		},
		createdAt.Time,
	)
	if err != nil {
		return nil, fmt.Errorf("永続化されたグローバル同期設定の復元に失敗しました: %w", err)
	}
	cfg.UpdatedAt = updatedAt.Time
	return cfg, nil
}

// SaveGlobal はグローバル同期設定を保存（UPSERT）する。
func (r *PostgresSyncConfigRepo) SaveGlobal(ctx context.Context, cfg *model.SyncConfiguration) error {
	interval := cfg.DefaultInterval
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sync_configurations (id, interval_kind, interval_amount, interval_unit,
		                                  interval_expression, wifi_only, battery_saving_mode,
		                                  auto_retry, max_retry_count, quiet_hours_enabled,
		                                  quiet_hours_start, quiet_hours_end, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (id) DO UPDATE SET
		     interval_kind = EXCLUDED.interval_kind,
		     interval_amount = EXCLUDED.interval_amount,
		     interval_unit = EXCLUDED.interval_unit,
		     interval_expression = EXCLUDED.interval_expression,
		     wifi_only = EXCLUDED.wifi_only,
		     battery_saving_mode = EXCLUDED.battery_saving_mode,
		     auto_retry = EXCLUDED.auto_retry,
		     max_retry_count = EXCLUDED.max_retry_count,
		     quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
		     quiet_hours_start = EXCLUDED.quiet_hours_start,
		     quiet_hours_end = EXCLUDED.quiet_hours_end,
		     updated_at = EXCLUDED.updated_at`,
		cfg.ID, string(interval.Kind()), nullInt(interval.Amount()),
		nullString(string(interval.Unit())), nullString(interval.Expression()),
		cfg.WifiOnly, cfg.BatterySavingMode, cfg.AutoRetry, cfg.MaxRetryCount,
		cfg.QuietHours.Enabled, nullString(cfg.QuietHours.Start), nullString(cfg.QuietHours.End),
		cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("グローバル同期設定の保存に失敗しました: %w", err)
	}
	return nil
}

const institutionConfigColumns = `id, institution_id, interval_kind, interval_amount, interval_unit,
	        interval_expression, enabled, last_synced_at, next_sync_at, sync_status,
	        error_count, last_error, created_at, updated_at`

// FindInstitutionSettings は指定金融機関の同期設定を取得する。見つからない場合はnilを返す。
func (r *PostgresSyncConfigRepo) FindInstitutionSettings(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+institutionConfigColumns+`
		 FROM institution_sync_configurations
		 WHERE institution_id = $1`,
		institutionID)

	cfg, err := scanInstitutionConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("金融機関同期設定の取得に失敗しました: %w", err)
	}
	return cfg, nil
}

// FindAllInstitutionSettings は全金融機関の同期設定を返す。
func (r *PostgresSyncConfigRepo) FindAllInstitutionSettings(ctx context.Context) ([]*model.InstitutionSyncConfiguration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+institutionConfigColumns+`
		 FROM institution_sync_configurations
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("金融機関同期設定一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var configs []*model.InstitutionSyncConfiguration
	for rows.Next() {
		cfg, err := scanInstitutionConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("金融機関同期設定の読み取りに失敗しました: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("金融機関同期設定一覧の取得に失敗しました: %w", err)
	}
	return configs, nil
}

// SaveInstitutionSettings は金融機関の同期設定を保存（UPSERT）する。
func (r *PostgresSyncConfigRepo) SaveInstitutionSettings(ctx context.Context, cfg *model.InstitutionSyncConfiguration) error {
	var kind, unit, expression sql.NullString
	var amount sql.NullInt64
	if cfg.Interval != nil {
		kind = nullString(string(cfg.Interval.Kind()))
		amount = nullInt(cfg.Interval.Amount())
		unit = nullString(string(cfg.Interval.Unit()))
		expression = nullString(cfg.Interval.Expression())
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO institution_sync_configurations (id, institution_id, interval_kind,
		         interval_amount, interval_unit, interval_expression, enabled,
		         last_synced_at, next_sync_at, sync_status, error_count, last_error,
		         created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (institution_id) DO UPDATE SET
		     interval_kind = EXCLUDED.interval_kind,
		     interval_amount = EXCLUDED.interval_amount,
		     interval_unit = EXCLUDED.interval_unit,
		     interval_expression = EXCLUDED.interval_expression,
		     enabled = EXCLUDED.enabled,
		     last_synced_at = EXCLUDED.last_synced_at,
		     next_sync_at = EXCLUDED.next_sync_at,
		     sync_status = EXCLUDED.sync_status,
		     error_count = EXCLUDED.error_count,
		     last_error = EXCLUDED.last_error,
		     updated_at = EXCLUDED.updated_at`,
		cfg.ID, cfg.InstitutionID, kind, amount, unit, expression, cfg.Enabled,
		nullTime(cfg.LastSyncedAt), nullTime(cfg.NextSyncAt), cfg.SyncStatus,
		cfg.ErrorCount, nullString(cfg.LastError), cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("金融機関同期設定の保存に失敗しました: %w", err)
	}
	return nil
}

// DeleteInstitutionSettings は金融機関の同期設定を削除する。
func (r *PostgresSyncConfigRepo) DeleteInstitutionSettings(ctx context.Context, institutionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM institution_sync_configurations WHERE institution_id = $1`,
		institutionID)
	if err != nil {
		return fmt.Errorf("金融機関同期設定の削除に失敗しました: %w", err)
	}
	return nil
}

// scanInstitutionConfig は1行をInstitutionSyncConfigurationに読み取る。
func scanInstitutionConfig(row rowScanner) (*model.InstitutionSyncConfiguration, error) {
	cfg := &model.InstitutionSyncConfiguration{}
	var kind, unit, expression, lastError sql.NullString
	var amount sql.NullInt64
	var lastSyncedAt, nextSyncAt sql.NullTime

	err := row.Scan(
		&cfg.ID, &cfg.InstitutionID, &kind, &amount, &unit, &expression,
		&cfg.Enabled, &lastSyncedAt, &nextSyncAt, &cfg.SyncStatus,
		&cfg.ErrorCount, &lastError, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if kind.Valid {
		interval, err := model.IntervalFromParts(
			model.IntervalKind(kind.String), nullIntValue(amount),
			model.IntervalUnit(nullStringValue(unit)), nullStringValue(expression),
		)
		if err != nil {
			return nil, fmt.Errorf("永続化された同期間隔の復元に失敗しました: %w", err)
		}
		cfg.Interval = &interval
	}

	cfg.LastSyncedAt = nullTimeValue(lastSyncedAt)
	cfg.NextSyncAt = nullTimeValue(nextSyncAt)
	cfg.LastError = nullStringValue(lastError)
	return cfg, nil
}

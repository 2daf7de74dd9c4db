package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/kakeibo/internal/model"
)

// PostgresInstitutionRepo はPostgreSQLを使用した金融機関リポジトリ。
type PostgresInstitutionRepo struct {
	db *sql.DB
}

// NewPostgresInstitutionRepo はPostgresInstitutionRepoを生成する。
func NewPostgresInstitutionRepo(db *sql.DB) *PostgresInstitutionRepo {
	return &PostgresInstitutionRepo{db: db}
}

// ListConnected は接続済みの金融機関一覧を返す。
func (r *PostgresInstitutionRepo) ListConnected(ctx context.Context) ([]*model.Institution, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, type, last_synced_at, is_connected, created_at, updated_at
		 FROM institutions
		 WHERE is_connected = TRUE
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("接続済み金融機関一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var institutions []*model.Institution
	for rows.Next() {
		inst := &model.Institution{}
		var lastSyncedAt sql.NullTime
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.Type, &lastSyncedAt,
			&inst.IsConnected, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("金融機関の読み取りに失敗しました: %w", err)
		}
		inst.LastSyncedAt = nullTimeValue(lastSyncedAt)
		institutions = append(institutions, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("接続済み金融機関一覧の取得に失敗しました: %w", err)
	}
	return institutions, nil
}

// FindByID は指定IDの金融機関を取得する。見つからない場合はnilを返す。
func (r *PostgresInstitutionRepo) FindByID(ctx context.Context, id string) (*model.Institution, error) {
	inst := &model.Institution{}
	var lastSyncedAt sql.NullTime

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, type, last_synced_at, is_connected, created_at, updated_at
		 FROM institutions WHERE id = $1`,
		id,
	).Scan(&inst.ID, &inst.Name, &inst.Type, &lastSyncedAt,
		&inst.IsConnected, &inst.CreatedAt, &inst.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("金融機関の取得に失敗しました: %w", err)
	}

	inst.LastSyncedAt = nullTimeValue(lastSyncedAt)
	return inst, nil
}

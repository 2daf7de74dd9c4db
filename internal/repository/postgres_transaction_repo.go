package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/kakeibo/internal/model"
)

// PostgresTransactionRepo はPostgreSQLを使用した取引レコードリポジトリ。
// 重複排除用の既知識別子の取得と、同期で得た新規レコードの登録を担う。
type PostgresTransactionRepo struct {
	db *sql.DB
}

// NewPostgresTransactionRepo はPostgresTransactionRepoを生成する。
func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db}
}

// KnownExternalIDs は指定金融機関・指定日時以降の既知の外部識別子集合を返す。
// 取得ウィンドウの開始以降に限定することで集合のサイズを抑える。
func (r *PostgresTransactionRepo) KnownExternalIDs(ctx context.Context, institutionID string, since time.Time) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT external_id
		 FROM transactions
		 WHERE institution_id = $1 AND external_id IS NOT NULL AND occurred_at >= $2`,
		institutionID, since)
	if err != nil {
		return nil, fmt.Errorf("既知取引識別子の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("取引識別子の読み取りに失敗しました: %w", err)
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("既知取引識別子の取得に失敗しました: %w", err)
	}
	return known, nil
}

// InsertRecords は新規取引レコードを一括登録し、登録件数を返す。
// 同一トランザクション内で挿入し、途中で失敗した場合は全件ロールバックする。
func (r *PostgresTransactionRepo) InsertRecords(ctx context.Context, institutionID string, records []model.RawRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions (id, institution_id, external_id, amount, currency,
		                           description, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return 0, fmt.Errorf("取引レコード挿入の準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	inserted := 0
	for _, rec := range records {
		var externalID sql.NullString
		if rec.HasExternalID() {
			externalID = sql.NullString{String: rec.ExternalID, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.NewString(), institutionID, externalID,
			rec.Amount, rec.Currency, rec.Description, rec.OccurredAt, now,
		); err != nil {
			return 0, fmt.Errorf("取引レコードの挿入に失敗しました: %w", err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("取引レコードのコミットに失敗しました: %w", err)
	}
	return inserted, nil
}

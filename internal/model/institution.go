package model

import "time"

// InstitutionType は接続先金融機関の種別を表す。
type InstitutionType string

const (
	// InstitutionTypeBank は銀行口座。
	InstitutionTypeBank InstitutionType = "bank"
	// InstitutionTypeCard はクレジットカード。
	InstitutionTypeCard InstitutionType = "card"
	// InstitutionTypeSecurities は証券口座。
	InstitutionTypeSecurities InstitutionType = "securities"
)

// Institution は接続済みの金融機関を表す。
type Institution struct {
	ID           string
	Name         string
	Type         InstitutionType
	LastSyncedAt *time.Time
	IsConnected  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RawRecord は外部コネクタから取得した生の取引レコードを表す。
// ExternalIDは連携先が付与する識別子で、重複排除に使用する。
// 識別子を持たないレコードは重複判定ができないため常に新規として扱う。
type RawRecord struct {
	ExternalID  string // 空の場合は識別子なし
	Amount      int64  // 金額（最小通貨単位）
	Currency    string
	Description string
	OccurredAt  time.Time
}

// HasExternalID は重複排除に使用できる識別子を持つかどうかを返す。
func (r RawRecord) HasExternalID() bool {
	return r.ExternalID != ""
}

// SyncTarget は1回のバッチ同期における対象金融機関を表す。
type SyncTarget struct {
	InstitutionID string
	Name          string
	Type          InstitutionType
	LastSyncedAt  *time.Time
}

package syncer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/kakeibo/internal/model"
)

// TransactionConnector は外部連携先から取引データを取得するインターフェース。
// ネットワーク依存で低速・不安定になりうる唯一の依存であり、
// 失敗はレッグ境界で捕捉・分離される。
type TransactionConnector interface {
	// Fetch は指定金融機関の取引レコードを指定期間で取得する。
	Fetch(ctx context.Context, institutionID string, windowStart, windowEnd time.Time) ([]model.RawRecord, error)
}

// ConnectorRegistry は金融機関種別ごとのコネクタを保持する。
type ConnectorRegistry struct {
	connectors map[model.InstitutionType]TransactionConnector
}

// NewConnectorRegistry はConnectorRegistryを生成する。
func NewConnectorRegistry() *ConnectorRegistry {
	return &ConnectorRegistry{
		connectors: make(map[model.InstitutionType]TransactionConnector),
	}
}

// Register は金融機関種別にコネクタを登録する。同一種別への再登録は上書きする。
func (r *ConnectorRegistry) Register(instType model.InstitutionType, connector TransactionConnector) {
	r.connectors[instType] = connector
}

// Lookup は金融機関種別に対応するコネクタを返す。
// 未登録の場合はErrNotFound。
func (r *ConnectorRegistry) Lookup(instType model.InstitutionType) (TransactionConnector, error) {
	connector, ok := r.connectors[instType]
	if !ok {
		return nil, fmt.Errorf("%w: 金融機関種別%qのコネクタが登録されていません", model.ErrNotFound, instType)
	}
	return connector, nil
}

// RateLimitedConnector は連携先APIのレート制限を尊重するコネクタデコレータ。
// 取得呼び出しの前にトークン取得を待機する。
type RateLimitedConnector struct {
	inner   TransactionConnector
	limiter *rate.Limiter
}

// NewRateLimitedConnector はRateLimitedConnectorを生成する。
// perSecondが0以下の場合は制限なしとして扱う。
func NewRateLimitedConnector(inner TransactionConnector, perSecond float64, burst int) *RateLimitedConnector {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedConnector{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Fetch はレート制限の待機後に内側のコネクタへ委譲する。
// 待機中にコンテキストがキャンセルされた場合はそのエラーを返す。
func (c *RateLimitedConnector) Fetch(ctx context.Context, institutionID string, windowStart, windowEnd time.Time) ([]model.RawRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("レート制限の待機に失敗しました: %w", err)
	}
	return c.inner.Fetch(ctx, institutionID, windowStart, windowEnd)
}

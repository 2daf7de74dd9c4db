package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
)

// maxResponseSize はアグリゲータAPIレスポンスの最大サイズ（5MB）。
const maxResponseSize = 5 * 1024 * 1024

// AggregatorConnector は口座連携アグリゲータAPIから取引データを取得するコネクタ。
// 銀行・カード・証券の各種別に対して同一のAPI形式を使用する。
type AggregatorConnector struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
}

// NewAggregatorConnector はAggregatorConnectorの新しいインスタンスを生成する。
func NewAggregatorConnector(httpClient *http.Client, logger *slog.Logger, baseURL, apiKey string) *AggregatorConnector {
	return &AggregatorConnector{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// aggregatorRecord はアグリゲータAPIの取引レコード形式。
type aggregatorRecord struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
}

// aggregatorResponse はアグリゲータAPIのレスポンス形式。
type aggregatorResponse struct {
	Transactions []aggregatorRecord `json:"transactions"`
}

// Fetch は指定金融機関の取引レコードを指定期間で取得する。
func (c *AggregatorConnector) Fetch(ctx context.Context, institutionID string, windowStart, windowEnd time.Time) ([]model.RawRecord, error) {
	// リクエストURL構築
	reqURL, err := url.Parse(fmt.Sprintf("%s/institutions/%s/transactions", c.baseURL, institutionID))
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLの構築に失敗しました: %w", err)
	}

	q := reqURL.Query()
	q.Set("from", windowStart.UTC().Format(time.RFC3339))
	q.Set("to", windowEnd.UTC().Format(time.RFC3339))
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Kakeibo/1.0 Sync Worker")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("アグリゲータAPIの呼び出しに失敗しました",
			slog.String("institution_id", institutionID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("アグリゲータAPIがエラーステータスを返しました",
			slog.String("institution_id", institutionID),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("アグリゲータAPIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var parsed aggregatorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("レスポンスのパースに失敗しました: %w", err)
	}

	records := make([]model.RawRecord, 0, len(parsed.Transactions))
	for _, t := range parsed.Transactions {
		records = append(records, model.RawRecord{
			ExternalID:  t.ID,
			Amount:      t.Amount,
			Currency:    t.Currency,
			Description: t.Description,
			OccurredAt:  t.Date,
		})
	}
	return records, nil
}

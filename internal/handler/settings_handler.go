package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kakeibo/internal/model"
)

// SettingsServiceInterface は設定ハンドラーが必要とするサービスインターフェース。
type SettingsServiceInterface interface {
	// GetGlobal はグローバル同期設定を返す。存在しない場合は既定値を保存して返す。
	GetGlobal(ctx context.Context) (*model.SyncConfiguration, error)
	// UpdateGlobalInterval はグローバルの同期間隔を更新する。
	UpdateGlobalInterval(ctx context.Context, interval model.IntervalPolicy) (*model.SyncConfiguration, error)
	// UpdateGlobalOptions は同期オプションを更新する。
	UpdateGlobalOptions(ctx context.Context, wifiOnly, batterySavingMode, autoRetry bool, maxRetries int, quietHours model.QuietHours) (*model.SyncConfiguration, error)
	// GetInstitutionSettings は金融機関別設定を返す。初回アクセス時は既定値で作成する。
	GetInstitutionSettings(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error)
	// ListInstitutionSettings は全金融機関の設定を返す。
	ListInstitutionSettings(ctx context.Context) ([]*model.InstitutionSyncConfiguration, error)
	// UpdateInstitutionInterval は金融機関別の間隔を更新する。nilでグローバル既定を継承する。
	UpdateInstitutionInterval(ctx context.Context, institutionID string, interval *model.IntervalPolicy) (*model.InstitutionSyncConfiguration, error)
	// SetInstitutionEnabled は金融機関の同期有効フラグを変更する。
	SetInstitutionEnabled(ctx context.Context, institutionID string, enabled bool) (*model.InstitutionSyncConfiguration, error)
	// ResetInstitutionErrors はエラー状態をクリアし次回同期時刻を引き直す。
	ResetInstitutionErrors(ctx context.Context, institutionID string) (*model.InstitutionSyncConfiguration, error)
	// DeleteInstitutionSettings は金融機関別設定を削除しグローバル既定の継承に戻す。
	DeleteInstitutionSettings(ctx context.Context, institutionID string) error
}

// SettingsHandler は同期設定のHTTPハンドラー。
type SettingsHandler struct {
	service SettingsServiceInterface
}

// NewSettingsHandler はSettingsHandlerを生成する。
func NewSettingsHandler(service SettingsServiceInterface) *SettingsHandler {
	return &SettingsHandler{service: service}
}

// intervalRequest は間隔指定のリクエスト表現。
type intervalRequest struct {
	Kind       string `json:"kind"`
	Amount     int    `json:"amount,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// intervalResponse は間隔のAPIレスポンス表現。
type intervalResponse struct {
	Kind       string `json:"kind"`
	Amount     int    `json:"amount,omitempty"`
	Unit       string `json:"unit,omitempty"`
	Expression string `json:"expression,omitempty"`
}

// quietHoursPayload は静音時間帯のリクエスト・レスポンス表現。
type quietHoursPayload struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start,omitempty"`
	End     string `json:"end,omitempty"`
}

// globalSettingsResponse はグローバル同期設定のAPIレスポンス。
type globalSettingsResponse struct {
	DefaultInterval   intervalResponse  `json:"default_interval"`
	WifiOnly          bool              `json:"wifi_only"`
	BatterySavingMode bool              `json:"battery_saving_mode"`
	AutoRetry         bool              `json:"auto_retry"`
	MaxRetryCount     int               `json:"max_retry_count"`
	QuietHours        quietHoursPayload `json:"quiet_hours"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// institutionSettingsResponse は金融機関別設定のAPIレスポンス。
// Intervalがnullの場合はグローバル既定の継承を表す。
type institutionSettingsResponse struct {
	InstitutionID string            `json:"institution_id"`
	Interval      *intervalResponse `json:"interval"`
	Enabled       bool              `json:"enabled"`
	LastSyncedAt  *time.Time        `json:"last_synced_at,omitempty"`
	NextSyncAt    *time.Time        `json:"next_sync_at,omitempty"`
	SyncStatus    string            `json:"sync_status"`
	ErrorCount    int               `json:"error_count"`
	LastError     string            `json:"last_error,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// updateGlobalSettingsRequest はグローバル設定更新リクエスト。
// 指定されたフィールドのみ更新する。
type updateGlobalSettingsRequest struct {
	Interval          *intervalRequest   `json:"interval"`
	WifiOnly          *bool              `json:"wifi_only"`
	BatterySavingMode *bool              `json:"battery_saving_mode"`
	AutoRetry         *bool              `json:"auto_retry"`
	MaxRetryCount     *int               `json:"max_retry_count"`
	QuietHours        *quietHoursPayload `json:"quiet_hours"`
}

// updateInstitutionSettingsRequest は金融機関別設定更新リクエスト。
type updateInstitutionSettingsRequest struct {
	Interval       *intervalRequest `json:"interval"`
	InheritDefault bool             `json:"inherit_default"`
	Enabled        *bool            `json:"enabled"`
}

// GetGlobalSettings はグローバル同期設定を返す。
// GET /api/sync/settings
func (h *SettingsHandler) GetGlobalSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.service.GetGlobal(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGlobalSettingsResponse(cfg))
}

// UpdateGlobalSettings はグローバル同期設定を更新する。
// PUT /api/sync/settings
func (h *SettingsHandler) UpdateGlobalSettings(w http.ResponseWriter, r *http.Request) {
	var req updateGlobalSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	cfg, err := h.service.GetGlobal(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Interval != nil {
		interval, err := parseInterval(*req.Interval)
		if err != nil {
			writeError(w, err)
			return
		}
		cfg, err = h.service.UpdateGlobalInterval(r.Context(), interval)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if req.WifiOnly != nil || req.BatterySavingMode != nil || req.AutoRetry != nil ||
		req.MaxRetryCount != nil || req.QuietHours != nil {
		wifiOnly := cfg.WifiOnly
		if req.WifiOnly != nil {
			wifiOnly = *req.WifiOnly
		}
		batterySaving := cfg.BatterySavingMode
		if req.BatterySavingMode != nil {
			batterySaving = *req.BatterySavingMode
		}
		autoRetry := cfg.AutoRetry
		if req.AutoRetry != nil {
			autoRetry = *req.AutoRetry
		}
		maxRetries := cfg.MaxRetryCount
		if req.MaxRetryCount != nil {
			maxRetries = *req.MaxRetryCount
		}
		quietHours := cfg.QuietHours
		if req.QuietHours != nil {
			quietHours = model.QuietHours{
				Enabled: req.QuietHours.Enabled,
				Start:   req.QuietHours.Start,
				End:     req.QuietHours.End,
			}
		}

		cfg, err = h.service.UpdateGlobalOptions(r.Context(), wifiOnly, batterySaving, autoRetry, maxRetries, quietHours)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, toGlobalSettingsResponse(cfg))
}

// ListInstitutionSettings は全金融機関の設定を返す。
// GET /api/sync/settings/institutions
func (h *SettingsHandler) ListInstitutionSettings(w http.ResponseWriter, r *http.Request) {
	configs, err := h.service.ListInstitutionSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]institutionSettingsResponse, 0, len(configs))
	for _, cfg := range configs {
		items = append(items, toInstitutionSettingsResponse(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"institutions": items})
}

// GetInstitutionSettings は金融機関別設定を返す。
// GET /api/sync/settings/institutions/{institutionID}
func (h *SettingsHandler) GetInstitutionSettings(w http.ResponseWriter, r *http.Request) {
	institutionID := chi.URLParam(r, "institutionID")
	cfg, err := h.service.GetInstitutionSettings(r.Context(), institutionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstitutionSettingsResponse(cfg))
}

// UpdateInstitutionSettings は金融機関別設定を更新する。
// inherit_default=trueで個別間隔を解除しグローバル既定の継承へ戻す。
// PUT /api/sync/settings/institutions/{institutionID}
func (h *SettingsHandler) UpdateInstitutionSettings(w http.ResponseWriter, r *http.Request) {
	institutionID := chi.URLParam(r, "institutionID")

	var req updateInstitutionSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidRequest(w)
		return
	}

	var cfg *model.InstitutionSyncConfiguration
	var err error

	switch {
	case req.InheritDefault:
		cfg, err = h.service.UpdateInstitutionInterval(r.Context(), institutionID, nil)
	case req.Interval != nil:
		var interval model.IntervalPolicy
		interval, err = parseInterval(*req.Interval)
		if err == nil {
			cfg, err = h.service.UpdateInstitutionInterval(r.Context(), institutionID, &interval)
		}
	default:
		cfg, err = h.service.GetInstitutionSettings(r.Context(), institutionID)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Enabled != nil {
		cfg, err = h.service.SetInstitutionEnabled(r.Context(), institutionID, *req.Enabled)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, toInstitutionSettingsResponse(cfg))
}

// ResetInstitutionErrors は金融機関のエラー状態をクリアする。
// エラーで停止していた金融機関のスケジュールを現在時刻基準で復帰させる。
// POST /api/sync/settings/institutions/{institutionID}/reset-errors
func (h *SettingsHandler) ResetInstitutionErrors(w http.ResponseWriter, r *http.Request) {
	institutionID := chi.URLParam(r, "institutionID")
	cfg, err := h.service.ResetInstitutionErrors(r.Context(), institutionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInstitutionSettingsResponse(cfg))
}

// DeleteInstitutionSettings は金融機関別設定を削除する。
// DELETE /api/sync/settings/institutions/{institutionID}
func (h *SettingsHandler) DeleteInstitutionSettings(w http.ResponseWriter, r *http.Request) {
	institutionID := chi.URLParam(r, "institutionID")
	if err := h.service.DeleteInstitutionSettings(r.Context(), institutionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// parseInterval はリクエスト表現からIntervalPolicyを構築する。
func parseInterval(req intervalRequest) (model.IntervalPolicy, error) {
	kind := model.IntervalKind(req.Kind)
	if kind == model.IntervalCustom {
		return model.NewCustomInterval(req.Amount, model.IntervalUnit(req.Unit), req.Expression)
	}
	return model.NewPresetInterval(kind)
}

// toIntervalResponse はIntervalPolicyをAPIレスポンスに変換する。
func toIntervalResponse(p model.IntervalPolicy) intervalResponse {
	return intervalResponse{
		Kind:       string(p.Kind()),
		Amount:     p.Amount(),
		Unit:       string(p.Unit()),
		Expression: p.Expression(),
	}
}

func toGlobalSettingsResponse(cfg *model.SyncConfiguration) globalSettingsResponse {
	return globalSettingsResponse{
		DefaultInterval:   toIntervalResponse(cfg.DefaultInterval),
		WifiOnly:          cfg.WifiOnly,
		BatterySavingMode: cfg.BatterySavingMode,
		AutoRetry:         cfg.AutoRetry,
		MaxRetryCount:     cfg.MaxRetryCount,
		QuietHours: quietHoursPayload{
			Enabled: cfg.QuietHours.Enabled,
			Start:   cfg.QuietHours.Start,
			End:     cfg.QuietHours.End,
		},
		UpdatedAt: cfg.UpdatedAt,
	}
}

func toInstitutionSettingsResponse(cfg *model.InstitutionSyncConfiguration) institutionSettingsResponse {
	resp := institutionSettingsResponse{
		InstitutionID: cfg.InstitutionID,
		Enabled:       cfg.Enabled,
		LastSyncedAt:  cfg.LastSyncedAt,
		NextSyncAt:    cfg.NextSyncAt,
		SyncStatus:    string(cfg.SyncStatus),
		ErrorCount:    cfg.ErrorCount,
		LastError:     cfg.LastError,
		UpdatedAt:     cfg.UpdatedAt,
	}
	if cfg.Interval != nil {
		iv := toIntervalResponse(*cfg.Interval)
		resp.Interval = &iv
	}
	return resp
}

// writeInvalidRequest はJSONデコード失敗時の400レスポンスを書き込む。
func writeInvalidRequest(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの形式が不正です。",
		Category: "validation",
		Action:   "JSON形式のリクエストボディを送信してください。",
	})
}

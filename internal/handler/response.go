// Package handler は同期APIのHTTPハンドラーを提供する。
// コア（同期サービス・設定サービス）への薄いリクエスト/レスポンスのマッピングのみを行う。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/kakeibo/internal/model"
)

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("レスポンスの書き込みに失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, status int, apiErr *model.APIError) {
	writeJSON(w, status, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeError はエラー種別からHTTPステータスを決定してレスポンスを書き込む。
func writeError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, statusForCode(apiErr.Code), apiErr)
		return
	}

	switch {
	case errors.Is(err, model.ErrInvalidConfig):
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_CONFIG",
			Message:  err.Error(),
			Category: "validation",
			Action:   "リクエスト内容を確認してください。",
		})
	case errors.Is(err, model.ErrNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  err.Error(),
			Category: "sync",
			Action:   "指定したIDを確認してください。",
		})
	case errors.Is(err, model.ErrInvalidTransition):
		writeAPIErrorResponse(w, http.StatusConflict, &model.APIError{
			Code:     "INVALID_TRANSITION",
			Message:  err.Error(),
			Category: "sync",
			Action:   "同期実行の状態を確認してください。",
		})
	default:
		slog.Error("内部エラーが発生しました",
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
	}
}

// statusForCode はエラーコードからHTTPステータスを決定する。
func statusForCode(code string) int {
	switch code {
	case model.ErrCodeInvalidInterval, model.ErrCodeInvalidQuietHours,
		model.ErrCodeInvalidRetryCount, model.ErrCodeInvalidPeriod:
		return http.StatusBadRequest
	case model.ErrCodeSyncRunNotFound, model.ErrCodeInstitutionNotFound:
		return http.StatusNotFound
	case model.ErrCodeSyncAlreadyRunning, model.ErrCodeSyncNotRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

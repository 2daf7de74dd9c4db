package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
	"github.com/hitoshi/kakeibo/internal/syncer"
)

// SyncServiceInterface は同期ハンドラーが必要とするサービスインターフェース。
type SyncServiceInterface interface {
	// StartBatchSync は全金融機関のバッチ同期を実行する。
	StartBatchSync(ctx context.Context, forceFull bool) (*syncer.RunSummary, error)
	// StartInstitutionSync は1金融機関の同期を実行する。
	StartInstitutionSync(ctx context.Context, institutionID string, forceFull bool) (*syncer.RunSummary, error)
	// GetStatus は現在実行中のバッチ同期の概況を返す。
	GetStatus(ctx context.Context) (*syncer.Status, error)
	// GetHistory は同期履歴をページネーション付きで返す。
	GetHistory(ctx context.Context, filters repository.SyncRunFilters, limit, offset int) (*syncer.HistoryPage, error)
	// GetRun は指定IDの同期実行を返す。
	GetRun(ctx context.Context, runID string) (*model.SyncRun, error)
	// CancelRun は指定IDの同期実行をキャンセルする。
	CancelRun(ctx context.Context, runID string) (bool, error)
}

// SyncHandler は同期実行のHTTPハンドラー。
type SyncHandler struct {
	service SyncServiceInterface
}

// NewSyncHandler はSyncHandlerを生成する。
func NewSyncHandler(service SyncServiceInterface) *SyncHandler {
	return &SyncHandler{service: service}
}

// startSyncRequest は同期開始リクエストのボディ。
type startSyncRequest struct {
	ForceFull     bool   `json:"force_full"`
	InstitutionID string `json:"institution_id"`
}

// legResultResponse はレッグ実行結果のAPIレスポンス。
type legResultResponse struct {
	RunID         string `json:"run_id"`
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
	Success       bool   `json:"success"`
	Fetched       int    `json:"fetched"`
	NewRecords    int    `json:"new_records"`
	Duplicates    int    `json:"duplicates"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// runSummaryResponse はバッチ同期サマリーのAPIレスポンス。
type runSummaryResponse struct {
	RunID             string              `json:"run_id"`
	Status            string              `json:"status"`
	TotalInstitutions int                 `json:"total_institutions"`
	SuccessCount      int                 `json:"success_count"`
	FailureCount      int                 `json:"failure_count"`
	TotalFetched      int                 `json:"total_fetched"`
	NewRecords        int                 `json:"new_records"`
	DuplicateRecords  int                 `json:"duplicate_records"`
	StartedAt         time.Time           `json:"started_at"`
	DurationMs        int64               `json:"duration_ms"`
	Legs              []legResultResponse `json:"legs"`
}

// syncRunResponse は同期実行のAPIレスポンス。
type syncRunResponse struct {
	ID                string     `json:"id"`
	InstitutionID     string     `json:"institution_id,omitempty"`
	Name              string     `json:"name"`
	Type              string     `json:"type"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	TotalFetched      int        `json:"total_fetched"`
	NewRecords        int        `json:"new_records"`
	DuplicateRecords  int        `json:"duplicate_records"`
	TotalInstitutions int        `json:"total_institutions"`
	SuccessCount      int        `json:"success_count"`
	FailureCount      int        `json:"failure_count"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	RetryCount        int        `json:"retry_count"`
}

// StartSync はバッチ同期または1金融機関同期を開始する。
// POST /api/sync/run
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if r.Body != nil {
		// ボディなしは全機関バッチのデフォルト実行として扱う
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeInvalidRequest(w)
			return
		}
	}

	var summary *syncer.RunSummary
	var err error
	if req.InstitutionID != "" {
		summary, err = h.service.StartInstitutionSync(r.Context(), req.InstitutionID, req.ForceFull)
	} else {
		summary, err = h.service.StartBatchSync(r.Context(), req.ForceFull)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toRunSummaryResponse(summary))
}

// GetStatus は現在実行中の同期の概況を返す。
// GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{
		"running": status.Running,
	}
	if status.Running {
		resp["run_id"] = status.RunID
		resp["started_at"] = status.StartedAt
		resp["total_targets"] = status.TotalTargets
		resp["fetched"] = status.Fetched
		resp["new_records"] = status.NewRecords
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory は同期履歴を返す。
// GET /api/sync/history?institution_id=&status=&limit=&offset=
func (h *SyncHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := repository.SyncRunFilters{
		InstitutionID: q.Get("institution_id"),
		Status:        model.SyncRunStatus(q.Get("status")),
		Type:          model.SyncRunType(q.Get("type")),
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	page, err := h.service.GetHistory(r.Context(), filters, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	runs := make([]syncRunResponse, 0, len(page.Runs))
	for _, run := range page.Runs {
		runs = append(runs, toSyncRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"total": page.Total,
	})
}

// GetRun は指定IDの同期実行を返す。
// GET /api/sync/runs/{runID}
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.service.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSyncRunResponse(run))
}

// CancelRun は指定IDの同期実行をキャンセルする。
// POST /api/sync/runs/{runID}/cancel
func (h *SyncHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	signalled, err := h.service.CancelRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"signalled": signalled,
	})
}

// toRunSummaryResponse はRunSummaryをAPIレスポンスに変換する。
func toRunSummaryResponse(summary *syncer.RunSummary) runSummaryResponse {
	legs := make([]legResultResponse, 0, len(summary.Legs))
	for _, leg := range summary.Legs {
		legs = append(legs, legResultResponse{
			RunID:         leg.RunID,
			InstitutionID: leg.InstitutionID,
			Name:          leg.Name,
			Success:       leg.Success,
			Fetched:       leg.Fetched,
			NewRecords:    leg.NewRecords,
			Duplicates:    leg.Duplicates,
			ErrorMessage:  leg.ErrorMessage,
		})
	}
	return runSummaryResponse{
		RunID:             summary.RunID,
		Status:            string(summary.Status),
		TotalInstitutions: summary.TotalInstitutions,
		SuccessCount:      summary.SuccessCount,
		FailureCount:      summary.FailureCount,
		TotalFetched:      summary.TotalFetched,
		NewRecords:        summary.NewRecords,
		DuplicateRecords:  summary.DuplicateRecords,
		StartedAt:         summary.StartedAt,
		DurationMs:        summary.Duration.Milliseconds(),
		Legs:              legs,
	}
}

// toSyncRunResponse はSyncRunをAPIレスポンスに変換する。
func toSyncRunResponse(run *model.SyncRun) syncRunResponse {
	return syncRunResponse{
		ID:                run.ID,
		InstitutionID:     run.InstitutionID,
		Name:              run.Name,
		Type:              string(run.Type),
		Status:            string(run.Status),
		StartedAt:         run.StartedAt,
		CompletedAt:       run.CompletedAt,
		TotalFetched:      run.TotalFetched,
		NewRecords:        run.NewRecords,
		DuplicateRecords:  run.DuplicateRecords,
		TotalInstitutions: run.TotalInstitutions,
		SuccessCount:      run.SuccessCount,
		FailureCount:      run.FailureCount,
		ErrorMessage:      run.ErrorMessage,
		RetryCount:        run.RetryCount,
	}
}

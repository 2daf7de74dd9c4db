package syncer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
	"github.com/hitoshi/kakeibo/internal/repository"
)

// --- モック ---

type mockDirectory struct {
	connected []*model.Institution
	byID      map[string]*model.Institution
}

func (m *mockDirectory) ListConnected(ctx context.Context) ([]*model.Institution, error) {
	return m.connected, nil
}

func (m *mockDirectory) FindByID(ctx context.Context, id string) (*model.Institution, error) {
	return m.byID[id], nil
}

type mockSettingsReader struct {
	enabledFn func(ctx context.Context, institutionID string) (bool, error)
}

func (m *mockSettingsReader) InstitutionEnabled(ctx context.Context, institutionID string) (bool, error) {
	if m.enabledFn != nil {
		return m.enabledFn(ctx, institutionID)
	}
	return true, nil
}

func testInstitution(id, name string) *model.Institution {
	return &model.Institution{
		ID:          id,
		Name:        name,
		Type:        model.InstitutionTypeBank,
		IsConnected: true,
	}
}

// runningBatchRun は実行中のバッチランを生成する。
func runningBatchRun(id string, now time.Time) *model.SyncRun {
	run := model.NewSyncRun(id, "", "バッチ同期", model.SyncRunTypeBatch, now)
	if err := run.Start(now); err != nil {
		panic(err)
	}
	return run
}

func newTestService(directory *mockDirectory, history *mockHistoryStore, settings SettingsReader, connector TransactionConnector) *Service {
	orchestrator := newTestOrchestrator(history, &mockTransactionStore{}, connector, 5)
	return NewService(directory, history, orchestrator, settings, newTestLogger(&bytes.Buffer{}))
}

// --- テスト ---

// TestService_StartBatchSync_AllEnabled は有効な全金融機関の同期を検証する。
func TestService_StartBatchSync_AllEnabled(t *testing.T) {
	directory := &mockDirectory{connected: []*model.Institution{
		testInstitution("inst-0", "テスト銀行"),
		testInstitution("inst-1", "テストカード"),
	}}
	history := newMockHistoryStore()
	connector := &mockConnector{
		fetchFn: func(ctx context.Context, institutionID string, _, _ time.Time) ([]model.RawRecord, error) {
			return nil, nil
		},
	}
	svc := newTestService(directory, history, &mockSettingsReader{}, connector)

	summary, err := svc.StartBatchSync(context.Background(), false)
	if err != nil {
		t.Fatalf("StartBatchSync returned error: %v", err)
	}
	if summary.TotalInstitutions != 2 || summary.SuccessCount != 2 {
		t.Errorf("summary = (%d, %d), want (2, 2)", summary.TotalInstitutions, summary.SuccessCount)
	}
}

// TestService_StartBatchSync_AlreadyRunning は実行中バッチの二重起動拒否を検証する。
func TestService_StartBatchSync_AlreadyRunning(t *testing.T) {
	history := newMockHistoryStore()
	running := runningBatchRun("run-active", time.Now())
	if err := history.Create(context.Background(), running); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	svc := newTestService(&mockDirectory{}, history, &mockSettingsReader{}, &mockConnector{})

	_, err := svc.StartBatchSync(context.Background(), false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSyncAlreadyRunning {
		t.Errorf("expected SYNC_ALREADY_RUNNING, got %v", err)
	}
}

// TestService_StartBatchSync_TargetFiltering は無効な金融機関と
// 設定取得に失敗した金融機関が対象から除外されることを検証する。
func TestService_StartBatchSync_TargetFiltering(t *testing.T) {
	directory := &mockDirectory{connected: []*model.Institution{
		testInstitution("inst-enabled", "テスト銀行"),
		testInstitution("inst-disabled", "テストカード"),
		testInstitution("inst-broken", "テスト証券"),
	}}
	history := newMockHistoryStore()
	settings := &mockSettingsReader{
		enabledFn: func(ctx context.Context, institutionID string) (bool, error) {
			switch institutionID {
			case "inst-disabled":
				return false, nil
			case "inst-broken":
				return false, errors.New("設定ストアに接続できません")
			default:
				return true, nil
			}
		},
	}

	var fetched []string
	connector := &mockConnector{
		fetchFn: func(ctx context.Context, institutionID string, _, _ time.Time) ([]model.RawRecord, error) {
			fetched = append(fetched, institutionID)
			return nil, nil
		},
	}
	svc := newTestService(directory, history, settings, connector)

	summary, err := svc.StartBatchSync(context.Background(), false)
	if err != nil {
		t.Fatalf("StartBatchSync returned error: %v", err)
	}
	if summary.TotalInstitutions != 1 {
		t.Errorf("TotalInstitutions = %d, want 1", summary.TotalInstitutions)
	}
	if len(fetched) != 1 || fetched[0] != "inst-enabled" {
		t.Errorf("fetched = %v, want [inst-enabled]", fetched)
	}
}

// TestService_StartInstitutionSync は1金融機関のみの同期を検証する。
func TestService_StartInstitutionSync(t *testing.T) {
	directory := &mockDirectory{byID: map[string]*model.Institution{
		"inst-1": testInstitution("inst-1", "テスト銀行"),
	}}
	history := newMockHistoryStore()
	connector := &mockConnector{
		fetchFn: func(ctx context.Context, institutionID string, _, _ time.Time) ([]model.RawRecord, error) {
			return []model.RawRecord{
				{ExternalID: "tx-1", Amount: -500, Currency: "JPY", OccurredAt: time.Now()},
			}, nil
		},
	}
	svc := newTestService(directory, history, &mockSettingsReader{}, connector)

	summary, err := svc.StartInstitutionSync(context.Background(), "inst-1", false)
	if err != nil {
		t.Fatalf("StartInstitutionSync returned error: %v", err)
	}
	if summary.TotalInstitutions != 1 || summary.NewRecords != 1 {
		t.Errorf("summary = (%d, %d), want (1, 1)", summary.TotalInstitutions, summary.NewRecords)
	}
}

// TestService_StartInstitutionSync_UnknownInstitution は存在しない金融機関の
// 同期要求がNotFoundになることを検証する。
func TestService_StartInstitutionSync_UnknownInstitution(t *testing.T) {
	svc := newTestService(&mockDirectory{}, newMockHistoryStore(), &mockSettingsReader{}, &mockConnector{})

	_, err := svc.StartInstitutionSync(context.Background(), "no-such-inst", false)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInstitutionNotFound {
		t.Errorf("expected INSTITUTION_NOT_FOUND, got %v", err)
	}
}

// TestService_GetStatus は実行中バッチの有無による概況の変化を検証する。
func TestService_GetStatus(t *testing.T) {
	history := newMockHistoryStore()
	svc := newTestService(&mockDirectory{}, history, &mockSettingsReader{}, &mockConnector{})

	status, err := svc.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if status.Running {
		t.Error("expected Running = false with no active run")
	}

	running := runningBatchRun("run-active", time.Now())
	running.TotalInstitutions = 3
	running.TotalFetched = 10
	running.NewRecords = 4
	if err := history.Create(context.Background(), running); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	status, err = svc.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus returned error: %v", err)
	}
	if !status.Running || status.RunID != "run-active" {
		t.Errorf("status = %+v, want running run-active", status)
	}
	if status.TotalTargets != 3 || status.Fetched != 10 || status.NewRecords != 4 {
		t.Errorf("counters = (%d, %d, %d), want (3, 10, 4)",
			status.TotalTargets, status.Fetched, status.NewRecords)
	}
}

// TestService_GetHistory_LimitBounds はページサイズの既定値と上限を検証する。
func TestService_GetHistory_LimitBounds(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		offset     int
		wantLimit  int
		wantOffset int
	}{
		{"ゼロは既定の20", 0, 0, 20, 0},
		{"負値は既定の20", -5, 0, 20, 0},
		{"上限100に制限", 500, 0, 100, 0},
		{"範囲内はそのまま", 50, 10, 50, 10},
		{"負のオフセットは0", 20, -1, 20, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := newMockHistoryStore()
			var gotLimit, gotOffset int
			history.findWithFiltersFn = func(ctx context.Context, filters repository.SyncRunFilters, limit, offset int) ([]*model.SyncRun, error) {
				gotLimit, gotOffset = limit, offset
				return nil, nil
			}
			svc := newTestService(&mockDirectory{}, history, &mockSettingsReader{}, &mockConnector{})

			if _, err := svc.GetHistory(context.Background(), repository.SyncRunFilters{}, tt.limit, tt.offset); err != nil {
				t.Fatalf("GetHistory returned error: %v", err)
			}
			if gotLimit != tt.wantLimit || gotOffset != tt.wantOffset {
				t.Errorf("(limit, offset) = (%d, %d), want (%d, %d)",
					gotLimit, gotOffset, tt.wantLimit, tt.wantOffset)
			}
		})
	}
}

// TestService_GetRun_NotFound は存在しない同期実行への参照を検証する。
func TestService_GetRun_NotFound(t *testing.T) {
	svc := newTestService(&mockDirectory{}, newMockHistoryStore(), &mockSettingsReader{}, &mockConnector{})

	_, err := svc.GetRun(context.Background(), "no-such-run")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSyncRunNotFound {
		t.Errorf("expected SYNC_RUN_NOT_FOUND, got %v", err)
	}
}

// TestService_CancelRun は実行中ランのキャンセルと永続化を検証する。
// 実行コンテキストのハンドルが既に解放済みの場合、signalledはfalseになるが
// ランはcancelledとして永続化される。
func TestService_CancelRun(t *testing.T) {
	history := newMockHistoryStore()
	running := runningBatchRun("run-active", time.Now())
	if err := history.Create(context.Background(), running); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	svc := newTestService(&mockDirectory{}, history, &mockSettingsReader{}, &mockConnector{})

	signalled, err := svc.CancelRun(context.Background(), "run-active")
	if err != nil {
		t.Fatalf("CancelRun returned error: %v", err)
	}
	if signalled {
		t.Error("expected signalled = false without a live cancel handle")
	}
	if got := history.statusOf("run-active"); got != model.SyncRunCancelled {
		t.Errorf("persisted status = %s, want %s", got, model.SyncRunCancelled)
	}
}

// TestService_CancelRun_NotRunning は実行中でないランへのキャンセル拒否を検証する。
func TestService_CancelRun_NotRunning(t *testing.T) {
	history := newMockHistoryStore()
	now := time.Now()
	completed := runningBatchRun("run-done", now)
	if err := completed.Complete(1, 0, now); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if err := history.Create(context.Background(), completed); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	svc := newTestService(&mockDirectory{}, history, &mockSettingsReader{}, &mockConnector{})

	_, err := svc.CancelRun(context.Background(), "run-done")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSyncNotRunning {
		t.Errorf("expected SYNC_NOT_RUNNING, got %v", err)
	}
}

// TestService_CancelRun_NotFound は存在しないランへのキャンセル要求を検証する。
func TestService_CancelRun_NotFound(t *testing.T) {
	svc := newTestService(&mockDirectory{}, newMockHistoryStore(), &mockSettingsReader{}, &mockConnector{})

	_, err := svc.CancelRun(context.Background(), "no-such-run")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeSyncRunNotFound {
		t.Errorf("expected SYNC_RUN_NOT_FOUND, got %v", err)
	}
}

package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/kakeibo/internal/model"
)

// --- モック ---

// fakeRegistry は発火をテストから手動で制御するインメモリのTriggerRegistry。
type fakeRegistry struct {
	registered map[string]string // key -> expression
	callbacks  map[string]func()
	registers  int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		registered: make(map[string]string),
		callbacks:  make(map[string]func()),
	}
}

func (f *fakeRegistry) Register(key, expression, timezone string, callback func()) error {
	f.registered[key] = expression
	f.callbacks[key] = callback
	f.registers++
	return nil
}

func (f *fakeRegistry) Cancel(key string) bool {
	if _, ok := f.registered[key]; !ok {
		return false
	}
	delete(f.registered, key)
	delete(f.callbacks, key)
	return true
}

// fire は登録済みトリガーを手動で発火させる。
func (f *fakeRegistry) fire(t *testing.T, key string) {
	t.Helper()
	cb, ok := f.callbacks[key]
	if !ok {
		t.Fatalf("trigger %q is not registered", key)
	}
	cb()
}

type mockRunner struct {
	globalCalls      int
	institutionCalls []string
	err              error
}

func (m *mockRunner) RunGlobalSync(ctx context.Context) error {
	m.globalCalls++
	return m.err
}

func (m *mockRunner) RunInstitutionSync(ctx context.Context, institutionID string) error {
	m.institutionCalls = append(m.institutionCalls, institutionID)
	return m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func globalConfig(t *testing.T, kind model.IntervalKind) *model.SyncConfiguration {
	t.Helper()
	interval, err := model.NewPresetInterval(kind)
	if err != nil {
		t.Fatalf("NewPresetInterval(%s) returned error: %v", kind, err)
	}
	cfg, err := model.NewSyncConfiguration("cfg-1", interval, false, false, true, 3, model.QuietHours{}, time.Now())
	if err != nil {
		t.Fatalf("NewSyncConfiguration returned error: %v", err)
	}
	return cfg
}

// --- テスト ---

// TestScheduler_ApplyGlobalSchedule はグローバルトリガーの登録を検証する。
func TestScheduler_ApplyGlobalSchedule(t *testing.T) {
	registry := newFakeRegistry()
	runner := &mockRunner{}
	s := NewScheduler(registry, runner, newTestLogger(&bytes.Buffer{}), "Asia/Tokyo")

	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalRealtime)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}

	if expr := registry.registered["global"]; expr != "*/5 * * * *" {
		t.Errorf("registered expression = %q, want */5 * * * *", expr)
	}

	registry.fire(t, "global")
	if runner.globalCalls != 1 {
		t.Errorf("globalCalls = %d, want 1", runner.globalCalls)
	}
}

// TestScheduler_ApplyGlobalSchedule_Replace は設定変更による置換を検証する。
// 同一キーに2つのトリガーが同時に生きる状態は発生しない。
func TestScheduler_ApplyGlobalSchedule_Replace(t *testing.T) {
	registry := newFakeRegistry()
	s := NewScheduler(registry, &mockRunner{}, newTestLogger(&bytes.Buffer{}), "Asia/Tokyo")

	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalRealtime)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}
	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalStandard)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}

	if len(registry.registered) != 1 {
		t.Fatalf("registered trigger count = %d, want 1", len(registry.registered))
	}
	if expr := registry.registered["global"]; expr != "0 */6 * * *" {
		t.Errorf("expression after replace = %q, want 0 */6 * * *", expr)
	}
}

// TestScheduler_ApplyGlobalSchedule_Manual はmanual間隔でトリガーが
// 削除されることを検証する。
func TestScheduler_ApplyGlobalSchedule_Manual(t *testing.T) {
	registry := newFakeRegistry()
	s := NewScheduler(registry, &mockRunner{}, newTestLogger(&bytes.Buffer{}), "Asia/Tokyo")

	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalRealtime)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}
	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalManual)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}

	if _, exists := registry.registered["global"]; exists {
		t.Error("global trigger should be removed for manual interval")
	}
}

// TestScheduler_ApplyInstitutionSchedule は金融機関別トリガーを検証する。
func TestScheduler_ApplyInstitutionSchedule(t *testing.T) {
	registry := newFakeRegistry()
	runner := &mockRunner{}
	s := NewScheduler(registry, runner, newTestLogger(&bytes.Buffer{}), "Asia/Tokyo")

	global, _ := model.NewPresetInterval(model.IntervalStandard)
	realtime, _ := model.NewPresetInterval(model.IntervalRealtime)
	now := time.Now()

	t.Run("個別間隔で登録", func(t *testing.T) {
		cfg := model.NewInstitutionSyncConfiguration("ic-1", "inst-1", global, now)
		cfg = cfg.UpdateInterval(&realtime, global, now)

		if err := s.ApplyInstitutionSchedule("inst-1", cfg, global, model.QuietHours{}); err != nil {
			t.Fatalf("ApplyInstitutionSchedule returned error: %v", err)
		}
		if expr := registry.registered["inst-1"]; expr != "*/5 * * * *" {
			t.Errorf("expression = %q, want */5 * * * *", expr)
		}

		registry.fire(t, "inst-1")
		if len(runner.institutionCalls) != 1 || runner.institutionCalls[0] != "inst-1" {
			t.Errorf("institutionCalls = %v, want [inst-1]", runner.institutionCalls)
		}
	})

	t.Run("継承時はグローバル既定の式", func(t *testing.T) {
		cfg := model.NewInstitutionSyncConfiguration("ic-2", "inst-2", global, now)
		if err := s.ApplyInstitutionSchedule("inst-2", cfg, global, model.QuietHours{}); err != nil {
			t.Fatalf("ApplyInstitutionSchedule returned error: %v", err)
		}
		if expr := registry.registered["inst-2"]; expr != "0 */6 * * *" {
			t.Errorf("expression = %q, want 0 */6 * * *", expr)
		}
	})

	t.Run("無効化で削除", func(t *testing.T) {
		cfg := model.NewInstitutionSyncConfiguration("ic-3", "inst-3", global, now)
		if err := s.ApplyInstitutionSchedule("inst-3", cfg, global, model.QuietHours{}); err != nil {
			t.Fatalf("ApplyInstitutionSchedule returned error: %v", err)
		}
		disabled := cfg.SetEnabled(false, global, now)
		if err := s.ApplyInstitutionSchedule("inst-3", disabled, global, model.QuietHours{}); err != nil {
			t.Fatalf("ApplyInstitutionSchedule returned error: %v", err)
		}
		if _, exists := registry.registered["inst-3"]; exists {
			t.Error("disabled institution trigger should be removed")
		}
	})
}

// TestScheduler_Fire_QuietHoursSkip は静音時間帯の発火スキップを検証する。
// スキップは発火メトリクスに計上されない。
func TestScheduler_Fire_QuietHoursSkip(t *testing.T) {
	registry := newFakeRegistry()
	runner := &mockRunner{}
	s := NewScheduler(registry, runner, newTestLogger(&bytes.Buffer{}), "UTC")
	// 発火時刻を静音時間帯の内側に固定する
	s.now = func() time.Time {
		return time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	}

	interval, _ := model.NewPresetInterval(model.IntervalRealtime)
	cfg, err := model.NewSyncConfiguration("cfg-1", interval, false, false, true, 3,
		model.QuietHours{Enabled: true, Start: "23:00", End: "06:00"}, time.Now())
	if err != nil {
		t.Fatalf("NewSyncConfiguration returned error: %v", err)
	}

	if err := s.ApplyGlobalSchedule(cfg); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}

	registry.fire(t, "global")

	if runner.globalCalls != 0 {
		t.Errorf("globalCalls = %d, want 0 (quiet hours)", runner.globalCalls)
	}
	if m := s.Metrics(); m.TotalFires != 0 {
		t.Errorf("TotalFires = %d, want 0 (skip is not a fire)", m.TotalFires)
	}
}

// TestScheduler_Metrics は発火メトリクスの集計とリセットを検証する。
func TestScheduler_Metrics(t *testing.T) {
	registry := newFakeRegistry()
	runner := &mockRunner{}
	s := NewScheduler(registry, runner, newTestLogger(&bytes.Buffer{}), "UTC")

	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalRealtime)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}

	registry.fire(t, "global")
	registry.fire(t, "global")

	runner.err = errors.New("同期失敗")
	registry.fire(t, "global")

	m := s.Metrics()
	if m.TotalFires != 3 {
		t.Errorf("TotalFires = %d, want 3", m.TotalFires)
	}
	if m.SuccessfulFires != 2 || m.FailedFires != 1 {
		t.Errorf("success/failed = (%d, %d), want (2, 1)", m.SuccessfulFires, m.FailedFires)
	}
	if m.LastFireAt == nil || m.LastSuccessAt == nil || m.LastFailureAt == nil {
		t.Error("expected all last-fire timestamps to be set")
	}

	s.ResetMetrics()
	m = s.Metrics()
	if m.TotalFires != 0 || m.SuccessfulFires != 0 || m.FailedFires != 0 {
		t.Errorf("metrics after reset = %+v, want zeroes", m)
	}
	if m.LastFireAt != nil {
		t.Error("LastFireAt should be nil after reset")
	}

	// リセット後も発火は継続して計上される
	registry.fire(t, "global")
	if m := s.Metrics(); m.TotalFires != 1 {
		t.Errorf("TotalFires after reset+fire = %d, want 1", m.TotalFires)
	}
}

// TestScheduler_Metrics_Snapshot はスナップショットが内部状態から
// 独立していることを検証する。
func TestScheduler_Metrics_Snapshot(t *testing.T) {
	registry := newFakeRegistry()
	s := NewScheduler(registry, &mockRunner{}, newTestLogger(&bytes.Buffer{}), "UTC")

	if err := s.ApplyGlobalSchedule(globalConfig(t, model.IntervalRealtime)); err != nil {
		t.Fatalf("ApplyGlobalSchedule returned error: %v", err)
	}
	registry.fire(t, "global")

	m1 := s.Metrics()
	*m1.LastFireAt = time.Time{} // スナップショットの書き換え

	m2 := s.Metrics()
	if m2.LastFireAt.IsZero() {
		t.Error("mutating a snapshot affected internal state")
	}
}

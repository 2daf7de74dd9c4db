// Package scheduler は同期スケジュールのトリガー管理と発火を提供する。
// cronエンジンの抽象化、グローバル・金融機関別スケジュールの適用、発火メトリクスを含む。
package scheduler

import (
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// TriggerRegistry はスケジュールトリガーの登録・解除のインターフェース。
// テストではインメモリのフェイク実装に差し替える。
type TriggerRegistry interface {
	// Register はキーにトリガーを登録する。
	// 同一キーの既存トリガーは新規登録と同時に必ず停止・削除する（置換セマンティクス）。
	Register(key, expression, timezone string, callback func()) error

	// Cancel はキーのトリガーを停止・削除する。トリガーが存在した場合はtrueを返す。
	Cancel(key string) bool
}

// standardParser は5フィールド（分 時 日 月 曜日）のcron式パーサー。
var standardParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// secondsParser は秒を含む6フィールドのcron式パーサー。
var secondsParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// parseExpression はcron式をパースする。
// 5フィールド形式を基本とし、6フィールド（秒付き）形式も受け付ける。
// timezoneを指定した場合はCRON_TZプレフィックスとして適用する。
func parseExpression(expression, timezone string) (cron.Schedule, error) {
	spec := expression
	if timezone != "" && !strings.HasPrefix(expression, "TZ=") && !strings.HasPrefix(expression, "CRON_TZ=") {
		spec = "CRON_TZ=" + timezone + " " + expression
	}

	// フィールド数の判定ではタイムゾーントークンを除外する
	bare := expression
	if fields := strings.Fields(expression); len(fields) > 0 &&
		(strings.HasPrefix(fields[0], "TZ=") || strings.HasPrefix(fields[0], "CRON_TZ=")) {
		bare = strings.Join(fields[1:], " ")
	}

	fields := len(strings.Fields(bare))
	if fields == 6 {
		return secondsParser.Parse(spec)
	}
	return standardParser.Parse(spec)
}

// ValidateExpression はcron式の構文を検証する。
// 外部から直接指定されたカスタム式の受け入れ判定に使用する。
func ValidateExpression(expression string) error {
	if _, err := parseExpression(expression, ""); err != nil {
		return fmt.Errorf("cron式の構文が不正です: %w", err)
	}
	return nil
}

// CronTriggerRegistry はrobfig/cronを使用したTriggerRegistryの実装。
// キーからcronエントリへの対応表を排他制御付きで管理する。
type CronTriggerRegistry struct {
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewCronTriggerRegistry はCronTriggerRegistryを生成し、cronエンジンを開始する。
func NewCronTriggerRegistry() *CronTriggerRegistry {
	c := cron.New()
	c.Start()
	return &CronTriggerRegistry{
		cron:    c,
		entries: make(map[string]cron.EntryID),
	}
}

// Register はキーにトリガーを登録する。
// 同一キーの既存エントリは、新規エントリの追加と同一クリティカルセクション内で削除する。
// 同一キーに対して2つのトリガーが同時に生きる状態は発生しない。
func (r *CronTriggerRegistry) Register(key, expression, timezone string, callback func()) error {
	schedule, err := parseExpression(expression, timezone)
	if err != nil {
		return fmt.Errorf("トリガー式のパースに失敗しました: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existingID, exists := r.entries[key]; exists {
		r.cron.Remove(existingID)
		delete(r.entries, key)
	}

	entryID := r.cron.Schedule(schedule, cron.FuncJob(callback))
	r.entries[key] = entryID
	return nil
}

// Cancel はキーのトリガーを停止・削除する。
func (r *CronTriggerRegistry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entryID, exists := r.entries[key]
	if !exists {
		return false
	}
	r.cron.Remove(entryID)
	delete(r.entries, key)
	return true
}

// Stop はcronエンジンを停止し、実行中のジョブの完了を待つ。
func (r *CronTriggerRegistry) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

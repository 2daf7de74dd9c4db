package model

import (
	"errors"
	"testing"
	"time"
)

// TestIntervalPolicy_ToMinutes_Presets はプリセット間隔の分数変換を検証する。
func TestIntervalPolicy_ToMinutes_Presets(t *testing.T) {
	tests := []struct {
		kind IntervalKind
		want int
	}{
		{IntervalRealtime, 5},
		{IntervalFrequent, 60},
		{IntervalStandard, 360},
		{IntervalInfrequent, 1440},
		{IntervalManual, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			p, err := NewPresetInterval(tt.kind)
			if err != nil {
				t.Fatalf("NewPresetInterval(%s) returned error: %v", tt.kind, err)
			}
			got, err := p.ToMinutes()
			if err != nil {
				t.Fatalf("ToMinutes returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ToMinutes = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestNewPresetInterval_Custom_ReturnsError はプリセットコンストラクタがcustomを拒否することを検証する。
func TestNewPresetInterval_Custom_ReturnsError(t *testing.T) {
	_, err := NewPresetInterval(IntervalCustom)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// TestNewCustomInterval_Validation はカスタム間隔の範囲検証を検証する。
// 有効範囲は5分以上43200分（30日）以下。
func TestNewCustomInterval_Validation(t *testing.T) {
	tests := []struct {
		name    string
		amount  int
		unit    IntervalUnit
		wantErr bool
	}{
		{"下限ちょうど5分", 5, UnitMinutes, false},
		{"上限ちょうど30日", 30, UnitDays, false},
		{"4分は下限未満", 4, UnitMinutes, true},
		{"31日は上限超過", 31, UnitDays, true},
		{"12時間は有効", 12, UnitHours, false},
		{"amountゼロ", 0, UnitMinutes, true},
		{"amount負数", -5, UnitHours, true},
		{"未知の単位", 10, IntervalUnit("weeks"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCustomInterval(tt.amount, tt.unit, "")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
				// APIレスポンスに載るエラーコードも付与される
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Code != ErrCodeInvalidInterval {
					t.Errorf("expected APIError with code %s, got %v", ErrCodeInvalidInterval, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestIntervalFromParts_RejectsPartsOnPreset はプリセット種別にamount/unitが
// 混入した永続化データの再構築が拒否されることを検証する。
func TestIntervalFromParts_RejectsPartsOnPreset(t *testing.T) {
	_, err := IntervalFromParts(IntervalStandard, 10, UnitMinutes, "")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

// TestIntervalFromParts_Roundtrip はカスタム間隔の再構築を検証する。
func TestIntervalFromParts_Roundtrip(t *testing.T) {
	original, err := NewCustomInterval(90, UnitMinutes, "")
	if err != nil {
		t.Fatalf("NewCustomInterval returned error: %v", err)
	}

	restored, err := IntervalFromParts(original.Kind(), original.Amount(), original.Unit(), original.Expression())
	if err != nil {
		t.Fatalf("IntervalFromParts returned error: %v", err)
	}
	if !original.Equal(restored) {
		t.Errorf("restored interval %+v != original %+v", restored, original)
	}
}

// TestIntervalPolicy_ToTriggerExpression はcron式の導出を検証する。
// 60分未満は分ステップ、1440分未満は時ステップ、それ以上は日ステップ。
func TestIntervalPolicy_ToTriggerExpression(t *testing.T) {
	custom := func(amount int, unit IntervalUnit, expr string) IntervalPolicy {
		p, err := NewCustomInterval(amount, unit, expr)
		if err != nil {
			t.Fatalf("NewCustomInterval(%d, %s) returned error: %v", amount, unit, err)
		}
		return p
	}
	preset := func(kind IntervalKind) IntervalPolicy {
		p, err := NewPresetInterval(kind)
		if err != nil {
			t.Fatalf("NewPresetInterval(%s) returned error: %v", kind, err)
		}
		return p
	}

	tests := []struct {
		name     string
		policy   IntervalPolicy
		wantExpr string
		wantOK   bool
	}{
		{"realtimeは5分ステップ", preset(IntervalRealtime), "*/5 * * * *", true},
		{"frequentは1時間ステップ", preset(IntervalFrequent), "0 */1 * * *", true},
		{"standardは6時間ステップ", preset(IntervalStandard), "0 */6 * * *", true},
		{"infrequentは日次", preset(IntervalInfrequent), "0 0 */1 * *", true},
		{"manualは式なし", preset(IntervalManual), "", false},
		{"カスタム45分", custom(45, UnitMinutes, ""), "*/45 * * * *", true},
		{"カスタム90分は時単位に切り捨て", custom(90, UnitMinutes, ""), "0 */1 * * *", true},
		{"カスタム3日", custom(3, UnitDays, ""), "0 0 */3 * *", true},
		{"直接指定の式はそのまま", custom(60, UnitMinutes, "30 2 * * *"), "30 2 * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, ok, err := tt.policy.ToTriggerExpression()
			if err != nil {
				t.Fatalf("ToTriggerExpression returned error: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if expr != tt.wantExpr {
				t.Errorf("expression = %q, want %q", expr, tt.wantExpr)
			}
		})
	}
}

// TestIntervalPolicy_NextRunAfter は次回実行時刻の計算を検証する。
func TestIntervalPolicy_NextRunAfter(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	standard, _ := NewPresetInterval(IntervalStandard)

	t.Run("前回実行なしは即時", func(t *testing.T) {
		next, err := standard.NextRunAfter(nil, now)
		if err != nil {
			t.Fatalf("NextRunAfter returned error: %v", err)
		}
		if !next.Equal(now) {
			t.Errorf("next = %v, want %v", next, now)
		}
	})

	t.Run("前回実行から間隔を加算", func(t *testing.T) {
		last := now.Add(-2 * time.Hour)
		next, err := standard.NextRunAfter(&last, now)
		if err != nil {
			t.Fatalf("NextRunAfter returned error: %v", err)
		}
		want := last.Add(6 * time.Hour)
		if !next.Equal(want) {
			t.Errorf("next = %v, want %v", next, want)
		}
	})

	t.Run("計算結果が過去ならキャッチアップで即時", func(t *testing.T) {
		// 停止していた間に予定時刻を過ぎたケース
		last := now.Add(-48 * time.Hour)
		next, err := standard.NextRunAfter(&last, now)
		if err != nil {
			t.Fatalf("NextRunAfter returned error: %v", err)
		}
		if !next.Equal(now) {
			t.Errorf("next = %v, want %v (catch-up)", next, now)
		}
	})

	t.Run("manualはエラー", func(t *testing.T) {
		manual, _ := NewPresetInterval(IntervalManual)
		_, err := manual.NextRunAfter(nil, now)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}

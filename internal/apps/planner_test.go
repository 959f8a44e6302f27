package apps

import (
	"encoding/json"
	"math"
	"testing"
)

func TestInstalledVersion(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{float64(3), 3},
		{float64(2.9), 2},
		{"4", 4},
		{" 5 ", 5},
		{"6.0", 6},
		{json.Number("7"), 7},
		{"abc", -1},
		{nil, -1},
		{true, -1},
		{[]any{1}, -1},
		{math.NaN(), -1},
		{math.Inf(1), -1},
		{float64(1e30), -1},
		{"1e30", -1},
		{json.Number("12345678901234567890"), -1},
		{int64(math.MaxInt32) + 1, -1},
		{float64(math.MaxInt32), math.MaxInt32},
	}
	for _, tc := range cases {
		if got := InstalledVersion(tc.in); got != tc.want {
			t.Fatalf("InstalledVersion(%#v)=%d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPlan(t *testing.T) {
	latest := []Bundle{
		{Name: "snake", Version: 3},
		{Name: "clock", Version: 1},
		{Name: "badge", Version: 2},
		{Name: "weather", Version: 1},
	}
	installed := map[string]any{
		"snake":   float64(3),
		"clock":   "0",
		"badge":   "garbage",
		"unknown": float64(9),
	}
	got := Plan(installed, latest)
	want := []string{"badge", "clock", "weather"}
	if len(got) != len(want) {
		t.Fatalf("Plan = %+v, want names %v", got, want)
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Fatalf("Plan = %+v, want names %v", got, want)
		}
	}
}

func TestPlanUpToDate(t *testing.T) {
	latest := []Bundle{{Name: "snake", Version: 2}}
	if got := Plan(map[string]any{"snake": float64(5)}, latest); len(got) != 0 {
		t.Fatalf("expected nothing to update, got %+v", got)
	}
	if got := Plan(nil, latest); len(got) != 1 {
		t.Fatalf("nil installed should need everything, got %+v", got)
	}
}

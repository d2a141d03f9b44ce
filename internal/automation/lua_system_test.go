//go:build !no_automation

package automation

import (
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func newSystemState(t *testing.T, now time.Time) *lua.LState {
	t.Helper()
	e := &Engine{logger: testLogger(), now: func() time.Time { return now }}
	L := lua.NewState()
	t.Cleanup(L.Close)
	registerSystemModule(L, &scriptVM{}, e)
	return L
}

func TestSystemDatetime(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 5, 0, time.UTC)
	L := newSystemState(t, now)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(14)},
		{"minute", lua.LNumber(30)},
		{"second", lua.LNumber(5)},
		{"weekday", lua.LNumber(0)},
		{"day", lua.LNumber(1)},
		{"month", lua.LNumber(6)},
		{"year", lua.LNumber(2025)},
		{"timestamp", lua.LNumber(now.Unix())},
		{"time_str", lua.LString("14:30:05")},
		{"date_str", lua.LString("2025-06-01")},
	}
	for _, tt := range tests {
		L.SetGlobal("_comp", lua.LString(tt.component))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q): %v", tt.component, err)
		}
		if got := L.GetGlobal("_result"); got != tt.want {
			t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestSystemTimeBetween(t *testing.T) {
	tests := []struct {
		name     string
		hour     int
		from, to int
		want     bool
	}{
		{"inside normal", 14, 8, 22, true},
		{"at start", 8, 8, 22, true},
		{"at end", 22, 8, 22, false},
		{"before normal", 7, 8, 22, false},
		{"wrap late", 23, 22, 6, true},
		{"wrap early", 3, 22, 6, true},
		{"wrap outside", 12, 22, 6, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newSystemState(t, time.Date(2025, 1, 1, tt.hour, 0, 0, 0, time.UTC))
			L.SetGlobal("_from", lua.LNumber(tt.from))
			L.SetGlobal("_to", lua.LNumber(tt.to))
			if err := L.DoString(`_result = system.time_between(_from, _to)`); err != nil {
				t.Fatal(err)
			}
			if got := L.GetGlobal("_result"); got != lua.LBool(tt.want) {
				t.Errorf("time_between(%d, %d) at %d = %v, want %v", tt.from, tt.to, tt.hour, got, tt.want)
			}
		})
	}
}

func TestSystemLogLevels(t *testing.T) {
	e := &Engine{logger: testLogger(), now: time.Now}
	var got []string
	vm := &scriptVM{logf: func(level, msg string) { got = append(got, level+":"+msg) }}
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, vm, e)

	if err := L.DoString(`system.log("debug", "a"); system.log("error", "b")`); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "debug:a" || got[1] != "error:b" {
		t.Errorf("logs = %v", got)
	}
}

//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/timebase"
)

const maxHandlersPerScript = 100

// registerMeshModule installs the `mesh` global.
func registerMeshModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return meshOn(L, vm) },
		"utc":            func(L *lua.LState) int { return meshUTC(L, vm, e) },
		"role":           func(L *lua.LState) int { return meshRole(L, vm, e) },
		"set_utc":        func(L *lua.LState) int { return meshSetUTC(L, vm, e) },
		"set_interval":   func(L *lua.LState) int { return meshSetInterval(L, vm, e) },
		"actions":        func(L *lua.LState) int { return meshActions(L, vm, e) },
		"delete_actions": func(L *lua.LState) int { return meshDeleteActions(L, vm, e) },
		"after":          func(L *lua.LState) int { return meshAfter(L, vm, e) },
		"log":            func(L *lua.LState) int { return meshLog(L, vm, e) },
	})
	L.SetGlobal("mesh", mod)
}

func (vm *scriptVM) call() (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, callTimeout)
}

// mesh.on(type, [filter], fn). type "*" matches every event; filter may
// carry action_id, matched against stored and fired actions and against the
// mask of actions_deleted.
func meshOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	h := luaEventHandler{eventType: eventType, actionID: -1}
	if L.GetTop() >= 3 {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v, ok := filter.RawGetString("action_id").(lua.LNumber); ok {
			id := int(v)
			if id < 0 || id >= action.MaxActionID {
				L.ArgError(2, "action_id out of range")
				return 0
			}
			h.actionID = id
		}
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// mesh.utc() -> millis, timezone | nil when network time is unknown
func meshUTC(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := vm.call()
	defer cancel()
	st, err := e.node.Time(ctx)
	if err != nil || !st.Available {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(st.Millis))
	L.Push(lua.LNumber(st.Timezone))
	return 2
}

// mesh.role() -> sync role name
func meshRole(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := vm.call()
	defer cancel()
	st, err := e.node.Time(ctx)
	if err != nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(st.Role))
	return 1
}

// mesh.set_utc([millis], [tz]) -> true | false, err. Without millis the host
// clock is used.
func meshSetUTC(L *lua.LState, vm *scriptVM, e *Engine) int {
	t := e.now()
	if v, ok := L.Get(1).(lua.LNumber); ok {
		t = timebase.Time48(uint64(v) & timebase.Mask48).Time()
	}
	tz := L.OptInt(2, 0)
	if !timebase.ValidTimezone(tz) {
		L.ArgError(2, "timezone out of range")
		return 0
	}
	ctx, cancel := vm.call()
	defer cancel()
	return pushResult(L, e.node.SetTime(ctx, t, int8(tz)))
}

// mesh.set_interval(seconds) -> true | false, err
func meshSetInterval(L *lua.LState, vm *scriptVM, e *Engine) int {
	secs := L.CheckInt(1)
	if secs < 0 || secs > 0xFFFF {
		L.ArgError(1, "interval must be 0-65535")
		return 0
	}
	ctx, cancel := vm.call()
	defer cancel()
	return pushResult(L, e.node.SetBroadcastInterval(ctx, uint16(secs)))
}

// mesh.actions() -> array of action tables
func meshActions(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := vm.call()
	defer cancel()
	tbl, err := e.node.Actions(ctx)
	out := L.NewTable()
	if err != nil {
		e.logger.Warn("mesh.actions", "err", err)
		L.Push(out)
		return 1
	}
	for i, a := range tbl.Actions {
		out.RawSetInt(i+1, goToLua(L, entryFields(a)))
	}
	L.Push(out)
	return 1
}

// mesh.delete_actions(mask) -> deleted mask
func meshDeleteActions(L *lua.LState, vm *scriptVM, e *Engine) int {
	mask := L.CheckNumber(1)
	if mask < 0 || mask > 0xFFFFFFFF {
		L.ArgError(1, "mask must fit in 32 bits")
		return 0
	}
	ctx, cancel := vm.call()
	defer cancel()
	deleted, err := e.node.DeleteActions(ctx, uint32(mask))
	if err != nil {
		e.logger.Warn("mesh.delete_actions", "err", err)
		L.Push(lua.LNumber(0))
		return 1
	}
	L.Push(lua.LNumber(deleted))
	return 1
}

// mesh.after(seconds, fn) runs fn later on the script's VM.
func meshAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}
		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// mesh.log(msg)
func meshLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	e.scriptLog(vm, "info", L.CheckString(1))
	return 0
}

func (e *Engine) scriptLog(vm *scriptVM, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
}

func pushResult(L *lua.LState, err error) int {
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

//go:build !no_automation

// Package automation runs user Lua scripts that react to mesh node events.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"csrmesh-node/internal/action"
	"csrmesh-node/internal/node"
)

const (
	commandBacklog = 64
	runTimeout     = 5 * time.Second
	callTimeout    = 5 * time.Second
)

// Controller is the node surface scripts can drive.
type Controller interface {
	Events() *node.EventBus
	Time(ctx context.Context) (node.TimeStatus, error)
	SetTime(ctx context.Context, t time.Time, tz int8) error
	SetBroadcastInterval(ctx context.Context, secs uint16) error
	Actions(ctx context.Context) (node.ActionTable, error)
	DeleteActions(ctx context.Context, mask uint32) (uint32, error)
}

// RunResult is the outcome of a one-shot script run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with mesh.on.
type luaEventHandler struct {
	eventType string
	actionID  int // -1 matches any action
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. All access to state goes through commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf overrides where mesh.log and system.log go.
	logf func(level, msg string)
}

// Engine manages one VM per enabled script and feeds them node events.
type Engine struct {
	node    Controller
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an engine. Scripts are loaded by Start.
func NewEngine(n Controller, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		node:    n,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to node events and starts every enabled script.
func (e *Engine) Start() {
	e.unsub = e.node.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}
	e.logger.Info("automation engine started", "scripts", e.Running())
}

// Stop cancels every VM and unsubscribes.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the number of live script VMs.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.vms)
}

// ReloadScript restarts a script from disk; disabled scripts are just stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)
	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a time limit. Handlers the
// code registers are invoked once with a synthetic event of their type.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logs  []string
		logMu sync.Mutex
	)
	L, vm := e.newVM(ctx, cancel)
	defer L.Close()
	L.SetContext(ctx)
	vm.logf = func(level, msg string) {
		logMu.Lock()
		defer logMu.Unlock()
		if level != "" && level != "info" {
			msg = "[" + level + "] " + msg
		}
		logs = append(logs, msg)
	}

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Debug("run script failed", "err", err)
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()
	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.actionID >= 0 {
			ev.RawSetString("action_id", lua.LNumber(h.actionID))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) (*lua.LState, *scriptVM) {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandBacklog),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerMeshModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return L, vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L, vm := e.newVM(ctx, cancel)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// dispatchEvent runs on the node's event loop, so it only queues work.
func (e *Engine) dispatchEvent(ev node.Event) {
	fields := eventFields(ev)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, ev.Type, fields) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, fields) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "type", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]interface{}) bool {
	if h.eventType != eventType && h.eventType != "*" {
		return false
	}
	if h.actionID < 0 {
		return true
	}
	if id, ok := fields["action_id"].(uint8); ok {
		return int(id) == h.actionID
	}
	// actions_deleted carries a mask of removed ids.
	mask, ok := fields["mask"].(uint32)
	return ok && mask&(1<<uint(h.actionID)) != 0
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, fields map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, goToLua(L, fields)); err != nil {
		e.logger.Error("lua handler error", "err", err)
	}
}

// eventFields flattens a node event into the table handed to Lua handlers.
func eventFields(ev node.Event) map[string]interface{} {
	fields := map[string]interface{}{"type": ev.Type}
	switch d := ev.Data.(type) {
	case action.Entry:
		for k, v := range entryFields(d) {
			fields[k] = v
		}
	case node.TimeData:
		fields["utc"] = d.UTC.Format(time.RFC3339Nano)
		fields["millis"] = d.Millis
		fields["timezone"] = d.Timezone
	case node.DeletedData:
		fields["mask"] = d.Mask
	case string:
		fields["value"] = d
	case nil:
	default:
		fields["value"] = fmt.Sprintf("%v", d)
	}
	return fields
}

func entryFields(a action.Entry) map[string]interface{} {
	payload := make([]interface{}, len(a.Payload))
	for i, b := range a.Payload {
		payload[i] = b
	}
	m := map[string]interface{}{
		"action_id":       a.ActionID,
		"destination":     a.Destination,
		"time_type":       a.TimeType,
		"start_time":      a.StartTime,
		"repeat_interval": a.RepeatInterval,
		"repeat_count":    a.RepeatCount,
		"repeat_max":      a.RepeatMax,
		"payload":         payload,
	}
	if msg, ok := a.Message(); ok {
		m["opcode"] = msg.Opcode
	}
	return m
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int8:
		return lua.LNumber(val)
	case int16:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

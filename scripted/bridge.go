// Package scripted implements the Scripted Actor Bridge: an adapter that
// binds one actor's mailbox to a VM leased for the actor's entire lifetime,
// marshalling JSON request/reply across the Lua boundary with a stable wire
// shape.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/cuihairu/shield/actor"
	"github.com/cuihairu/shield/vmpool"
)

// sender is the narrow capability the bridge needs from the runtime to
// implement the script's send_message host function: a best-effort,
// find-then-send dispatch. *actor.Runtime satisfies this directly.
type sender interface {
	SendTo(ctx context.Context, name, msgType string, payload []byte) bool
}

// Reply is the wire shape returned for every inbound message, matching the
// schema in the external interfaces: success/error_message/data, with data
// values always strings.
type Reply struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message"`
	Data         map[string]string `json:"data"`
}

func (r Reply) marshal() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		// Marshalling our own fixed-shape struct cannot fail in practice;
		// fall back to a literal so Deliver never returns malformed JSON.
		return []byte(`{"success":false,"error_message":"internal marshal error","data":{}}`)
	}
	return data
}

func errorReply(reason string) []byte {
	return Reply{Success: false, ErrorMessage: reason, Data: map[string]string{}}.marshal()
}

// Bridge binds one actor's mailbox to a leased Lua VM for the actor's
// entire lifetime.
type Bridge struct {
	actorID    string
	scriptPath string
	lease      *vmpool.Lease
	state      *lua.LState
	sender     sender
	log        *log.Logger

	scriptLoaded bool
}

// NewBridge acquires a VM from pool and holds it for the bridge's lifetime,
// wires the script capabilities into it, and loads scriptPath. actorID is
// generated from the current time in milliseconds when empty. Acquisition
// failure is returned to the caller rather than panicking, matching the
// Go idiom of explicit error returns in place of the original's
// throw-from-constructor.
func NewBridge(ctx context.Context, pool *vmpool.Pool, rt sender, scriptPath, actorID string) (*Bridge, error) {
	if actorID == "" {
		actorID = fmt.Sprintf("actor_%d", time.Now().UnixMilli())
	}

	lease, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("scripted: acquiring VM for actor %s: %w", actorID, err)
	}

	b := &Bridge{
		actorID:    actorID,
		scriptPath: scriptPath,
		lease:      lease,
		state:      lease.State(),
		sender:     rt,
		log:        log.New(os.Stderr, "[scripted."+actorID+"] ", log.LstdFlags),
	}

	b.setupEnvironment()
	b.registerHostFunctions()

	if err := b.loadScript(); err != nil {
		b.log.Printf("failed to load script %s: %v", scriptPath, err)
	}

	return b, nil
}

func (b *Bridge) setupEnvironment() {
	b.state.SetGlobal("actor_id", lua.LString(b.actorID))
	b.state.SetGlobal("script_path", lua.LString(b.scriptPath))

	const prelude = `
function create_message(msg_type, data, sender)
    return { type = msg_type or "", data = data or {}, sender_id = sender or "" }
end

function create_response(success, data, error_msg)
    return { success = success ~= false, data = data or {}, error_message = error_msg or "" }
end

function on_message(msg)
    log_info("Received message: " .. msg.type)
    return create_response(true, {reply = "message received"})
end
`
	if err := b.state.DoString(prelude); err != nil {
		b.log.Printf("failed to install script prelude: %v", err)
	}
}

func (b *Bridge) registerHostFunctions() {
	b.state.SetGlobal("log_info", b.state.NewFunction(func(L *lua.LState) int {
		b.log.Printf("[%s] %s", b.actorID, L.ToString(1))
		return 0
	}))
	b.state.SetGlobal("log_error", b.state.NewFunction(func(L *lua.LState) int {
		b.log.Printf("[%s] ERROR: %s", b.actorID, L.ToString(1))
		return 0
	}))
	b.state.SetGlobal("get_current_time", b.state.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(time.Now().UnixMilli()))
		return 1
	}))
	b.state.SetGlobal("get_actor_id", b.state.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(b.actorID))
		return 1
	}))
	b.state.SetGlobal("send_message", b.state.NewFunction(func(L *lua.LState) int {
		target := L.ToString(1)
		msgType := L.ToString(2)
		data := tableToStringMap(L.ToTable(3))
		payload, _ := json.Marshal(data)
		if b.sender != nil {
			b.sender.SendTo(context.Background(), target, msgType, payload)
		}
		return 0
	}))
}

func (b *Bridge) loadScript() error {
	if b.scriptPath == "" {
		return fmt.Errorf("no script path configured")
	}
	if _, err := os.Stat(b.scriptPath); err != nil {
		return fmt.Errorf("script file does not exist: %s", b.scriptPath)
	}
	if err := b.state.DoFile(b.scriptPath); err != nil {
		return fmt.Errorf("loading script: %w", err)
	}
	b.scriptLoaded = true

	if fn, ok := b.state.GetGlobal("on_init").(*lua.LFunction); ok {
		if err := b.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			b.log.Printf("on_init returned an error (non-fatal): %v", err)
		}
	} else {
		b.log.Printf("no on_init function found in script (this is optional)")
	}
	return nil
}

// Deliver implements actor.Mailbox: it parses payload as JSON, invokes the
// script's on_message, and marshals the result into the fixed Reply shape.
// It never returns a Go error — every failure mode (missing on_message,
// script error, malformed JSON) becomes a success=false Reply instead.
func (b *Bridge) Deliver(_ context.Context, msgType string, payload []byte) ([]byte, error) {
	if !b.scriptLoaded {
		return errorReply("Script not loaded"), nil
	}

	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return errorReply(fmt.Sprintf("invalid JSON payload: %v", err)), nil
		}
	}

	msgTable := b.state.NewTable()
	msgTable.RawSetString("type", lua.LString(msgType))
	msgTable.RawSetString("sender_id", lua.LString("gateway"))
	msgTable.RawSetString("data", anyMapToLuaTable(b.state, data))

	fn, ok := b.state.GetGlobal("on_message").(*lua.LFunction)
	if !ok {
		return errorReply("Lua script does not have 'on_message' function"), nil
	}

	if err := b.state.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, msgTable); err != nil {
		return errorReply("Lua error: " + err.Error()), nil
	}

	ret := b.state.Get(-1)
	b.state.Pop(1)

	respTable, ok := ret.(*lua.LTable)
	if !ok {
		return errorReply("on_message did not return a table"), nil
	}

	success := true
	if sv := respTable.RawGetString("success"); sv != lua.LNil {
		if b, ok := sv.(lua.LBool); ok {
			success = bool(b)
		}
	}
	errMsg := ""
	if ev := respTable.RawGetString("error_message"); ev != lua.LNil {
		errMsg = lua.LVAsString(ev)
	}

	dataOut := map[string]string{}
	if dv, ok := respTable.RawGetString("data").(*lua.LTable); ok {
		dv.ForEach(func(k, v lua.LValue) {
			key := lua.LVAsString(k)
			if s, ok := v.(lua.LString); ok {
				dataOut[key] = string(s)
			} else {
				dataOut[key] = "non-string-value"
			}
		})
	}

	return Reply{Success: success, ErrorMessage: errMsg, Data: dataOut}.marshal(), nil
}

// Close releases the leased VM back to the pool.
func (b *Bridge) Close() {
	b.lease.Release()
}

func tableToStringMap(t *lua.LTable) map[string]string {
	out := map[string]string{}
	if t == nil {
		return out
	}
	t.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(k)] = lua.LVAsString(v)
	})
	return out
}

// anyMapToLuaTable converts a parsed-JSON map into a Lua table; string
// values pass through directly, non-string values are re-encoded as JSON
// text, matching the source bridge's handling of mixed-type payload data.
func anyMapToLuaTable(L *lua.LState, data map[string]any) *lua.LTable {
	table := L.NewTable()
	for k, v := range data {
		if s, ok := v.(string); ok {
			table.RawSetString(k, lua.LString(s))
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			continue
		}
		table.RawSetString(k, lua.LString(string(encoded)))
	}
	return table
}

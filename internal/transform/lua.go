// Package transform evaluates user supplied per-row transforms in an embedded
// Lua VM with only the base (minus loaders and I/O), string, table and math
// libraries. Every call runs under a wall-clock deadline.
package transform

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mmrzaf/dataforge/internal/domain"
	lua "github.com/yuin/gopher-lua"
)

const (
	DefaultTimeout      = 100 * time.Millisecond
	DefaultCallStack    = 128
	defaultRegistrySize = 1024 * 16
)

var blockedGlobals = []string{
	"dofile", "loadfile", "load", "loadstring", "require", "module",
	"print", "collectgarbage", "getfenv", "setfenv", "newproxy",
}

type Options struct {
	Timeout   time.Duration
	CallStack int
}

// Transformer runs one compiled script. It is not safe for concurrent use.
type Transformer struct {
	L       *lua.LState
	fn      *lua.LFunction
	timeout time.Duration
}

// Compile parses src and prepares a sandboxed state for it. The script sees
// the current record as the global table `row` and may return a table to
// replace it, nil or false to drop it, or nothing to keep `row` as mutated.
func Compile(src string, opts Options) (*Transformer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CallStack <= 0 {
		opts.CallStack = DefaultCallStack
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: opts.CallStack,
		RegistrySize:  defaultRegistrySize,
	})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.open), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("open lua library %s: %w", lib.name, err)
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	fn, err := L.LoadString(src)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("compile transform: %w", err)
	}
	return &Transformer{L: L, fn: fn, timeout: opts.Timeout}, nil
}

// Apply runs the script against rec. keep is false when the script dropped
// the row.
func (t *Transformer) Apply(ctx context.Context, rec domain.Record) (out domain.Record, keep bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	L := t.L
	L.SetContext(cctx)
	defer L.RemoveContext()

	row := toLua(L, map[string]interface{}(rec))
	L.SetGlobal("row", row)

	base := L.GetTop()
	L.Push(t.fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.SetTop(base)
		if cctx.Err() != nil && ctx.Err() == nil {
			return nil, false, fmt.Errorf("transform exceeded %s", t.timeout)
		}
		return nil, false, fmt.Errorf("transform failed: %w", err)
	}
	n := L.GetTop() - base
	defer L.SetTop(base)

	var ret lua.LValue = lua.LNil
	if n == 0 {
		ret = L.GetGlobal("row")
	} else {
		ret = L.Get(base + 1)
	}

	switch v := ret.(type) {
	case *lua.LNilType:
		return nil, false, nil
	case lua.LBool:
		if !bool(v) {
			return nil, false, nil
		}
		return rec, true, nil
	case *lua.LTable:
		m, ok := fromLua(v).(map[string]interface{})
		if !ok {
			return nil, false, errors.New("transform must return a table keyed by column name")
		}
		return domain.Record(m), true, nil
	default:
		return nil, false, fmt.Errorf("transform returned %s, want table or nil", ret.Type())
	}
}

func (t *Transformer) Close() {
	if t.L != nil {
		t.L.Close()
	}
}

func toLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(string(val))
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case time.Time:
		return lua.LString(val.UTC().Format(time.RFC3339))
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	case domain.Record:
		return toLua(L, map[string]interface{}(val))
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range val {
			tbl.Append(toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}

func fromLua(v lua.LValue) interface{} {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			arr := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(val.RawGetInt(i)))
			}
			return arr
		}
		m := map[string]interface{}{}
		val.ForEach(func(k, item lua.LValue) {
			m[k.String()] = fromLua(item)
		})
		return m
	default:
		return val.String()
	}
}

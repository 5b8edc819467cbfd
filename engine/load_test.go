package engine

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/externs"
	"github.com/wippyai/fabric/wasm"
	"github.com/wippyai/fabric/wat"
)

func loadModule(t *testing.T, env Environment, src string) *Context {
	t.Helper()
	c, err := LoadString(context.Background(), env, src)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func expectFatal(t *testing.T, kind errors.Kind, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected fatal panic")
		}
		e, ok := r.(*errors.Error)
		if !ok || !e.Fatal {
			t.Fatalf("panic value = %v, want fatal *errors.Error", r)
		}
		if e.Kind != kind {
			t.Fatalf("kind = %s, want %s (%v)", e.Kind, kind, e)
		}
	}()
	fn()
}

func expectKind(t *testing.T, err error, phase errors.Phase, kind errors.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s/%s error, got nil", phase, kind)
	}
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %T: %v", err, err)
	}
	if e.Phase != phase || e.Kind != kind {
		t.Fatalf("got %s/%s, want %s/%s: %v", e.Phase, e.Kind, phase, kind, err)
	}
}

func TestLoad_DeclarationOrder(t *testing.T) {
	im := NewImports()
	if err := im.Func("env", "a", func() {}); err != nil {
		t.Fatal(err)
	}
	if err := im.Func("env", "b", func(int32) {}); err != nil {
		t.Fatal(err)
	}

	c := loadModule(t, im, `(module
		(import "env" "a" (func $a))
		(import "env" "b" (func $b (param i32)))
		(func $x (export "x"))
		(func $y (export "y") (call $a) (call $b (i32.const 1))))`)

	want := []struct {
		name     string
		imported bool
	}{
		{"env::a", true},
		{"env::b", true},
		{"x", false},
		{"y", false},
	}

	fns := c.Functions()
	if len(fns) != len(want) {
		t.Fatalf("got %d functions, want %d", len(fns), len(want))
	}
	for i, w := range want {
		if fns[i].Name() != w.name {
			t.Errorf("function %d name = %q, want %q", i, fns[i].Name(), w.name)
		}
		if fns[i].IsImport() != w.imported {
			t.Errorf("function %d IsImport = %v, want %v", i, fns[i].IsImport(), w.imported)
		}
		if fns[i].Index() != FuncRef(i) {
			t.Errorf("function %d Index = %d", i, fns[i].Index())
		}
	}
}

func TestLoad_UnresolvedImport(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		field  string
		global bool
	}{
		{
			name:  "function",
			src:   `(module (import "env" "missing" (func)))`,
			field: "missing",
		},
		{
			name:   "global",
			src:    `(module (import "env" "level" (global externref)))`,
			field:  "level",
			global: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(context.Background(), NewImports(), tt.src)
			var ue *errors.UnresolvedImportError
			if !stderrors.As(err, &ue) {
				t.Fatalf("expected UnresolvedImportError, got %v", err)
			}
			if ue.Module != "env" || ue.Field != tt.field || ue.Global != tt.global {
				t.Errorf("got %+v", ue)
			}
			if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseLoad, Kind: errors.KindMissingImport}) {
				t.Error("error should match load/missing_import")
			}
		})
	}
}

func TestLoad_ResolvesEveryImport(t *testing.T) {
	im := NewImports()
	_ = im.Func("env", "f", func() {})
	im.Const("env", "g", 1)

	c := loadModule(t, im, `(module
		(import "env" "f" (func))
		(import "env" "f" (func))
		(import "env" "g" (global externref)))`)
	if n := len(c.Functions()); n != 2 {
		t.Fatalf("got %d functions, want 2", n)
	}
}

func TestLoad_SignatureMismatch(t *testing.T) {
	tests := []struct {
		name string
		fn   any
	}{
		{"param type", func(int64) {}},
		{"param count", func(int32, int32) {}},
		{"result", func(int32) int32 { return 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := NewImports()
			if err := im.Func("env", "f", tt.fn); err != nil {
				t.Fatal(err)
			}
			_, err := LoadString(context.Background(), im, `(module (import "env" "f" (func (param i32))))`)
			expectKind(t, err, errors.PhaseLoad, errors.KindTypeMismatch)
		})
	}

	t.Run("externref is not i64", func(t *testing.T) {
		im := NewImports()
		_ = im.Func("env", "f", func(int64) {})
		_, err := LoadString(context.Background(), im, `(module (import "env" "f" (func (param externref))))`)
		expectKind(t, err, errors.PhaseLoad, errors.KindTypeMismatch)
	})
}

func TestLoad_InvalidGlobal(t *testing.T) {
	tests := []struct {
		name string
		src  string
		g    GlobalValue
	}{
		{"mutable import", `(module (import "env" "g" (global (mut externref))))`, Const(1)},
		{"i32 import", `(module (import "env" "g" (global i32)))`, Const(1)},
		{"mutable host value", `(module (import "env" "g" (global externref)))`, GlobalValue{Value: 1, Mutable: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := NewImports()
			im.Global("env", "g", tt.g)
			_, err := LoadString(context.Background(), im, tt.src)
			expectKind(t, err, errors.PhaseLoad, errors.KindInvalidGlobal)
		})
	}
}

func TestLoad_MemoryInitialization(t *testing.T) {
	c := loadModule(t, NewImports(), `(module
		(memory 1)
		(data (i32.const 0) "\01\02\03")
		(data (i32.const 10) "\09\09"))`)

	want := []byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 9, 9}
	if got := c.Memory().Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("memory = %v, want %v", got, want)
	}
}

func TestLoad_NoData(t *testing.T) {
	c := loadModule(t, NewImports(), `(module (memory 1))`)
	if c.Memory().Len() != 0 {
		t.Errorf("memory len = %d, want 0", c.Memory().Len())
	}
}

func TestLoad_DataErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind errors.Kind
	}{
		{
			name: "overlap",
			src:  `(module (memory 1) (data (i32.const 0) "abcd") (data (i32.const 2) "xy"))`,
			kind: errors.KindOverlap,
		},
		{
			name: "beyond initial pages",
			src:  `(module (memory 1) (data (i32.const 65535) "ab"))`,
			kind: errors.KindOutOfBounds,
		},
		{
			name: "base relative",
			src: `(module
				(import "env" "base" (global externref))
				(memory 1)
				(data (global.get 0) "ab"))`,
			kind: errors.KindUnsupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := NewImports()
			im.Const("env", "base", 0)
			_, err := LoadString(context.Background(), im, tt.src)
			expectKind(t, err, errors.PhaseMemory, tt.kind)
			if errors.IsFatal(err) {
				t.Error("data errors must not be fatal")
			}
		})
	}
}

func TestLoad_StartFunction(t *testing.T) {
	var (
		calls int
		seen  *Context
		peek  int32 = -1
	)
	im := NewImports()
	_ = im.Func("env", "hit", func(c *Context) {
		calls++
		seen = c
	})
	_ = im.Func("env", "peek", func(v int32) { peek = v })

	c := loadModule(t, im, `(module
		(import "env" "hit" (func $hit))
		(import "env" "peek" (func $peek (param i32)))
		(memory 1)
		(data (i32.const 0) "\2a")
		(func $start
			(call $hit)
			(call $peek (i32.load8_u (i32.const 0))))
		(start $start))`)

	if calls != 1 {
		t.Errorf("start ran %d times, want 1", calls)
	}
	if seen != c {
		t.Error("start received a different context")
	}
	if peek != 42 {
		t.Errorf("start saw memory byte %d, want 42", peek)
	}
}

func TestLoad_StartTrap(t *testing.T) {
	_, err := LoadString(context.Background(), NewImports(), `(module
		(func $start unreachable)
		(start $start))`)
	expectKind(t, err, errors.PhaseLink, errors.KindTrap)
}

func TestLoad_ContextThreading(t *testing.T) {
	var stacks [][]uint64
	sig := Signature{Params: []wasm.ValType{wasm.ValI32, wasm.ValI32}}
	im := NewImports()
	im.Native("env", "pair", sig, func(_ context.Context, _ *Context, stack []uint64) {
		stacks = append(stacks, append([]uint64(nil), stack...))
	})

	c := loadModule(t, im, `(module
		(import "env" "pair" (func $pair (param i32 i32)))
		(func $inner (param i32)
			(call $pair (local.get 0) (i32.const 9)))
		(func (export "run")
			(call $pair (i32.const 7) (i32.const 9))
			(call $inner (i32.const 7))))`)

	if _, err := c.Call(context.Background(), "run"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(stacks) != 2 {
		t.Fatalf("host called %d times, want 2", len(stacks))
	}
	for i, stack := range stacks {
		if len(stack) != 3 {
			t.Fatalf("call %d: host received %d native args, want 3", i, len(stack))
		}
		if stack[0] != c.Handle() {
			t.Errorf("call %d: stack[0] = %d, want handle %d", i, stack[0], c.Handle())
		}
		if stack[1] != 7 || stack[2] != 9 {
			t.Errorf("call %d: args = %v, want [7 9]", i, stack[1:])
		}
	}
}

func TestLoad_FuncRefRoundTrip(t *testing.T) {
	var (
		registered FuncRef = NullFuncRef
		notified   []int32
	)
	im := NewImports()
	_ = im.Func("env", "register", func(f FuncRef) { registered = f })
	_ = im.Func("env", "notify", func(v int32) { notified = append(notified, v) })

	c := loadModule(t, im, `(module
		(import "env" "register" (func $register (param funcref)))
		(import "env" "notify" (func $notify (param i32)))
		(elem declare func $listener)
		(func $listener (param i32)
			(call $notify (local.get 0)))
		(func (export "init")
			(call $register (ref.func $listener))))`)

	if _, err := c.Call(context.Background(), "init"); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if registered != 2 {
		t.Fatalf("registered = %d, want 2", registered)
	}

	fn, ok := c.Function(registered)
	if !ok {
		t.Fatal("Function lookup failed")
	}
	if _, err := fn.Call(context.Background(), c, 5); err != nil {
		t.Fatalf("listener call failed: %v", err)
	}
	if len(notified) != 1 || notified[0] != 5 {
		t.Errorf("notified = %v, want [5]", notified)
	}

	if _, ok := c.Function(NullFuncRef); ok {
		t.Error("null FuncRef should not resolve")
	}
	if _, ok := c.Function(99); ok {
		t.Error("out of range FuncRef should not resolve")
	}
}

func TestLoad_ExternRefs(t *testing.T) {
	im := NewImports()
	_ = im.Func("env", "make", func(c *Context) ExternRef {
		return externs.Create(c.Externs(), "hello")
	})
	_ = im.Func("env", "consume", func(c *Context, r ExternRef) int32 {
		return int32(len(externs.Take[string](c.Externs(), r)))
	})

	c := loadModule(t, im, `(module
		(import "env" "make" (func $make (result externref)))
		(import "env" "consume" (func $consume (param externref) (result i32)))
		(func (export "run") (result i32)
			(local $r externref)
			(local.set $r (call $make))
			(call $consume (local.get $r))))`)

	res, err := c.Call(context.Background(), "run")
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res[0] != 5 {
		t.Errorf("result = %d, want 5", res[0])
	}
	if live := c.Externs().Live(); live != 0 {
		t.Errorf("live externs = %d, want 0", live)
	}
}

func TestLoad_ConstGlobalsAndNull(t *testing.T) {
	var got []ExternRef
	im := NewImports()
	im.Const("log", "level", 3)
	_ = im.Func("env", "take", func(r ExternRef) { got = append(got, r) })

	c := loadModule(t, im, `(module
		(import "log" "level" (global $lvl externref))
		(import "env" "take" (func $take (param externref)))
		(func (export "run")
			(call $take (global.get $lvl))
			(call $take (ref.null extern))))`)

	if _, err := c.Call(context.Background(), "run"); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("take called %d times", len(got))
	}
	if got[0] != externs.FromConst(3) {
		t.Errorf("global = %v, want %v", got[0], externs.FromConst(3))
	}
	if v, ok := got[0].Value(); !ok || v != 3 {
		t.Errorf("Value() = %d, %v", v, ok)
	}
	if !got[1].IsNull() {
		t.Errorf("ref.null extern = %v, want null", got[1])
	}
}

func TestLoad_RefIsNull(t *testing.T) {
	im := NewImports()
	_ = im.Func("env", "make", func(c *Context) ExternRef {
		return externs.Create(c.Externs(), 1)
	})

	c := loadModule(t, im, `(module
		(import "env" "make" (func $make (result externref)))
		(func $f)
		(elem declare func $f)
		(func (export "extern") (param $null i32) (result i32)
			(local $r externref)
			(local.set $r (call $make))
			(if (local.get $null)
				(then (local.set $r (ref.null extern))))
			(ref.is_null (local.get $r)))
		(func (export "func") (param $null i32) (result i32)
			(local $f funcref)
			(local.set $f (ref.func $f))
			(if (local.get $null)
				(then (local.set $f (ref.null func))))
			(ref.is_null (local.get $f))))`)

	tests := []struct {
		export string
		null   uint64
		want   uint64
	}{
		{"extern", 0, 0},
		{"extern", 1, 1},
		{"func", 0, 0},
		{"func", 1, 1},
	}
	for _, tt := range tests {
		res, err := c.Call(context.Background(), tt.export, tt.null)
		if err != nil {
			t.Fatalf("%s(%d) failed: %v", tt.export, tt.null, err)
		}
		if res[0] != tt.want {
			t.Errorf("%s(%d) = %d, want %d", tt.export, tt.null, res[0], tt.want)
		}
	}
}

func TestLoad_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"call_indirect", `(module (type $t (func)) (table 1 funcref) (func (call_indirect (type $t) (i32.const 0))))`},
		{"memory.grow", `(module (memory 1) (func (drop (memory.grow (i32.const 1)))))`},
		{"global.set", `(module (global $g (mut i32) (i32.const 0)) (func (global.set $g (i32.const 1))))`},
		{"defined global.get", `(module (global $g i32 (i32.const 0)) (func (drop (global.get $g))))`},
		{"table import", `(module (import "env" "t" (table 1 funcref)))`},
		{"memory import", `(module (import "env" "m" (memory 1)))`},
		{"memory.fill", `(module (memory 1) (func (memory.fill (i32.const 0) (i32.const 0) (i32.const 0))))`},
		{"table.get", `(module (table 1 funcref) (func (drop (table.get 0 (i32.const 0)))))`},
		{"ref.is_null of block result", `(module (func (param externref) (drop (ref.is_null (block (result externref) (local.get 0))))))`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectFatal(t, errors.KindUnsupported, func() {
				_, _ = LoadString(context.Background(), NewImports(), tt.src)
			})
		})
	}
}

func TestLoad_IgnoredConstructs(t *testing.T) {
	c := loadModule(t, NewImports(), `(module
		(table 2 funcref)
		(func $f)
		(elem (i32.const 0) $f)
		(global i32 (i32.const 1))
		(memory 1)
		(data "passive")
		(func (export "run") (result i32) (i32.const 1)))`)

	res, err := c.Call(context.Background(), "run")
	if err != nil || res[0] != 1 {
		t.Fatalf("run = %v, %v", res, err)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	_, err := LoadString(context.Background(), NewImports(), `(module (func`)
	expectKind(t, err, errors.PhaseParse, errors.KindInvalidData)

	_, err = Load(context.Background(), NewImports(), []byte("\x00asm\x01\x00\x00\x00\x01"))
	expectKind(t, err, errors.PhaseParse, errors.KindInvalidData)

	_, err = Load(context.Background(), nil, []byte(`(module)`))
	expectKind(t, err, errors.PhaseLoad, errors.KindInvalidInput)
}

func TestLoad_BinaryInput(t *testing.T) {
	bin, err := wat.CompileString(`(module (func (export "answer") (result i32) (i32.const 42)))`)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Load(context.Background(), NewImports(), bin, WithBackend(BackendInterpreter))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer c.Close(context.Background())

	res, err := c.Call(context.Background(), "answer")
	if err != nil || res[0] != 42 {
		t.Fatalf("answer = %v, %v", res, err)
	}
}

func TestContext_Trap(t *testing.T) {
	c := loadModule(t, NewImports(), `(module (func (export "boom") unreachable))`)

	_, err := c.Call(context.Background(), "boom")
	expectKind(t, err, errors.PhaseRuntime, errors.KindTrap)
}

func TestContext_HostErrorTraps(t *testing.T) {
	im := NewImports()
	_ = im.Func("env", "fail", func() error { return stderrors.New("refused") })
	c := loadModule(t, im, `(module
		(import "env" "fail" (func $fail))
		(func (export "run") (call $fail)))`)

	_, err := c.Call(context.Background(), "run")
	expectKind(t, err, errors.PhaseRuntime, errors.KindTrap)
	if errors.IsFatal(err) {
		t.Error("host error should not be fatal")
	}
}

func TestContext_StaleHandleIsFatal(t *testing.T) {
	im := NewImports()
	_ = im.Func("env", "make", func(c *Context) ExternRef {
		return externs.Create(c.Externs(), 1)
	})
	_ = im.Func("env", "take", func(c *Context, r ExternRef) {
		externs.Take[int](c.Externs(), r)
	})
	c := loadModule(t, im, `(module
		(import "env" "make" (func $make (result externref)))
		(import "env" "take" (func $take (param externref)))
		(func (export "run")
			(local $r externref)
			(local.set $r (call $make))
			(call $take (local.get $r))
			(call $take (local.get $r))))`)

	expectFatal(t, errors.KindStaleHandle, func() {
		_, _ = c.Call(context.Background(), "run")
	})
}

func TestContext_Exports(t *testing.T) {
	c := loadModule(t, NewImports(), `(module
		(func (export "b"))
		(func (export "a") (param i32 i32) (result i32)
			(i32.add (local.get 0) (local.get 1))))`)

	names := c.Exports()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Exports() = %v", names)
	}

	res, err := c.Call(context.Background(), "a", 2, 3)
	if err != nil || res[0] != 5 {
		t.Fatalf("a(2, 3) = %v, %v", res, err)
	}

	_, err = c.Call(context.Background(), "a", 2)
	expectKind(t, err, errors.PhaseRuntime, errors.KindInvalidInput)

	_, err = c.Call(context.Background(), "missing")
	expectKind(t, err, errors.PhaseRuntime, errors.KindNotFound)
}

func TestContext_Close(t *testing.T) {
	c, err := LoadString(context.Background(), NewImports(), `(module
		(memory 1)
		(data (i32.const 0) "x")
		(func (export "run")))`)
	if err != nil {
		t.Fatal(err)
	}
	externs.Create(c.Externs(), "pending")

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !c.Closed() {
		t.Error("Closed() = false after Close")
	}
	if c.Externs().Live() != 0 {
		t.Error("Close should drop live externs")
	}
	if c.Memory().Len() != 0 {
		t.Error("Close should release memory")
	}

	_, err = c.Call(context.Background(), "run")
	expectKind(t, err, errors.PhaseRuntime, errors.KindClosed)

	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

package engine

import (
	"context"
	"fmt"
	"reflect"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/wasm"
)

// NativeFunc is the raw host calling convention. stack[0] holds the context
// handle followed by the lowered arguments; results are written back from
// stack[0]. The stack is at least as long as the larger of params+1 and
// results.
type NativeFunc func(ctx context.Context, c *Context, stack []uint64)

// Function is a resolved callable: a host function supplied by an
// Environment or a compiled guest function owned by a Context.
type Function struct {
	native   NativeFunc
	compiled api.Function
	name     string
	sig      Signature
	index    uint32
}

// NewFunction wraps a raw host function with its WebAssembly signature.
func NewFunction(sig Signature, fn NativeFunc) *Function {
	return &Function{sig: sig, native: fn, index: uint32(NullFuncRef)}
}

// Index returns the function's position in its context's table.
func (f *Function) Index() FuncRef { return FuncRef(f.index) }

// Name returns the import symbol (module::field) or the export name.
func (f *Function) Name() string { return f.name }

// Signature returns the function's WebAssembly type.
func (f *Function) Signature() Signature { return f.sig }

// IsImport reports whether the function is implemented by the host.
func (f *Function) IsImport() bool { return f.native != nil }

// bind returns a copy placed at index in a context table.
func (f *Function) bind(index uint32, name string) *Function {
	cp := *f
	cp.index = index
	cp.name = name
	return &cp
}

// Call invokes f with the context handle prepended to args. Arguments and
// results use the lowered representation. A fatal error raised by guest or
// host code is re-raised as a panic.
func (f *Function) Call(ctx context.Context, c *Context, args ...uint64) ([]uint64, error) {
	if len(args) != len(f.sig.Params) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Path(f.name).
			Detail("expected %d arguments, got %d", len(f.sig.Params), len(args)).
			Build()
	}
	if c.closed.Load() {
		return nil, errors.New(errors.PhaseRuntime, errors.KindClosed).
			Path(f.name).
			Detail("context is closed").
			Build()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	stack := make([]uint64, f.sig.stackSize())
	stack[0] = c.handle
	copy(stack[1:], args)

	if f.native != nil {
		f.native(ctx, c, stack)
		return stack[:len(f.sig.Results)], nil
	}

	if err := f.compiled.CallWithStack(ctx, stack); err != nil {
		if fatal, ok := errors.AsFatal(err); ok {
			panic(fatal)
		}
		return nil, errors.New(errors.PhaseRuntime, errors.KindTrap).
			Path(f.name).
			Cause(err).
			Build()
	}
	return stack[:len(f.sig.Results)], nil
}

var (
	contextType   = reflect.TypeFor[context.Context]()
	execType      = reflect.TypeFor[*Context]()
	errorType     = reflect.TypeFor[error]()
	externRefType = reflect.TypeFor[ExternRef]()
	funcRefType   = reflect.TypeFor[FuncRef]()
)

// Func binds a typed Go function as a host function. The function may take
// a context.Context and then a *Context before its WebAssembly parameters,
// and may return a trailing error, which traps the calling guest.
//
// Supported value types: int32, uint32 and bool (i32), int64 and uint64
// (i64), float32 (f32), float64 (f64), ExternRef (externref) and FuncRef
// (funcref).
func Func(fn any) (*Function, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseLink, errors.KindTypeMismatch).
			Detail("host function must be a func, got %T", fn).
			Build()
	}
	rt := rv.Type()
	if rt.IsVariadic() {
		return nil, errors.InvalidInput(errors.PhaseLink, "variadic host functions are not supported")
	}

	in := 0
	wantCtx := in < rt.NumIn() && rt.In(in) == contextType
	if wantCtx {
		in++
	}
	wantExec := in < rt.NumIn() && rt.In(in) == execType
	if wantExec {
		in++
	}

	var sig Signature
	for i := in; i < rt.NumIn(); i++ {
		vt, ok := goValType(rt.In(i))
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseLink, []string{fmt.Sprintf("param %d", i)}, "wasm value type", rt.In(i).String())
		}
		sig.Params = append(sig.Params, vt)
	}

	out := rt.NumOut()
	returnsErr := out > 0 && rt.Out(out-1) == errorType
	if returnsErr {
		out--
	}
	for i := range out {
		vt, ok := goValType(rt.Out(i))
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseLink, []string{fmt.Sprintf("result %d", i)}, "wasm value type", rt.Out(i).String())
		}
		sig.Results = append(sig.Results, vt)
	}

	paramTypes := make([]reflect.Type, len(sig.Params))
	for i := range paramTypes {
		paramTypes[i] = rt.In(in + i)
	}

	native := func(ctx context.Context, c *Context, stack []uint64) {
		args := make([]reflect.Value, 0, rt.NumIn())
		if wantCtx {
			args = append(args, reflect.ValueOf(ctx))
		}
		if wantExec {
			args = append(args, reflect.ValueOf(c))
		}
		for i, t := range paramTypes {
			args = append(args, decodeValue(t, stack[i+1]))
		}

		results := rv.Call(args)
		if returnsErr {
			if err, _ := results[out].Interface().(error); err != nil {
				panic(errors.New(errors.PhaseRuntime, errors.KindTrap).
					Detail("host function failed").
					Cause(err).
					Build())
			}
		}
		for i := range out {
			stack[i] = encodeValue(results[i])
		}
	}

	return NewFunction(sig, native), nil
}

// MustFunc is like Func but panics on error.
func MustFunc(fn any) *Function {
	f, err := Func(fn)
	if err != nil {
		panic(err)
	}
	return f
}

func goValType(t reflect.Type) (wasm.ValType, bool) {
	switch t {
	case externRefType:
		return wasm.ValExternRef, true
	case funcRefType:
		return wasm.ValFuncRef, true
	}
	switch t.Kind() {
	case reflect.Int32, reflect.Uint32, reflect.Bool:
		return wasm.ValI32, true
	case reflect.Int64, reflect.Uint64:
		return wasm.ValI64, true
	case reflect.Float32:
		return wasm.ValF32, true
	case reflect.Float64:
		return wasm.ValF64, true
	}
	return 0, false
}

func decodeValue(t reflect.Type, raw uint64) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int32:
		v.SetInt(int64(int32(uint32(raw))))
	case reflect.Uint32:
		v.SetUint(uint64(uint32(raw)))
	case reflect.Bool:
		v.SetBool(uint32(raw) != 0)
	case reflect.Int64:
		v.SetInt(int64(raw))
	case reflect.Uint64:
		v.SetUint(raw)
	case reflect.Float32:
		v.SetFloat(float64(api.DecodeF32(raw)))
	case reflect.Float64:
		v.SetFloat(api.DecodeF64(raw))
	}
	return v
}

func encodeValue(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Uint32:
		return uint64(uint32(v.Uint()))
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
		return 0
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return api.EncodeF32(float32(v.Float()))
	case reflect.Float64:
		return api.EncodeF64(v.Float())
	}
	return 0
}

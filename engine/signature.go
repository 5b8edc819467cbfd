package engine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/fabric/wasm"
)

// Signature is the WebAssembly type of a callable. The native form adds a
// leading i64 context handle and lowers reference types to integers.
type Signature struct {
	Params  []wasm.ValType
	Results []wasm.ValType
}

// NewSignature builds a Signature from a decoded function type.
func NewSignature(ft wasm.FuncType) Signature {
	return Signature{Params: ft.Params, Results: ft.Results}
}

// FuncType returns the WebAssembly function type.
func (s Signature) FuncType() wasm.FuncType {
	return wasm.FuncType{Params: s.Params, Results: s.Results}
}

// Equal reports whether two signatures have identical WebAssembly types.
func (s Signature) Equal(o Signature) bool {
	return s.FuncType().Equal(o.FuncType())
}

func (s Signature) String() string {
	return s.FuncType().String()
}

// Lowered returns the native function type: the context handle followed by
// the lowered params, and the lowered results.
func (s Signature) Lowered() wasm.FuncType {
	params := make([]wasm.ValType, 0, len(s.Params)+1)
	params = append(params, wasm.ValI64)
	for _, p := range s.Params {
		params = append(params, lowerValType(p))
	}
	return wasm.FuncType{Params: params, Results: lowerValTypes(s.Results)}
}

// Native returns the lowered param and result types as wazero value types.
func (s Signature) Native() (params, results []api.ValueType) {
	ft := s.Lowered()
	return apiValueTypes(ft.Params), apiValueTypes(ft.Results)
}

// stackSize is the length of the value stack a native call needs.
func (s Signature) stackSize() int {
	return max(len(s.Params)+1, len(s.Results))
}

func (s Signature) hasV128() bool {
	for _, t := range s.Params {
		if t == wasm.ValV128 {
			return true
		}
	}
	for _, t := range s.Results {
		if t == wasm.ValV128 {
			return true
		}
	}
	return false
}

// lowerValType maps reference types to their handle representation:
// externref to i64, funcref to i32.
func lowerValType(t wasm.ValType) wasm.ValType {
	switch t {
	case wasm.ValExternRef:
		return wasm.ValI64
	case wasm.ValFuncRef:
		return wasm.ValI32
	default:
		return t
	}
}

func lowerValTypes(ts []wasm.ValType) []wasm.ValType {
	if len(ts) == 0 {
		return nil
	}
	out := make([]wasm.ValType, len(ts))
	for i, t := range ts {
		out[i] = lowerValType(t)
	}
	return out
}

func lowerFuncType(ft wasm.FuncType) wasm.FuncType {
	return wasm.FuncType{Params: lowerValTypes(ft.Params), Results: lowerValTypes(ft.Results)}
}

func apiValueTypes(ts []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(ts))
	for i, t := range ts {
		switch t {
		case wasm.ValI32:
			out[i] = api.ValueTypeI32
		case wasm.ValI64:
			out[i] = api.ValueTypeI64
		case wasm.ValF32:
			out[i] = api.ValueTypeF32
		case wasm.ValF64:
			out[i] = api.ValueTypeF64
		case wasm.ValExternRef:
			out[i] = api.ValueTypeI64
		case wasm.ValFuncRef:
			out[i] = api.ValueTypeI32
		}
	}
	return out
}

package engine

import (
	"github.com/wippyai/fabric/externs"
)

// ExternRef is a handle into a context's externs arena. It crosses the
// guest boundary as an i64.
type ExternRef = externs.Ref

// NullExternRef is the null extern reference.
const NullExternRef = externs.Null

// FuncRef is an index into a context's function table. It crosses the
// guest boundary as an i32.
type FuncRef uint32

// NullFuncRef is the null function reference.
const NullFuncRef FuncRef = ^FuncRef(0)

// IsNull reports whether f is the null function reference.
func (f FuncRef) IsNull() bool {
	return f == NullFuncRef
}

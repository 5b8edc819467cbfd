package wasm

import "strings"

// Module represents a decoded WebAssembly module
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // Type indices for defined functions
	Tables   []TableType
	Memories []MemoryType
	Globals  []Global
	Exports  []Export
	Start    *uint32
	Elements []Element
	Code     []FuncBody
	Data     []DataSegment

	// DataCount holds the count from the DataCount section, if present.
	DataCount *uint32

	CustomSections []CustomSection
}

// FuncType represents a function signature
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two function types have identical params and results.
func (f FuncType) Equal(o FuncType) bool {
	return valTypesEqual(f.Params, o.Params) && valTypesEqual(f.Results, o.Results)
}

func (f FuncType) String() string {
	var b strings.Builder
	writeValTypes(&b, f.Params)
	b.WriteString(" -> ")
	writeValTypes(&b, f.Results)
	return b.String()
}

func writeValTypes(b *strings.Builder, ts []ValType) {
	b.WriteByte('(')
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	b.WriteByte(')')
}

func valTypesEqual(a, b []ValType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValType represents a WebAssembly value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExternRef:
		return "externref"
	default:
		return "unknown"
	}
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExternRef
}

// Import represents an imported function, table, memory or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item. Kind selects which field is set.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// Export represents an exported item.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Limits describes the size bounds of a memory or table.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory.
type MemoryType struct {
	Limits Limits
}

// GlobalType describes a global's value type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a module-defined global with its init expression.
type Global struct {
	Type GlobalType
	Init []byte // constant expression including the trailing end
}

// Element is an element segment. Only its mode is interpreted; Raw keeps
// the full encoding.
type Element struct {
	Offset   []byte
	Raw      []byte
	Flags    uint32
	TableIdx uint32
	Count    uint32
}

// Passive reports whether the segment is passive.
func (e Element) Passive() bool {
	return e.Flags&0x03 == 0x01
}

// Declarative reports whether the segment only forward-declares references.
func (e Element) Declarative() bool {
	return e.Flags&0x03 == 0x03
}

// LocalEntry is a run of locals of one type in a function body.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// FuncBody is the code of a defined function.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // instruction bytes including the trailing end
}

// DataSegment is a data segment.
type DataSegment struct {
	Offset []byte // constant expression including the trailing end; nil when passive
	Init   []byte
	Flags  uint32
	MemIdx uint32
}

// Passive reports whether the segment is passive.
func (d DataSegment) Passive() bool {
	return d.Flags == 1
}

// CustomSection is an uninterpreted custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int {
	return m.countImports(KindFunc)
}

// NumImportedGlobals returns the number of imported globals.
func (m *Module) NumImportedGlobals() int {
	return m.countImports(KindGlobal)
}

func (m *Module) countImports(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// FuncTypeIndex returns the type index of the function at funcIdx in the
// function index space (imports first).
func (m *Module) FuncTypeIndex(funcIdx uint32) (uint32, bool) {
	i := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if i == funcIdx {
			return imp.Desc.TypeIdx, true
		}
		i++
	}
	local := funcIdx - i
	if funcIdx < i || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

package engine

import (
	"strconv"

	"github.com/wippyai/fabric/wasm"
)

const exportPrefix = "func_"

// exportName is the symbol a defined function is exported under in the
// lowered module.
func exportName(index uint32) string {
	return exportPrefix + strconv.FormatUint(uint64(index), 10)
}

// loweredTypes is the type section of the lowered module. The original
// types keep their indices so block types still resolve; the context
// variants used by function declarations are appended after them.
type loweredTypes struct {
	byKey map[string]uint32
	types []wasm.FuncType
	ctx   []uint32 // context variant per original type index
}

func newLoweredTypes(sigs []Signature) *loweredTypes {
	lt := &loweredTypes{
		byKey: make(map[string]uint32, len(sigs)*2),
		types: make([]wasm.FuncType, 0, len(sigs)*2),
		ctx:   make([]uint32, len(sigs)),
	}
	for _, s := range sigs {
		ft := lowerFuncType(s.FuncType())
		if _, ok := lt.byKey[ft.String()]; !ok {
			lt.byKey[ft.String()] = uint32(len(lt.types))
		}
		lt.types = append(lt.types, ft)
	}
	for i, s := range sigs {
		lt.ctx[i] = lt.intern(s.Lowered())
	}
	return lt
}

func (lt *loweredTypes) intern(ft wasm.FuncType) uint32 {
	key := ft.String()
	if idx, ok := lt.byKey[key]; ok {
		return idx
	}
	idx := uint32(len(lt.types))
	lt.types = append(lt.types, ft)
	lt.byKey[key] = idx
	return idx
}

// lowerModule assembles the module handed to the code generator: imports
// retargeted to host modules, every defined function exported by index,
// memory pinned to its initial size, and tables, globals, element and
// data segments and the start function removed.
func lowerModule(e *ModuleEnv, bodies []wasm.FuncBody) *wasm.Module {
	lt := newLoweredTypes(e.signatures)
	out := &wasm.Module{Types: lt.types, Code: bodies}

	for i, f := range e.functions {
		if f.imp != nil {
			out.Imports = append(out.Imports, wasm.Import{
				Module: f.imp.module,
				Name:   f.imp.field,
				Desc:   wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: lt.ctx[f.sig]},
			})
			continue
		}
		out.Funcs = append(out.Funcs, lt.ctx[f.sig])
		out.Exports = append(out.Exports, wasm.Export{
			Name: exportName(uint32(i)),
			Kind: wasm.KindFunc,
			Idx:  uint32(i),
		})
	}

	if e.memory != nil {
		mt := *e.memory
		pages := mt.Limits.Min
		mt.Limits.Max = &pages
		out.Memories = []wasm.MemoryType{mt}
	}
	return out
}

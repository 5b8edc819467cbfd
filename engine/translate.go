package engine

import (
	stderrors "errors"
	"fmt"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/externs"
	"github.com/wippyai/fabric/wasm"
)

// funcTranslator lowers one function body to the context-threading
// convention: local 0 becomes the context handle, every call receives it
// first, and reference values become plain integers.
type funcTranslator struct {
	env  *ModuleEnv
	sig  Signature
	out  []wasm.Instruction
	pool map[wasm.ValType][]uint32

	// scratch locals in allocation order, after the declared locals
	scratch []wasm.ValType
	// per-type cursor into pool, reset for every call site
	used map[wasm.ValType]int

	// declared types of the original locals, params first
	locals []wasm.LocalEntry
	// reference type left on the stack by the previous instruction, if known
	top wasm.ValType

	index     uint32
	numLocals uint32
}

func newFuncTranslator(env *ModuleEnv, index uint32) *funcTranslator {
	sig, _ := env.funcSignature(index)
	return &funcTranslator{
		env:   env,
		sig:   sig,
		index: index,
		pool:  make(map[wasm.ValType][]uint32),
		used:  make(map[wasm.ValType]int),
	}
}

// translate returns the lowered body. Malformed code is reported as an
// error; constructs outside the supported subset panic.
func (t *funcTranslator) translate(body wasm.FuncBody) (wasm.FuncBody, error) {
	instrs, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		if stderrors.Is(err, wasm.ErrUnsupported) {
			t.fatalf("%v", err)
		}
		return wasm.FuncBody{}, errors.New(errors.PhaseTranslate, errors.KindInvalidData).
			Path(t.name()).
			Detail("decode body").
			Cause(err).
			Build()
	}

	locals := make([]wasm.LocalEntry, 0, len(body.Locals)+4)
	t.numLocals = uint32(len(t.sig.Params)) + 1
	for _, p := range t.sig.Params {
		t.locals = append(t.locals, wasm.LocalEntry{Count: 1, ValType: p})
	}
	t.locals = append(t.locals, body.Locals...)
	for _, l := range body.Locals {
		if l.ValType == wasm.ValV128 {
			t.fatalf("v128 local")
		}
		locals = append(locals, wasm.LocalEntry{Count: l.Count, ValType: lowerValType(l.ValType)})
		t.numLocals += l.Count
	}

	t.out = make([]wasm.Instruction, 0, len(instrs)+len(instrs)/4)
	for _, ins := range instrs {
		if err := t.lower(ins); err != nil {
			return wasm.FuncBody{}, err
		}
		t.top = t.refType(ins)
	}

	for _, vt := range t.scratch {
		locals = append(locals, wasm.LocalEntry{Count: 1, ValType: vt})
	}
	return wasm.FuncBody{Locals: locals, Code: wasm.EncodeInstructions(t.out)}, nil
}

func (t *funcTranslator) lower(ins wasm.Instruction) error {
	switch ins.Opcode {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		imm := ins.Imm.(wasm.BlockImm)
		switch imm.Type {
		case wasm.BlockTypeFuncRef:
			imm.Type = wasm.BlockTypeI32
		case wasm.BlockTypeExternRef:
			imm.Type = wasm.BlockTypeI64
		case wasm.BlockTypeV128:
			t.fatalf("v128 block type")
		}
		t.emit(ins.Opcode, imm)

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		imm := ins.Imm.(wasm.LocalImm)
		t.emit(ins.Opcode, wasm.LocalImm{LocalIdx: imm.LocalIdx + 1})

	case wasm.OpGlobalGet:
		t.globalGet(ins.Imm.(wasm.GlobalImm).GlobalIdx)

	case wasm.OpGlobalSet:
		t.fatalf("global.set %d", ins.Imm.(wasm.GlobalImm).GlobalIdx)

	case wasm.OpCall:
		return t.call(ins.Imm.(wasm.CallImm).FuncIdx)

	case wasm.OpCallIndirect:
		t.fatalf("call_indirect")
	case wasm.OpReturnCall, wasm.OpReturnCallIndirect:
		t.fatalf("tail call")
	case wasm.OpTableGet, wasm.OpTableSet:
		t.fatalf("table access")
	case wasm.OpMemoryGrow:
		t.fatalf("memory.grow")
	case wasm.OpRefIsNull:
		switch t.top {
		case wasm.ValExternRef:
			t.emit(wasm.OpI64Const, wasm.I64Imm{Value: -1})
			t.emit(wasm.OpI64Eq, nil)
		case wasm.ValFuncRef:
			t.emit(wasm.OpI32Const, wasm.I32Imm{Value: -1})
			t.emit(wasm.OpI32Eq, nil)
		default:
			t.fatalf("ref.is_null on an operand of unknown reference type")
		}

	case wasm.OpMemorySize:
		if ins.Imm.(wasm.MemoryIdxImm).MemIdx != 0 {
			t.fatalf("multiple memories")
		}
		t.out = append(t.out, ins)

	case wasm.OpSelectType:
		imm := ins.Imm.(wasm.SelectTypeImm)
		types := make([]wasm.ValType, len(imm.Types))
		for i, vt := range imm.Types {
			if vt == wasm.ValV128 {
				t.fatalf("v128 select")
			}
			types[i] = lowerValType(vt)
		}
		t.emit(ins.Opcode, wasm.SelectTypeImm{Types: types})

	case wasm.OpRefNull:
		if ins.Imm.(wasm.RefNullImm).HeapType == wasm.HeapTypeExtern {
			t.emit(wasm.OpI64Const, wasm.I64Imm{Value: -1})
		} else {
			t.emit(wasm.OpI32Const, wasm.I32Imm{Value: -1})
		}

	case wasm.OpRefFunc:
		idx := ins.Imm.(wasm.RefFuncImm).FuncIdx
		if int(idx) >= t.env.NumFunctions() {
			return t.invalid("ref.func %d out of range", idx)
		}
		t.emit(wasm.OpI32Const, wasm.I32Imm{Value: int32(idx)})

	case wasm.OpPrefixMisc:
		imm := ins.Imm.(wasm.MiscImm)
		if imm.SubOpcode > wasm.MiscI64TruncSatF64U {
			t.fatalf("bulk memory or table instruction 0xfc %d", imm.SubOpcode)
		}
		t.out = append(t.out, ins)

	default:
		if wasm.IsLoadStore(ins.Opcode) && ins.Imm.(wasm.MemoryImm).MemIdx != 0 {
			t.fatalf("multiple memories")
		}
		t.out = append(t.out, ins)
	}
	return nil
}

// refType reports the reference type ins pushes, or 0 when it pushes no
// reference or the type is not known without tracking the operand stack.
func (t *funcTranslator) refType(ins wasm.Instruction) wasm.ValType {
	var vt wasm.ValType
	switch ins.Opcode {
	case wasm.OpLocalGet, wasm.OpLocalTee:
		vt = t.localType(ins.Imm.(wasm.LocalImm).LocalIdx)
	case wasm.OpGlobalGet:
		vt = wasm.ValExternRef
	case wasm.OpRefNull:
		vt = wasm.ValFuncRef
		if ins.Imm.(wasm.RefNullImm).HeapType == wasm.HeapTypeExtern {
			vt = wasm.ValExternRef
		}
	case wasm.OpRefFunc:
		vt = wasm.ValFuncRef
	case wasm.OpCall:
		if sig, ok := t.env.funcSignature(ins.Imm.(wasm.CallImm).FuncIdx); ok && len(sig.Results) > 0 {
			vt = sig.Results[len(sig.Results)-1]
		}
	}
	if vt != wasm.ValExternRef && vt != wasm.ValFuncRef {
		return 0
	}
	return vt
}

// localType returns the declared type of an original local index.
func (t *funcTranslator) localType(idx uint32) wasm.ValType {
	for _, l := range t.locals {
		if idx < l.Count {
			return l.ValType
		}
		idx -= l.Count
	}
	return 0
}

// globalGet inlines the value of an imported constant as an ExternRef.
func (t *funcTranslator) globalGet(idx uint32) {
	v, ok := t.env.constGlobal(idx)
	if !ok {
		t.fatalf("global.get %d is not an imported constant", idx)
	}
	t.emit(wasm.OpI64Const, wasm.I64Imm{Value: int64(externs.FromConst(v))})
}

// call spills the callee's arguments to scratch locals so the context
// handle can be pushed beneath them.
func (t *funcTranslator) call(idx uint32) error {
	callee, ok := t.env.funcSignature(idx)
	if !ok {
		return t.invalid("call %d out of range", idx)
	}

	params := lowerValTypes(callee.Params)
	clear(t.used)
	slots := make([]uint32, len(params))
	for i, vt := range params {
		slots[i] = t.scratchLocal(vt)
	}

	for i := len(params) - 1; i >= 0; i-- {
		t.emit(wasm.OpLocalSet, wasm.LocalImm{LocalIdx: slots[i]})
	}
	t.emit(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: 0})
	for _, slot := range slots {
		t.emit(wasm.OpLocalGet, wasm.LocalImm{LocalIdx: slot})
	}
	t.emit(wasm.OpCall, wasm.CallImm{FuncIdx: idx})
	return nil
}

// scratchLocal returns the next unused scratch local of type vt for the
// current call site, allocating one when the pool is exhausted.
func (t *funcTranslator) scratchLocal(vt wasm.ValType) uint32 {
	n := t.used[vt]
	t.used[vt] = n + 1
	if n < len(t.pool[vt]) {
		return t.pool[vt][n]
	}
	idx := t.numLocals + uint32(len(t.scratch))
	t.scratch = append(t.scratch, vt)
	t.pool[vt] = append(t.pool[vt], idx)
	return idx
}

func (t *funcTranslator) emit(op byte, imm any) {
	t.out = append(t.out, wasm.Instruction{Opcode: op, Imm: imm})
}

func (t *funcTranslator) name() string {
	return fmt.Sprintf("func[%d]", t.index)
}

func (t *funcTranslator) invalid(format string, args ...any) error {
	return errors.New(errors.PhaseTranslate, errors.KindInvalidData).
		Path(t.name()).
		Detail(format, args...).
		Build()
}

func (t *funcTranslator) fatalf(format string, args ...any) {
	errors.New(errors.PhaseTranslate, errors.KindUnsupported).
		Path(t.name()).
		Detail(format, args...).
		Fatal().
		Panic()
}

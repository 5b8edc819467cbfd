package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/fabric/wasm/internal/binary"
)

// ErrUnsupported is returned for encodings outside the accepted subset.
var ErrUnsupported = errors.New("unsupported instruction")

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    any
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int64 // s33: BlockTypeVoid, a value type, or a type index
}

// BranchImm holds the label index for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call and return_call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// TableImm holds the table index for table.get and table.set.
type TableImm struct {
	TableIdx uint32
}

// MemoryImm holds the memarg of loads and stores.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm holds the memory index of memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant of i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant of i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the raw bits of f32.const.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the raw bits of f64.const.
type F64Imm struct {
	Bits uint64
}

// SelectTypeImm holds the operand types of a typed select.
type SelectTypeImm struct {
	Types []ValType
}

// RefNullImm holds the heap type of ref.null.
type RefNullImm struct {
	HeapType int64
}

// RefFuncImm holds the function index of ref.func.
type RefFuncImm struct {
	FuncIdx uint32
}

// MiscImm holds the sub-opcode and index operands of 0xFC instructions.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// IsLoadStore reports whether op is a load or store carrying a memarg.
func IsLoadStore(op byte) bool {
	return op >= OpI32Load && op <= OpI64Store32
}

// DecodeInstructions decodes a function body or constant expression.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	out := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, nil
}

// readExpr reads a constant expression up to and including its end opcode.
func readExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	for {
		ins, err := decodeInstruction(r)
		if err != nil {
			return nil, err
		}
		if ins.Opcode == OpEnd {
			return r.Slice(start), nil
		}
	}
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	at := r.Position()
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	ins := Instruction{Opcode: op}

	switch {
	case op == OpUnreachable, op == OpNop, op == OpElse, op == OpEnd, op == OpReturn,
		op == OpDrop, op == OpSelect, op == OpRefIsNull:
		return ins, nil

	case op == OpBlock, op == OpLoop, op == OpIf:
		t, err := r.ReadS33()
		if err != nil {
			return ins, err
		}
		ins.Imm = BlockImm{Type: t}

	case op == OpBr, op == OpBrIf:
		l, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = BranchImm{LabelIdx: l}

	case op == OpBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		if int(n) > r.Len() {
			return ins, fmt.Errorf("br_table: %d labels exceed body", n)
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return ins, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = BrTableImm{Labels: labels, Default: def}

	case op == OpCall, op == OpReturnCall:
		f, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = CallImm{FuncIdx: f}

	case op == OpCallIndirect, op == OpReturnCallIndirect:
		t, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		tbl, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = CallIndirectImm{TypeIdx: t, TableIdx: tbl}

	case op == OpSelectType:
		n, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		if int(n) > r.Len() {
			return ins, fmt.Errorf("select: %d types exceed body", n)
		}
		types := make([]ValType, n)
		for i := range types {
			if types[i], err = readValType(r); err != nil {
				return ins, err
			}
		}
		ins.Imm = SelectTypeImm{Types: types}

	case op >= OpLocalGet && op <= OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = LocalImm{LocalIdx: idx}

	case op == OpGlobalGet, op == OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = GlobalImm{GlobalIdx: idx}

	case op == OpTableGet, op == OpTableSet:
		idx, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = TableImm{TableIdx: idx}

	case IsLoadStore(op):
		m, err := readMemArg(r)
		if err != nil {
			return ins, err
		}
		ins.Imm = m

	case op == OpMemorySize, op == OpMemoryGrow:
		idx, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = MemoryIdxImm{MemIdx: idx}

	case op == OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return ins, err
		}
		ins.Imm = I32Imm{Value: v}

	case op == OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return ins, err
		}
		ins.Imm = I64Imm{Value: v}

	case op == OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return ins, err
		}
		ins.Imm = F32Imm{Bits: v}

	case op == OpF64Const:
		v, err := r.ReadU64LE()
		if err != nil {
			return ins, err
		}
		ins.Imm = F64Imm{Bits: v}

	case op >= OpI32Eqz && op <= OpI64Extend32S:
		return ins, nil

	case op == OpRefNull:
		ht, err := r.ReadS33()
		if err != nil {
			return ins, err
		}
		if ht != HeapTypeFunc && ht != HeapTypeExtern {
			return ins, fmt.Errorf("ref.null heap type %d at %d: %w", ht, at, ErrUnsupported)
		}
		ins.Imm = RefNullImm{HeapType: ht}

	case op == OpRefFunc:
		f, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		ins.Imm = RefFuncImm{FuncIdx: f}

	case op == OpPrefixMisc:
		return decodeMisc(r, ins, at)

	case op == OpPrefixSIMD:
		return ins, fmt.Errorf("simd prefix at %d: %w", at, ErrUnsupported)

	case op == OpPrefixAtomic:
		return ins, fmt.Errorf("atomic prefix at %d: %w", at, ErrUnsupported)

	default:
		return ins, fmt.Errorf("opcode 0x%02x at %d: %w", op, at, ErrUnsupported)
	}
	return ins, nil
}

func decodeMisc(r *binary.Reader, ins Instruction, at int) (Instruction, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return ins, err
	}
	var n int
	switch {
	case sub <= MiscI64TruncSatF64U:
		n = 0
	case sub == MiscDataDrop, sub == MiscMemoryFill, sub == MiscElemDrop,
		sub == MiscTableGrow, sub == MiscTableSize, sub == MiscTableFill:
		n = 1
	case sub == MiscMemoryInit, sub == MiscMemoryCopy, sub == MiscTableInit, sub == MiscTableCopy:
		n = 2
	default:
		return ins, fmt.Errorf("0xfc %d at %d: %w", sub, at, ErrUnsupported)
	}
	imm := MiscImm{SubOpcode: sub}
	for i := 0; i < n; i++ {
		v, err := r.ReadU32()
		if err != nil {
			return ins, err
		}
		imm.Operands = append(imm.Operands, v)
	}
	ins.Imm = imm
	return ins, nil
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var m MemoryImm
	if align&0x40 != 0 {
		align &^= 0x40
		if m.MemIdx, err = r.ReadU32(); err != nil {
			return m, err
		}
	}
	m.Align = align
	if m.Offset, err = r.ReadU64(); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeInstructions encodes instructions back to bytecode.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for _, ins := range instrs {
		encodeInstruction(w, ins)
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, ins Instruction) {
	w.Byte(ins.Opcode)
	switch imm := ins.Imm.(type) {
	case nil:
	case BlockImm:
		w.WriteS64(imm.Type)
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case TableImm:
		w.WriteU32(imm.TableIdx)
	case MemoryImm:
		if imm.MemIdx != 0 {
			w.WriteU32(imm.Align | 0x40)
			w.WriteU32(imm.MemIdx)
		} else {
			w.WriteU32(imm.Align)
		}
		w.WriteU64(imm.Offset)
	case MemoryIdxImm:
		w.WriteU32(imm.MemIdx)
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(imm.Bits)
	case F64Imm:
		w.WriteU64LE(imm.Bits)
	case RefNullImm:
		w.WriteS64(imm.HeapType)
	case RefFuncImm:
		w.WriteU32(imm.FuncIdx)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, v := range imm.Operands {
			w.WriteU32(v)
		}
	}
}

// ConstExpr is an evaluated offset or initializer expression.
type ConstExpr struct {
	// Global is set when the expression reads an imported global.
	Global *uint32
	Value  int64
}

// ParseConstExpr interprets a constant expression consisting of a single
// i32.const, i64.const or global.get followed by end.
func ParseConstExpr(expr []byte) (ConstExpr, error) {
	instrs, err := DecodeInstructions(expr)
	if err != nil {
		return ConstExpr{}, err
	}
	if len(instrs) != 2 || instrs[1].Opcode != OpEnd {
		return ConstExpr{}, fmt.Errorf("constant expression of %d instructions: %w", len(instrs), ErrUnsupported)
	}
	switch imm := instrs[0].Imm.(type) {
	case I32Imm:
		return ConstExpr{Value: int64(imm.Value)}, nil
	case I64Imm:
		return ConstExpr{Value: imm.Value}, nil
	case GlobalImm:
		if instrs[0].Opcode != OpGlobalGet {
			break
		}
		idx := imm.GlobalIdx
		return ConstExpr{Global: &idx}, nil
	}
	return ConstExpr{}, fmt.Errorf("constant expression opcode 0x%02x: %w", instrs[0].Opcode, ErrUnsupported)
}

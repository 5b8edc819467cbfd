package wasm

import (
	"bytes"
	"errors"
	"testing"
)

func TestDecodeInstructions(t *testing.T) {
	code := []byte{
		OpBlock, 0x6F, // block (result externref)
		OpLocalGet, 0x00,
		OpI32Const, 0x7F, // -1
		OpCall, 0x03,
		OpRefNull, 0x6F,
		OpRefFunc, 0x02,
		OpI32Load, 0x02, 0x10,
		OpPrefixMisc, 0x00, // i32.trunc_sat_f32_s
		OpEnd,
		OpEnd,
	}

	instrs, err := DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	if len(instrs) != 10 {
		t.Fatalf("got %d instructions, want 10", len(instrs))
	}

	if imm := instrs[0].Imm.(BlockImm); imm.Type != BlockTypeExternRef {
		t.Errorf("block type = %d, want %d", imm.Type, BlockTypeExternRef)
	}
	if imm := instrs[2].Imm.(I32Imm); imm.Value != -1 {
		t.Errorf("i32.const = %d, want -1", imm.Value)
	}
	if imm := instrs[3].Imm.(CallImm); imm.FuncIdx != 3 {
		t.Errorf("call = %d, want 3", imm.FuncIdx)
	}
	if imm := instrs[4].Imm.(RefNullImm); imm.HeapType != HeapTypeExtern {
		t.Errorf("ref.null heap type = %d", imm.HeapType)
	}
	if imm := instrs[5].Imm.(RefFuncImm); imm.FuncIdx != 2 {
		t.Errorf("ref.func = %d, want 2", imm.FuncIdx)
	}
	if imm := instrs[6].Imm.(MemoryImm); imm.Align != 2 || imm.Offset != 16 {
		t.Errorf("memarg = %+v", imm)
	}
	if imm := instrs[7].Imm.(MiscImm); imm.SubOpcode != MiscI32TruncSatF32S || len(imm.Operands) != 0 {
		t.Errorf("misc = %+v", imm)
	}

	if got := EncodeInstructions(instrs); !bytes.Equal(got, code) {
		t.Errorf("EncodeInstructions = %x, want %x", got, code)
	}
}

func TestDecodeInstructions_BulkAndTableOperands(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		sub  uint32
		ops  int
	}{
		{"memory.copy", []byte{OpPrefixMisc, 10, 0, 0}, MiscMemoryCopy, 2},
		{"memory.fill", []byte{OpPrefixMisc, 11, 0}, MiscMemoryFill, 1},
		{"memory.init", []byte{OpPrefixMisc, 8, 1, 0}, MiscMemoryInit, 2},
		{"data.drop", []byte{OpPrefixMisc, 9, 1}, MiscDataDrop, 1},
		{"table.size", []byte{OpPrefixMisc, 16, 0}, MiscTableSize, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instrs, err := DecodeInstructions(tt.code)
			if err != nil {
				t.Fatalf("DecodeInstructions: %v", err)
			}
			imm := instrs[0].Imm.(MiscImm)
			if imm.SubOpcode != tt.sub || len(imm.Operands) != tt.ops {
				t.Errorf("got %+v, want sub %d with %d operands", imm, tt.sub, tt.ops)
			}
		})
	}
}

func TestDecodeInstructions_Unsupported(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"simd", []byte{OpPrefixSIMD, 0x0C}},
		{"atomic", []byte{OpPrefixAtomic, 0x00}},
		{"try", []byte{0x06, 0x40}},
		{"call_ref", []byte{0x14, 0x00}},
		{"unknown misc", []byte{OpPrefixMisc, 18}},
		{"ref.null concrete", []byte{OpRefNull, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInstructions(tt.code)
			if !errors.Is(err, ErrUnsupported) {
				t.Errorf("err = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestDecodeInstructions_Truncated(t *testing.T) {
	_, err := DecodeInstructions([]byte{OpI32Const})
	if err == nil {
		t.Fatal("expected error for truncated immediate")
	}
	if errors.Is(err, ErrUnsupported) {
		t.Errorf("truncated input should not be reported as unsupported: %v", err)
	}
}

func TestParseConstExpr(t *testing.T) {
	t.Run("i32.const", func(t *testing.T) {
		e, err := ParseConstExpr([]byte{OpI32Const, 0x0A, OpEnd})
		if err != nil {
			t.Fatal(err)
		}
		if e.Global != nil || e.Value != 10 {
			t.Errorf("got %+v", e)
		}
	})

	t.Run("global.get", func(t *testing.T) {
		e, err := ParseConstExpr([]byte{OpGlobalGet, 0x01, OpEnd})
		if err != nil {
			t.Fatal(err)
		}
		if e.Global == nil || *e.Global != 1 {
			t.Errorf("got %+v", e)
		}
	})

	t.Run("extended", func(t *testing.T) {
		_, err := ParseConstExpr([]byte{OpI32Const, 1, OpI32Const, 2, 0x6A, OpEnd})
		if !errors.Is(err, ErrUnsupported) {
			t.Errorf("err = %v, want ErrUnsupported", err)
		}
	})
}

package binary

import (
	"errors"
	"io"
	"testing"
)

func TestLEB128(t *testing.T) {
	w := NewWriter()
	w.WriteU32(624485)
	w.WriteS32(-123456)
	w.WriteS64(-1)
	w.WriteU64(1 << 63)
	w.WriteS64(-64)

	r := NewReader(w.Bytes())
	if v, err := r.ReadU32(); err != nil || v != 624485 {
		t.Errorf("ReadU32 = %d, %v", v, err)
	}
	if v, err := r.ReadS32(); err != nil || v != -123456 {
		t.Errorf("ReadS32 = %d, %v", v, err)
	}
	if v, err := r.ReadS64(); err != nil || v != -1 {
		t.Errorf("ReadS64 = %d, %v", v, err)
	}
	if v, err := r.ReadU64(); err != nil || v != 1<<63 {
		t.Errorf("ReadU64 = %d, %v", v, err)
	}
	if v, err := r.ReadS33(); err != nil || v != -64 {
		t.Errorf("ReadS33 = %d, %v", v, err)
	}
	if r.Len() != 0 {
		t.Errorf("%d unread bytes", r.Len())
	}
}

func TestLEB128_Overflow(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		read func(*Reader) error
	}{
		{"u32 six bytes", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, func(r *Reader) error { _, err := r.ReadU32(); return err }},
		{"u32 high bits", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x7F}, func(r *Reader) error { _, err := r.ReadU32(); return err }},
		{"s32 six bytes", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x7F}, func(r *Reader) error { _, err := r.ReadS32(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.read(NewReader(tt.data)); !errors.Is(err, ErrOverflow) {
				t.Errorf("err = %v, want ErrOverflow", err)
			}
		})
	}
}

func TestReader_EOF(t *testing.T) {
	r := NewReader([]byte{0x80})
	if _, err := r.ReadU32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("err = %v, want ErrUnexpectedEOF", err)
	}
	if _, err := NewReader([]byte{1, 2}).ReadBytes(3); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadBytes err = %v", err)
	}
}

func TestReadName(t *testing.T) {
	w := NewWriter()
	w.WriteName("LoggingSystem")
	r := NewReader(w.Bytes())
	name, err := r.ReadName()
	if err != nil || name != "LoggingSystem" {
		t.Errorf("ReadName = %q, %v", name, err)
	}

	if _, err := NewReader([]byte{2, 0xff, 0xfe}).ReadName(); err == nil {
		t.Error("expected invalid UTF-8 error")
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_, _ = r.ReadByte()
	err := r.WrapError("type section", io.ErrUnexpectedEOF)
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Position != 1 || pe.Section != "type section" {
		t.Errorf("WrapError = %#v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ParseError should unwrap")
	}
}

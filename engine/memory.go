package engine

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"

	"github.com/wippyai/fabric/errors"
)

// Memory is the guest's linear memory as seen by the host. Its length is
// exactly the extent covered by the module's data segments and never
// changes after load.
type Memory struct {
	buf []byte
}

// Len returns the memory size in bytes.
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	return len(m.buf)
}

// Bytes returns the memory contents. The slice aliases guest memory.
func (m *Memory) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.buf
}

// Write copies data into memory at offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	end := uint64(offset) + uint64(len(data))
	if end > uint64(m.Len()) {
		return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
			Value(offset).
			Detail("write of %d bytes at %d exceeds memory size %d", len(data), offset, m.Len()).
			Build()
	}
	copy(m.buf[offset:], data)
	return nil
}

// CString reads the NUL-terminated string at offset.
func (m *Memory) CString(offset uint32) (string, error) {
	s, err := Read[CString](m, offset)
	return string(s), err
}

// Loadable is a value shape that can be read out of linear memory.
type Loadable interface {
	LoadFrom(mem []byte, offset uint32) error
}

// Read loads a value of shape T at offset. It fails, and never panics, when
// the offset is out of bounds or the bytes do not form a valid T.
func Read[T any, P interface {
	*T
	Loadable
}](m *Memory, offset uint32) (T, error) {
	var v T
	if err := P(&v).LoadFrom(m.Bytes(), offset); err != nil {
		return v, err
	}
	return v, nil
}

// Bytes is the span from an offset to the end of memory.
type Bytes []byte

// LoadFrom implements Loadable.
func (b *Bytes) LoadFrom(mem []byte, offset uint32) error {
	if err := checkOffset(mem, offset, 1); err != nil {
		return err
	}
	*b = mem[offset:]
	return nil
}

// CString is a NUL-terminated UTF-8 string.
type CString string

// LoadFrom implements Loadable.
func (s *CString) LoadFrom(mem []byte, offset uint32) error {
	if err := checkOffset(mem, offset, 1); err != nil {
		return err
	}
	rest := mem[offset:]
	n := bytes.IndexByte(rest, 0)
	if n < 0 {
		return errors.New(errors.PhaseMemory, errors.KindNotTerminated).
			Value(offset).
			Detail("no NUL terminator after offset %d", offset).
			Build()
	}
	if !utf8.Valid(rest[:n]) {
		return errors.InvalidUTF8(errors.PhaseMemory, nil, rest[:n])
	}
	*s = CString(rest[:n])
	return nil
}

// Uint32 is a little-endian 32-bit integer.
type Uint32 uint32

// LoadFrom implements Loadable.
func (u *Uint32) LoadFrom(mem []byte, offset uint32) error {
	if err := checkOffset(mem, offset, 4); err != nil {
		return err
	}
	*u = Uint32(binary.LittleEndian.Uint32(mem[offset:]))
	return nil
}

func checkOffset(mem []byte, offset uint32, size int) error {
	if uint64(offset)+uint64(size) > uint64(len(mem)) {
		return errors.OutOfBounds(errors.PhaseMemory, nil, int(offset), len(mem))
	}
	return nil
}

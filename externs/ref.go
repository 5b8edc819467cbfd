package externs

import "fmt"

// Ref is an opaque handle into an Arena, as the guest sees it.
//
// Layout: bits 0-31 slot index, bits 32-47 generation, bit 63 marks a
// host constant whose value lives in the low 32 bits. All ones is null.
// The generation wraps after 65536 reuses of one slot, at which point a
// handle that old validates again.
type Ref uint64

const (
	constFlag = Ref(1) << 63
	genShift  = 32
	genMask   = 0xFFFF
)

// Null is the null reference.
const Null Ref = ^Ref(0)

// NewRef builds a handle from a slot index and generation.
func NewRef(index uint32, gen uint16) Ref {
	return Ref(index) | Ref(gen)<<genShift
}

// FromConst builds a constant handle. Constants name host-defined values
// such as log levels and never refer to an arena slot.
func FromConst(v uint32) Ref {
	return constFlag | Ref(v)
}

// Index returns the slot index.
func (r Ref) Index() uint32 {
	return uint32(r)
}

// Generation returns the slot generation recorded in the handle.
func (r Ref) Generation() uint16 {
	return uint16(r >> genShift & genMask)
}

// IsConst reports whether r is a constant handle.
func (r Ref) IsConst() bool {
	return r != Null && r&constFlag != 0
}

// IsNull reports whether r is the null reference.
func (r Ref) IsNull() bool {
	return r == Null
}

// Value returns the constant value of a constant handle and false for
// anything else.
func (r Ref) Value() (uint32, bool) {
	if !r.IsConst() {
		return 0, false
	}
	return uint32(r), true
}

func (r Ref) String() string {
	switch {
	case r.IsNull():
		return "extern(null)"
	case r.IsConst():
		return fmt.Sprintf("extern(const %d)", uint32(r))
	default:
		return fmt.Sprintf("extern(%d@%d)", r.Index(), r.Generation())
	}
}

package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/fabric/wasm/internal/binary"
)

// IsBinary reports whether data starts with the WebAssembly magic number.
func IsBinary(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x00 && data[1] == 'a' && data[2] == 's' && data[3] == 'm'
}

// DecodeModule decodes a WebAssembly binary module.
func DecodeModule(data []byte) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, r.WrapError("header", fmt.Errorf("invalid magic number 0x%08x", magic))
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, r.WrapError("header", fmt.Errorf("unsupported version %d", version))
	}

	m := &Module{}
	var lastID byte
	for r.Len() > 0 {
		id, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		payload, err := r.ReadBytes(int(size))
		if err != nil {
			return nil, r.WrapError("section", err)
		}
		if id != SectionCustom {
			if sectionOrder(id) <= sectionOrder(lastID) && lastID != SectionCustom {
				return nil, r.WrapError(sectionName(id), errors.New("section out of order"))
			}
			lastID = id
		}
		sr := binary.NewReader(payload)
		if err := m.decodeSection(id, sr); err != nil {
			return nil, sr.WrapError(sectionName(id), err)
		}
		if sr.Len() != 0 {
			return nil, sr.WrapError(sectionName(id), fmt.Errorf("%d trailing bytes", sr.Len()))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		return nil, fmt.Errorf("wasm: function and code section counts differ (%d != %d)", len(m.Funcs), len(m.Code))
	}
	return m, nil
}

// sectionOrder maps a section ID to its required position. DataCount sits
// between Element and Code.
func sectionOrder(id byte) int {
	switch id {
	case SectionDataCount:
		return int(SectionElement) + 1
	case SectionCode, SectionData:
		return int(id) + 1
	default:
		return int(id)
	}
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom section"
	case SectionType:
		return "type section"
	case SectionImport:
		return "import section"
	case SectionFunction:
		return "function section"
	case SectionTable:
		return "table section"
	case SectionMemory:
		return "memory section"
	case SectionGlobal:
		return "global section"
	case SectionExport:
		return "export section"
	case SectionStart:
		return "start section"
	case SectionElement:
		return "element section"
	case SectionCode:
		return "code section"
	case SectionData:
		return "data section"
	case SectionDataCount:
		return "data count section"
	default:
		return fmt.Sprintf("section %d", id)
	}
}

func (m *Module) decodeSection(id byte, r *binary.Reader) error {
	switch id {
	case SectionCustom:
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		data, err := r.ReadBytes(r.Len())
		if err != nil {
			return err
		}
		m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: data})
		return nil
	case SectionType:
		return readVec(r, func() error {
			ft, err := readFuncType(r)
			m.Types = append(m.Types, ft)
			return err
		})
	case SectionImport:
		return readVec(r, func() error {
			imp, err := readImport(r)
			m.Imports = append(m.Imports, imp)
			return err
		})
	case SectionFunction:
		return readVec(r, func() error {
			idx, err := r.ReadU32()
			m.Funcs = append(m.Funcs, idx)
			return err
		})
	case SectionTable:
		return readVec(r, func() error {
			t, err := readTableType(r)
			m.Tables = append(m.Tables, t)
			return err
		})
	case SectionMemory:
		return readVec(r, func() error {
			mt, err := readMemoryType(r)
			m.Memories = append(m.Memories, mt)
			return err
		})
	case SectionGlobal:
		return readVec(r, func() error {
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			init, err := readExpr(r)
			m.Globals = append(m.Globals, Global{Type: gt, Init: init})
			return err
		})
	case SectionExport:
		return readVec(r, func() error {
			exp, err := readExport(r)
			m.Exports = append(m.Exports, exp)
			return err
		})
	case SectionStart:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Start = &idx
		return nil
	case SectionElement:
		return readVec(r, func() error {
			el, err := readElement(r)
			m.Elements = append(m.Elements, el)
			return err
		})
	case SectionCode:
		return readVec(r, func() error {
			body, err := readFuncBody(r)
			m.Code = append(m.Code, body)
			return err
		})
	case SectionData:
		return readVec(r, func() error {
			d, err := readDataSegment(r)
			m.Data = append(m.Data, d)
			return err
		})
	case SectionDataCount:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.DataCount = &n
		return nil
	case SectionTag:
		return fmt.Errorf("tag section: %w", ErrUnsupported)
	default:
		return fmt.Errorf("unknown section id %d", id)
	}
}

func readVec(r *binary.Reader, each func() error) error {
	n, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(n) > r.Len() {
		return fmt.Errorf("vector length %d exceeds section size", n)
	}
	for i := uint32(0); i < n; i++ {
		if err := each(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch t := ValType(b); t {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExternRef:
		return t, nil
	}
	return 0, fmt.Errorf("value type 0x%02x: %w", b, ErrUnsupported)
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.Len() {
		return nil, fmt.Errorf("%d value types exceed section size", n)
	}
	ts := make([]ValType, n)
	for i := range ts {
		if ts[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

func readFuncType(r *binary.Reader) (FuncType, error) {
	form, err := r.ReadByte()
	if err != nil {
		return FuncType{}, err
	}
	if form != FuncTypeByte {
		return FuncType{}, fmt.Errorf("type form 0x%02x: %w", form, ErrUnsupported)
	}
	params, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	results, err := readValTypes(r)
	if err != nil {
		return FuncType{}, err
	}
	return FuncType{Params: params, Results: results}, nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > 0x07 {
		return Limits{}, fmt.Errorf("limits flags 0x%02x", flags)
	}
	l := Limits{Shared: flags&0x02 != 0, Memory64: flags&0x04 != 0}
	if l.Min, err = r.ReadU64(); err != nil {
		return l, err
	}
	if flags&0x01 != 0 {
		max, err := r.ReadU64()
		if err != nil {
			return l, err
		}
		l.Max = &max
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := readValType(r)
	if err != nil {
		return TableType{}, err
	}
	if !et.IsRef() {
		return TableType{}, fmt.Errorf("table element type %s", et)
	}
	l, err := readLimits(r)
	return TableType{ElemType: et, Limits: l}, err
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	l, err := readLimits(r)
	return MemoryType{Limits: l}, err
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

func readImport(r *binary.Reader) (Import, error) {
	var imp Import
	var err error
	if imp.Module, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Name, err = r.ReadName(); err != nil {
		return imp, err
	}
	if imp.Desc.Kind, err = r.ReadByte(); err != nil {
		return imp, err
	}
	switch imp.Desc.Kind {
	case KindFunc:
		imp.Desc.TypeIdx, err = r.ReadU32()
	case KindTable:
		var t TableType
		t, err = readTableType(r)
		imp.Desc.Table = &t
	case KindMemory:
		var mt MemoryType
		mt, err = readMemoryType(r)
		imp.Desc.Memory = &mt
	case KindGlobal:
		var gt GlobalType
		gt, err = readGlobalType(r)
		imp.Desc.Global = &gt
	default:
		err = fmt.Errorf("import kind %d: %w", imp.Desc.Kind, ErrUnsupported)
	}
	return imp, err
}

func readExport(r *binary.Reader) (Export, error) {
	var exp Export
	var err error
	if exp.Name, err = r.ReadName(); err != nil {
		return exp, err
	}
	if exp.Kind, err = r.ReadByte(); err != nil {
		return exp, err
	}
	if exp.Kind > KindGlobal {
		return exp, fmt.Errorf("export kind %d: %w", exp.Kind, ErrUnsupported)
	}
	exp.Idx, err = r.ReadU32()
	return exp, err
}

func readElement(r *binary.Reader) (Element, error) {
	start := r.Position()
	var el Element
	var err error
	if el.Flags, err = r.ReadU32(); err != nil {
		return el, err
	}
	if el.Flags > 7 {
		return el, fmt.Errorf("element flags %d", el.Flags)
	}
	active := el.Flags&0x01 == 0
	explicitTable := el.Flags&0x02 != 0
	usesExprs := el.Flags&0x04 != 0

	if active && explicitTable {
		if el.TableIdx, err = r.ReadU32(); err != nil {
			return el, err
		}
	}
	if active {
		if el.Offset, err = readExpr(r); err != nil {
			return el, err
		}
	}
	if el.Flags&0x03 != 0 {
		// elemkind byte or reference type
		if _, err = r.ReadByte(); err != nil {
			return el, err
		}
	}
	if el.Count, err = r.ReadU32(); err != nil {
		return el, err
	}
	for i := uint32(0); i < el.Count; i++ {
		if usesExprs {
			_, err = readExpr(r)
		} else {
			_, err = r.ReadU32()
		}
		if err != nil {
			return el, err
		}
	}
	el.Raw = r.Slice(start)
	return el, nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	size, err := r.ReadU32()
	if err != nil {
		return FuncBody{}, err
	}
	raw, err := r.ReadBytes(int(size))
	if err != nil {
		return FuncBody{}, err
	}
	br := binary.NewReader(raw)
	var body FuncBody
	var total uint64
	err = readVec(br, func() error {
		count, err := br.ReadU32()
		if err != nil {
			return err
		}
		total += uint64(count)
		if total > 50000 {
			return fmt.Errorf("too many locals (%d)", total)
		}
		vt, err := readValType(br)
		body.Locals = append(body.Locals, LocalEntry{Count: count, ValType: vt})
		return err
	})
	if err != nil {
		return body, err
	}
	if body.Code, err = br.ReadBytes(br.Len()); err != nil {
		return body, err
	}
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return body, errors.New("function body does not end with end")
	}
	return body, nil
}

func readDataSegment(r *binary.Reader) (DataSegment, error) {
	var d DataSegment
	var err error
	if d.Flags, err = r.ReadU32(); err != nil {
		return d, err
	}
	switch d.Flags {
	case 0:
	case 1:
	case 2:
		if d.MemIdx, err = r.ReadU32(); err != nil {
			return d, err
		}
	default:
		return d, fmt.Errorf("data segment flags %d", d.Flags)
	}
	if d.Flags != 1 {
		if d.Offset, err = readExpr(r); err != nil {
			return d, err
		}
	}
	n, err := r.ReadU32()
	if err != nil {
		return d, err
	}
	d.Init, err = r.ReadBytes(int(n))
	return d, err
}

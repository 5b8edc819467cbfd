package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/wasm"
)

// DataInitialization is an active data segment waiting to be copied into
// linear memory. Base names a global whose value would be added to Offset.
type DataInitialization struct {
	Base   *uint32
	Offset uint32
	Data   []byte
}

type funcImport struct {
	host   *Function
	module string
	field  string
}

type funcDecl struct {
	imp *funcImport // nil for defined functions
	sig uint32
}

type globalDecl struct {
	value *uint32 // set for imported constants
	typ   wasm.GlobalType
}

// ModuleEnv collects the module-level declarations of one module and
// resolves its imports against an Environment.
type ModuleEnv struct {
	env        Environment
	logger     *zap.Logger
	symbols    map[string]*Function
	exports    map[string]uint32
	start      *uint32
	memory     *wasm.MemoryType
	signatures []Signature
	functions  []funcDecl
	globals    []globalDecl
	bodies     []wasm.FuncBody
	data       []DataInitialization
	numImports int
}

// NewModuleEnv creates a builder resolving imports from env.
func NewModuleEnv(env Environment, logger *zap.Logger) *ModuleEnv {
	if logger == nil {
		logger = Logger()
	}
	return &ModuleEnv{
		env:     env,
		logger:  logger,
		symbols: make(map[string]*Function),
		exports: make(map[string]uint32),
	}
}

// DeclareSignature records a function type.
func (e *ModuleEnv) DeclareSignature(ft wasm.FuncType) {
	e.signatures = append(e.signatures, NewSignature(ft))
}

func (e *ModuleEnv) signature(idx uint32) (Signature, error) {
	if int(idx) >= len(e.signatures) {
		return Signature{}, errors.OutOfBounds(errors.PhaseLoad, []string{"type"}, int(idx), len(e.signatures))
	}
	sig := e.signatures[idx]
	if sig.hasV128() {
		errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "v128 in function signature %s", sig)
	}
	return sig, nil
}

// DeclareFuncImport resolves an imported function. The host function must
// have exactly the requested WebAssembly type.
func (e *ModuleEnv) DeclareFuncImport(sigIdx uint32, module, field string) error {
	if len(e.functions) > e.numImports {
		return errors.InvalidData(errors.PhaseLoad, []string{module, field}, "function import after defined function")
	}
	want, err := e.signature(sigIdx)
	if err != nil {
		return err
	}

	host, ok := e.env.ImportFunction(module, field)
	if !ok || host == nil {
		return &errors.UnresolvedImportError{Module: module, Field: field}
	}
	if !host.sig.Equal(want) {
		return errors.TypeMismatch(errors.PhaseLoad, []string{module, field}, want.String(), host.sig.String())
	}

	sym := Symbol(module, field)
	if _, seen := e.symbols[sym]; !seen {
		e.symbols[sym] = host
	}
	e.functions = append(e.functions, funcDecl{
		imp: &funcImport{host: host, module: module, field: field},
		sig: sigIdx,
	})
	e.numImports++
	e.logger.Debug("resolved function import",
		zap.String("symbol", sym),
		zap.Stringer("signature", want))
	return nil
}

// DeclareGlobalImport resolves an imported global. Only immutable externref
// constants are accepted.
func (e *ModuleEnv) DeclareGlobalImport(gt wasm.GlobalType, module, field string) error {
	if gt.Mutable || gt.ValType != wasm.ValExternRef {
		return errors.New(errors.PhaseLoad, errors.KindInvalidGlobal).
			Path(module, field).
			Detail("only immutable externref globals can be imported, got %s (mutable=%t)", gt.ValType, gt.Mutable).
			Build()
	}

	v, ok := e.env.ImportGlobal(module, field)
	if !ok {
		return &errors.UnresolvedImportError{Module: module, Field: field, Global: true}
	}
	if v.Mutable {
		return errors.New(errors.PhaseLoad, errors.KindInvalidGlobal).
			Path(module, field).
			Detail("host global is mutable").
			Build()
	}

	value := v.Value
	e.globals = append(e.globals, globalDecl{typ: gt, value: &value})
	return nil
}

// DeclareTableImport rejects imported tables.
func (e *ModuleEnv) DeclareTableImport(_ wasm.TableType, module, field string) {
	errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "table import %s", Symbol(module, field))
}

// DeclareMemoryImport rejects imported memories.
func (e *ModuleEnv) DeclareMemoryImport(_ wasm.MemoryType, module, field string) {
	errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "memory import %s", Symbol(module, field))
}

// DeclareFuncType declares a defined function of the given type.
func (e *ModuleEnv) DeclareFuncType(sigIdx uint32) error {
	if _, err := e.signature(sigIdx); err != nil {
		return err
	}
	e.functions = append(e.functions, funcDecl{sig: sigIdx})
	return nil
}

// DeclareTable accepts a table declaration. Tables are never populated.
func (e *ModuleEnv) DeclareTable(t wasm.TableType) {
	e.logger.Debug("ignoring table", zap.Stringer("elem", t.ElemType), zap.Uint64("min", t.Limits.Min))
}

// DeclareTableElements accepts an active element segment without applying it.
func (e *ModuleEnv) DeclareTableElements(el wasm.Element) {
	e.logger.Debug("ignoring element segment", zap.Uint32("table", el.TableIdx), zap.Uint32("count", el.Count))
}

// DeclarePassiveElement accepts a passive element segment.
func (e *ModuleEnv) DeclarePassiveElement(el wasm.Element) {
	e.logger.Debug("ignoring passive element segment", zap.Uint32("count", el.Count))
}

// DeclarePassiveData accepts a passive data segment. It can only be used by
// memory.init, which is rejected during translation.
func (e *ModuleEnv) DeclarePassiveData(data []byte) {
	e.logger.Debug("ignoring passive data segment", zap.Int("size", len(data)))
}

// DeclareGlobal declares a module-defined global. It takes an index but
// cannot be read by function bodies.
func (e *ModuleEnv) DeclareGlobal(g wasm.Global) {
	e.globals = append(e.globals, globalDecl{typ: g.Type})
}

// DeclareMemory declares the module's single linear memory.
func (e *ModuleEnv) DeclareMemory(mt wasm.MemoryType) {
	if e.memory != nil {
		errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "multiple memories")
	}
	if mt.Limits.Shared || mt.Limits.Memory64 {
		errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "shared or 64-bit memory")
	}
	e.memory = &mt
}

// DeclareDataInitialization records an active data segment.
func (e *ModuleEnv) DeclareDataInitialization(memIdx uint32, base *uint32, offset uint32, data []byte) {
	if memIdx != 0 {
		errors.Fatalf(errors.PhaseLoad, errors.KindUnsupported, "data segment for memory %d", memIdx)
	}
	e.data = append(e.data, DataInitialization{Base: base, Offset: offset, Data: data})
}

// DeclareFuncExport records an exported function name.
func (e *ModuleEnv) DeclareFuncExport(funcIdx uint32, name string) error {
	if int(funcIdx) >= len(e.functions) {
		return errors.OutOfBounds(errors.PhaseLoad, []string{"export", name}, int(funcIdx), len(e.functions))
	}
	e.exports[name] = funcIdx
	return nil
}

// DeclareStartFunc records the start function.
func (e *ModuleEnv) DeclareStartFunc(funcIdx uint32) error {
	if int(funcIdx) >= len(e.functions) {
		return errors.OutOfBounds(errors.PhaseLoad, []string{"start"}, int(funcIdx), len(e.functions))
	}
	sig := e.signatures[e.functions[funcIdx].sig]
	if len(sig.Params) != 0 || len(sig.Results) != 0 {
		return errors.TypeMismatch(errors.PhaseLoad, []string{"start"}, "() -> ()", sig.String())
	}
	e.start = &funcIdx
	return nil
}

// DefineFunctionBody records the body of the next defined function.
func (e *ModuleEnv) DefineFunctionBody(body wasm.FuncBody) error {
	if len(e.bodies) >= len(e.functions)-e.numImports {
		return errors.InvalidData(errors.PhaseLoad, []string{"code"}, "more function bodies than declared functions")
	}
	e.bodies = append(e.bodies, body)
	return nil
}

// NumFunctions returns the size of the function table.
func (e *ModuleEnv) NumFunctions() int { return len(e.functions) }

// NumImportedFunctions returns how many table entries are host functions.
func (e *ModuleEnv) NumImportedFunctions() int { return e.numImports }

// Start returns the start function index, if any.
func (e *ModuleEnv) Start() (uint32, bool) {
	if e.start == nil {
		return 0, false
	}
	return *e.start, true
}

// Data returns the recorded data initializations in declaration order.
func (e *ModuleEnv) Data() []DataInitialization { return e.data }

// funcSignature returns the signature of the function at idx.
func (e *ModuleEnv) funcSignature(idx uint32) (Signature, bool) {
	if int(idx) >= len(e.functions) {
		return Signature{}, false
	}
	return e.signatures[e.functions[idx].sig], true
}

// constGlobal returns the value of an imported constant global.
func (e *ModuleEnv) constGlobal(idx uint32) (uint32, bool) {
	if int(idx) >= len(e.globals) || e.globals[idx].value == nil {
		return 0, false
	}
	return *e.globals[idx].value, true
}

// translateModule drives the declarations of m in section order.
func translateModule(m *wasm.Module, e *ModuleEnv) error {
	for _, ft := range m.Types {
		e.DeclareSignature(ft)
	}

	for _, imp := range m.Imports {
		var err error
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			err = e.DeclareFuncImport(imp.Desc.TypeIdx, imp.Module, imp.Name)
		case wasm.KindGlobal:
			err = e.DeclareGlobalImport(*imp.Desc.Global, imp.Module, imp.Name)
		case wasm.KindTable:
			e.DeclareTableImport(*imp.Desc.Table, imp.Module, imp.Name)
		case wasm.KindMemory:
			e.DeclareMemoryImport(*imp.Desc.Memory, imp.Module, imp.Name)
		default:
			err = errors.InvalidData(errors.PhaseLoad, []string{imp.Module, imp.Name}, fmt.Sprintf("import kind 0x%02x", imp.Desc.Kind))
		}
		if err != nil {
			return err
		}
	}

	for _, sigIdx := range m.Funcs {
		if err := e.DeclareFuncType(sigIdx); err != nil {
			return err
		}
	}
	for _, t := range m.Tables {
		e.DeclareTable(t)
	}
	for _, mem := range m.Memories {
		e.DeclareMemory(mem)
	}
	for _, g := range m.Globals {
		e.DeclareGlobal(g)
	}

	for _, exp := range m.Exports {
		if exp.Kind != wasm.KindFunc {
			continue
		}
		if err := e.DeclareFuncExport(exp.Idx, exp.Name); err != nil {
			return err
		}
	}

	if m.Start != nil {
		if err := e.DeclareStartFunc(*m.Start); err != nil {
			return err
		}
	}

	for _, el := range m.Elements {
		switch {
		case el.Declarative():
		case el.Passive():
			e.DeclarePassiveElement(el)
		default:
			e.DeclareTableElements(el)
		}
	}

	for _, body := range m.Code {
		if err := e.DefineFunctionBody(body); err != nil {
			return err
		}
	}

	for i, seg := range m.Data {
		if seg.Passive() {
			e.DeclarePassiveData(seg.Init)
			continue
		}
		expr, err := wasm.ParseConstExpr(seg.Offset)
		if err != nil {
			return errors.New(errors.PhaseLoad, errors.KindInvalidData).
				Path("data", fmt.Sprint(i)).
				Detail("offset expression").
				Cause(err).
				Build()
		}
		e.DeclareDataInitialization(seg.MemIdx, expr.Global, uint32(expr.Value), seg.Init)
	}

	return nil
}

package engine

import (
	"github.com/wippyai/fabric/errors"
)

// Environment resolves a module's imports. It is supplied by the host and
// kept by the Context for the lifetime of the instance.
type Environment interface {
	// ImportFunction returns the host function for an imported function.
	ImportFunction(module, field string) (*Function, bool)
	// ImportGlobal returns the constant for an imported global.
	ImportGlobal(module, field string) (GlobalValue, bool)
}

// GlobalValue is a host constant offered to a module as an imported global.
type GlobalValue struct {
	Value   uint32
	Mutable bool
}

// Const returns an immutable global holding v.
func Const(v uint32) GlobalValue {
	return GlobalValue{Value: v}
}

// Imports is a map-backed Environment.
type Imports struct {
	funcs   map[string]*Function
	globals map[string]GlobalValue
}

// NewImports creates an empty import set.
func NewImports() *Imports {
	return &Imports{
		funcs:   make(map[string]*Function),
		globals: make(map[string]GlobalValue),
	}
}

// Symbol returns the linker name of an import.
func Symbol(module, field string) string {
	return module + "::" + field
}

// Func binds a typed Go function under module::field. See Func for the
// accepted signatures.
func (im *Imports) Func(module, field string, fn any) error {
	f, err := Func(fn)
	if err != nil {
		return errors.Registration(errors.PhaseLink, module, field, err)
	}
	im.Define(module, field, f)
	return nil
}

// Native registers a raw host function under module::field.
func (im *Imports) Native(module, field string, sig Signature, fn NativeFunc) {
	im.Define(module, field, NewFunction(sig, fn))
}

// Define registers f under module::field, replacing any previous entry.
func (im *Imports) Define(module, field string, f *Function) {
	im.funcs[Symbol(module, field)] = f
}

// Const registers an immutable global under module::field.
func (im *Imports) Const(module, field string, v uint32) {
	im.globals[Symbol(module, field)] = Const(v)
}

// Global registers g under module::field.
func (im *Imports) Global(module, field string, g GlobalValue) {
	im.globals[Symbol(module, field)] = g
}

func (im *Imports) ImportFunction(module, field string) (*Function, bool) {
	f, ok := im.funcs[Symbol(module, field)]
	return f, ok
}

func (im *Imports) ImportGlobal(module, field string) (GlobalValue, bool) {
	g, ok := im.globals[Symbol(module, field)]
	return g, ok
}

// Len returns the number of registered functions and globals.
func (im *Imports) Len() int {
	return len(im.funcs) + len(im.globals)
}

package wat

import (
	"bytes"
	"unicode/utf8"

	"github.com/bytecodealliance/wasmtime-go"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/wasm"
)

// Compile returns the binary encoding of source, which may be WAT text or
// an already encoded module.
func Compile(source []byte) ([]byte, error) {
	if wasm.IsBinary(source) {
		return source, nil
	}
	if !utf8.Valid(source) {
		return nil, errors.InvalidUTF8(errors.PhaseParse, nil, source)
	}
	if len(bytes.TrimSpace(source)) == 0 {
		return nil, errors.InvalidInput(errors.PhaseParse, "empty module source")
	}
	return CompileString(string(source))
}

// CompileString compiles WAT text.
func CompileString(text string) ([]byte, error) {
	bin, err := wasmtime.Wat2Wasm(text)
	if err != nil {
		return nil, errors.ParseFailed("module text", err)
	}
	return bin, nil
}

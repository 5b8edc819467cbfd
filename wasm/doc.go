// Package wasm decodes and encodes the subset of the WebAssembly binary
// format the fabric engine accepts: the 1.0 core plus sign extension,
// non-trapping float conversion, multi-value and reference types.
//
// Decoding recognizes (but does not interpret) bulk memory and table
// instructions so the engine can reject them by name. SIMD, atomics,
// exception handling and GC encodings fail with ErrUnsupported.
//
// # Modules
//
//	m, err := wasm.DecodeModule(data)
//	if err != nil {
//	    return err
//	}
//	out := m.Encode()
//
// # Instructions
//
//	instrs, err := wasm.DecodeInstructions(body.Code)
//	code := wasm.EncodeInstructions(instrs)
package wasm

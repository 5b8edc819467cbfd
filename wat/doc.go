// Package wat turns module source into the WebAssembly binary format.
//
// Text sources are compiled with wasmtime's WAT parser; sources that
// already carry the binary magic number pass through untouched:
//
//	bin, err := wat.Compile([]byte(`(module
//		(import "LoggingSystem" "log" (func (param externref i32)))
//		(func (export "hello") (param i32)
//			(call 0 (ref.null extern) (local.get 0))))`))
package wat

// Package engine loads restricted WebAssembly modules, compiles them to
// native code and exposes the result as an execution Context.
//
// # Load Pipeline
//
// Load runs these steps in order and stops at the first failure:
//
//  1. Parse text (via wat) or binary source into a wasm.Module
//  2. Declare signatures, imports, memory, data and start with ModuleEnv,
//     resolving imports against the host Environment
//  3. Configure wazero (compiler backend, core features v2)
//  4. Register each resolved import as a host module function
//  5. Translate every defined body to the context-threading convention and
//     compile the lowered module
//  6. Instantiate it and build the function table
//  7. Copy data segments into linear memory
//  8. Construct the Context
//  9. Run the start function
//
// # Calling Convention
//
// Every native function takes the context handle as an implicit first i64
// parameter. Calls inside guest code pass it along; host functions receive
// it in stack[0]:
//
//	Guest type                      Native type
//	───────────────────────────────────────────────────────
//	(externref, i32) -> i32         (i64, i64, i32) -> i32
//	(funcref) -> ()                 (i64, i32) -> ()
//
// ExternRef values are arena handles (i64); FuncRef values are function
// table indices (i32). Imported externref globals are host constants and
// are inlined at each global.get.
//
// # Supported Subset
//
// Tables, indirect and tail calls, memory.grow, bulk memory and table
// instructions, SIMD, atomics, multiple memories, global.set and reads of
// non-imported globals are rejected. ref.is_null is lowered to a compare
// against the null sentinel when the operand comes straight from a local,
// a constant, ref.null, ref.func or a call. Unsupported constructs panic with a
// fatal *errors.Error; structural problems such as unresolved imports,
// mismatched import types and overlapping data segments are returned as
// errors from Load.
//
// # Linear Memory
//
// Memory is sized to exactly cover the data segments and never grows.
// Read loads typed values (Bytes, CString, Uint32) and reports bad offsets
// as errors rather than panicking.
//
// # Thread Safety
//
// A Context is single-threaded. Hosts that share one across goroutines
// must hold a lock for the duration of each call.
package engine

// Package fabric runs restricted WebAssembly modules as native code inside
// a Go host.
//
// Modules are written against a small host-defined environment: imported
// functions, immutable externref constants, and a single fixed-size linear
// memory. Every native function takes a hidden execution-context handle as
// its first argument, so host functions always know which loaded module is
// calling them.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	fabric/
//	├── engine/          Load pipeline, function translation, execution context
//	├── externs/         Generational arena for host objects passed as externref
//	├── wasm/            Core WASM binary decoding, encoding and instructions
//	├── wat/             WAT text format to WASM binary compiler
//	├── errors/          Structured error types for debugging
//	├── config/          YAML configuration for the runner
//	└── cmd/run/         Runner with a demo game-event host environment
//
// # Quick Start
//
// Define the host environment and load a module:
//
//	im := engine.NewImports()
//	im.Const("LoggingSystem", "Level::Info", 2)
//	_ = im.Func("LoggingSystem", "log", func(c *engine.Context, level engine.ExternRef, msg uint32) {
//	    text, _ := engine.Read[engine.CString](c.Memory(), msg)
//	    fmt.Println(text)
//	})
//
//	c, err := engine.Load(ctx, im, source)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close(ctx)
//
//	results, err := c.Call(ctx, "init")
//
// # Thread Safety
//
// A loaded Context is NOT thread-safe and should be used by a single
// goroutine, or access must be synchronized. Distinct contexts are
// independent.
//
// # Memory Model
//
// Linear memory never grows. Its size is fixed by the module's declared
// minimum, and data segments are checked against that extent at load time.
package fabric

// Package errors provides structured error types for the fabric engine.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// Errors marked Fatal describe broken engine invariants; they are raised with
// panic rather than returned.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindTypeMismatch).
//		Path("env", "log").
//		Detail("import signature (i32) -> () does not match (i64) -> ()").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseMemory, nil, 70000, 65536)
//	errors.Fatalf(errors.PhaseTranslate, errors.KindUnsupported, "call_indirect in function %d", 3)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors

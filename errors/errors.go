package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseParse     Phase = "parse"     // source text or binary decoding
	PhaseLoad      Phase = "load"      // module environment declarations
	PhaseLink      Phase = "link"      // import registration and instantiation
	PhaseTranslate Phase = "translate" // function body lowering
	PhaseCompile   Phase = "compile"   // native code generation
	PhaseMemory    Phase = "memory"    // linear memory construction and loads
	PhaseRuntime   Phase = "runtime"   // calls into and out of guest code
	PhaseExterns   Phase = "externs"   // extern arena access
	PhaseConfig    Phase = "config"    // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindTypeMismatch  Kind = "type_mismatch"
	KindOutOfBounds   Kind = "out_of_bounds"
	KindInvalidData   Kind = "invalid_data"
	KindUnsupported   Kind = "unsupported"
	KindInvalidUTF8   Kind = "invalid_utf8"
	KindMissingImport Kind = "missing_import"
	KindNotFound      Kind = "not_found"
	KindInvalidInput  Kind = "invalid_input"
	KindInvalidGlobal Kind = "invalid_global"
	KindOverlap       Kind = "overlap"
	KindStaleHandle   Kind = "stale_handle"
	KindInvalidHandle Kind = "invalid_handle"
	KindClosed        Kind = "closed"
	KindInstantiation Kind = "instantiation"
	KindTrap          Kind = "trap"
	KindNotTerminated Kind = "not_terminated"
	KindRegistration  Kind = "registration"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
	// Fatal marks an invariant violation. Fatal errors are raised with panic.
	Fatal bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Fatal {
		b.WriteString("fatal ")
	}
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "::"))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path, e.g. module and field of an import
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Fatal marks the error as an invariant violation
func (b *Builder) Fatal() *Builder {
	b.err.Fatal = true
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Panic raises the constructed error
func (b *Builder) Panic() {
	panic(b.Build())
}

// Fatalf panics with a fatal error of the given phase and kind.
func Fatalf(phase Phase, kind Kind, format string, args ...any) {
	panic(&Error{
		Phase:  phase,
		Kind:   kind,
		Detail: fmt.Sprintf(format, args...),
		Fatal:  true,
	})
}

// IsFatal reports whether err carries a fatal *Error anywhere in its chain.
func IsFatal(err error) bool {
	_, ok := AsFatal(err)
	return ok
}

// AsFatal returns the first fatal *Error in err's chain.
func AsFatal(err error) (*Error, bool) {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return nil, false
		}
		if e.Fatal {
			return e, true
		}
		err = e.Cause
	}
	return nil, false
}

// Recover converts a recovered panic value into an error. Values that are not
// errors are wrapped as fatal runtime errors. It returns nil for nil.
func Recover(r any) error {
	switch v := r.(type) {
	case nil:
		return nil
	case *Error:
		return v
	case error:
		return &Error{Phase: PhaseRuntime, Kind: KindTrap, Cause: v, Fatal: true}
	default:
		return &Error{Phase: PhaseRuntime, Kind: KindTrap, Detail: fmt.Sprint(v), Fatal: true}
	}
}

// Convenience constructors for common error patterns

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("expected %s, got %s", want, got),
	}
}

// InvalidUTF8 creates an invalid UTF-8 error
func InvalidUTF8(phase Phase, path []string, data []byte) *Error {
	preview := data
	if len(preview) > 32 {
		preview = preview[:32]
	}
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidUTF8,
		Path:   path,
		Detail: fmt.Sprintf("invalid UTF-8 sequence: %x", preview),
	}
}

// Unsupported creates an unsupported construct error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a host function registration error
func Registration(phase Phase, module, field string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Path:   []string{module, field},
		Detail: "register host function",
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLink,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// UnresolvedImportError is returned when the host environment has no entry
// for an import the module declares.
type UnresolvedImportError struct {
	Module string
	Field  string
	// Global is set when the import is a global rather than a function.
	Global bool
}

func (e *UnresolvedImportError) Error() string {
	what := "function"
	if e.Global {
		what = "global"
	}
	return fmt.Sprintf("[load] missing_import: unknown %s %s in module %s", what, e.Field, e.Module)
}

// Symbol returns the linker symbol name of the import.
func (e *UnresolvedImportError) Symbol() string {
	return e.Module + "::" + e.Field
}

// Is reports whether target matches this error type. It also matches a
// load-phase *Error of kind missing_import.
func (e *UnresolvedImportError) Is(target error) bool {
	switch t := target.(type) {
	case *UnresolvedImportError:
		return true
	case *Error:
		return t.Phase == PhaseLoad && t.Kind == KindMissingImport
	}
	return false
}

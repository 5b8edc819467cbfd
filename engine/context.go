package engine

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/externs"
)

var nextHandle atomic.Uint64

// Context is a loaded, runnable module. It owns the compiled code, the
// linear memory and the externs arena. A Context is not safe for
// concurrent calls; hosts serialize access to it.
type Context struct {
	env       Environment
	runtime   wazero.Runtime
	module    api.Module
	memory    *Memory
	externs   *externs.Arena
	logger    *zap.Logger
	exports   map[string]*Function
	functions []*Function
	handle    uint64
	closed    atomic.Bool
}

func newContext(env Environment, rt wazero.Runtime, logger *zap.Logger) *Context {
	return &Context{
		env:     env,
		runtime: rt,
		externs: externs.NewArena(),
		logger:  logger,
		exports: make(map[string]*Function),
		handle:  nextHandle.Add(1),
	}
}

// Handle returns the value passed as the first argument of every native
// call made on behalf of this context.
func (c *Context) Handle() uint64 { return c.handle }

// Environment returns the host environment the module was linked against.
func (c *Context) Environment() Environment { return c.env }

// Memory returns the linear memory.
func (c *Context) Memory() *Memory { return c.memory }

// Externs returns the arena used to pass host objects to the guest.
func (c *Context) Externs() *externs.Arena { return c.externs }

// Logger returns the context's logger.
func (c *Context) Logger() *zap.Logger { return c.logger }

// Function looks up a function by table index. It reports false for
// out-of-range or null references.
func (c *Context) Function(ref FuncRef) (*Function, bool) {
	if ref.IsNull() || int(ref) >= len(c.functions) {
		return nil, false
	}
	f := c.functions[ref]
	return f, f != nil
}

// Functions returns the function table: imports first, then defined
// functions, each in declaration order.
func (c *Context) Functions() []*Function {
	return slices.Clone(c.functions)
}

// Export returns the function exported under name.
func (c *Context) Export(name string) (*Function, bool) {
	f, ok := c.exports[name]
	return f, ok
}

// Exports returns the exported function names in sorted order.
func (c *Context) Exports() []string {
	names := make([]string, 0, len(c.exports))
	for name := range c.exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Call invokes an exported function by name.
func (c *Context) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	f, ok := c.Export(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return f.Call(ctx, c, args...)
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed.Load() }

// Close releases the compiled code and drops every live extern. Functions
// from this context cannot be called afterwards.
func (c *Context) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.externs.Clear()
	c.memory = &Memory{}
	if err := c.runtime.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindClosed, err, "close runtime")
	}
	return nil
}

// hostFunc adapts a host function to wazero. The handle check guards the
// context-threading convention.
func (c *Context) hostFunc(f *Function, sym string) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		if stack[0] != c.handle {
			errors.New(errors.PhaseRuntime, errors.KindInvalidHandle).
				Path(sym).
				Detail("context handle %d, want %d", stack[0], c.handle).
				Fatal().
				Panic()
		}
		f.native(ctx, c, stack)
	}
}

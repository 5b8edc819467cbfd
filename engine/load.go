package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/wippyai/fabric/errors"
	"github.com/wippyai/fabric/wasm"
	"github.com/wippyai/fabric/wat"
)

// Backend selects the native code generator.
type Backend string

const (
	// BackendAuto uses the compiler where wazero supports it and the
	// interpreter elsewhere.
	BackendAuto        Backend = "auto"
	BackendCompiler    Backend = "compiler"
	BackendInterpreter Backend = "interpreter"
)

// Config holds load options.
type Config struct {
	Logger *zap.Logger

	// Backend defaults to BackendCompiler.
	Backend Backend

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the
	// wazero default.
	MemoryLimitPages uint32

	// Interruptible makes guest code stop when the call context is done.
	Interruptible bool
}

// Option configures a load.
type Option func(*Config)

// WithLogger sets the logger for the load and the resulting context.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithBackend selects the code generator.
func WithBackend(b Backend) Option {
	return func(c *Config) { c.Backend = b }
}

// WithCacheDir enables the compilation cache in dir.
func WithCacheDir(dir string) Option {
	return func(c *Config) { c.CacheDir = dir }
}

// WithMemoryLimitPages caps guest memory.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *Config) { c.MemoryLimitPages = pages }
}

// WithInterruptible stops guest code when its call context is cancelled.
func WithInterruptible(on bool) Option {
	return func(c *Config) { c.Interruptible = on }
}

func newConfig(opts []Option) Config {
	cfg := Config{Backend: BackendCompiler}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	return cfg
}

func (cfg Config) runtimeConfig() (wazero.RuntimeConfig, error) {
	var rc wazero.RuntimeConfig
	switch cfg.Backend {
	case BackendCompiler, "":
		rc = wazero.NewRuntimeConfigCompiler()
	case BackendInterpreter:
		rc = wazero.NewRuntimeConfigInterpreter()
	case BackendAuto:
		rc = wazero.NewRuntimeConfig()
	default:
		return nil, errors.InvalidInput(errors.PhaseCompile, fmt.Sprintf("unknown backend %q", cfg.Backend))
	}

	rc = rc.WithCoreFeatures(api.CoreFeaturesV2)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.Interruptible {
		rc = rc.WithCloseOnContextDone(true)
	}
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidInput, err, "open compilation cache")
		}
		rc = rc.WithCompilationCache(cache)
	}
	return rc, nil
}

// Load parses, translates, compiles and links one module against env and
// returns its execution context. The start function, if any, has run when
// Load returns.
//
// Structural problems with the module or its imports are returned as
// errors. Constructs outside the supported subset panic with a fatal
// *errors.Error.
func Load(ctx context.Context, env Environment, source []byte, opts ...Option) (c *Context, err error) {
	cfg := newConfig(opts)
	began := time.Now()

	ctx, span := startPhase(ctx, "load", attribute.Int("source.size", len(source)))
	defer func() {
		if r := recover(); r != nil {
			perr := errors.Recover(r)
			recordLoad(ctx, began, perr)
			endPhase(span, perr)
			panic(r)
		}
		recordLoad(ctx, began, err)
		endPhase(span, err)
	}()

	l := &loader{cfg: cfg, env: env, log: cfg.Logger}
	return l.load(ctx, source)
}

// LoadString loads a module from WebAssembly text.
func LoadString(ctx context.Context, env Environment, text string, opts ...Option) (*Context, error) {
	return Load(ctx, env, []byte(text), opts...)
}

// MustLoad is like Load but panics on error.
func MustLoad(ctx context.Context, env Environment, source []byte, opts ...Option) *Context {
	c, err := Load(ctx, env, source, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

type loader struct {
	env    Environment
	rt     wazero.Runtime
	log    *zap.Logger
	module *wasm.Module
	menv   *ModuleEnv
	c      *Context
	cfg    Config
}

func (l *loader) load(ctx context.Context, source []byte) (*Context, error) {
	if l.env == nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "nil environment")
	}
	if err := l.parse(ctx, source); err != nil {
		return nil, err
	}
	if err := l.declare(ctx); err != nil {
		return nil, err
	}

	rc, err := l.cfg.runtimeConfig()
	if err != nil {
		return nil, err
	}
	l.rt = wazero.NewRuntimeWithConfig(ctx, rc)
	linked := false
	defer func() {
		if !linked {
			_ = l.rt.Close(ctx)
		}
	}()

	l.c = newContext(l.env, l.rt, l.log)
	if err := l.registerImports(ctx); err != nil {
		return nil, err
	}
	compiled, err := l.compile(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.instantiate(ctx, compiled); err != nil {
		return nil, err
	}
	if err := l.initMemory(ctx); err != nil {
		return nil, err
	}
	if err := l.runStart(ctx); err != nil {
		return nil, err
	}

	linked = true
	l.log.Debug("module loaded",
		zap.Int("functions", len(l.c.functions)),
		zap.Int("imports", l.menv.NumImportedFunctions()),
		zap.Int("memory", l.c.memory.Len()))
	return l.c, nil
}

// parse turns text or binary source into a decoded module.
func (l *loader) parse(ctx context.Context, source []byte) (err error) {
	_, span := startPhase(ctx, "parse")
	defer func() { endPhase(span, err) }()

	bin, err := wat.Compile(source)
	if err != nil {
		return err
	}
	m, err := wasm.DecodeModule(bin)
	if err != nil {
		return errors.ParseFailed("module", err)
	}
	l.module = m
	return nil
}

// declare runs the module environment over the decoded module.
func (l *loader) declare(ctx context.Context) (err error) {
	_, span := startPhase(ctx, "declare")
	defer func() { endPhase(span, err) }()

	l.menv = NewModuleEnv(l.env, l.log)
	if err := translateModule(l.module, l.menv); err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("functions", l.menv.NumFunctions()),
		attribute.Int("imports", l.menv.NumImportedFunctions()),
		attribute.Int("data", len(l.menv.data)))
	return nil
}

// registerImports exposes each resolved host function as a wazero host
// module function named after its import.
func (l *loader) registerImports(ctx context.Context) (err error) {
	_, span := startPhase(ctx, "link")
	defer func() { endPhase(span, err) }()

	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	exported := make(map[string]bool)

	for _, f := range l.menv.functions {
		if f.imp == nil {
			continue
		}
		sym := Symbol(f.imp.module, f.imp.field)
		if exported[sym] {
			continue
		}
		exported[sym] = true

		b, ok := builders[f.imp.module]
		if !ok {
			b = l.rt.NewHostModuleBuilder(f.imp.module)
			builders[f.imp.module] = b
			order = append(order, f.imp.module)
		}
		host := l.menv.symbols[sym]
		params, results := host.sig.Native()
		b.NewFunctionBuilder().
			WithGoModuleFunction(l.c.hostFunc(host, sym), params, results).
			WithName(sym).
			Export(f.imp.field)
	}

	for _, name := range order {
		if _, err := builders[name].Instantiate(ctx); err != nil {
			return errors.Registration(errors.PhaseLink, name, "*", err)
		}
	}
	return nil
}

// compile translates every defined body and hands the lowered module to
// wazero.
func (l *loader) compile(ctx context.Context) (_ wazero.CompiledModule, err error) {
	ctx, span := startPhase(ctx, "compile")
	defer func() { endPhase(span, err) }()

	bodies := make([]wasm.FuncBody, 0, len(l.menv.bodies))
	for i, body := range l.menv.bodies {
		idx := uint32(l.menv.numImports + i)
		lowered, err := newFuncTranslator(l.menv, idx).translate(body)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, lowered)
	}

	bin := lowerModule(l.menv, bodies).Encode()
	span.SetAttributes(attribute.Int("lowered.size", len(bin)))

	compiled, err := l.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile lowered module")
	}
	return compiled, nil
}

// instantiate links the compiled module and fills the function table.
func (l *loader) instantiate(ctx context.Context, compiled wazero.CompiledModule) (err error) {
	ctx, span := startPhase(ctx, "instantiate")
	defer func() { endPhase(span, err) }()

	mod, err := l.rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return errors.Instantiation(err)
	}
	l.c.module = mod

	names := make(map[uint32]string, len(l.menv.exports))
	for name, idx := range l.menv.exports {
		if prev, ok := names[idx]; !ok || name < prev {
			names[idx] = name
		}
	}

	l.c.functions = make([]*Function, len(l.menv.functions))
	for i, f := range l.menv.functions {
		idx := uint32(i)
		if f.imp != nil {
			l.c.functions[i] = f.imp.host.bind(idx, Symbol(f.imp.module, f.imp.field))
			continue
		}
		fn := mod.ExportedFunction(exportName(idx))
		if fn == nil {
			return errors.NotFound(errors.PhaseLink, "compiled function", exportName(idx))
		}
		name, ok := names[idx]
		if !ok {
			name = exportName(idx)
		}
		l.c.functions[i] = &Function{
			compiled: fn,
			name:     name,
			sig:      l.menv.signatures[f.sig],
			index:    idx,
		}
	}
	for name, idx := range l.menv.exports {
		l.c.exports[name] = l.c.functions[idx]
	}
	return nil
}

// initMemory copies the data segments into guest memory.
func (l *loader) initMemory(ctx context.Context) (err error) {
	_, span := startPhase(ctx, "memory")
	defer func() { endPhase(span, err) }()

	buf, err := buildMemory(l.menv.memory, l.menv.data)
	if err != nil {
		return err
	}
	l.c.memory = &Memory{}
	if len(buf) == 0 {
		return nil
	}

	mem := l.c.module.Memory()
	if mem == nil || !mem.Write(0, buf) {
		return errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
			Detail("instance memory cannot hold %d bytes", len(buf)).
			Build()
	}
	view, _ := mem.Read(0, uint32(len(buf)))
	l.c.memory.buf = view
	span.SetAttributes(attribute.Int("memory.size", len(buf)))
	return nil
}

// runStart calls the start function through the context.
func (l *loader) runStart(ctx context.Context) (err error) {
	idx, ok := l.menv.Start()
	if !ok {
		return nil
	}
	ctx, span := startPhase(ctx, "start", attribute.Int("function", int(idx)))
	defer func() { endPhase(span, err) }()

	if _, err := l.c.functions[idx].Call(ctx, l.c); err != nil {
		return errors.New(errors.PhaseLink, errors.KindTrap).
			Detail("start function %d", idx).
			Cause(err).
			Build()
	}
	return nil
}

// buildMemory lays out the data initializations in a zero-filled buffer
// exactly as large as the highest segment end.
func buildMemory(decl *wasm.MemoryType, data []DataInitialization) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if decl == nil {
		return nil, errors.InvalidData(errors.PhaseMemory, []string{"data"}, "data segment without a memory")
	}

	limit := decl.Limits.Min * wasm.PageSize
	segs := make([]DataInitialization, 0, len(data))
	for i, d := range data {
		if d.Base != nil {
			err := errors.Unsupported(errors.PhaseMemory, fmt.Sprintf("offset relative to global %d", *d.Base))
			err.Path = []string{"data", fmt.Sprint(i)}
			return nil, err
		}
		end := uint64(d.Offset) + uint64(len(d.Data))
		if end > limit {
			return nil, errors.New(errors.PhaseMemory, errors.KindOutOfBounds).
				Path("data", fmt.Sprint(i)).
				Value(end).
				Detail("segment end %d exceeds initial memory of %d bytes", end, limit).
				Build()
		}
		if len(d.Data) > 0 {
			segs = append(segs, d)
		}
	}

	slices.SortStableFunc(segs, func(a, b DataInitialization) int {
		return int(int64(a.Offset) - int64(b.Offset))
	})

	var size uint64
	for _, d := range segs {
		if uint64(d.Offset) < size {
			return nil, errors.New(errors.PhaseMemory, errors.KindOverlap).
				Value(d.Offset).
				Detail("segment at %d overlaps previous segment ending at %d", d.Offset, size).
				Build()
		}
		size = uint64(d.Offset) + uint64(len(d.Data))
	}

	buf := make([]byte, size)
	for _, d := range segs {
		copy(buf[d.Offset:], d.Data)
	}
	return buf, nil
}

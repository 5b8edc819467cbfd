package main

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/fabric/config"
	"github.com/wippyai/fabric/engine"
	"github.com/wippyai/fabric/externs"
	"github.com/wippyai/fabric/wasm"
)

// Guest log levels, in the order of their constant values.
var levels = []struct {
	name  string
	level zapcore.Level
}{
	{"Error", zapcore.ErrorLevel},
	{"Warn", zapcore.WarnLevel},
	{"Info", zapcore.InfoLevel},
	{"Debug", zapcore.DebugLevel},
	{"Trace", zapcore.DebugLevel},
}

var listenerSig = engine.Signature{Params: []wasm.ValType{wasm.ValExternRef}}

type gameEvent struct {
	ints  map[string]int32
	bools map[string]bool
	name  string
}

type listener struct {
	fn         *engine.Function
	event      string
	serverSide bool
}

// gameHost is the environment a game addon links against. It serves a
// single context.
type gameHost struct {
	*engine.Imports
	logger    *zap.Logger
	guest     *zap.Logger
	listeners []listener
	mu        sync.Mutex
	callMu    sync.Mutex
}

func newGameHost(logger *zap.Logger) (*gameHost, error) {
	h := &gameHost{
		Imports: engine.NewImports(),
		logger:  logger,
		guest:   logger.Named("guest"),
	}
	for i, l := range levels {
		h.Const("LoggingSystem", "Level::"+l.name, uint32(i))
	}

	funcs := []struct {
		module, field string
		fn            any
	}{
		{"GameEventsManager", "add_listener", h.addListener},
		{"GameEvent", "get_int", h.getInt},
		{"GameEvent", "get_bool", h.getBool},
		{"LoggingSystem", "log", h.log},
	}
	for _, f := range funcs {
		if err := h.Func(f.module, f.field, f.fn); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *gameHost) addListener(c *engine.Context, ref engine.FuncRef, event uint32, serverSide bool) {
	fn, ok := c.Function(ref)
	if !ok {
		h.logger.Warn("could not resolve listener", zap.Uint32("funcref", uint32(ref)))
		return
	}
	if !fn.Signature().Equal(listenerSig) {
		h.logger.Warn("listener has wrong signature",
			zap.String("function", fn.Name()),
			zap.Stringer("signature", fn.Signature()))
		return
	}
	name, err := engine.Read[engine.CString](c.Memory(), event)
	if err != nil {
		h.logger.Warn("could not load event name", zap.Uint32("offset", event), zap.Error(err))
		return
	}

	h.logger.Debug("add_listener",
		zap.String("event", string(name)),
		zap.String("function", fn.Name()),
		zap.Bool("server_side", serverSide))

	h.mu.Lock()
	h.listeners = append(h.listeners, listener{fn: fn, event: string(name), serverSide: serverSide})
	h.mu.Unlock()
}

func (h *gameHost) getInt(c *engine.Context, ref engine.ExternRef, name uint32) int32 {
	ev := externs.Get[*gameEvent](c.Externs(), ref)
	key, err := engine.Read[engine.CString](c.Memory(), name)
	if err != nil {
		h.logger.Warn("could not load string", zap.Uint32("offset", name), zap.Error(err))
		return 0
	}
	res := ev.ints[string(key)]
	h.logger.Debug("get_int", zap.Stringer("event", ref), zap.String("name", string(key)), zap.Int32("value", res))
	return res
}

func (h *gameHost) getBool(c *engine.Context, ref engine.ExternRef, name uint32) bool {
	ev := externs.Get[*gameEvent](c.Externs(), ref)
	key, err := engine.Read[engine.CString](c.Memory(), name)
	if err != nil {
		h.logger.Warn("could not load string", zap.Uint32("offset", name), zap.Error(err))
		return false
	}
	res := ev.bools[string(key)]
	h.logger.Debug("get_bool", zap.Stringer("event", ref), zap.String("name", string(key)), zap.Bool("value", res))
	return res
}

func (h *gameHost) log(c *engine.Context, level engine.ExternRef, msg uint32) {
	v, ok := level.Value()
	if !ok || int(v) >= len(levels) {
		h.logger.Warn("invalid logging level", zap.Stringer("level", level))
		return
	}
	text, err := engine.Read[engine.CString](c.Memory(), msg)
	if err != nil {
		h.logger.Warn("could not load message", zap.Uint32("offset", msg), zap.Error(err))
		return
	}
	h.guest.Log(levels[v].level, string(text))
}

// Call invokes an export. Calls and event dispatch on the context are
// serialized.
func (h *gameHost) Call(ctx context.Context, c *engine.Context, name string, args ...uint64) ([]uint64, error) {
	h.callMu.Lock()
	defer h.callMu.Unlock()
	return c.Call(ctx, name, args...)
}

// watch logs the context's extern lifecycle at debug level.
func (h *gameHost) watch(c *engine.Context) {
	c.Externs().Subscribe(externs.ObserverFunc(func(e externs.Event) {
		h.logger.Debug("extern "+e.Type.String(),
			zap.Stringer("ref", e.Ref),
			zap.Int("live", c.Externs().Live()))
	}))
}

// Listeners returns how many listeners are registered for event.
func (h *gameHost) Listeners(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for _, l := range h.listeners {
		if l.event == event {
			n++
		}
	}
	return n
}

// Fire hands ev to every listener registered for its name and returns the
// number of listeners called. The event lives in the context's arena for
// the duration of the dispatch.
func (h *gameHost) Fire(ctx context.Context, c *engine.Context, ev config.Event) (int, error) {
	h.callMu.Lock()
	defer h.callMu.Unlock()

	h.mu.Lock()
	var targets []listener
	for _, l := range h.listeners {
		if l.event == ev.Name {
			targets = append(targets, l)
		}
	}
	h.mu.Unlock()

	ref := externs.Create(c.Externs(), &gameEvent{name: ev.Name, ints: ev.Ints, bools: ev.Bools})
	defer externs.Take[*gameEvent](c.Externs(), ref)

	for i, l := range targets {
		h.logger.Debug("dispatch",
			zap.String("event", ev.Name),
			zap.String("listener", l.fn.Name()),
			zap.Stringer("handle", ref))
		if _, err := l.fn.Call(ctx, c, uint64(ref)); err != nil {
			return i, err
		}
	}
	return len(targets), nil
}

package engine

import (
	"testing"

	"go.uber.org/zap"

	"github.com/wippyai/fabric/errors"
)

func TestImports(t *testing.T) {
	im := NewImports()
	if err := im.Func("env", "add", func(a, b int32) int32 { return a + b }); err != nil {
		t.Fatalf("Func failed: %v", err)
	}
	im.Const("log", "level", 2)

	f, ok := im.ImportFunction("env", "add")
	if !ok || f.Signature().String() != "(i32, i32) -> (i32)" {
		t.Fatalf("ImportFunction = %v, %v", f, ok)
	}
	if _, ok := im.ImportFunction("env", "sub"); ok {
		t.Error("unknown function resolved")
	}

	g, ok := im.ImportGlobal("log", "level")
	if !ok || g.Value != 2 || g.Mutable {
		t.Errorf("ImportGlobal = %+v, %v", g, ok)
	}
	if _, ok := im.ImportGlobal("env", "add"); ok {
		t.Error("function resolved as global")
	}
	if im.Len() != 2 {
		t.Errorf("Len = %d, want 2", im.Len())
	}

	err := im.Func("env", "bad", func(string) {})
	expectKind(t, err, errors.PhaseLink, errors.KindRegistration)
}

func TestSymbol(t *testing.T) {
	if got := Symbol("GameEvent", "get_int"); got != "GameEvent::get_int" {
		t.Errorf("Symbol = %q", got)
	}
}

func TestSetLogger(t *testing.T) {
	if Logger() == nil {
		t.Fatal("default logger should not be nil")
	}
	l := zap.NewExample()
	SetLogger(l)
	defer SetLogger(nil)
	if Logger() != l {
		t.Error("Logger() did not return the configured logger")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/fabric/engine"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Backend != string(engine.BackendCompiler) {
		t.Errorf("backend = %q", cfg.Engine.Backend)
	}
	if cfg.Engine.MemoryLimitPages != 256 {
		t.Errorf("memory_limit_pages = %d", cfg.Engine.MemoryLimitPages)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Run.Interactive {
		t.Error("interactive should default to false")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fabric.yaml")
	data := []byte(`
engine:
  backend: interpreter
  interruptible: true
log:
  level: debug
run:
  events:
    - name: player_spawn
      ints:
        userid: 7
      bools:
        bot: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Engine.Backend != "interpreter" || !cfg.Engine.Interruptible {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.MemoryLimitPages != 256 {
		t.Error("file should not clear defaults it does not mention")
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if len(cfg.Run.Events) != 1 {
		t.Fatalf("events = %+v", cfg.Run.Events)
	}
	ev := cfg.Run.Events[0]
	if ev.Name != "player_spawn" || ev.Ints["userid"] != 7 || !ev.Bools["bot"] {
		t.Errorf("event = %+v", ev)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"backend", "engine:\n  backend: llvm\n"},
		{"level", "log:\n  level: loud\n"},
		{"format", "log:\n  format: xml\n"},
		{"event name", "run:\n  events:\n    - ints: {a: 1}\n"},
		{"yaml", "engine: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadBytes([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestConfig_LoggerAndOptions(t *testing.T) {
	cfg, err := LoadBytes([]byte("log:\n  format: json\n  level: warn\n"))
	if err != nil {
		t.Fatal(err)
	}
	l, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger failed: %v", err)
	}
	if l.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled at warn level")
	}
	if n := len(cfg.EngineOptions(l)); n != 5 {
		t.Errorf("EngineOptions returned %d options", n)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/fabric/config"
	"github.com/wippyai/fabric/engine"
)

func main() {
	var (
		modFile     = flag.String("module", "", "Path to a .wat or .wasm module")
		cfgFile     = flag.String("config", "", "Path to a YAML config file (optional)")
		funcName    = flag.String("call", "", "Exported function to call after loading (optional)")
		callArgs    = flag.String("args", "", "Integer arguments for -call (comma-separated)")
		events      = flag.String("fire", "", "Events to fire after loading (comma-separated names)")
		list        = flag.Bool("list", false, "List exported functions and exit")
		interactive = flag.Bool("i", false, "Interactive event console")
	)
	flag.Parse()

	if *modFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -module <file> [-config fabric.yaml] [-call name -args 1,2] [-fire event,...]")
		fmt.Fprintln(os.Stderr, "       run -module <file> -list")
		fmt.Fprintln(os.Stderr, "       run -module <file> -i  (interactive mode)")
		os.Exit(1)
	}

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *interactive {
		cfg.Run.Interactive = true
	}
	for _, name := range splitList(*events) {
		cfg.Run.Events = append(cfg.Run.Events, config.Event{Name: name})
	}

	logger, err := cfg.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Run.Interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*modFile, cfg, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*modFile, cfg, logger, *funcName, *callArgs, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(modFile string, cfg *config.Config, logger *zap.Logger, funcName, argStr string, listOnly bool) error {
	ctx := context.Background()

	host, c, err := loadModule(ctx, modFile, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close(ctx)

	fmt.Printf("Module: %s\n", modFile)
	fmt.Printf("Functions: %d\n", len(c.Functions()))
	fmt.Printf("Memory: %d bytes initialized\n", c.Memory().Len())

	fmt.Printf("\nExported functions:\n")
	for _, name := range c.Exports() {
		f, _ := c.Export(name)
		fmt.Printf("  %s%s\n", name, f.Signature())
	}

	if listOnly {
		return nil
	}

	if funcName != "" {
		var args []uint64
		for _, s := range splitList(argStr) {
			v, err := strconv.ParseInt(s, 0, 64)
			if err != nil {
				return fmt.Errorf("argument %q: %w", s, err)
			}
			args = append(args, uint64(v))
		}
		fmt.Printf("\nCalling %s%v...\n", funcName, args)
		results, err := host.Call(ctx, c, funcName, args...)
		if err != nil {
			return fmt.Errorf("call %s: %w", funcName, err)
		}
		fmt.Printf("Result: %v\n", results)
	}

	for _, ev := range cfg.Run.Events {
		n, err := host.Fire(ctx, c, ev)
		if err != nil {
			return fmt.Errorf("fire %s: %w", ev.Name, err)
		}
		fmt.Printf("Fired %s: %d listener(s)\n", ev.Name, n)
	}
	return nil
}

func loadModule(ctx context.Context, modFile string, cfg *config.Config, logger *zap.Logger) (*gameHost, *engine.Context, error) {
	data, err := os.ReadFile(modFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read file: %w", err)
	}

	host, err := newGameHost(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("host environment: %w", err)
	}

	c, err := engine.Load(ctx, host, data, cfg.EngineOptions(logger)...)
	if err != nil {
		return nil, nil, fmt.Errorf("load module: %w", err)
	}
	host.watch(c)
	return host, c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

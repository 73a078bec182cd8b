package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/voxarb/pkg/logging"
	"github.com/harunnryd/voxarb/pkg/voxarb"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml config; empty uses defaults")
	interactive := flag.Bool("console", true, "read commands from stdin")
	flag.Parse()

	cfg, err := voxarb.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxarbd: %v\n", err)
		os.Exit(1)
	}
	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	con := newConsole(os.Stdout, cfg.Defaults())
	engine, err := voxarb.NewEngine(ctx, voxarb.EngineOptions{
		Config: cfg,
		Logger: logger,
		Local:  con,
		Banner: os.Stdout,
	})
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}
	con.ctrl = engine.Arbiter()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("signal_received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if *interactive {
		go func() {
			if err := con.Run(ctx, os.Stdin); errors.Is(err, errQuit) {
				cancel()
			}
		}()
	}

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine_stopped_with_error", "error", err)
		os.Exit(1)
	}
}

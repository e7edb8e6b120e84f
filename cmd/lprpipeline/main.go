// Command lprpipeline starts the plate recognition pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"lprpipeline/internal/pipeline/app"
	"lprpipeline/internal/pipeline/config"
	"lprpipeline/internal/pipeline/observability"
)

const shutdownGrace = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "failed to load .env: %v\n", err)
		return 1
	}

	printOnly := false
	if len(args) > 0 && args[0] == "print_config" {
		printOnly = true
		args = args[1:]
	}
	if err := newFlagSet("lprpipeline", stderr).Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.LoadConfig(config.LoadOptions{Args: args})
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if printOnly {
		if err := config.PrintConfig(stdout, cfg); err != nil {
			fmt.Fprintf(stderr, "failed to print config: %v\n", err)
			return 1
		}
		return 0
	}

	logger, err := observability.NewZapLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, app.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to create application", map[string]any{"error": err})
		return 1
	}
	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start application", map[string]any{"error": err})
		return 1
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+shutdownGrace)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown application", map[string]any{"error": err})
		return 1
	}
	return 0
}

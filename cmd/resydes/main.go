package main

import (
	"fmt"
	golog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/EHRI/resydes/internal/config"
	"github.com/EHRI/resydes/internal/listener"
	"github.com/EHRI/resydes/internal/logging"
	"github.com/EHRI/resydes/internal/runner"
)

func main() {
	opts := NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	if err := opts.Validate(); err != nil {
		golog.Fatalf("Invalid command line: %v", err)
	}

	logger, err := logging.New(opts.LogOptions)
	if err != nil {
		golog.Fatalf("Failed to build logger: %v", err)
	}
	log := logger.Sugar()

	if err := opts.Complete(pflag.CommandLine.Args()); err != nil {
		log.Fatalw("Invalid command line", zap.Error(err))
	}

	if err := run(log, opts); err != nil {
		log.Fatalw("Destination has encountered an error", zap.Error(err))
	}
}

func run(log *zap.SugaredLogger, opts *Options) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}

	// An unreadable logging config is fatal before the loop starts; the
	// file itself belongs to the external logging subsystem.
	if lc, ok := cfg.PropOptional(config.KeyLoggingConfigurationFile); ok {
		if _, err := os.Stat(lc); err != nil {
			return fmt.Errorf("logging configuration file: %w", err)
		}
	}

	r, err := runner.New(cfg, opts.SourcesFile, opts.Task, opts.Once, listener.NewRegistry(), log)
	if err != nil {
		return err
	}

	log.Infow("Starting ResourceSync Destination",
		"pid", os.Getpid(),
		"config_file", opts.ConfigFile,
		"sources_file", opts.SourcesFile,
		"destination_map_file", cfg.Prop(config.KeyLocationMapperDestinationFile, ""),
		"task", string(opts.Task),
		"once", opts.Once,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infow("Received signal, finishing current cycle", "signal", sig.String())
		r.Stop()
	}()

	return r.Run()
}

// Package logging builds the *zap.SugaredLogger used by every long-lived
// component of a ResourceSync Destination run, following the
// Options-struct-on-the-flag-set pattern the sync agent's CLI uses for its
// own options.
package logging

import (
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger. It is added to the CLI flag set by the
// resydes binary before flags are parsed.
type Options struct {
	Debug bool
	JSON  bool
}

// NewDefaultOptions returns the Options a fresh run starts from.
func NewDefaultOptions() Options {
	return Options{
		Debug: false,
		JSON:  true,
	}
}

// AddFlags registers the logging flags on flags.
func (o *Options) AddFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&o.Debug, "log-debug", o.Debug, "enable debug-level logging")
	flags.BoolVar(&o.JSON, "log-json", o.JSON, "emit logs as JSON instead of a human-readable console format")
}

// Validate reports configuration errors that would prevent New from
// succeeding.
func (o *Options) Validate() error {
	return nil
}

// New builds a *zap.Logger for the given Options.
func New(o Options) (*zap.Logger, error) {
	var cfg zap.Config
	if o.JSON {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	if o.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger, nil
}

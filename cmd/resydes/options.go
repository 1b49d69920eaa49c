package main

import (
	"fmt"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"

	"github.com/EHRI/resydes/internal/logging"
	"github.com/EHRI/resydes/internal/runner"
)

type Options struct {
	// ConfigFile is the key=value configuration file driving the run.
	ConfigFile string

	// TaskName selects the root processor built per source. Resolved into
	// Task by Complete.
	TaskName string
	Task     runner.Task

	// Once runs a single cycle and exits instead of looping.
	Once bool

	// SourcesFile is the positional sources-file argument, one Source URI
	// per line.
	SourcesFile string

	LogOptions logging.Options
}

func NewOptions() *Options {
	return &Options{
		ConfigFile:  "conf/config.txt",
		TaskName:    string(runner.TaskDiscover),
		SourcesFile: "conf/sources.txt",
		LogOptions:  logging.NewDefaultOptions(),
	}
}

func (o *Options) AddFlags(flags *pflag.FlagSet) {
	o.LogOptions.AddFlags(flags)

	flags.StringVarP(&o.ConfigFile, "config", "c", o.ConfigFile, "path to the key=value configuration file")
	flags.StringVarP(&o.TaskName, "task", "t", o.TaskName, "task to run per source: discover, wellknown or capability")
	flags.BoolVarP(&o.Once, "once", "o", o.Once, "run a single cycle and exit")
}

func (o *Options) Validate() error {
	errs := []error{}

	if err := o.LogOptions.Validate(); err != nil {
		errs = append(errs, err)
	}

	if _, err := runner.ParseTask(o.TaskName); err != nil {
		errs = append(errs, err)
	}

	return multierr.Combine(errs...)
}

func (o *Options) Complete(args []string) error {
	task, err := runner.ParseTask(o.TaskName)
	if err != nil {
		return err
	}
	o.Task = task

	switch len(args) {
	case 0:
		// keep the conventional conf/sources.txt default
	case 1:
		o.SourcesFile = args[0]
	default:
		return fmt.Errorf("expected at most one positional argument (the sources file), got %d", len(args))
	}

	return nil
}

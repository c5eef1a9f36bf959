// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package command wires the statcollector process surface (spec §6.4):
// a cobra root command with a single "run" subcommand that constructs a
// Dispatcher, registers every Parser/Filter/Storage/Source fragment
// found under the configuration directory, and blocks until an
// os/signal-delivered shutdown request triggers the orderly drain.
package command

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bfg/statcollector/comp/collector/dispatcher/dispatcherimpl"
	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/comp/collector/source/sourcedef"
	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/pkg/config"
)

// GlobalParams holds the flags shared by every subcommand.
type GlobalParams struct {
	ConfDir  string
	LogLevel string
}

// MakeCommand builds the root cobra.Command for the agent binary.
func MakeCommand() *cobra.Command {
	params := &GlobalParams{}

	root := &cobra.Command{
		Use:   filepath.Base(os.Args[0]),
		Short: "Host-level statistics collection agent",
	}
	root.PersistentFlags().StringVar(&params.ConfDir, "cfgdir", "/etc/statcollector", "configuration directory (expects parsers/, filters/, storages/, sources/ subdirectories)")
	root.PersistentFlags().StringVar(&params.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(makeRunCommand(params))
	return root
}

func makeRunCommand(params *GlobalParams) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline and block until shutdown is signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(params)
		},
	}
}

func newLogger(level string) *logrus.Entry {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return logrus.NewEntry(log)
}

func run(params *GlobalParams) error {
	log := newLogger(params.LogLevel)
	fs := afero.NewOsFs()

	d, err := dispatcherimpl.New(prometheus.DefaultRegisterer, log, clock.New(), fs)
	if err != nil {
		return err
	}

	if err := loadParsers(d, fs, params.ConfDir); err != nil {
		return err
	}
	if err := loadFilters(d, fs, params.ConfDir); err != nil {
		return err
	}
	if err := loadStorages(d, fs, params.ConfDir); err != nil {
		return err
	}
	if err := d.FinishInitialization(); err != nil {
		return err
	}
	if err := loadSources(d, fs, params.ConfDir); err != nil {
		return err
	}

	d.StartSources()
	log.Info("statcollector pipeline started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutdown signal received, draining pipeline")
	d.Shutdown()
	return nil
}

// loadFragments tolerates a missing subdirectory: a deployment that has
// no filters, say, simply omits the filters/ directory.
func loadFragments(fs afero.Fs, dir string) ([]config.Fragment, error) {
	if _, err := fs.Stat(dir); err != nil {
		return nil, nil
	}
	return config.LoadGlob(fs, dir, "*.conf")
}

func loadParsers(d *dispatcherimpl.StatCollector, fs afero.Fs, confDir string) error {
	fragments, err := loadFragments(fs, filepath.Join(confDir, "parsers"))
	if err != nil {
		return err
	}
	for _, f := range fragments {
		var spec parserdef.Spec
		if err := config.Decode(f.Values, &spec); err != nil {
			return err
		}
		spec.Name = f.Name
		if err := d.RegisterParser(spec); err != nil {
			return err
		}
	}
	return nil
}

func loadFilters(d *dispatcherimpl.StatCollector, fs afero.Fs, confDir string) error {
	fragments, err := loadFragments(fs, filepath.Join(confDir, "filters"))
	if err != nil {
		return err
	}
	for _, f := range fragments {
		var spec filterdef.Spec
		if err := config.Decode(f.Values, &spec); err != nil {
			return err
		}
		spec.Name = f.Name
		if err := d.RegisterFilter(spec); err != nil {
			return err
		}
	}
	return nil
}

func loadStorages(d *dispatcherimpl.StatCollector, fs afero.Fs, confDir string) error {
	fragments, err := loadFragments(fs, filepath.Join(confDir, "storages"))
	if err != nil {
		return err
	}
	for _, f := range fragments {
		var spec storagedef.Spec
		if err := config.Decode(f.Values, &spec); err != nil {
			return err
		}
		spec.Name = f.Name
		if err := d.RegisterStorage(spec); err != nil {
			return err
		}
	}
	return nil
}

func loadSources(d *dispatcherimpl.StatCollector, fs afero.Fs, confDir string) error {
	fragments, err := loadFragments(fs, filepath.Join(confDir, "sources"))
	if err != nil {
		return err
	}
	for _, f := range fragments {
		var spec sourcedef.Spec
		if err := config.Decode(f.Values, &spec); err != nil {
			return err
		}
		spec.Name = f.Name
		if err := d.RegisterSource(spec); err != nil {
			return err
		}
	}
	return nil
}

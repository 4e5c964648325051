package main

import (
	"fmt"

	"github.com/spf13/pflag"
)

type options struct {
	configPath  string
	writeConfig string
	force       bool
	validate    bool
}

func parseOptions(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("gatectl", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	fs.StringVar(&opts.writeConfig, "write-config", "", "write the default config template to this path and exit")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing file with --write-config")
	fs.BoolVar(&opts.validate, "validate", false, "load and validate configuration, then exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.force && opts.writeConfig == "" {
		return options{}, fmt.Errorf("--force requires --write-config")
	}
	return opts, nil
}

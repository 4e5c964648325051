package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/sessiongate/internal/config"
	"github.com/danmuck/sessiongate/internal/gateway"
	logs "github.com/danmuck/sessiongate/internal/logging"
)

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatectl: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "gatectl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.writeConfig != "" {
		if err := config.WriteTemplate(opts.writeConfig, opts.force); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "wrote config template to %s\n", opts.writeConfig)
		return nil
	}

	logs.ConfigureRuntime("gatectl")
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.validate {
		fmt.Fprintf(os.Stdout, "config ok name=%s port=%d backend=%s\n", cfg.Name, cfg.Port, cfg.Store.Backend)
		return nil
	}

	svc, err := gateway.NewService(context.Background(), cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}
